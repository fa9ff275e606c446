// Package protocol serves the client protocol: a Redis-compatible (RESP)
// request/response exchange on listen_addr.
//
//	PING [message]
//	GET key                  -> array of [value, context] per live sibling, or nil
//	SET key value [context]  -> OK
//	DEL key [context]        -> OK
//	CLUSTER NODES
//	CLUSTER PARTITION key    -> [partition, [replica...]]
//	QUIT
//
// A context is the textual vector clock "node=counter,..." returned by GET.
// Passing the join of every sibling context to SET resolves the siblings.
package protocol
