package node

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"driftkv/internal/clock"
	"driftkv/internal/errs"
	"driftkv/internal/fabric"
	"driftkv/internal/repair"
)

type remoteGetBody struct {
	Cookie    string
	Partition int
	Key       string
}

type remoteGetAck struct {
	Cookie string
	Set    repair.ConflictSet
	Error  string
}

// remoteSetBody either carries versions for a replica to merge (Set), or,
// with Forward, asks a replica to coordinate a client write.
type remoteSetBody struct {
	Cookie    string
	Partition int
	Key       string
	Set       repair.ConflictSet

	Forward bool
	Value   []byte
	Deleted bool
	Context clock.VectorClock
}

type remoteSetAck struct {
	Cookie  string
	Version clock.VectorClock
	Error   string
}

type remoteReply struct {
	set     repair.ConflictSet
	version clock.VectorClock
	err     error
}

// Errors that keep their identity across the fabric.
var remoteErrors = []error{
	errs.ErrNotReplica,
	errs.ErrBootstrapping,
	errs.ErrRequestTimeout,
	errs.ErrUnavailable,
	errs.ErrNodeUnreachable,
	errs.ErrStopped,
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	for _, known := range remoteErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}

func remoteError(s string) error {
	if s == "" {
		return nil
	}
	for _, known := range remoteErrors {
		if s == known.Error() {
			return known
		}
	}
	return errors.New(s)
}

// call sends a request to node and waits for the reply carrying the same cookie.
func (n *Node) call(ctx context.Context, node string, kind fabric.Kind, cookie string, body any) (remoteReply, error) {
	msg, err := fabric.NewMessage(kind, n.membership.Epoch(), body)
	if err != nil {
		return remoteReply{}, err
	}

	ch := make(chan remoteReply, 1)
	n.pending.Store(cookie, ch)
	defer n.pending.Delete(cookie)

	if err := n.fabric.Send(node, msg); err != nil {
		return remoteReply{}, err
	}
	select {
	case r := <-ch:
		return r, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return remoteReply{}, errs.ErrRequestTimeout
		}
		return remoteReply{}, ctx.Err()
	}
}

func (n *Node) remoteGet(ctx context.Context, node string, partition int, key string) (repair.ConflictSet, error) {
	cookie := uuid.NewString()
	r, err := n.call(ctx, node, fabric.KindRemoteGet, cookie, remoteGetBody{
		Cookie:    cookie,
		Partition: partition,
		Key:       key,
	})
	return r.set, err
}

func (n *Node) remoteSet(ctx context.Context, node string, partition int, key string, set repair.ConflictSet) error {
	cookie := uuid.NewString()
	_, err := n.call(ctx, node, fabric.KindRemoteSet, cookie, remoteSetBody{
		Cookie:    cookie,
		Partition: partition,
		Key:       key,
		Set:       set,
	})
	return err
}

func (n *Node) remoteForward(ctx context.Context, node string, partition int, key string, w write) (clock.VectorClock, error) {
	cookie := uuid.NewString()
	r, err := n.call(ctx, node, fabric.KindRemoteSet, cookie, remoteSetBody{
		Cookie:    cookie,
		Partition: partition,
		Key:       key,
		Forward:   true,
		Value:     w.value,
		Deleted:   w.deleted,
		Context:   w.causal,
	})
	return r.version, err
}

// handleReply completes a pending call. It runs on the fabric receive
// goroutine so replies never wait behind busy workers.
func (n *Node) handleReply(msg *fabric.Message) {
	var (
		cookie string
		reply  remoteReply
	)
	switch msg.Kind {
	case fabric.KindRemoteGetAck:
		var ack remoteGetAck
		if err := msg.Decode(&ack); err != nil {
			n.logger.Warn("malformed remote get ack", "peer", msg.From, "error", err)
			return
		}
		cookie = ack.Cookie
		reply = remoteReply{set: ack.Set, err: remoteError(ack.Error)}
	case fabric.KindRemoteSetAck:
		var ack remoteSetAck
		if err := msg.Decode(&ack); err != nil {
			n.logger.Warn("malformed remote set ack", "peer", msg.From, "error", err)
			return
		}
		cookie = ack.Cookie
		reply = remoteReply{version: ack.Version, err: remoteError(ack.Error)}
	}

	if ch, ok := n.pending.LoadAndDelete(cookie); ok {
		ch <- reply
	}
}

func (n *Node) handleRemoteGet(msg *fabric.Message) {
	var body remoteGetBody
	if err := msg.Decode(&body); err != nil {
		n.logger.Warn("malformed remote get", "peer", msg.From, "error", err)
		return
	}

	set, err := n.localGet(body.Partition, body.Key)
	n.reply(msg.From, fabric.KindRemoteGetAck, remoteGetAck{
		Cookie: body.Cookie,
		Set:    set,
		Error:  errorString(err),
	})
}

func (n *Node) handleRemoteSet(msg *fabric.Message) {
	var body remoteSetBody
	if err := msg.Decode(&body); err != nil {
		n.logger.Warn("malformed remote set", "peer", msg.From, "error", err)
		return
	}

	if body.Forward {
		// Coordinating blocks on other replicas, so it runs as a request of its own.
		go func() {
			var version clock.VectorClock
			err := n.do(context.Background(), func(ctx context.Context) error {
				v, err := n.coordinate(ctx, body.Key, write{value: body.Value, deleted: body.Deleted, causal: body.Context}, false)
				version = v
				return err
			})
			ack := remoteSetAck{Cookie: body.Cookie, Error: errorString(err)}
			if err == nil {
				ack.Version = version
			}
			n.reply(msg.From, fabric.KindRemoteSetAck, ack)
		}()
		return
	}

	var err error
	if !n.partitions.Snapshot().IsReplica(body.Partition, n.id) {
		err = errs.ErrNotReplica
	} else {
		_, _, err = n.keyspace.Merge(body.Partition, body.Key, body.Set)
	}
	n.reply(msg.From, fabric.KindRemoteSetAck, remoteSetAck{
		Cookie: body.Cookie,
		Error:  errorString(err),
	})
}

func (n *Node) reply(to string, kind fabric.Kind, body any) {
	msg, err := fabric.NewMessage(kind, n.membership.Epoch(), body)
	if err != nil {
		n.logger.Error("failed to encode reply", "kind", kind, "error", err)
		return
	}
	if err := n.fabric.Send(to, msg); err != nil {
		n.logger.Debug("failed to send reply", "peer", to, "kind", kind, "error", err)
	}
}
