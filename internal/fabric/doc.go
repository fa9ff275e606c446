// Package fabric is the internal node-to-node transport. Each node keeps one
// outbound gRPC stream per peer and receives on the streams peers open to it.
// Messages are typed frames; delivery is best-effort.
package fabric
