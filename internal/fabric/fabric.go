package fabric

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"driftkv/internal/errs"
)

const (
	defaultQueueSize = 1024
	maxFrameSize     = 64 << 20
)

// Handler receives every inbound message. It is called from the stream's
// receive goroutine and should hand work off quickly.
type Handler func(msg *Message)

// Directory lists the nodes a broadcast reaches.
type Directory interface {
	ActiveNodes() []string
}

// Options configures a Fabric.
type Options struct {
	// ClusterName isolates traffic between clusters; streams from another cluster are refused.
	ClusterName string
	// Timeout bounds connection establishment and doubles as the reconnect backoff.
	Timeout time.Duration
	// QueueSize is the per-peer outbound frame buffer.
	QueueSize int
	// DropRate randomly discards outgoing frames. Only used to exercise loss handling.
	DropRate float64
	Logger   *slog.Logger
}

// Fabric is the node-to-node transport. Delivery is best-effort and unordered
// across distinct messages: frames queued for a peer that cannot be reached are lost.
type Fabric struct {
	id     string
	opts   Options
	lis    net.Listener
	server *grpc.Server
	logger *slog.Logger

	handler   atomic.Pointer[Handler]
	directory atomic.Pointer[Directory]

	mu      sync.RWMutex
	peers   map[string]*peer
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a fabric serving on lis. The node ID is the listener address.
func New(lis net.Listener, opts Options) *Fabric {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Fabric{
		id:     lis.Addr().String(),
		opts:   opts,
		lis:    lis,
		peers:  make(map[string]*peer),
		ctx:    ctx,
		cancel: cancel,
	}
	f.logger = opts.Logger.With("node", f.id, "component", "fabric")
	f.server = grpc.NewServer(grpc.MaxRecvMsgSize(maxFrameSize))
	f.server.RegisterService(&serviceDesc, &inbound{f: f})
	return f
}

// ID returns the local node ID.
func (f *Fabric) ID() string {
	return f.id
}

// Start begins accepting peer streams.
func (f *Fabric) Start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.server.Serve(f.lis); err != nil {
			f.logger.Error("fabric server stopped", "error", err)
		}
	}()
	f.logger.Info("fabric listening", "addr", f.lis.Addr().String())
}

// Stop closes every stream and the listener.
func (f *Fabric) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	peers := f.peers
	f.peers = make(map[string]*peer)
	f.mu.Unlock()

	f.cancel()
	for _, p := range peers {
		p.close()
	}
	f.server.Stop()
	f.wg.Wait()
}

// OnMessage registers the dispatcher for inbound messages, replacing any previous one.
func (f *Fabric) OnMessage(h Handler) {
	f.handler.Store(&h)
}

// SetDirectory sets the node list used by Broadcast.
func (f *Fabric) SetDirectory(d Directory) {
	f.directory.Store(&d)
}

// Send queues msg for delivery to node. A nil error does not imply delivery.
// ErrNodeUnreachable is returned when the peer recently failed or its queue is full.
func (f *Fabric) Send(node string, msg *Message) error {
	msg.From = f.id
	if node == f.id {
		local := *msg
		go f.dispatch(&local)
		return nil
	}

	p, err := f.peer(node)
	if err != nil {
		return err
	}
	if p.unreachable() {
		return errs.ErrNodeUnreachable
	}
	if f.opts.DropRate > 0 && rand.Float64() < f.opts.DropRate {
		return nil
	}

	frame, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	select {
	case p.queue <- frame:
		return nil
	default:
		return errs.ErrNodeUnreachable
	}
}

// Broadcast sends msg to every node of the directory except self. Failures are ignored.
func (f *Fabric) Broadcast(msg *Message) {
	d := f.directory.Load()
	if d == nil {
		return
	}
	for _, node := range (*d).ActiveNodes() {
		if node == f.id {
			continue
		}
		copied := *msg
		if err := f.Send(node, &copied); err != nil {
			f.logger.Debug("broadcast send failed", "peer", node, "kind", msg.Kind, "error", err)
		}
	}
}

// Forget closes the outbound connection to node.
func (f *Fabric) Forget(node string) {
	f.mu.Lock()
	p, ok := f.peers[node]
	delete(f.peers, node)
	f.mu.Unlock()
	if ok {
		p.close()
	}
}

// peer returns the outbound connection for node, creating it on first use.
func (f *Fabric) peer(node string) (*peer, error) {
	f.mu.RLock()
	p, exists := f.peers[node]
	stopped := f.stopped
	f.mu.RUnlock()

	if stopped {
		return nil, errs.ErrStopped
	}
	if exists {
		return p, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Double-check after acquiring write lock
	if p, exists := f.peers[node]; exists {
		return p, nil
	}
	if f.stopped {
		return nil, errs.ErrStopped
	}

	p, err := newPeer(f, node)
	if err != nil {
		return nil, err
	}
	f.peers[node] = p
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		p.run()
	}()
	return p, nil
}

func (f *Fabric) dispatch(msg *Message) {
	h := f.handler.Load()
	if h == nil {
		return
	}
	(*h)(msg)
}

// inbound serves the streams opened by remote peers.
type inbound struct {
	f *Fabric
}

func (in *inbound) Stream(stream grpc.ServerStream) error {
	f := in.f
	md, _ := metadata.FromIncomingContext(stream.Context())
	from := first(md.Get(nodeMetaKey))
	if cluster := first(md.Get(clusterMetaKey)); cluster != f.opts.ClusterName {
		f.logger.Warn("refused stream from foreign cluster", "peer", from, "cluster", cluster)
		return status.Errorf(codes.PermissionDenied, "cluster %q does not match %q", cluster, f.opts.ClusterName)
	}
	f.logger.Debug("peer stream opened", "peer", from)

	for {
		frame := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(frame); err != nil {
			f.logger.Debug("peer stream closed", "peer", from, "error", err)
			return nil
		}
		msg, err := decodeFrame(frame.GetValue())
		if err != nil {
			f.logger.Warn("dropping malformed frame", "peer", from, "error", err)
			continue
		}
		if msg.From == "" {
			msg.From = from
		}
		f.dispatch(msg)
	}
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
