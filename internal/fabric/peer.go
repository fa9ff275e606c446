package fabric

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// peer is the outbound side of the connection to one remote node.
// Frames are queued by Send and written by a single goroutine.
type peer struct {
	f     *Fabric
	id    string
	conn  *grpc.ClientConn
	queue chan []byte

	// downUntil is the unix-nano time until which the peer is considered unreachable.
	downUntil atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newPeer(f *Fabric, id string) (*peer, error) {
	conn, err := grpc.NewClient(id,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(maxFrameSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", id, err)
	}

	ctx, cancel := context.WithCancel(f.ctx)
	return &peer{
		f:      f,
		id:     id,
		conn:   conn,
		queue:  make(chan []byte, f.opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (p *peer) unreachable() bool {
	return time.Now().UnixNano() < p.downUntil.Load()
}

func (p *peer) markDown() {
	p.downUntil.Store(time.Now().Add(p.f.opts.Timeout).UnixNano())
	// Frames queued for a dead stream are stale by the time it comes back.
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		p.cancel()
		p.conn.Close()
	})
}

// run keeps a stream open to the peer and drains the queue into it,
// reconnecting after failures.
func (p *peer) run() {
	logger := p.f.logger.With("peer", p.id)
	for {
		select {
		case <-p.ctx.Done():
			return
		case frame := <-p.queue:
			err := p.stream(frame)
			if p.ctx.Err() != nil {
				return
			}
			logger.Debug("peer stream failed", "error", err)
			p.markDown()
		}
	}
}

// stream opens a stream, sends pending, then keeps sending queued frames until
// the stream breaks.
func (p *peer) stream(pending []byte) error {
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx,
		nodeMetaKey, p.f.id,
		clusterMetaKey, p.f.opts.ClusterName,
	)

	opened := make(chan struct{})
	timer := time.AfterFunc(p.f.opts.Timeout, func() {
		select {
		case <-opened:
		default:
			cancel()
		}
	})
	defer timer.Stop()

	stream, err := p.conn.NewStream(ctx, &serviceDesc.Streams[0], streamMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&wrapperspb.BytesValue{Value: pending}); err != nil {
		return err
	}
	close(opened)

	// The server never sends; RecvMsg returns once the stream ends.
	go func() {
		_ = stream.RecvMsg(new(wrapperspb.BytesValue))
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-p.queue:
			if err := stream.SendMsg(&wrapperspb.BytesValue{Value: frame}); err != nil {
				return err
			}
		}
	}
}
