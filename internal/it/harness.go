package it

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/redcon"

	"driftkv/internal/config"
	"driftkv/internal/node"
	"driftkv/internal/protocol"
)

// Cluster represents an in-process test cluster. Every node serves the
// client protocol on its own loopback port.
type Cluster struct {
	nodes  []*Node
	logger *slog.Logger
	mu     sync.Mutex
}

// Node represents a single node in the test cluster
type Node struct {
	ID     string
	Addr   string
	node   *node.Node
	server *protocol.Server

	down     atomic.Bool
	stopOnce sync.Once
}

// NewCluster creates a new test cluster harness
func NewCluster(logger *slog.Logger) *Cluster {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cluster{logger: logger}
}

// NodeConfig returns the configuration used for test nodes.
func NodeConfig() config.Config {
	cfg := config.Default()
	cfg.Storage = "memory"
	cfg.Partitions = 16
	cfg.ReplicationFactor = 3
	cfg.WorkerCount = 4
	cfg.WorkerTimer = 20 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.FabricTimeout = 200 * time.Millisecond
	cfg.SyncTimeout = 2 * time.Second
	cfg.SyncMsgTimeout = 500 * time.Millisecond
	cfg.SyncIncomingMax = 64
	cfg.SyncOutgoingMax = 64
	cfg.DownTimeout = 300 * time.Millisecond
	cfg.ConsistencyRead = "all"
	cfg.ConsistencyWrite = "all"
	return cfg
}

// StartNode starts a node that joins through seeds.
func (c *Cluster) StartNode(seeds []string, tweak func(*config.Config)) (*Node, error) {
	fabricLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	cfg := NodeConfig()
	cfg.FabricAddr = fabricLis.Addr().String()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.SeedNodes = seeds
	if tweak != nil {
		tweak(&cfg)
	}

	n, err := node.New(cfg, node.Options{Logger: c.logger, FabricListener: fabricLis})
	if err != nil {
		fabricLis.Close()
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	n.Start()

	server := protocol.NewServer(cfg.ListenAddr, n, protocol.Options{
		MaxConnections: cfg.ClientConnectionMax,
		MaxKeyLength:   cfg.MaxKeyLength,
		MaxValueLength: cfg.MaxValueLength,
		Logger:         c.logger,
	})
	if err := server.Listen(); err != nil {
		n.Stop()
		return nil, fmt.Errorf("failed to listen for clients: %w", err)
	}
	go server.Serve()

	tn := &Node{ID: n.ID(), Addr: server.Addr(), node: n, server: server}
	c.mu.Lock()
	c.nodes = append(c.nodes, tn)
	c.mu.Unlock()
	return tn, nil
}

// StartCluster starts size nodes joined through the first one and waits
// until every node sees all of them Active.
func (c *Cluster) StartCluster(ctx context.Context, size int, tweak func(*config.Config)) error {
	var seeds []string
	for i := 0; i < size; i++ {
		n, err := c.StartNode(seeds, tweak)
		if err != nil {
			return err
		}
		if i == 0 {
			seeds = []string{n.ID}
		}
	}
	return c.WaitForMembers(ctx, size)
}

// WaitForMembers waits until every running node assigns partitions over exactly size members.
func (c *Cluster) WaitForMembers(ctx context.Context, size int) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.converged(size) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %d members: %w", size, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Cluster) converged(size int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		if n.stopped() {
			continue
		}
		if len(n.node.Partitions().Members) != size {
			return false
		}
	}
	return true
}

// Nodes returns the started nodes.
func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Node(nil), c.nodes...)
}

// Stop stops all nodes in the cluster
func (c *Cluster) Stop() {
	c.mu.Lock()
	nodes := c.nodes
	c.nodes = nil
	c.mu.Unlock()

	for _, n := range nodes {
		n.Stop()
	}
}

// Stop stops a single node
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.down.Store(true)
		n.server.Stop()
		n.node.Stop()
	})
}

func (n *Node) stopped() bool {
	return n.down.Load()
}

// Client dials the node's client protocol.
func (n *Node) Client() (*Client, error) {
	conn, err := net.DialTimeout("tcp", n.Addr, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Error is a RESP error reply.
type Error string

func (e Error) Error() string { return string(e) }

// Client is a minimal RESP client.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Do sends a command and reads its reply. Simple and bulk strings decode as
// string, integers as int64, arrays as []any and null replies as nil. Error
// replies are returned as Error.
func (c *Client) Do(args ...string) (any, error) {
	buf := redcon.AppendArray(nil, len(args))
	for _, a := range args {
		buf = redcon.AppendBulkString(buf, a)
	}
	if err := c.conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(buf); err != nil {
		return nil, err
	}
	reply, err := c.read()
	if err != nil {
		return nil, err
	}
	if e, ok := reply.(Error); ok {
		return nil, e
	}
	return reply, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) read() (any, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(line, "\r\n")
	if line == "" {
		return nil, errors.New("empty reply line")
	}

	switch line[0] {
	case '+':
		return line[1:], nil
	case '-':
		return Error(line[1:]), nil
	case ':':
		return strconv.ParseInt(line[1:], 10, 64)
	case '$':
		n, err := strconv.Atoi(line[1:])
		if err != nil || n < 0 {
			return nil, err
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return nil, err
		}
		return string(buf[:n]), nil
	case '*':
		n, err := strconv.Atoi(line[1:])
		if err != nil || n < 0 {
			return nil, err
		}
		out := make([]any, n)
		for i := range out {
			if out[i], err = c.read(); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected reply %q", line)
	}
}
