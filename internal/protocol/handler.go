package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/redcon"

	"driftkv/internal/clock"
	"driftkv/internal/errs"
	"driftkv/internal/metrics"
)

// CommandFunc handles one command. args excludes the command name.
type CommandFunc func(ctx context.Context, conn redcon.Conn, args [][]byte) error

type command struct {
	fn    CommandFunc
	arity int // minimum number of arguments
	max   int // maximum number of arguments, -1 for unbounded
}

// Handler executes client commands against a Backend.
type Handler struct {
	backend        Backend
	maxKeyLength   int
	maxValueLength int64
	logger         *slog.Logger
	commands       map[string]command
}

// NewHandler creates a command handler. Zero limits disable the checks.
func NewHandler(backend Backend, maxKeyLength int, maxValueLength int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		backend:        backend,
		maxKeyLength:   maxKeyLength,
		maxValueLength: maxValueLength,
		logger:         logger,
	}
	h.registerCommands()
	return h
}

func (h *Handler) registerCommands() {
	h.commands = map[string]command{
		"PING":    {fn: h.cmdPing, arity: 0, max: 1},
		"ECHO":    {fn: h.cmdEcho, arity: 1, max: 1},
		"QUIT":    {fn: h.cmdQuit, arity: 0, max: 0},
		"COMMAND": {fn: h.cmdCommand, arity: 0, max: -1},
		"GET":     {fn: h.cmdGet, arity: 1, max: 1},
		"SET":     {fn: h.cmdSet, arity: 2, max: 3},
		"DEL":     {fn: h.cmdDel, arity: 1, max: 2},
		"CLUSTER": {fn: h.cmdCluster, arity: 1, max: 2},
	}
}

// Execute runs one command and writes its reply.
func (h *Handler) Execute(ctx context.Context, conn redcon.Conn, name []byte, args [][]byte) {
	cmdName := strings.ToUpper(string(name))
	cmd, ok := h.commands[cmdName]
	if !ok {
		conn.WriteError(fmt.Sprintf("ERR unknown command '%s'", name))
		return
	}
	if len(args) < cmd.arity || (cmd.max >= 0 && len(args) > cmd.max) {
		conn.WriteError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmdName)))
		return
	}

	start := time.Now()
	err := cmd.fn(ctx, conn, args)
	status := "ok"
	if err != nil {
		status = "error"
		conn.WriteError(errorReply(err))
		if !isClientError(err) {
			h.logger.Warn("command failed", "cmd", cmdName, "error", err)
		}
	}
	metrics.RecordCommand(cmdName, time.Since(start), status)
}

func (h *Handler) cmdPing(_ context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) == 1 {
		conn.WriteBulk(args[0])
		return nil
	}
	conn.WriteString("PONG")
	return nil
}

func (h *Handler) cmdEcho(_ context.Context, conn redcon.Conn, args [][]byte) error {
	conn.WriteBulk(args[0])
	return nil
}

func (h *Handler) cmdQuit(_ context.Context, conn redcon.Conn, _ [][]byte) error {
	conn.WriteString("OK")
	conn.Close()
	return nil
}

// COMMAND is probed by redis-cli on connect; an empty reply is accepted.
func (h *Handler) cmdCommand(_ context.Context, conn redcon.Conn, _ [][]byte) error {
	conn.WriteArray(0)
	return nil
}

// GET key replies with one [value, context] pair per live sibling, or nil.
func (h *Handler) cmdGet(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	key, err := h.key(args[0])
	if err != nil {
		return err
	}
	set, err := h.backend.Get(ctx, key)
	if err != nil {
		return err
	}

	live := set.Live()
	if len(live) == 0 {
		conn.WriteNull()
		return nil
	}
	conn.WriteArray(len(live))
	for _, v := range live {
		conn.WriteArray(2)
		conn.WriteBulk(v.Value)
		conn.WriteBulkString(v.Version.Encode())
	}
	return nil
}

// SET key value [context]
func (h *Handler) cmdSet(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	key, err := h.key(args[0])
	if err != nil {
		return err
	}
	if h.maxValueLength > 0 && int64(len(args[1])) > h.maxValueLength {
		return errs.ErrValueTooLong
	}
	causal, err := parseContext(args[2:])
	if err != nil {
		return err
	}

	// The argument buffer is reused by redcon after the handler returns.
	value := append([]byte(nil), args[1]...)
	if _, err := h.backend.Put(ctx, key, value, causal); err != nil {
		return err
	}
	conn.WriteString("OK")
	return nil
}

// DEL key [context]. Without a context the tombstone supersedes every
// version currently visible.
func (h *Handler) cmdDel(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	key, err := h.key(args[0])
	if err != nil {
		return err
	}

	var causal clock.VectorClock
	if len(args) == 2 {
		if causal, err = parseContext(args[1:]); err != nil {
			return err
		}
	} else {
		set, err := h.backend.Get(ctx, key)
		if err != nil {
			return err
		}
		causal = set.Context()
	}

	if _, err := h.backend.Delete(ctx, key, causal); err != nil {
		return err
	}
	conn.WriteString("OK")
	return nil
}

// CLUSTER NODES | CLUSTER PARTITION key
func (h *Handler) cmdCluster(_ context.Context, conn redcon.Conn, args [][]byte) error {
	switch strings.ToUpper(string(args[0])) {
	case "NODES":
		view := h.backend.View()
		var sb strings.Builder
		fmt.Fprintf(&sb, "epoch %d\n", view.Epoch)
		for _, m := range view.Members {
			fmt.Fprintf(&sb, "%s %s\n", m.ID, m.State)
		}
		conn.WriteBulkString(sb.String())
		return nil
	case "PARTITION":
		if len(args) != 2 {
			return errSyntax
		}
		key, err := h.key(args[1])
		if err != nil {
			return err
		}
		partition := h.backend.PartitionFor(key)
		replicas := h.backend.Partitions().ReplicasFor(partition)
		conn.WriteArray(2)
		conn.WriteInt(partition)
		conn.WriteArray(len(replicas))
		for _, r := range replicas {
			conn.WriteBulkString(r)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown CLUSTER subcommand '%s'", errSyntax, args[0])
	}
}

func (h *Handler) key(arg []byte) (string, error) {
	if len(arg) == 0 {
		return "", errEmptyKey
	}
	if h.maxKeyLength > 0 && len(arg) > h.maxKeyLength {
		return "", errs.ErrKeyTooLong
	}
	return string(arg), nil
}

func parseContext(args [][]byte) (clock.VectorClock, error) {
	if len(args) == 0 {
		return clock.New(), nil
	}
	vc, err := clock.Parse(string(args[0]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidContext, err)
	}
	return vc, nil
}

var (
	errSyntax   = errors.New("syntax error")
	errEmptyKey = errors.New("empty key")
)

// clientErrors are reported to the client by their own message.
var clientErrors = []error{
	errs.ErrRequestTimeout,
	errs.ErrConnectionRefused,
	errs.ErrKeyTooLong,
	errs.ErrValueTooLong,
	errs.ErrInvalidContext,
	errs.ErrUnavailable,
	errSyntax,
	errEmptyKey,
}

func isClientError(err error) bool {
	for _, known := range clientErrors {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}

// errorReply renders err as a RESP error line. Client errors are reduced to
// their sentinel message.
func errorReply(err error) string {
	for _, known := range clientErrors {
		if errors.Is(err, known) {
			if known == errSyntax {
				return "ERR " + err.Error()
			}
			return "ERR " + known.Error()
		}
	}
	return "ERR " + err.Error()
}
