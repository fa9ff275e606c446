package repair

import (
	"context"
	"log/slog"
	"time"
)

// PushFunc writes a reconciled conflict set to one replica.
type PushFunc func(ctx context.Context, replicaID, key string, set ConflictSet) error

// ReadRepairer performs asynchronous read repair to converge stale replicas.
type ReadRepairer struct {
	push    PushFunc
	timeout time.Duration
	logger  *slog.Logger
}

// NewReadRepairer creates a new read repairer.
func NewReadRepairer(push PushFunc, timeout time.Duration, logger *slog.Logger) *ReadRepairer {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadRepairer{
		push:    push,
		timeout: timeout,
		logger:  logger,
	}
}

// Repair pushes winners to every stale replica in the background.
// It is fire-and-forget: failures are logged and left to anti-entropy.
// The returned channel is closed once all pushes have finished.
func (r *ReadRepairer) Repair(key string, winners ConflictSet, stale []string) <-chan struct{} {
	done := make(chan struct{})
	if len(stale) == 0 || len(winners) == 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		defer func() {
			if err := recover(); err != nil {
				r.logger.Error("read repair panic", "key", key, "error", err)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		repaired, failed := 0, 0
		for _, replicaID := range stale {
			if err := r.push(ctx, replicaID, key, winners); err != nil {
				r.logger.Warn("read repair failed", "key", key, "replica", replicaID, "error", err)
				failed++
				continue
			}
			repaired++
		}
		r.logger.Debug("read repair completed", "key", key, "repaired", repaired, "failed", failed)
	}()
	return done
}
