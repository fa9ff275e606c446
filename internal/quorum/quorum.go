package quorum

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"driftkv/internal/errs"
	"driftkv/internal/repair"
)

// Level is the number of replica replies a client operation waits for.
type Level int

const (
	One Level = iota
	Quorum
	All
)

// ParseLevel parses "one", "quorum" or "all".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "one":
		return One, nil
	case "quorum":
		return Quorum, nil
	case "all":
		return All, nil
	default:
		return One, fmt.Errorf("unknown consistency level %q", s)
	}
}

func (l Level) String() string {
	switch l {
	case One:
		return "one"
	case Quorum:
		return "quorum"
	case All:
		return "all"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Required returns how many of n replicas must reply.
func (l Level) Required(n int) int {
	switch l {
	case All:
		return n
	case Quorum:
		return n/2 + 1
	default:
		if n == 0 {
			return 0
		}
		return 1
	}
}

// WriteResult represents the result of a fan-out write.
type WriteResult struct {
	Success  bool
	Acks     int
	Required int
	Replicas int
	// Err is set when Success is false. It wraps ErrUnavailable or ErrRequestTimeout.
	Err error
}

// ReadResult represents the result of a fan-out read.
type ReadResult struct {
	Success   bool
	Responses int
	Required  int
	Replicas  int
	// Sets holds the conflict set of every replica that answered.
	Sets map[string]repair.ConflictSet
	// Abstained lists the replicas still bootstrapping the partition. They do
	// not count toward Required and are lowered from it instead.
	Abstained []string
	Err       error
}

// ReplicaWriteFunc performs a write on a single replica.
type ReplicaWriteFunc func(ctx context.Context, replicaID string) error

// ReplicaReadFunc reads a key's conflict set from a single replica.
type ReplicaReadFunc func(ctx context.Context, replicaID string) (repair.ConflictSet, error)

type reply struct {
	replica string
	set     repair.ConflictSet
	err     error
}

// DoWrite fans a write out to every replica in parallel and returns as soon
// as required acks arrived, or once that is no longer possible.
// Replicas that have not answered keep running until ctx ends.
func DoWrite(ctx context.Context, replicas []string, required int, writeFn ReplicaWriteFunc) WriteResult {
	result := WriteResult{Required: required, Replicas: len(replicas)}
	if err := validate(len(replicas), required); err != nil {
		result.Err = err
		return result
	}

	replies := fanOut(ctx, replicas, func(ctx context.Context, rid string) (repair.ConflictSet, error) {
		return nil, writeFn(ctx, rid)
	})

	var failures []error
	for received := 0; received < len(replicas); received++ {
		select {
		case r := <-replies:
			if r.err == nil {
				result.Acks++
			} else {
				failures = append(failures, fmt.Errorf("replica %s: %w", r.replica, r.err))
			}
		case <-ctx.Done():
			result.Err = deadline(ctx, result.Acks, required, len(replicas))
			return result
		}

		if result.Acks >= required {
			result.Success = true
			return result
		}
		if len(failures) > len(replicas)-required {
			break
		}
	}

	result.Err = unavailable("acks", result.Acks, required, len(replicas), failures)
	return result
}

// DoRead fans a read out to every replica in parallel and returns as soon as
// required replicas answered, or once that is no longer possible. A replica
// answering errs.ErrBootstrapping abstains: required is capped at the number
// of replicas that can still serve the read.
func DoRead(ctx context.Context, replicas []string, required int, readFn ReplicaReadFunc) ReadResult {
	result := ReadResult{Required: required, Replicas: len(replicas), Sets: make(map[string]repair.ConflictSet)}
	if err := validate(len(replicas), required); err != nil {
		result.Err = err
		return result
	}

	replies := fanOut(ctx, replicas, readFn)

	need := required
	var failures []error
	for received := 0; received < len(replicas); received++ {
		select {
		case r := <-replies:
			switch {
			case r.err == nil:
				result.Responses++
				result.Sets[r.replica] = r.set
			case errors.Is(r.err, errs.ErrBootstrapping):
				result.Abstained = append(result.Abstained, r.replica)
				need = min(need, len(replicas)-len(result.Abstained))
			default:
				failures = append(failures, fmt.Errorf("replica %s: %w", r.replica, r.err))
			}
		case <-ctx.Done():
			result.Err = deadline(ctx, result.Responses, need, len(replicas))
			return result
		}

		if need > 0 && result.Responses >= need {
			result.Success = true
			return result
		}
		if need == 0 || len(failures) > len(replicas)-len(result.Abstained)-need {
			break
		}
	}

	if need == 0 {
		failures = append(failures, errs.ErrBootstrapping)
	}
	result.Err = unavailable("responses", result.Responses, need, len(replicas), failures)
	return result
}

func fanOut(ctx context.Context, replicas []string, fn ReplicaReadFunc) <-chan reply {
	// Buffered so late replicas never block after the caller returned.
	replies := make(chan reply, len(replicas))
	for _, replicaID := range replicas {
		go func(rid string) {
			set, err := fn(ctx, rid)
			replies <- reply{replica: rid, set: set, err: err}
		}(replicaID)
	}
	return replies
}

func validate(replicas, required int) error {
	if replicas == 0 {
		return fmt.Errorf("no replicas: %w", errs.ErrUnavailable)
	}
	if required <= 0 || required > replicas {
		return fmt.Errorf("required=%d with %d replicas: %w", required, replicas, errs.ErrUnavailable)
	}
	return nil
}

func deadline(ctx context.Context, got, required, replicas int) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("got %d of %d required (replicas=%d): %w", got, required, replicas, errs.ErrRequestTimeout)
	}
	return ctx.Err()
}

func unavailable(what string, got, required, replicas int, failures []error) error {
	msg := fmt.Sprintf("%s=%d required=%d replicas=%d", what, got, required, replicas)
	if len(failures) > 0 {
		msg += fmt.Sprintf(" errors=%v", failures[:min(3, len(failures))])
	}
	return fmt.Errorf("%s: %w", msg, errs.ErrUnavailable)
}
