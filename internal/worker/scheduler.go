package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"driftkv/internal/errs"
)

// Task is a unit of client work. It receives a context carrying the request deadline.
type Task func(ctx context.Context) error

// TickFunc is invoked on a worker at every timer tick.
type TickFunc func(now time.Time)

// Options configures a Scheduler.
type Options struct {
	// Workers is the size of the pool (worker_count).
	Workers int
	// Timer is the tick resolution (worker_timer).
	Timer time.Duration
	// RequestTimeout bounds every client request (request_timeout).
	RequestTimeout time.Duration
	// QueueSize bounds each queue.
	QueueSize int
	Logger    *slog.Logger
}

type request struct {
	ctx  context.Context
	task Task
	done chan error
}

type ticker struct {
	name    string
	fn      TickFunc
	pending atomic.Bool
}

// Scheduler is a fixed pool of workers consuming client requests and internal
// events. Internal events are timer ticks and work handed over by the fabric.
type Scheduler struct {
	opts     Options
	logger   *slog.Logger
	requests chan *request
	internal chan func()
	tickers  []*ticker

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	dropped atomic.Int64
}

// New creates a scheduler. Tick handlers must be registered before Start.
func New(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Timer <= 0 {
		opts.Timer = 500 * time.Millisecond
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:     opts,
		logger:   opts.Logger.With("component", "worker"),
		requests: make(chan *request, opts.QueueSize),
		internal: make(chan func(), opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnTick registers fn to run on a worker every timer tick. A tick is skipped
// for fn while its previous run is still queued or executing.
func (s *Scheduler) OnTick(name string, fn TickFunc) {
	s.tickers = append(s.tickers, &ticker{name: name, fn: fn})
}

// Start launches the workers and the timer.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.work()
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.opts.Timer)
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case now := <-t.C:
				s.fireTicks(now)
			}
		}
	}()
	s.logger.Info("worker pool started", "workers", s.opts.Workers, "timer", s.opts.Timer)
}

// Stop stops the workers. Queued work is abandoned.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Workers returns the pool size.
func (s *Scheduler) Workers() int {
	return s.opts.Workers
}

// Dropped returns how many internal events were discarded because the queue was full.
func (s *Scheduler) Dropped() int64 {
	return s.dropped.Load()
}

// Do runs task on a worker and waits for it. If the request does not complete
// within RequestTimeout, Do returns ErrRequestTimeout; the task may still run
// but its result is discarded.
func (s *Scheduler) Do(ctx context.Context, task Task) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	req := &request{ctx: ctx, task: task, done: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return contextErr(ctx)
	case <-s.ctx.Done():
		return errs.ErrStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return contextErr(ctx)
	case <-s.ctx.Done():
		return errs.ErrStopped
	}
}

// Dispatch queues an internal event. It never blocks; when the queue is full
// the event is dropped and false is returned.
func (s *Scheduler) Dispatch(fn func()) bool {
	select {
	case s.internal <- fn:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Scheduler) fireTicks(now time.Time) {
	for _, t := range s.tickers {
		if !t.pending.CompareAndSwap(false, true) {
			continue
		}
		t := t
		if !s.Dispatch(func() {
			defer t.pending.Store(false)
			t.fn(now)
		}) {
			t.pending.Store(false)
			s.logger.Warn("tick dropped, internal queue full", "tick", t.name)
		}
	}
}

func (s *Scheduler) work() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.requests:
			s.runRequest(req)
		case fn := <-s.internal:
			s.runInternal(fn)
		}
	}
}

func (s *Scheduler) runRequest(req *request) {
	// Abandoned before a worker picked it up.
	if req.ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request panic", "panic", r)
			req.done <- errors.New("internal error")
		}
	}()
	req.done <- req.task(req.ctx)
}

func (s *Scheduler) runInternal(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("internal event panic", "panic", r)
		}
	}()
	fn()
}

func contextErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.ErrRequestTimeout
	}
	return ctx.Err()
}
