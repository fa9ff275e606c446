package antientropy

import (
	"fmt"
	"sync"
	"time"

	"driftkv/internal/fabric"
)

// Direction tells whether the local node initiated a session.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// MarshalText renders the direction by name in JSON.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// State is the lifecycle stage of a session.
type State int

const (
	StateInit State = iota
	StateNegotiating
	StateStreaming
	StateCompleting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateCompleting:
		return "completing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the terminal result of a closed session.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTimedOut
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// MarshalText renders the outcome by name in JSON.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Info is a point-in-time view of a live session.
type Info struct {
	Cookie    string    `json:"cookie"`
	Peer      string    `json:"peer"`
	Partition int       `json:"partition"`
	Direction Direction `json:"direction"`
	State     State     `json:"state"`
	Inflight  int       `json:"inflight"`
	Pending   int       `json:"pending"`
	Started   time.Time `json:"started"`
	Deadline  time.Time `json:"deadline"`
	Bootstrap bool      `json:"bootstrap,omitempty"`
}

// Result describes a closed session.
type Result struct {
	Cookie    string
	Peer      string
	Partition int
	Direction Direction
	Outcome   Outcome
	// Err is nil for OutcomeOK, otherwise one of the session error kinds.
	Err      error
	Sent     int
	Received int
	Duration time.Duration
	Handoff  bool
	// Bootstrap marks a session pulling a partition the local node just gained.
	Bootstrap bool
}

type inflightFrame struct {
	key    string
	sentAt time.Time
	msg    *fabric.Message
}

type session struct {
	mu sync.Mutex

	cookie    string
	peer      string
	partition int
	direction Direction
	handoff   bool
	bootstrap bool

	state    State
	started  time.Time
	deadline time.Time
	progress time.Time

	// Outgoing only: the start frame, retransmitted until the offer arrives.
	start       *fabric.Message
	startSentAt time.Time
	// Incoming only: the offer frame, resent on a duplicate start.
	offer *fabric.Message

	queue    []string
	seq      uint64
	inflight map[uint64]*inflightFrame

	endSent   bool
	endSentAt time.Time
	end       *fabric.Message
	peerEnded bool

	sent     int
	received int
}

func newSession(cookie, peer string, partition int, dir Direction, now time.Time, timeout time.Duration) *session {
	return &session{
		cookie:    cookie,
		peer:      peer,
		partition: partition,
		direction: dir,
		state:     StateInit,
		started:   now,
		deadline:  now.Add(timeout),
		progress:  now,
		inflight:  make(map[uint64]*inflightFrame),
	}
}

func (s *session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Cookie:    s.cookie,
		Peer:      s.peer,
		Partition: s.partition,
		Direction: s.direction,
		State:     s.state,
		Inflight:  len(s.inflight),
		Pending:   len(s.queue),
		Started:   s.started,
		Deadline:  s.deadline,
		Bootstrap: s.bootstrap,
	}
}

// drained reports whether everything this side had to send was acknowledged.
func (s *session) drained() bool {
	return len(s.queue) == 0 && len(s.inflight) == 0
}

// done reports whether both sides finished streaming.
func (s *session) done() bool {
	return (s.state == StateStreaming || s.state == StateCompleting) && s.endSent && s.peerEnded && s.drained()
}
