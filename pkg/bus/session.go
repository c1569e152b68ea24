package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle stage of a session.
type State int32

// Session states. A session only moves forward: Connecting -> Open -> Closed,
// or Connecting -> Closed when the handshake fails.
const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Info is a snapshot of one session for diagnostics.
type Info struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	LastPing    time.Time `json:"last_ping,omitempty"`
	Queued      int       `json:"queued"`
}

// Session is one connected viewer. It is owned by the Bus; callers only
// observe it.
type Session struct {
	id          string
	transport   Transport
	connectedAt time.Time
	queue       chan []byte
	done        chan struct{}
	state       atomic.Int32
	lastPing    atomic.Int64 // unix nanos
	closeOnce   sync.Once
}

func newSession(id string, t Transport, buffer int, now time.Time) *Session {
	return &Session{
		id:          id,
		transport:   t,
		connectedAt: now,
		queue:       make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

// ID returns the session id. It is used for logging only; events are
// never addressed to a single session.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the session is closed, for whatever reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastPing returns when the last keepalive was written, or the zero time.
func (s *Session) LastPing() time.Time {
	ns := s.lastPing.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Info returns a diagnostic snapshot of the session.
func (s *Session) Info() Info {
	return Info{
		ID:          s.id,
		State:       s.State().String(),
		ConnectedAt: s.connectedAt,
		LastPing:    s.LastPing(),
		Queued:      len(s.queue),
	}
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) touch(now time.Time) { s.lastPing.Store(now.UnixNano()) }

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)
		_ = s.transport.Close()
	})
}
