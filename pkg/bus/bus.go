// Package bus pushes change events to every connected viewer.
//
// The bus owns a registry of sessions, one per open event stream. Each
// session has a bounded send queue drained by its own goroutine, which also
// fires the keepalive ping. Broadcast never blocks on a viewer: a session
// whose queue is full, or whose transport fails a write, is evicted without
// retry. Delivery is best-effort; there is no replay or acknowledgement.
package bus

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/vanderheijden86/annosync/pkg/debug"
	"github.com/vanderheijden86/annosync/pkg/metrics"
	"github.com/vanderheijden86/annosync/pkg/model"
)

// Defaults.
const (
	DefaultKeepalive  = 30 * time.Second
	DefaultSendBuffer = 64
)

// Errors.
var (
	ErrClosed       = errors.New("change bus is shut down")
	ErrSlowConsumer = errors.New("session send queue is full")
)

// Eviction reasons, used as metric labels.
const (
	reasonDisconnect = "disconnect"
	reasonWrite      = "write_error"
	reasonSlow       = "slow_consumer"
	reasonShutdown   = "shutdown"
)

// Transport is the write side of one viewer connection.
type Transport interface {
	// WriteFrame delivers one serialized event.
	WriteFrame(frame []byte) error
	// Close releases the connection. It must be safe to call more than once.
	Close() error
}

// Event is the frame written to every session.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Option configures a Bus.
type Option func(*Bus)

// WithKeepalive sets the interval between ping frames.
func WithKeepalive(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.keepalive = d
		}
	}
}

// WithSendBuffer sets how many frames may queue for one session before it is
// evicted as a slow consumer.
func WithSendBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.sendBuffer = n
		}
	}
}

// WithLogger sets the logger for session lifecycle messages.
func WithLogger(l *log.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// WithClock overrides the time source for frame timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// Bus is the registry of connected sessions. Safe for concurrent use.
type Bus struct {
	keepalive  time.Duration
	sendBuffer int
	logger     *log.Logger
	now        func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		keepalive:  DefaultKeepalive,
		sendBuffer: DefaultSendBuffer,
		logger:     log.New(io.Discard, "", 0),
		now:        time.Now,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register performs the handshake on t: a connected frame carrying the new
// session id is written directly. On success the session is open and will
// receive every later broadcast; on failure it is closed and the write error
// is returned.
func (b *Bus) Register(t Transport) (*Session, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}

	s := newSession(uuid.Must(uuid.NewV7()).String(), t, b.sendBuffer, b.now())
	frame, err := b.encode(model.EventConnected, map[string]string{"sessionId": s.id})
	if err != nil {
		s.close()
		return nil, err
	}
	if err := t.WriteFrame(frame); err != nil {
		s.close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.close()
		return nil, ErrClosed
	}
	s.setState(StateOpen)
	b.sessions[s.id] = s
	n := len(b.sessions)
	b.wg.Add(1)
	b.mu.Unlock()

	metrics.SessionsConnected.Set(float64(n))
	b.logger.Printf("session %s connected (%d open)", s.id, n)

	go b.pump(s)
	return s, nil
}

// Unregister closes the session, typically because the viewer disconnected.
func (b *Bus) Unregister(s *Session) {
	b.evict(s, reasonDisconnect, nil)
}

// Broadcast sends one event to every open session and returns how many
// sessions it was queued for. Sessions that cannot accept the frame are
// evicted. Broadcasting to zero sessions is a no-op.
func (b *Bus) Broadcast(eventType string, payload any) int {
	defer metrics.Timer(metrics.Broadcast)()
	metrics.EventsBroadcast.WithLabelValues(eventType).Inc()

	b.mu.RLock()
	targets := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		targets = append(targets, s)
	}
	b.mu.RUnlock()
	if len(targets) == 0 {
		return 0
	}

	frame, err := b.encode(eventType, payload)
	if err != nil {
		b.logger.Printf("broadcast %s: %v", eventType, err)
		return 0
	}

	sent := 0
	for _, s := range targets {
		select {
		case <-s.done:
			continue
		default:
		}
		select {
		case s.queue <- frame:
			sent++
		default:
			b.evict(s, reasonSlow, ErrSlowConsumer)
		}
	}
	debug.Log("bus: %s queued for %d/%d sessions", eventType, sent, len(targets))
	return sent
}

// Count returns the number of open sessions.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Sessions describes the open sessions.
func (b *Bus) Sessions() []Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Info, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Shutdown evicts every session, stops their keepalive timers and waits for
// their goroutines to exit. Later Register calls fail with ErrClosed.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	b.closed = true
	sessions := b.sessions
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()

	for _, s := range sessions {
		s.close()
		metrics.SessionEvictions.WithLabelValues(reasonShutdown).Inc()
	}
	metrics.SessionsConnected.Set(0)
	b.wg.Wait()
	b.logger.Printf("change bus stopped (%d sessions closed)", len(sessions))
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// pump drains the session queue and sends keepalive pings until the
// session is closed.
func (b *Bus) pump(s *Session) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.queue:
			if err := s.transport.WriteFrame(frame); err != nil {
				b.evict(s, reasonWrite, err)
				return
			}
		case <-ticker.C:
			frame, err := b.encode(model.EventPing, nil)
			if err != nil {
				continue
			}
			if err := s.transport.WriteFrame(frame); err != nil {
				b.evict(s, reasonWrite, err)
				return
			}
			s.touch(b.now())
		}
	}
}

func (b *Bus) evict(s *Session, reason string, cause error) {
	b.mu.Lock()
	_, present := b.sessions[s.id]
	delete(b.sessions, s.id)
	n := len(b.sessions)
	b.mu.Unlock()

	s.close()
	if !present {
		return
	}
	metrics.SessionsConnected.Set(float64(n))
	metrics.SessionEvictions.WithLabelValues(reason).Inc()
	if cause != nil {
		b.logger.Printf("session %s evicted (%s): %v", s.id, reason, cause)
	} else {
		b.logger.Printf("session %s closed (%d open)", s.id, n)
	}
}

func (b *Bus) encode(eventType string, data any) ([]byte, error) {
	frame, err := json.Marshal(Event{
		Type:      eventType,
		Data:      data,
		Timestamp: model.FormatTime(b.now()),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", eventType, err)
	}
	return frame, nil
}
