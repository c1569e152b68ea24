package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanderheijden86/annosync/pkg/model"
)

// fakeTransport records frames. failAfter > 0 makes every write after the
// first failAfter writes fail; block makes writes after the handshake wait
// until the transport is closed.
type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	writes    int
	failAfter int
	block     bool
	closed    chan struct{}
	closeOnce sync.Once
	received  chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		closed:   make(chan struct{}),
		received: make(chan []byte, 128),
	}
}

func (f *fakeTransport) WriteFrame(frame []byte) error {
	f.mu.Lock()
	f.writes++
	n := f.writes
	f.mu.Unlock()

	if f.failAfter > 0 && n > f.failAfter {
		return errors.New("broken pipe")
	}
	if f.block && n > 1 {
		<-f.closed
		return errors.New("closed")
	}

	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	select {
	case f.received <- frame:
	default:
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func decode(t *testing.T, frame []byte) Event {
	t.Helper()
	var ev Event
	require.NoError(t, json.Unmarshal(frame, &ev))
	return ev
}

// next waits for the next frame of the given type, skipping others.
func next(t *testing.T, f *fakeTransport, eventType string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-f.received:
			if ev := decode(t, frame); ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s frame within deadline", eventType)
			return Event{}
		}
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s not closed", s.ID())
	}
}

func TestBroadcast_NoSessions(t *testing.T) {
	b := New()
	assert.Equal(t, 0, b.Broadcast(model.EventAnnotationsUpdated, map[string]int{"n": 1}))
}

func TestRegister_WritesConnectedFrame(t *testing.T) {
	b := New()
	defer b.Shutdown()

	ft := newFakeTransport()
	s, err := b.Register(ft)
	require.NoError(t, err)

	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, 1, b.Count())

	ev := next(t, ft, model.EventConnected)
	data, ok := ev.Data.(map[string]any)
	require.True(t, ok, "connected payload should be an object, got %T", ev.Data)
	assert.Equal(t, s.ID(), data["sessionId"])
	assert.NotEmpty(t, ev.Timestamp)
}

func TestRegister_HandshakeFailure(t *testing.T) {
	b := New()
	defer b.Shutdown()

	failing := &failingTransport{}

	s, err := b.Register(failing)
	require.Error(t, err)
	assert.Nil(t, s)
	assert.Equal(t, 0, b.Count())
	assert.True(t, failing.closed)
}

type failingTransport struct{ closed bool }

func (f *failingTransport) WriteFrame([]byte) error { return errors.New("reset by peer") }
func (f *failingTransport) Close() error            { f.closed = true; return nil }

func TestBroadcast_DeliversToEverySession(t *testing.T) {
	b := New()
	defer b.Shutdown()

	transports := []*fakeTransport{newFakeTransport(), newFakeTransport(), newFakeTransport()}
	for _, ft := range transports {
		_, err := b.Register(ft)
		require.NoError(t, err)
	}

	payload := model.AnnotationUpdated{Operation: model.OpCreate, PageKey: "p", ElementID: "e"}
	sent := b.Broadcast(model.EventAnnotationUpdated, payload)
	assert.Equal(t, 3, sent)

	for _, ft := range transports {
		ev := next(t, ft, model.EventAnnotationUpdated)
		data := ev.Data.(map[string]any)
		assert.Equal(t, "create", data["operation"])
		assert.Equal(t, "e", data["elementId"])
	}
}

func TestBroadcast_FailedWriteEvicts(t *testing.T) {
	b := New()
	defer b.Shutdown()

	healthy := newFakeTransport()
	broken := newFakeTransport()
	broken.failAfter = 1 // handshake succeeds, everything after fails

	_, err := b.Register(healthy)
	require.NoError(t, err)
	bs, err := b.Register(broken)
	require.NoError(t, err)

	b.Broadcast(model.EventAnnotationsUpdated, nil)
	waitDone(t, bs)

	assert.Equal(t, StateClosed, bs.State())
	assert.True(t, broken.isClosed())
	assert.Equal(t, 1, b.Count())

	// The healthy session is unaffected.
	next(t, healthy, model.EventAnnotationsUpdated)
	assert.Equal(t, 1, b.Broadcast(model.EventAnnotationsUpdated, nil))
}

func TestBroadcast_SlowConsumerEvicted(t *testing.T) {
	b := New(WithSendBuffer(1))
	defer b.Shutdown()

	slow := newFakeTransport()
	slow.block = true
	s, err := b.Register(slow)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 5; i++ {
		b.Broadcast(model.EventAnnotationsUpdated, i)
	}
	assert.Less(t, time.Since(start), time.Second, "broadcast must not wait on a stalled session")

	waitDone(t, s)
	assert.Equal(t, 0, b.Count())
	assert.True(t, slow.isClosed())
}

func TestKeepalive_SendsPing(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := New(WithKeepalive(10*time.Millisecond), WithClock(func() time.Time { return now }))
	defer b.Shutdown()

	ft := newFakeTransport()
	s, err := b.Register(ft)
	require.NoError(t, err)
	assert.True(t, s.LastPing().IsZero())

	ev := next(t, ft, model.EventPing)
	assert.Equal(t, "2026-01-02T03:04:05.000Z", ev.Timestamp)
	assert.Nil(t, ev.Data)

	require.Eventually(t, func() bool { return !s.LastPing().IsZero() }, time.Second, 5*time.Millisecond)
}

func TestKeepalive_FailureEvicts(t *testing.T) {
	b := New(WithKeepalive(5 * time.Millisecond))
	defer b.Shutdown()

	ft := newFakeTransport()
	ft.failAfter = 1
	s, err := b.Register(ft)
	require.NoError(t, err)

	waitDone(t, s)
	assert.Equal(t, 0, b.Count())
}

func TestUnregister(t *testing.T) {
	b := New()
	defer b.Shutdown()

	ft := newFakeTransport()
	s, err := b.Register(ft)
	require.NoError(t, err)

	b.Unregister(s)
	waitDone(t, s)
	assert.Equal(t, 0, b.Count())
	assert.True(t, ft.isClosed())

	// Unregistering twice is harmless.
	b.Unregister(s)
	assert.Equal(t, 0, b.Broadcast(model.EventAnnotationsUpdated, nil))
}

func TestShutdown(t *testing.T) {
	b := New(WithKeepalive(time.Millisecond))

	var sessions []*Session
	for i := 0; i < 3; i++ {
		s, err := b.Register(newFakeTransport())
		require.NoError(t, err)
		sessions = append(sessions, s)
	}
	assert.Len(t, b.Sessions(), 3)

	b.Shutdown()
	for _, s := range sessions {
		waitDone(t, s)
		assert.Equal(t, StateClosed, s.State())
	}
	assert.Equal(t, 0, b.Count())

	_, err := b.Register(newFakeTransport())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(9).String())
}
