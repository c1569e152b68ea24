package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/vanderheijden86/annosync/pkg/debug"
)

var errStreamClosed = errors.New("event stream closed")

// sseTransport writes bus frames to one server-sent event stream as
// "data: <frame>\n\n".
type sseTransport struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration

	mu        sync.Mutex // serializes writes; held by drain to fence the handler's return
	done      bool
	started   bool // a frame has been written, so the 200 is committed
	closed    chan struct{}
	closeOnce sync.Once
}

func newSSETransport(w http.ResponseWriter, writeTimeout time.Duration) *sseTransport {
	return &sseTransport{
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

func (t *sseTransport) WriteFrame(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errStreamClosed
	}
	select {
	case <-t.closed:
		return errStreamClosed
	default:
	}

	if t.writeTimeout > 0 {
		// Unsupported by some writers (httptest recorders); best effort.
		_ = t.rc.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	t.started = true
	buf := make([]byte, 0, len(frame)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, frame...)
	buf = append(buf, '\n', '\n')
	if _, err := t.w.Write(buf); err != nil {
		return err
	}
	return t.rc.Flush()
}

// Close marks the stream closed. It never blocks: it can be called by the
// bus while a write on this stream is stalled.
func (t *sseTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *sseTransport) committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// drain waits for an in-flight write to finish and rejects later ones. The
// handler calls it before returning, after which w must not be touched.
func (t *sseTransport) drain() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	// The status is committed by the connected frame Subscribe writes, so a
	// rejected subscription can still answer with an error.
	t := newSSETransport(w, s.writeTimeout)
	defer t.drain()

	session, err := s.engine.Subscribe(t)
	if err != nil {
		s.logger.Printf("event stream from %s rejected: %v", r.RemoteAddr, err)
		if !t.committed() {
			for _, k := range []string{"Cache-Control", "Connection", "X-Accel-Buffering"} {
				h.Del(k)
			}
			writeError(w, http.StatusServiceUnavailable, err)
		}
		return
	}
	debug.Log("server: event stream %s opened by %s", session.ID(), r.RemoteAddr)

	select {
	case <-r.Context().Done():
		s.engine.Unsubscribe(session)
	case <-session.Done():
	}
	debug.Log("server: event stream %s ended", session.ID())
}
