// Package server exposes an Engine over HTTP: JSON endpoints for reads and
// mutations, and a server-sent event stream carrying change bus frames.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/vanderheijden86/annosync/pkg/backup"
	"github.com/vanderheijden86/annosync/pkg/engine"
	"github.com/vanderheijden86/annosync/pkg/metrics"
	"github.com/vanderheijden86/annosync/pkg/model"
	"github.com/vanderheijden86/annosync/pkg/store"
	"github.com/vanderheijden86/annosync/pkg/version"
)

// Defaults.
const (
	DefaultMaxBodyBytes    = 16 << 20
	DefaultWriteTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMaxBodyBytes limits request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithStreamWriteTimeout bounds a single event stream write. A viewer that
// cannot take a frame within it is disconnected.
func WithStreamWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// Server serves the annotation API.
type Server struct {
	engine          *engine.Engine
	logger          *log.Logger
	maxBodyBytes    int64
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	started         time.Time
	handler         http.Handler
}

// New creates a server for e.
func New(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine:          e,
		logger:          log.New(io.Discard, "", 0),
		maxBodyBytes:    DefaultMaxBodyBytes,
		writeTimeout:    DefaultWriteTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
		started:         time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/annotations", s.handleGetAnnotations)
	mux.HandleFunc("POST /api/annotations", s.handleReplaceAnnotations)
	mux.HandleFunc("PUT /api/annotations", s.handleReplaceAnnotations)
	mux.HandleFunc("POST /api/annotations/update", s.handleUpdateAnnotation)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("GET /api/logs/operations", s.handleOperationLog)
	mux.HandleFunc("GET /api/logs/sync", s.handleSyncLog)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/backups", s.handleBackups)
	mux.HandleFunc("GET /api/metrics", s.handleTimings)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return s.logRequests(withCORS(mux))
}

// Serve serves on ln until ctx is done, then shuts down gracefully. Open
// event streams end when ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on http://%s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-errCh
	if err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	s.logger.Printf("http server stopped")
	return nil
}

func (s *Server) handleGetAnnotations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Annotations())
}

func (s *Server) handleReplaceAnnotations(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("reading body: %w", err))
		return
	}
	doc, err := model.ParseDocument(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.engine.ReplaceAll(doc)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool        `json:"success"`
		Stats   model.Stats `json:"stats"`
		Backup  string      `json:"backup,omitempty"`
	}{true, res.Stats, res.BackupRef})
}

func (s *Server) handleUpdateAnnotation(w http.ResponseWriter, r *http.Request) {
	var req engine.UpdateRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.engine.Apply(req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success   bool   `json:"success"`
		Operation string `json:"operation"`
		PageKey   string `json:"pageKey"`
		ElementID string `json:"elementId"`
	}{true, res.Operation, res.PageKey, res.ElementID})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req engine.SyncRequest
	if err := s.decode(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := s.engine.RecordSync(req)
	writeJSON(w, http.StatusOK, struct {
		Success bool   `json:"success"`
		SyncID  string `json:"syncId"`
	}{true, id})
}

func (s *Server) handleOperationLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.OperationLog())
}

func (s *Server) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.SyncLog())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	infos, err := s.engine.Backups()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if infos == nil {
		infos = []backup.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleTimings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metrics.AllTimingStats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	writeJSON(w, http.StatusOK, struct {
		Status      string `json:"status"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime"`
		Viewers     int    `json:"viewers"`
		Annotations int    `json:"annotations"`
	}{"ok", version.Version, time.Since(s.started).Round(time.Second).String(), s.engine.Viewers(), stats.TotalAnnotations})
}

var errEmptyBody = errors.New("empty request body")

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return errEmptyBody
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidInput), errors.Is(err, model.ErrInvalidDocument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}{false, err.Error()})
}
