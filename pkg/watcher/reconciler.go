package watcher

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"

	"github.com/vanderheijden86/annosync/pkg/auditlog"
	"github.com/vanderheijden86/annosync/pkg/metrics"
	"github.com/vanderheijden86/annosync/pkg/model"
)

// Reloader re-reads the persisted document. *store.Store implements it.
type Reloader interface {
	Reload() (model.Document, error)
	Stats() model.Stats
}

// Broadcaster pushes an event to every viewer. *bus.Bus implements it.
type Broadcaster interface {
	Broadcast(eventType string, payload any) int
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger sets the logger for reconciliation outcomes.
func WithReconcilerLogger(l *log.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// Reconciler brings the in-memory document in line with the file after an
// external write and tells viewers about it. Reconciling after the server's
// own writes is harmless: the reload yields the same document.
type Reconciler struct {
	store   Reloader
	bus     Broadcaster
	syncLog *auditlog.Log
	logger  *log.Logger

	passes   atomic.Int64
	failures atomic.Int64
}

// NewReconciler creates a reconciler. syncLog may be nil.
func NewReconciler(store Reloader, bus Broadcaster, syncLog *auditlog.Log, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:   store,
		bus:     bus,
		syncLog: syncLog,
		logger:  log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile reloads the document and broadcasts the result. On failure the
// in-memory document is kept, an error event is broadcast and the error is
// returned.
func (r *Reconciler) Reconcile() (err error) {
	defer metrics.Timer(metrics.Reconcile)()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reconcile panicked: %v", p)
			r.fail(err)
		}
	}()

	r.passes.Add(1)
	doc, err := r.store.Reload()
	if err != nil {
		err = fmt.Errorf("reloading document: %w", err)
		r.fail(err)
		return err
	}
	stats := r.store.Stats()

	r.bus.Broadcast(model.EventAnnotationsUpdated, model.AnnotationsUpdated{
		Annotations: doc,
		Stats:       stats,
		Source:      model.SourceFileWatch,
	})
	if r.syncLog != nil {
		r.syncLog.Append(auditlog.Entry{
			Action: model.OpReload,
			Source: model.SourceFileWatch,
			Stats:  &stats,
		})
	}
	metrics.Reconciliations.WithLabelValues("ok").Inc()
	r.logger.Printf("reconciled external change: %d annotations on %d pages",
		stats.TotalAnnotations, stats.PageCount)
	return nil
}

// OnChange is a Watcher change callback.
func (r *Reconciler) OnChange() {
	_ = r.Reconcile()
}

// OnError is a Watcher error callback. It forwards the problem to viewers.
func (r *Reconciler) OnError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	if errors.Is(err, ErrFileRemoved) {
		msg = "annotation file was removed"
	}
	r.logger.Printf("watcher: %v", err)
	r.bus.Broadcast(model.EventError, model.ErrorPayload{
		Message: msg,
		Source:  model.SourceFileWatch,
	})
}

// Passes returns how many reconciliations ran.
func (r *Reconciler) Passes() int64 { return r.passes.Load() }

// Failures returns how many reconciliations failed.
func (r *Reconciler) Failures() int64 { return r.failures.Load() }

func (r *Reconciler) fail(err error) {
	r.failures.Add(1)
	metrics.Reconciliations.WithLabelValues("error").Inc()
	r.logger.Printf("reconcile failed: %v", err)
	r.bus.Broadcast(model.EventError, model.ErrorPayload{
		Message: err.Error(),
		Source:  model.SourceFileWatch,
	})
}
