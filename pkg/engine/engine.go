// Package engine coordinates one request end to end: the store persists and
// records the operation, then viewers are told about the change, then the
// broadcast is recorded in the sync log. Every API operation goes through an
// Engine; transports only decode requests and encode results.
package engine

import (
	"fmt"
	"io"
	"log"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/vanderheijden86/annosync/pkg/auditlog"
	"github.com/vanderheijden86/annosync/pkg/backup"
	"github.com/vanderheijden86/annosync/pkg/bus"
	"github.com/vanderheijden86/annosync/pkg/model"
	"github.com/vanderheijden86/annosync/pkg/store"
	"github.com/vanderheijden86/annosync/pkg/watcher"
)

// Actions accepted by Apply.
const (
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// UpdateRequest is an incremental change to a single record.
type UpdateRequest struct {
	PageKey    string                `json:"pageKey"`
	ElementID  string                `json:"elementId"`
	Annotation *model.AnnotationPatch `json:"annotation,omitempty"`
	// Action is ActionUpdate (the default when empty) or ActionDelete.
	Action string `json:"action,omitempty"`
}

// UpdateResult reports what Apply did.
type UpdateResult struct {
	Operation string                  `json:"operation"`
	PageKey   string                  `json:"pageKey"`
	ElementID string                  `json:"elementId"`
	Record    *model.AnnotationRecord `json:"annotation,omitempty"`
	Stats     model.Stats             `json:"stats"`
	// Changed is false for a delete of a record that did not exist.
	Changed bool `json:"-"`
}

// SyncRequest is a client notification that it has synced. It is logged and
// never changes the store.
type SyncRequest struct {
	Annotation json.RawMessage `json:"annotation,omitempty"`
	Action     string          `json:"action,omitempty"`
	// Timestamp is the client's clock. Log entries use the server's.
	Timestamp string `json:"timestamp,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for request outcomes.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// Engine wires the store, the change bus and the sync log together.
type Engine struct {
	store   *store.Store
	bus     *bus.Bus
	syncLog *auditlog.Log
	logger  *log.Logger
}

// New creates an engine. A nil syncLog keeps the sync log in memory only.
func New(st *store.Store, b *bus.Bus, syncLog *auditlog.Log, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		bus:     b,
		syncLog: syncLog,
		logger:  log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.syncLog == nil {
		e.syncLog, _ = auditlog.Open("", auditlog.DefaultSyncCap)
	}
	return e
}

// Annotations returns a copy of the whole document.
func (e *Engine) Annotations() model.Document {
	return e.store.All()
}

// Stats returns aggregate counts over the document.
func (e *Engine) Stats() model.Stats {
	return e.store.Stats()
}

// ReplaceAll replaces the whole document and broadcasts it.
func (e *Engine) ReplaceAll(doc model.Document) (store.ReplaceResult, error) {
	res, err := e.store.ReplaceAll(doc)
	if err != nil {
		return store.ReplaceResult{}, err
	}

	n := e.bus.Broadcast(model.EventAnnotationsUpdated, model.AnnotationsUpdated{
		Annotations: e.store.All(),
		Stats:       res.Stats,
		Source:      model.SourceReplaceAll,
	})
	e.syncLog.Append(auditlog.Entry{
		Action:    model.OpReplaceAll,
		Source:    model.SourceReplaceAll,
		BackupRef: res.BackupRef,
		Stats:     &res.Stats,
		Diff:      &res.Diff,
	})
	e.logger.Printf("replace all: %d annotations on %d pages, sent to %d viewers",
		res.Stats.TotalAnnotations, res.Stats.PageCount, n)
	return res, nil
}

// Apply performs an incremental upsert or delete and broadcasts the change.
func (e *Engine) Apply(req UpdateRequest) (UpdateResult, error) {
	action := strings.ToLower(strings.TrimSpace(req.Action))
	if action == "" {
		action = ActionUpdate
	}

	res := UpdateResult{PageKey: req.PageKey, ElementID: req.ElementID}
	switch action {
	case ActionUpdate:
		var patch model.AnnotationPatch
		if req.Annotation != nil {
			patch = *req.Annotation
		}
		up, err := e.store.Upsert(req.PageKey, req.ElementID, patch)
		if err != nil {
			return UpdateResult{}, err
		}
		res.Operation = up.Operation
		res.Record = &up.Record
		res.Changed = true

	case ActionDelete:
		removed, err := e.store.Remove(req.PageKey, req.ElementID)
		if err != nil {
			return UpdateResult{}, err
		}
		res.Operation = model.OpDelete
		res.Record = removed
		res.Changed = removed != nil

	default:
		return UpdateResult{}, fmt.Errorf("%w: unknown action %q", store.ErrInvalidInput, req.Action)
	}

	res.Stats = e.store.Stats()
	if !res.Changed {
		return res, nil
	}

	n := e.bus.Broadcast(model.EventAnnotationUpdated, model.AnnotationUpdated{
		Operation:  res.Operation,
		PageKey:    res.PageKey,
		ElementID:  res.ElementID,
		Annotation: res.Record,
		Stats:      res.Stats,
	})
	entry := auditlog.Entry{
		Action:    res.Operation,
		PageKey:   res.PageKey,
		ElementID: res.ElementID,
		Source:    model.SourceAPI,
		Stats:     &res.Stats,
	}
	if res.Record != nil {
		entry.Summary = res.Record.Summary()
	}
	e.syncLog.Append(entry)
	e.logger.Printf("%s %s/%s, sent to %d viewers", res.Operation, res.PageKey, res.ElementID, n)
	return res, nil
}

// RecordSync logs a client sync notification and returns its id.
func (e *Engine) RecordSync(req SyncRequest) string {
	id := uuid.Must(uuid.NewV7()).String()
	entry := auditlog.Entry{
		ID:     id,
		Action: model.OpSync,
		Source: model.SourceAPI,
	}
	if req.Action != "" {
		entry.Action = model.OpSync + ":" + req.Action
	}
	if len(req.Annotation) > 0 {
		var rec model.AnnotationRecord
		if err := json.Unmarshal(req.Annotation, &rec); err == nil {
			entry.PageKey = rec.PageKey
			entry.ElementID = rec.ElementID
			entry.Summary = rec.Summary()
		}
	}
	e.syncLog.Append(entry)
	return id
}

// OperationLog returns the store mutations, oldest first.
func (e *Engine) OperationLog() []auditlog.Entry {
	return e.store.OperationLog().Entries()
}

// SyncLog returns the broadcast-triggering events, oldest first.
func (e *Engine) SyncLog() []auditlog.Entry {
	return e.syncLog.Entries()
}

// Backups lists the document snapshots, newest first.
func (e *Engine) Backups() ([]backup.Info, error) {
	return e.store.Backups().List()
}

// Subscribe registers a viewer with the change bus.
func (e *Engine) Subscribe(t bus.Transport) (*bus.Session, error) {
	return e.bus.Register(t)
}

// Unsubscribe removes a viewer from the change bus.
func (e *Engine) Unsubscribe(s *bus.Session) {
	e.bus.Unregister(s)
}

// Viewers returns the number of connected viewers.
func (e *Engine) Viewers() int {
	return e.bus.Count()
}

// Reconciler returns a watcher callback target that reloads this engine's
// store and broadcasts on its bus.
func (e *Engine) Reconciler(opts ...watcher.ReconcilerOption) *watcher.Reconciler {
	return watcher.NewReconciler(e.store, e.bus, e.syncLog, opts...)
}
