// Package store owns the annotation document: the in-memory copy that every
// read is served from, and the JSON file on disk that is its serialized form.
//
// Every mutation follows the same sequence: build the next document
// copy-on-write, persist it in full (temp file + rename), and only then swap
// it into memory and append an operation log entry. A failed persist leaves
// the in-memory document untouched.
//
// Mutations made through one Store are serialized by a mutex. Writers in
// other processes (an editor, a second server) are not coordinated: the last
// write to the file wins and there is no version token to reject a stale
// replace. The watcher reconciles the in-memory copy after such writes.
package store

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/vanderheijden86/annosync/internal/atomicfile"
	"github.com/vanderheijden86/annosync/pkg/auditlog"
	"github.com/vanderheijden86/annosync/pkg/backup"
	"github.com/vanderheijden86/annosync/pkg/debug"
	"github.com/vanderheijden86/annosync/pkg/metrics"
	"github.com/vanderheijden86/annosync/pkg/model"
)

// ErrInvalidInput is returned for requests rejected before any mutation.
var ErrInvalidInput = errors.New("invalid input")

// UpsertResult reports the outcome of Upsert.
type UpsertResult struct {
	// Operation is model.OpCreate or model.OpUpdate, decided by whether the
	// element existed before the call.
	Operation string
	Record    model.AnnotationRecord
}

// ReplaceResult reports the outcome of ReplaceAll.
type ReplaceResult struct {
	Stats model.Stats
	Diff  model.Diff
	// BackupRef names the snapshot taken before a destructive replace.
	BackupRef string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithBackups sets the backup manager used for snapshots and recovery.
func WithBackups(m *backup.Manager) Option {
	return func(s *Store) {
		s.backups = m
	}
}

// WithOperationLog sets the log every mutation is appended to.
func WithOperationLog(l *auditlog.Log) Option {
	return func(s *Store) {
		s.oplog = l
	}
}

// WithClock overrides the time source used for lastModified stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is the single source of truth for annotations.
type Store struct {
	path    string
	backups *backup.Manager
	oplog   *auditlog.Log
	logger  *log.Logger
	now     func() time.Time

	// writeFile persists the serialized document; replaced in tests to
	// simulate I/O failures.
	writeFile func(path string, data []byte, perm os.FileMode) error

	mu           sync.Mutex
	doc          model.Document
	lastModified time.Time
}

// New creates a store backed by the document at path. Call Load before use.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:      path,
		logger:    log.New(io.Discard, "", 0),
		now:       time.Now,
		writeFile: atomicfile.WriteFile,
		doc:       model.Document{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backups == nil {
		s.backups = backup.NewManager(path, backup.WithLogger(s.logger))
	}
	if s.oplog == nil {
		s.oplog, _ = auditlog.Open("", auditlog.DefaultOperationCap)
	}
	return s
}

// Path returns the backing document path.
func (s *Store) Path() string {
	return s.path
}

// Backups returns the backup manager of the store.
func (s *Store) Backups() *backup.Manager {
	return s.backups
}

// OperationLog returns the log mutations are appended to.
func (s *Store) OperationLog() *auditlog.Log {
	return s.oplog
}

// Load reads the persisted document into memory and returns a copy.
// A missing document is initialized empty and persisted. An unreadable or
// structurally invalid document is replaced by the newest valid backup, or
// by an empty document when no backup is usable.
func (s *Store) Load() (model.Document, error) {
	defer metrics.Timer(metrics.Load)()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			doc := model.Document{}
			if err := s.persistLocked(doc); err != nil {
				return nil, fmt.Errorf("initializing document: %w", err)
			}
			s.doc = doc
			s.lastModified = s.now()
			s.logger.Printf("created empty annotation document at %s", s.path)
			return doc.Clone(), nil
		}
		s.logger.Printf("reading %s: %v; attempting recovery", s.path, err)
		return s.recoverLocked(err)
	}

	doc, err := model.ParseDocument(data)
	if err != nil {
		s.logger.Printf("document %s is invalid: %v; attempting recovery", s.path, err)
		return s.recoverLocked(err)
	}
	s.doc = doc
	s.lastModified = s.fileModTime()
	debug.Log("store: loaded %d annotations across %d pages", doc.Count(), len(doc))
	return doc.Clone(), nil
}

// Reload re-reads the document after a change on disk. Unlike Load it never
// recovers from backups: a read or parse failure is returned and the
// in-memory document is kept as it was.
func (s *Store) Reload() (model.Document, error) {
	defer metrics.Timer(metrics.Reload)()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}
	doc, err := model.ParseDocument(data)
	if err != nil {
		return nil, err
	}
	s.doc = doc
	s.lastModified = s.fileModTime()
	return doc.Clone(), nil
}

// All returns a deep copy of the current document.
func (s *Store) All() model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// Get returns a copy of one record.
func (s *Store) Get(pageKey, elementID string) (model.AnnotationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Get(pageKey, elementID)
	return rec.Clone(), ok
}

// Stats computes aggregate counts over the current document.
func (s *Store) Stats() model.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

// ReplaceAll persists doc as the whole document. A snapshot is taken first
// when the replacement drops pages or elements.
func (s *Store) ReplaceAll(doc model.Document) (ReplaceResult, error) {
	if doc == nil {
		return ReplaceResult{}, fmt.Errorf("%w: document must be an object", ErrInvalidInput)
	}
	next := doc.Clone()
	next.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	diff := model.Compare(s.doc, next)
	var backupRef string
	if diff.Destructive() {
		backupRef = s.backups.Snapshot()
	}
	if err := s.persistLocked(next); err != nil {
		return ReplaceResult{}, fmt.Errorf("persisting document: %w", err)
	}
	s.doc = next
	s.lastModified = s.now()

	stats := s.statsLocked()
	s.logger.Printf("replaced document: pages +%d/-%d, elements +%d/-%d, now %d annotations on %d pages",
		diff.PagesAdded, diff.PagesRemoved, diff.ElementsAdded, diff.ElementsRemoved,
		stats.TotalAnnotations, stats.PageCount)
	s.oplog.Append(auditlog.Entry{
		Action:    model.OpReplaceAll,
		BackupRef: backupRef,
		Stats:     &stats,
		Diff:      &diff,
	})
	metrics.StoreMutations.WithLabelValues(model.OpReplaceAll).Inc()

	return ReplaceResult{Stats: stats, Diff: diff, BackupRef: backupRef}, nil
}

// Upsert merges patch into the record at (pageKey, elementID), creating the
// page and the record as needed, and stamps lastModified.
func (s *Store) Upsert(pageKey, elementID string, patch model.AnnotationPatch) (UpsertResult, error) {
	if pageKey == "" || elementID == "" {
		return UpsertResult{}, fmt.Errorf("%w: pageKey and elementId are required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, page := s.copyPageLocked(pageKey)
	existing, found := page[elementID]
	op := model.OpCreate
	if found {
		op = model.OpUpdate
	}

	now := s.now()
	rec := existing.Merge(patch)
	rec.ElementID = elementID
	rec.PageKey = pageKey
	rec.Touch(now)
	page[elementID] = rec

	if err := s.persistLocked(next); err != nil {
		return UpsertResult{}, fmt.Errorf("persisting document: %w", err)
	}
	s.doc = next
	s.lastModified = now

	s.oplog.Append(auditlog.Entry{
		Action:    op,
		PageKey:   pageKey,
		ElementID: elementID,
		Summary:   rec.Summary(),
	})
	metrics.StoreMutations.WithLabelValues(op).Inc()
	debug.Log("store: %s %s/%s", op, pageKey, elementID)

	return UpsertResult{Operation: op, Record: rec.Clone()}, nil
}

// Remove deletes the record at (pageKey, elementID) and returns it. Removing
// a record that does not exist is a no-op returning nil. A snapshot is taken
// before every actual deletion. The page itself is kept, even when empty.
func (s *Store) Remove(pageKey, elementID string) (*model.AnnotationRecord, error) {
	if pageKey == "" || elementID == "" {
		return nil, fmt.Errorf("%w: pageKey and elementId are required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found := s.doc.Get(pageKey, elementID)
	if !found {
		debug.Log("store: delete %s/%s: not present", pageKey, elementID)
		return nil, nil
	}

	backupRef := s.backups.Snapshot()

	next, page := s.copyPageLocked(pageKey)
	delete(page, elementID)
	if err := s.persistLocked(next); err != nil {
		return nil, fmt.Errorf("persisting document: %w", err)
	}
	s.doc = next
	s.lastModified = s.now()

	s.oplog.Append(auditlog.Entry{
		Action:    model.OpDelete,
		PageKey:   pageKey,
		ElementID: elementID,
		Summary:   existing.Summary(),
		BackupRef: backupRef,
	})
	metrics.StoreMutations.WithLabelValues(model.OpDelete).Inc()

	removed := existing.Clone()
	return &removed, nil
}

// copyPageLocked returns a shallow copy of the document in which the page
// at pageKey is a fresh map that may be modified freely. Records are values
// and are never mutated in place, so sharing the other pages is safe.
func (s *Store) copyPageLocked(pageKey string) (model.Document, model.PageAnnotations) {
	next := make(model.Document, len(s.doc)+1)
	for k, v := range s.doc {
		next[k] = v
	}
	old := s.doc[pageKey]
	page := make(model.PageAnnotations, len(old)+1)
	for k, v := range old {
		page[k] = v
	}
	next[pageKey] = page
	return next, page
}

func (s *Store) recoverLocked(cause error) (model.Document, error) {
	doc, name, err := s.backups.Recover()
	if err != nil {
		return nil, fmt.Errorf("recovering after %v: %w", cause, err)
	}
	s.doc = doc
	s.lastModified = s.now()
	s.oplog.Append(auditlog.Entry{
		Action:    model.OpRecover,
		BackupRef: name,
		Summary:   cause.Error(),
	})
	return doc.Clone(), nil
}

func (s *Store) persistLocked(doc model.Document) error {
	defer metrics.Timer(metrics.Persist)()
	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling document: %w", err)
	}
	return s.writeFile(s.path, data, 0o644)
}

func (s *Store) statsLocked() model.Stats {
	stats := s.doc.Stats()
	if !s.lastModified.IsZero() {
		stats.LastModified = model.FormatTime(s.lastModified)
	}
	return stats
}

func (s *Store) fileModTime() time.Time {
	if fi, err := os.Stat(s.path); err == nil {
		return fi.ModTime()
	}
	return s.now()
}
