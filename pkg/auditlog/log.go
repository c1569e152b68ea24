// Package auditlog keeps the two capped diagnostic logs of the engine: the
// operation log (every store mutation) and the sync log (every event that
// triggered a broadcast).
//
// Each log is an append-only ring persisted as a JSON array. Nothing in the
// engine depends on log contents for correctness, so persistence failures
// are logged and otherwise ignored.
package auditlog

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/vanderheijden86/annosync/internal/atomicfile"
	"github.com/vanderheijden86/annosync/pkg/model"
)

// Default capacities.
const (
	DefaultOperationCap = 200
	DefaultSyncCap      = 100
)

// Entry is one line of the operation or sync log.
type Entry struct {
	ID        string       `json:"id"`
	Timestamp string       `json:"timestamp"`
	Action    string       `json:"action"`
	PageKey   string       `json:"pageKey,omitempty"`
	ElementID string       `json:"elementId,omitempty"`
	Summary   string       `json:"annotation,omitempty"`
	BackupRef string       `json:"backup,omitempty"`
	Source    string       `json:"source,omitempty"`
	Stats     *model.Stats `json:"stats,omitempty"`
	Diff      *model.Diff  `json:"diff,omitempty"`
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger used to report persistence problems.
func WithLogger(l *log.Logger) Option {
	return func(lg *Log) {
		lg.logger = l
	}
}

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(lg *Log) {
		lg.now = now
	}
}

// Log is a capped, persisted list of entries. Safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	path   string
	ring   *Ring[Entry]
	logger *log.Logger
	now    func() time.Time
}

// Open loads the log stored at path, keeping at most capacity of the newest
// entries. A missing file yields an empty log; a corrupt file is reported and
// the log starts empty. An empty path keeps the log in memory only.
func Open(path string, capacity int, opts ...Option) (*Log, error) {
	l := &Log{
		path:   path,
		ring:   NewRing[Entry](capacity),
		logger: log.New(io.Discard, "", 0),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if path == "" {
		return l, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		l.logger.Printf("audit log %s is corrupt, starting empty: %v", path, err)
		return l, nil
	}
	for _, e := range entries {
		l.ring.Push(e)
	}
	return l, nil
}

// Append stamps e with an id and timestamp when missing, stores it (dropping
// the oldest entry when full) and persists the log. The stored entry is
// returned.
func (l *Log) Append(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.Timestamp == "" {
		e.Timestamp = model.FormatTime(l.now())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring.Push(e)
	if err := l.persistLocked(); err != nil {
		l.logger.Printf("persisting audit log %s: %v", l.path, err)
	}
	return e
}

// Entries returns every entry, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.Items()
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.Len()
}

// Cap returns the maximum number of entries kept.
func (l *Log) Cap() int {
	return l.ring.Cap()
}

// Path returns the backing file, or "" for an in-memory log.
func (l *Log) Path() string {
	return l.path
}

func (l *Log) persistLocked() error {
	if l.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(l.ring.Items(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling entries: %w", err)
	}
	return atomicfile.WriteFile(l.path, data, 0o644)
}
