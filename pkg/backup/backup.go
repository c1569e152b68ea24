// Package backup snapshots the annotation document before destructive
// operations and restores the newest valid snapshot when the document is
// missing or unparsable at startup.
//
// Snapshots live next to the document (or in a configured directory) and use
// the same JSON shape, with a UTC timestamp in the file name:
//
//	annotations.backup-20260117T093012.123456789Z.json
package backup

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vanderheijden86/annosync/internal/atomicfile"
	"github.com/vanderheijden86/annosync/pkg/debug"
	"github.com/vanderheijden86/annosync/pkg/metrics"
	"github.com/vanderheijden86/annosync/pkg/model"
)

// DefaultMaxBackups is how many snapshots are kept when not configured.
const DefaultMaxBackups = 20

const (
	backupInfix  = ".backup-"
	corruptInfix = ".corrupt-"
	backupExt   = ".json"
	stampLayout = "20060102T150405.000000000Z"
)

// Info describes one snapshot file.
type Info struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Time    time.Time `json:"time"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithDir stores snapshots in dir instead of the document's directory.
func WithDir(dir string) Option {
	return func(m *Manager) {
		if dir != "" {
			m.dir = dir
		}
	}
}

// WithMaxBackups limits the number of snapshots kept. Zero or less keeps all.
func WithMaxBackups(n int) Option {
	return func(m *Manager) {
		m.maxBackups = n
	}
}

// WithLogger sets the logger for non-fatal snapshot and recovery problems.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock overrides the time source used to name snapshots.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns the snapshot files of one document.
type Manager struct {
	docPath    string
	dir        string
	stem       string
	maxBackups int
	logger     *log.Logger
	now        func() time.Time

	mu        sync.Mutex
	lastStamp time.Time
}

// NewManager creates a manager for the document at docPath.
func NewManager(docPath string, opts ...Option) *Manager {
	base := filepath.Base(docPath)
	m := &Manager{
		docPath:    docPath,
		dir:        filepath.Dir(docPath),
		stem:       strings.TrimSuffix(base, filepath.Ext(base)),
		maxBackups: DefaultMaxBackups,
		logger:     log.New(io.Discard, "", 0),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the directory snapshots are written to.
func (m *Manager) Dir() string {
	return m.dir
}

// Snapshot copies the current document to a new timestamped side file and
// returns the snapshot name. Failures are logged and reported as "": a
// missing snapshot never blocks the operation that asked for it.
func (m *Manager) Snapshot() string {
	defer metrics.Timer(metrics.Snapshot)()

	data, err := os.ReadFile(m.docPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			debug.Log("backup: no document at %s, nothing to snapshot", m.docPath)
		} else {
			m.logger.Printf("backup: reading %s: %v", m.docPath, err)
		}
		return ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := m.nextNameLocked()
	path := filepath.Join(m.dir, name)
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		m.logger.Printf("backup: writing %s: %v", path, err)
		return ""
	}
	debug.Log("backup: snapshot %s (%d bytes)", name, len(data))

	if err := m.pruneLocked(); err != nil {
		m.logger.Printf("backup: pruning: %v", err)
	}
	return name
}

// List returns the snapshots of the document, newest first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	prefix := m.stem + backupInfix
	var infos []Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, backupExt) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		info := Info{
			Name:    name,
			Path:    filepath.Join(m.dir, name),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), backupExt)
		if ts, err := time.Parse(stampLayout, stamp); err == nil {
			info.Time = ts
		} else {
			info.Time = fi.ModTime()
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].Time.Equal(infos[j].Time) {
			return infos[i].Time.After(infos[j].Time)
		}
		if !infos[i].ModTime.Equal(infos[j].ModTime) {
			return infos[i].ModTime.After(infos[j].ModTime)
		}
		return infos[i].Name > infos[j].Name
	})
	return infos, nil
}

// Recover restores the newest snapshot that parses as a valid document,
// writes it back as the primary document and returns it with the snapshot
// name. When no snapshot is usable an empty document is written and returned
// with an empty name. Only a failure to write the primary document is an
// error.
//
// The document being replaced is first moved aside as
// <stem>.corrupt-<stamp>.json in the backup directory. Side files are not
// snapshots: List and pruning ignore them.
func (m *Manager) Recover() (model.Document, string, error) {
	defer metrics.Timer(metrics.Recover)()

	m.setAside()

	infos, err := m.List()
	if err != nil {
		m.logger.Printf("backup: listing snapshots: %v", err)
	}

	for _, info := range infos {
		data, err := os.ReadFile(info.Path)
		if err != nil {
			m.logger.Printf("backup: reading %s: %v", info.Name, err)
			continue
		}
		doc, err := model.ParseDocument(data)
		if err != nil {
			m.logger.Printf("backup: skipping invalid snapshot %s: %v", info.Name, err)
			continue
		}
		out, err := doc.Marshal()
		if err != nil {
			return nil, "", fmt.Errorf("marshaling recovered document: %w", err)
		}
		if err := atomicfile.WriteFile(m.docPath, out, 0o644); err != nil {
			return nil, "", fmt.Errorf("restoring %s: %w", info.Name, err)
		}
		m.logger.Printf("backup: recovered %d annotations from %s", doc.Count(), info.Name)
		return doc, info.Name, nil
	}

	doc := model.Document{}
	out, _ := doc.Marshal()
	if err := atomicfile.WriteFile(m.docPath, out, 0o644); err != nil {
		return nil, "", fmt.Errorf("initializing empty document: %w", err)
	}
	m.logger.Printf("backup: no valid snapshot for %s, starting empty", m.docPath)
	return doc, "", nil
}

// setAside moves the primary document out of the way before it is
// overwritten. Anything but a regular file is left alone.
func (m *Manager) setAside() {
	fi, err := os.Lstat(m.docPath)
	if err != nil || !fi.Mode().IsRegular() {
		return
	}

	m.mu.Lock()
	name := m.stem + corruptInfix + m.nowStampLocked() + backupExt
	m.mu.Unlock()
	path := filepath.Join(m.dir, name)

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		m.logger.Printf("backup: keeping %s: %v", m.docPath, err)
		return
	}
	if err := os.Rename(m.docPath, path); err != nil {
		// The backup directory may be on another device.
		data, rerr := os.ReadFile(m.docPath)
		if rerr != nil {
			m.logger.Printf("backup: keeping %s: %v", m.docPath, rerr)
			return
		}
		if werr := atomicfile.WriteFile(path, data, 0o644); werr != nil {
			m.logger.Printf("backup: keeping %s: %v", m.docPath, werr)
			return
		}
	}
	m.logger.Printf("backup: moved unusable document aside to %s", name)
}

// nextNameLocked returns a snapshot name whose timestamp is strictly after
// the previous one, so that two snapshots never collide.
func (m *Manager) nextNameLocked() string {
	return m.stem + backupInfix + m.nowStampLocked() + backupExt
}

func (m *Manager) nowStampLocked() string {
	ts := m.now().UTC()
	if !ts.After(m.lastStamp) {
		ts = m.lastStamp.Add(time.Nanosecond)
	}
	m.lastStamp = ts
	return ts.Format(stampLayout)
}

func (m *Manager) pruneLocked() error {
	if m.maxBackups <= 0 {
		return nil
	}
	infos, err := m.List()
	if err != nil {
		return err
	}
	var errs []error
	for _, info := range infos[min(len(infos), m.maxBackups):] {
		if err := os.Remove(info.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		debug.Log("backup: pruned %s", info.Name)
	}
	return errors.Join(errs...)
}
