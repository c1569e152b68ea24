// Package watcher notices changes to the annotation document made outside the
// server and reconciles the in-memory copy with them.
//
// Watcher observes the document's parent directory with fsnotify, which also
// catches editors that save by writing a temp file and renaming it. On remote
// filesystems, or when ANNOSYNC_FORCE_POLL is set, it falls back to stat
// polling. Bursts of events are coalesced by a Debouncer before OnChange
// fires. Reconciler is the OnChange handler used by the server.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vanderheijden86/annosync/pkg/debug"
)

// DefaultPollInterval is how often the document is stat'ed in polling mode.
const DefaultPollInterval = 2 * time.Second

// Errors reported through OnError or returned by Start.
var (
	ErrFileRemoved    = errors.New("watched file was removed")
	ErrPermission     = errors.New("permission denied")
	ErrAlreadyStarted = errors.New("watcher already started")
)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDuration sets how long the watcher waits for the document to
// settle before reporting a change.
func WithDebounceDuration(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDuration = d
	}
}

// WithPollInterval sets the stat interval used in polling mode.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithOnChange sets the callback run after the document settles.
func WithOnChange(fn func()) WatcherOption {
	return func(w *Watcher) {
		w.onChange = fn
	}
}

// WithOnError sets the callback run for removal and watch errors.
func WithOnError(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// WithForcePoll selects polling mode even where fsnotify works.
func WithForcePoll(force bool) WatcherOption {
	return func(w *Watcher) {
		w.forcePoll = force
	}
}

// WithLogger sets the logger for mode selection and recovered panics.
func WithLogger(l *log.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = l
	}
}

type mode int

const (
	modeNotify mode = iota
	modePoll
)

func (m mode) String() string {
	if m == modePoll {
		return "poll"
	}
	return "fsnotify"
}

// docState is what the watcher last saw of the document on disk.
type docState struct {
	exists bool
	mtime  time.Time
	size   int64
}

func statDocument(path string) (docState, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return docState{}, nil
		}
		return docState{}, err
	}
	return docState{exists: true, mtime: info.ModTime(), size: info.Size()}, nil
}

// differs reports whether next should be treated as a new version of the
// document.
func (s docState) differs(next docState) bool {
	return s.exists != next.exists || next.mtime.After(s.mtime) || next.size != s.size
}

// Watcher reports changes to a single document file.
type Watcher struct {
	path             string
	debounceDuration time.Duration
	pollInterval     time.Duration
	onChange         func()
	onError          func(error)
	forcePoll        bool
	logger           *log.Logger

	debouncer *Debouncer
	changeCh  chan struct{}

	mu        sync.RWMutex
	started   bool
	mode      mode
	fsType    FilesystemType
	last      docState
	fsWatcher *fsnotify.Watcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewWatcher creates a watcher for the document at path. Nothing is watched
// until Start or Run.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:             absPath,
		debounceDuration: DefaultDebounceDuration,
		pollInterval:     DefaultPollInterval,
		onChange:         func() {},
		onError:          func(error) {},
		logger:           log.New(io.Discard, "", 0),
		changeCh:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.debouncer = NewDebouncer(w.debounceDuration)
	return w, nil
}

// Start begins watching. The document does not have to exist yet; its
// creation is reported as a change.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return ErrAlreadyStarted
	}

	state, err := statDocument(w.path)
	if err != nil {
		if os.IsPermission(err) {
			return ErrPermission
		}
		return fmt.Errorf("stat %s: %w", w.path, err)
	}
	w.last = state
	w.fsType = DetectFilesystemType(w.path)
	w.mode = w.chooseModeLocked()

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	if w.mode == modeNotify {
		fsw, err := w.openNotify()
		if err != nil {
			w.logger.Printf("watcher: fsnotify unavailable for %s, polling instead: %v", w.path, err)
			w.mode = modePoll
		} else {
			w.fsWatcher = fsw
			w.wg.Add(1)
			go w.runNotify(ctx, fsw)
		}
	}
	if w.mode == modePoll {
		w.wg.Add(1)
		go w.runPoll(ctx)
	}

	w.logger.Printf("watching %s (mode=%s, fs=%s)", w.path, w.mode, w.fsType)
	w.started = true
	return nil
}

func (w *Watcher) chooseModeLocked() mode {
	switch {
	case w.forcePoll, envBool("ANNOSYNC_FORCE_POLL"), envBool("ANNOSYNC_FORCE_POLLING"):
		return modePoll
	case isRemoteFilesystem(w.fsType):
		return modePoll
	default:
		return modeNotify
	}
}

// openNotify watches the parent directory: atomic saves replace the
// document's inode, which would silently end a watch on the file itself.
func (w *Watcher) openNotify() (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return fsw, nil
}

// Run starts the watcher and blocks until ctx is done, then stops it.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

// Stop stops watching and waits for the watch goroutine to exit. A pending
// debounced change is dropped. The Changed channel stays open.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.cancel()
	if w.fsWatcher != nil {
		w.fsWatcher.Close()
		w.fsWatcher = nil
	}
	w.debouncer.Cancel()
	w.started = false
	w.mu.Unlock()

	w.wg.Wait()
}

// IsPolling reports whether the watcher stats the document instead of
// listening for filesystem events.
func (w *Watcher) IsPolling() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.mode == modePoll
}

// IsStarted reports whether the watcher is running.
func (w *Watcher) IsStarted() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.started
}

// Changed receives after each reported change. Notifications are dropped
// while a previous one is unread.
func (w *Watcher) Changed() <-chan struct{} {
	return w.changeCh
}

// Path returns the absolute path of the document.
func (w *Watcher) Path() string {
	return w.path
}

// FilesystemType returns what the document's filesystem was detected as.
func (w *Watcher) FilesystemType() FilesystemType {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.fsType
}

// PollInterval returns the polling interval.
func (w *Watcher) PollInterval() time.Duration {
	return w.pollInterval
}

func envBool(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func (w *Watcher) runNotify(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	name := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			debug.Log("watcher: %s %s", event.Op, event.Name)

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.observe()
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

func (w *Watcher) runPoll(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.observe()
		}
	}
}

// observe compares the document on disk with what was seen last. A document
// that disappears is reported once through OnError; any other difference is
// debounced into a change.
func (w *Watcher) observe() {
	state, err := statDocument(w.path)
	if err != nil {
		if os.IsPermission(err) {
			err = ErrPermission
		}
		w.reportError(err)
		return
	}

	w.mu.Lock()
	prev := w.last
	w.last = state
	w.mu.Unlock()

	switch {
	case prev.exists && !state.exists:
		w.debouncer.Cancel()
		w.reportError(ErrFileRemoved)
	case state.exists && (prev.differs(state) || w.mode == modeNotify):
		// fsnotify events on the document are trusted even when mtime and
		// size did not move within their resolution.
		w.debouncer.Trigger(w.notifyChange)
	}
}

func (w *Watcher) notifyChange() {
	if !w.IsStarted() {
		return
	}
	w.safeCall("change", w.onChange)

	select {
	case w.changeCh <- struct{}{}:
	default:
	}
}

func (w *Watcher) reportError(err error) {
	w.safeCall("error", func() { w.onError(err) })
}

// safeCall runs a callback, logging a panic instead of letting it end the
// watch goroutine.
func (w *Watcher) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Printf("watcher: %s callback panicked: %v", name, r)
		}
	}()
	fn()
}
