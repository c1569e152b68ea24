// Package config handles loading and saving annosync configuration.
//
// Configuration follows the XDG Base Directory specification:
//   - Config:  ~/.config/annosync/config.yaml
//   - Data:    ~/.local/share/annosync/ (annotation document, backups, audit logs)
//   - State:   ~/.local/state/annosync/ (exports)
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vanderheijden86/annosync/internal/atomicfile"
)

const appName = "annosync"

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	PortSpan           int           `yaml:"port_span"` // Ports tried upward from Port when it is busy
	MaxBodyBytes       int64         `yaml:"max_body_bytes,omitempty"`
	StreamWriteTimeout time.Duration `yaml:"stream_write_timeout,omitempty"`
}

// StorageConfig locates the annotation document and its side files.
type StorageConfig struct {
	DataDir    string `yaml:"data_dir,omitempty"` // Default: XDG data dir
	Document   string `yaml:"document"`
	BackupDir  string `yaml:"backup_dir,omitempty"` // Default: DataDir
	MaxBackups int    `yaml:"max_backups"`          // <= 0 keeps every snapshot
}

// SyncConfig tunes the change bus.
type SyncConfig struct {
	Keepalive  time.Duration `yaml:"keepalive"`
	SendBuffer int           `yaml:"send_buffer"`
}

// WatchConfig tunes the document watcher.
type WatchConfig struct {
	Disabled     bool          `yaml:"disabled,omitempty"`
	Debounce     time.Duration `yaml:"debounce"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ForcePoll    bool          `yaml:"force_poll,omitempty"`
}

// AuditConfig sizes the operation and sync logs.
type AuditConfig struct {
	OperationCap int  `yaml:"operation_cap"`
	SyncCap      int  `yaml:"sync_cap"`
	InMemory     bool `yaml:"in_memory,omitempty"` // Do not persist the logs
}

// Config is the top-level configuration for annosync.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	Watch   WatchConfig   `yaml:"watch"`
	Audit   AuditConfig   `yaml:"audit"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               3000,
			PortSpan:           10,
			MaxBodyBytes:       16 << 20,
			StreamWriteTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Document:   "annotations.json",
			MaxBackups: 20,
		},
		Sync: SyncConfig{
			Keepalive:  30 * time.Second,
			SendBuffer: 64,
		},
		Watch: WatchConfig{
			Debounce:     100 * time.Millisecond,
			PollInterval: 2 * time.Second,
		},
		Audit: AuditConfig{
			OperationCap: 200,
			SyncCap:      100,
		},
	}
}

// xdgDir resolves an XDG base directory for annosync: $env when set,
// otherwise the fallback below the home directory. Returns "" when neither is
// known.
func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(append(append([]string{home}, fallback...), appName)...)
}

// ConfigDir returns the XDG config directory for annosync.
func ConfigDir() string { return xdgDir("XDG_CONFIG_HOME", ".config") }

// DataDir holds the document, its backups and the audit logs.
func DataDir() string { return xdgDir("XDG_DATA_HOME", ".local", "share") }

// StateDir holds exports.
func StateDir() string { return xdgDir("XDG_STATE_HOME", ".local", "state") }

// ConfigPath returns the full path to config.yaml, or "" when there is no
// home directory.
func ConfigPath() string {
	if dir := ConfigDir(); dir != "" {
		return filepath.Join(dir, "config.yaml")
	}
	return ""
}

// Load reads the config file from the XDG config directory.
// Returns DefaultConfig if the file doesn't exist.
func Load() (Config, error) {
	path := ConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}
	return LoadFrom(path)
}

// LoadFrom reads config from a specific path. Keys missing from the file
// keep their defaults. Returns DefaultConfig if the file doesn't exist.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir)
	cfg.Storage.BackupDir = expandHome(cfg.Storage.BackupDir)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to the XDG config directory.
func Save(cfg Config) error {
	path := ConfigPath()
	if path == "" {
		return fmt.Errorf("cannot determine config directory")
	}
	return SaveTo(cfg, path)
}

// SaveTo writes the config to path, creating its directory. The file is
// replaced atomically.
func SaveTo(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.PortSpan < 1 {
		errs = append(errs, fmt.Errorf("server.port_span must be at least 1"))
	}
	if strings.TrimSpace(c.Storage.Document) == "" {
		errs = append(errs, fmt.Errorf("storage.document must be set"))
	} else if filepath.Base(c.Storage.Document) != c.Storage.Document {
		errs = append(errs, fmt.Errorf("storage.document must be a file name, got %q", c.Storage.Document))
	}
	if c.Sync.Keepalive <= 0 {
		errs = append(errs, fmt.Errorf("sync.keepalive must be positive"))
	}
	if c.Sync.SendBuffer < 1 {
		errs = append(errs, fmt.Errorf("sync.send_buffer must be at least 1"))
	}
	if c.Watch.Debounce < 0 || c.Watch.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("watch.debounce must be >= 0 and watch.poll_interval positive"))
	}
	if c.Audit.OperationCap < 1 || c.Audit.SyncCap < 1 {
		errs = append(errs, fmt.Errorf("audit caps must be at least 1"))
	}
	return errors.Join(errs...)
}

// ResolvedDataDir returns the directory holding the document, falling back
// to the XDG data directory.
func (c Config) ResolvedDataDir() string {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir
	}
	if dir := DataDir(); dir != "" {
		return dir
	}
	return "."
}

// DocumentPath returns the full path of the annotation document.
func (c Config) DocumentPath() string {
	return filepath.Join(c.ResolvedDataDir(), c.Storage.Document)
}

// BackupDir returns where snapshots are written.
func (c Config) BackupDir() string {
	if c.Storage.BackupDir != "" {
		return c.Storage.BackupDir
	}
	return c.ResolvedDataDir()
}

// OperationLogPath returns the operation log file, or "" when logs are kept
// in memory only.
func (c Config) OperationLogPath() string {
	return c.logPath("operations")
}

// SyncLogPath returns the sync log file, or "" when logs are kept in memory
// only.
func (c Config) SyncLogPath() string {
	return c.logPath("sync")
}

func (c Config) logPath(kind string) string {
	if c.Audit.InMemory {
		return ""
	}
	stem := strings.TrimSuffix(c.Storage.Document, filepath.Ext(c.Storage.Document))
	return filepath.Join(c.ResolvedDataDir(), stem+"."+kind+"-log.json")
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
