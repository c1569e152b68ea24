// Package export writes a point-in-time copy of the annotation document and
// both audit logs to a SQLite database for offline inspection.
package export

import (
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/vanderheijden86/annosync/pkg/auditlog"
	"github.com/vanderheijden86/annosync/pkg/metrics"
	"github.com/vanderheijden86/annosync/pkg/model"
	"github.com/vanderheijden86/annosync/pkg/version"

	_ "modernc.org/sqlite"
)

// SQLiteExporter exports a document and its logs to a SQLite database.
type SQLiteExporter struct {
	Document     model.Document
	OperationLog []auditlog.Entry
	SyncLog      []auditlog.Entry

	source string
	now    func() time.Time
	logger *log.Logger
}

// NewSQLiteExporter creates a new exporter with the given data. Either log
// may be nil.
func NewSQLiteExporter(doc model.Document, opLog, syncLog []auditlog.Entry) *SQLiteExporter {
	return &SQLiteExporter{
		Document:     doc,
		OperationLog: opLog,
		SyncLog:      syncLog,
		now:          time.Now,
		logger:       log.New(io.Discard, "", 0),
	}
}

// SetSource records the path of the document being exported in export_meta.
func (e *SQLiteExporter) SetSource(path string) {
	e.source = path
}

// SetLogger sets the logger for export progress.
func (e *SQLiteExporter) SetLogger(l *log.Logger) {
	if l != nil {
		e.logger = l
	}
}

// Export writes the database to dbPath, replacing any existing file.
func (e *SQLiteExporter) Export(dbPath string) error {
	defer metrics.Timer(metrics.ExportTime)()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing database: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	dbClosed := false
	defer func() {
		if !dbClosed {
			db.Close()
		}
	}()

	if err := CreateSchema(db); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if err := e.insertAnnotations(db); err != nil {
		return fmt.Errorf("insert annotations: %w", err)
	}

	if err := insertLog(db, "operation_log", e.OperationLog); err != nil {
		return fmt.Errorf("insert operation log: %w", err)
	}

	if err := insertLog(db, "sync_log", e.SyncLog); err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}

	if err := e.insertMeta(db); err != nil {
		return fmt.Errorf("insert meta: %w", err)
	}

	if err := OptimizeDatabase(db); err != nil {
		return fmt.Errorf("optimize database: %w", err)
	}

	if err := db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	dbClosed = true

	e.logger.Printf("export: wrote %d annotations, %d operations, %d syncs to %s",
		e.Document.Count(), len(e.OperationLog), len(e.SyncLog), dbPath)
	return nil
}

func (e *SQLiteExporter) insertAnnotations(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO annotations (page_key, element_id, name, content, timestamp, last_modified, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, pageKey := range e.Document.PageKeys() {
		for elementID, rec := range e.Document[pageKey] {
			extra := "{}"
			if len(rec.Extra) > 0 {
				extraJSON, err := json.Marshal(rec.Extra)
				if err != nil {
					return fmt.Errorf("encode extra for %s/%s: %w", pageKey, elementID, err)
				}
				extra = string(extraJSON)
			}

			_, err := stmt.Exec(
				pageKey,
				elementID,
				rec.Name,
				rec.Content,
				nullable(rec.Timestamp),
				nullable(rec.LastModified),
				extra,
			)
			if err != nil {
				return fmt.Errorf("insert annotation %s/%s: %w", pageKey, elementID, err)
			}
		}
	}

	return tx.Commit()
}

func insertLog(db *sql.DB, table string, entries []auditlog.Entry) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(fmt.Sprintf(`
		INSERT INTO %s (seq, id, timestamp, action, page_key, element_id, summary, backup, source, total_annotations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, table))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, entry := range entries {
		var total *int
		if entry.Stats != nil {
			total = &entry.Stats.TotalAnnotations
		}

		_, err := stmt.Exec(
			i+1,
			entry.ID,
			entry.Timestamp,
			entry.Action,
			nullable(entry.PageKey),
			nullable(entry.ElementID),
			nullable(entry.Summary),
			nullable(entry.BackupRef),
			nullable(entry.Source),
			total,
		)
		if err != nil {
			return fmt.Errorf("insert %s entry %s: %w", table, entry.ID, err)
		}
	}

	return tx.Commit()
}

func (e *SQLiteExporter) insertMeta(db *sql.DB) error {
	meta := map[string]string{
		"version":             version.Version,
		"generated_at":        model.FormatTime(e.now()),
		"annotation_count":    strconv.Itoa(e.Document.Count()),
		"page_count":          strconv.Itoa(len(e.Document)),
		"operation_log_count": strconv.Itoa(len(e.OperationLog)),
		"sync_log_count":      strconv.Itoa(len(e.SyncLog)),
		"schema_version":      strconv.Itoa(SchemaVersion),
	}

	if e.source != "" {
		meta["source"] = e.source
	}

	for key, value := range meta {
		if err := InsertMetaValue(db, key, value); err != nil {
			return fmt.Errorf("insert meta %s: %w", key, err)
		}
	}

	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
