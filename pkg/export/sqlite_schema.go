package export

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is recorded in export_meta.
const SchemaVersion = 1

// CreateSchema creates all tables and indexes in the database.
func CreateSchema(db *sql.DB) error {
	if err := createCoreTables(db); err != nil {
		return fmt.Errorf("create core tables: %w", err)
	}

	if err := createLogTables(db); err != nil {
		return fmt.Errorf("create log tables: %w", err)
	}

	if err := createIndexes(db); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	if err := createMetaTable(db); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	return nil
}

// createCoreTables creates the annotations table. Client fields the engine
// does not interpret land in extra as a JSON object.
func createCoreTables(db *sql.DB) error {
	annotationsSQL := `
		CREATE TABLE IF NOT EXISTS annotations (
			page_key TEXT NOT NULL,
			element_id TEXT NOT NULL,
			name TEXT,
			content TEXT,
			timestamp TEXT,
			last_modified TEXT,
			extra TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (page_key, element_id)
		)
	`
	if _, err := db.Exec(annotationsSQL); err != nil {
		return fmt.Errorf("create annotations table: %w", err)
	}

	return nil
}

// createLogTables creates one table per audit log. seq preserves log order.
func createLogTables(db *sql.DB) error {
	for _, table := range []string{"operation_log", "sync_log"} {
		logSQL := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq INTEGER PRIMARY KEY,
				id TEXT NOT NULL,
				timestamp TEXT NOT NULL,
				action TEXT NOT NULL,
				page_key TEXT,
				element_id TEXT,
				summary TEXT,
				backup TEXT,
				source TEXT,
				total_annotations INTEGER
			)
		`, table)
		if _, err := db.Exec(logSQL); err != nil {
			return fmt.Errorf("create %s table: %w", table, err)
		}
	}

	return nil
}

func createIndexes(db *sql.DB) error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_annotations_modified ON annotations(last_modified DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_oplog_target ON operation_log(page_key, element_id)`,
		`CREATE INDEX IF NOT EXISTS idx_oplog_action ON operation_log(action)`,
		`CREATE INDEX IF NOT EXISTS idx_synclog_action ON sync_log(action)`,
	}

	for _, sql := range indexes {
		if _, err := db.Exec(sql); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	return nil
}

func createMetaTable(db *sql.DB) error {
	metaSQL := `
		CREATE TABLE IF NOT EXISTS export_meta (
			key TEXT PRIMARY KEY,
			value TEXT
		)
	`
	if _, err := db.Exec(metaSQL); err != nil {
		return fmt.Errorf("create export_meta table: %w", err)
	}

	return nil
}

// OptimizeDatabase compacts the file. Call it as the final step before
// closing the database.
func OptimizeDatabase(db *sql.DB) error {
	optimizations := []string{
		`PRAGMA journal_mode=DELETE`,
		`ANALYZE`,
		`PRAGMA optimize`,
	}

	for _, sql := range optimizations {
		if _, err := db.Exec(sql); err != nil {
			// Some pragmas may fail depending on state, continue
			continue
		}
	}

	// VACUUM must be last and outside transaction
	if _, err := db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}

	return nil
}

// InsertMetaValue inserts or updates a metadata key-value pair.
func InsertMetaValue(db *sql.DB, key, value string) error {
	sql := `INSERT OR REPLACE INTO export_meta (key, value) VALUES (?, ?)`
	_, err := db.Exec(sql, key, value)
	return err
}
