package history

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/logsplitter/internal/errors"
)

// SchemaVersion is bumped on every breaking change.
const SchemaVersion = 1

const (
	createTablesSQL = `
	CREATE TABLE IF NOT EXISTS schema_versions (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS events (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT    NOT NULL,
		ts      INTEGER NOT NULL CHECK (typeof(ts) = 'integer'),
		type    TEXT    NOT NULL,
		source  INTEGER NOT NULL,
		value   REAL    NOT NULL,
		detail  TEXT    NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS events_type_ts ON events (type, ts);
	CREATE INDEX IF NOT EXISTS events_session ON events (session);`

	insertEventSQL = `
	INSERT INTO events (session, ts, type, source, value, detail)
	VALUES (?, ?, ?, ?, ?, ?)`
)

// initSchema creates the tables and records the current version.
func initSchema(db *sql.DB, log zerolog.Logger) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(errors.ErrStorageInit, err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("schema rollback failed")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(errors.ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "create_tables",
			Error: err.Error(),
		})
	}
	if _, err := tx.Exec(`INSERT INTO schema_versions (version, applied_at) VALUES (?, datetime('now'))`, SchemaVersion); err != nil {
		return errFactory.WithData(errors.ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "record_version",
			Error: err.Error(),
		})
	}
	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(errors.ErrStorageInit, err)
	}
	committed = true

	log.Info().Int("version", SchemaVersion).Msg("history schema initialized")
	return nil
}

// schemaVersion returns the recorded version, or 0 for an empty database.
func schemaVersion(db *sql.DB) (int, error) {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type='table' AND name='schema_versions')`).Scan(&exists)
	if err != nil {
		return 0, errors.New().Wrap(errors.ErrStorageInit, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`SELECT version FROM schema_versions ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.New().Wrap(errors.ErrStorageInit, err)
	}
	return version, nil
}

// migrate brings db to SchemaVersion. An older schema is backed up next to
// path and recreated; a newer one is refused so a downgrade never destroys
// history.
func migrate(db *sql.DB, path string, log zerolog.Logger) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}
	switch {
	case version == SchemaVersion:
		log.Debug().Int("version", version).Msg("history schema current")
		return nil
	case version > SchemaVersion:
		return errors.New().WithData(errors.ErrSchemaVersion, fmt.Sprintf("database v%d, supported v%d", version, SchemaVersion))
	case version != 0:
		if err := backup(db, path, version, log); err != nil {
			return err
		}
		fallthrough
	default:
		// Also clears tables left by an interrupted initialisation.
		if err := dropTables(db); err != nil {
			return err
		}
	}
	return initSchema(db, log)
}

func backup(db *sql.DB, path string, version int, log zerolog.Logger) error {
	if path == ":memory:" {
		return nil
	}
	dst := fmt.Sprintf("%s.v%d.%s.bak", path, version, time.Now().UTC().Format("20060102T150405Z"))
	if _, err := os.Stat(dst); err == nil {
		return errors.New().WithData(errors.ErrStorageInit, "backup exists: "+dst)
	}
	// VACUUM INTO requires no active transaction
	if _, err := db.Exec(`VACUUM INTO ?`, dst); err != nil {
		return errors.New().WithData(errors.ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "backup",
			Path:  dst,
			Error: err.Error(),
		})
	}
	log.Info().Str("path", dst).Int("version", version).Msg("history backup created")
	return nil
}

func dropTables(db *sql.DB) error {
	for _, table := range []string{"events", "schema_versions"} {
		if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return errors.New().WithData(errors.ErrStorageInit, struct {
				Phase string
				Table string
				Error string
			}{
				Phase: "drop_table",
				Table: table,
				Error: err.Error(),
			})
		}
	}
	return nil
}
