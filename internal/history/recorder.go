// Package history keeps a persistent sqlite log of controller telemetry.
// The control loop only appends to an in-memory batch; a background flusher
// writes batches in one transaction each.
package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/sweeney/logsplitter/internal/errors"
	"github.com/sweeney/logsplitter/internal/telemetry"
)

const (
	defaultDirPerm       = 0o755
	defaultBatchSize     = 64
	defaultFlushInterval = 5 * time.Second
)

// Config configures a Recorder.
type Config struct {
	Path          string
	BatchSize     int
	FlushInterval time.Duration
	// MaxPending caps the in-memory batch while the disk is slow. Events
	// beyond it are counted and dropped. Zero means 16 batches.
	MaxPending int
}

// Recorder is a telemetry.Sink backed by sqlite.
type Recorder struct {
	db  *sql.DB
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	buffer  []telemetry.Event
	dropped uint64
	written uint64

	writeMu   sync.Mutex // serializes flushes
	kick      chan struct{}
	shutdown  chan struct{}
	flushDone chan struct{}
	closeOnce sync.Once
}

// Open opens or creates the database at cfg.Path and starts the flusher.
func Open(cfg Config, log zerolog.Logger) (*Recorder, error) {
	errFactory := errors.New()

	if cfg.Path == "" {
		return nil, errFactory.WithData(errors.ErrStorageInit, "empty database path")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = cfg.BatchSize * 16
	}

	dsn := cfg.Path
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), defaultDirPerm); err != nil {
			return nil, errFactory.WithData(errors.ErrStorageInit, struct {
				Phase string
				Path  string
				Error string
			}{
				Phase: "create_directory",
				Path:  cfg.Path,
				Error: err.Error(),
			})
		}
		dsn = cfg.Path + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrStorageInit, err)
	}
	// One connection keeps :memory: databases intact and writes serialized.
	db.SetMaxOpenConns(1)

	if err := migrate(db, cfg.Path, log); err != nil {
		db.Close()
		return nil, err
	}

	r := &Recorder{
		db:        db,
		cfg:       cfg,
		log:       log,
		buffer:    make([]telemetry.Event, 0, cfg.BatchSize),
		kick:      make(chan struct{}, 1),
		shutdown:  make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	go r.flusher()

	log.Info().
		Str("path", cfg.Path).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("flush_interval", cfg.FlushInterval).
		Msg("history recorder opened")
	return r, nil
}

// Emit implements telemetry.Sink. It never touches the disk.
func (r *Recorder) Emit(ev telemetry.Event) {
	r.mu.Lock()
	if len(r.buffer) >= r.cfg.MaxPending {
		r.dropped++
		r.mu.Unlock()
		return
	}
	r.buffer = append(r.buffer, ev)
	full := len(r.buffer) >= r.cfg.BatchSize
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Stats returns how many events were written and dropped.
func (r *Recorder) Stats() (written, dropped uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written, r.dropped
}

func (r *Recorder) flusher() {
	defer close(r.flushDone)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.kick:
		case <-r.shutdown:
			if err := r.Flush(); err != nil {
				r.log.Error().Err(err).Msg("final history flush failed")
			}
			return
		}
		if err := r.Flush(); err != nil {
			r.log.Error().Err(err).Msg("history flush failed")
		}
	}
}

// Flush writes everything buffered. On failure the batch is put back for
// the next attempt, subject to MaxPending.
func (r *Recorder) Flush() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	batch := r.buffer
	r.buffer = make([]telemetry.Event, 0, r.cfg.BatchSize)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := r.write(batch); err != nil {
		r.mu.Lock()
		merged := append(batch, r.buffer...)
		if over := len(merged) - r.cfg.MaxPending; over > 0 {
			r.dropped += uint64(over)
			merged = merged[over:]
		}
		r.buffer = merged
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.written += uint64(len(batch))
	r.mu.Unlock()
	r.log.Debug().Int("records", len(batch)).Msg("flushed history")
	return nil
}

func (r *Recorder) write(batch []telemetry.Event) error {
	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		return errFactory.Wrap(errors.ErrStorageWrite, err)
	}
	stmt, err := tx.Prepare(insertEventSQL)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			r.log.Error().Err(err).Msg("history rollback failed")
		}
		return errFactory.Wrap(errors.ErrStorageWrite, err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		if _, err := stmt.Exec(ev.Session, ev.Time.UnixNano(), string(ev.Type), ev.ID, ev.Value, ev.Detail); err != nil {
			if err := tx.Rollback(); err != nil {
				r.log.Error().Err(err).Msg("history rollback failed")
			}
			return errFactory.Wrap(errors.ErrStorageWrite, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(errors.ErrStorageWrite, err)
	}
	return nil
}

// Query selects stored events.
type Query struct {
	// Type restricts results to one event type when set.
	Type telemetry.Type
	// Session restricts results to one controller run when set.
	Session string
	// Since excludes older events when non-zero.
	Since time.Time
	// Limit caps the result count. Zero means 100.
	Limit int
}

// Recent returns the newest matching events, newest first. Buffered events
// not yet flushed are not included.
func (r *Recorder) Recent(ctx context.Context, q Query) ([]telemetry.Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	stmt := `SELECT session, ts, type, source, value, detail FROM events WHERE 1=1`
	var args []any
	if q.Type != "" {
		stmt += ` AND type = ?`
		args = append(args, string(q.Type))
	}
	if q.Session != "" {
		stmt += ` AND session = ?`
		args = append(args, q.Session)
	}
	if !q.Since.IsZero() {
		stmt += ` AND ts >= ?`
		args = append(args, q.Since.UnixNano())
	}
	stmt += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []telemetry.Event
	for rows.Next() {
		var (
			ev  telemetry.Event
			ts  int64
			typ string
		)
		if err := rows.Scan(&ev.Session, &ts, &typ, &ev.ID, &ev.Value, &ev.Detail); err != nil {
			return nil, errors.New().Wrap(errors.ErrUnavailable, err)
		}
		ev.Time = time.Unix(0, ts).UTC()
		ev.Type = telemetry.Type(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close stops the flusher after a final flush, checkpoints the WAL and
// closes the database.
func (r *Recorder) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		close(r.shutdown)
		<-r.flushDone

		if r.cfg.Path != ":memory:" {
			if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				closeErr = errors.New().WithData(errors.ErrStorageClose, struct {
					Phase string
					Error string
				}{
					Phase: "checkpoint_wal",
					Error: err.Error(),
				})
				r.db.Close()
				return
			}
		}
		if err := r.db.Close(); err != nil {
			closeErr = errors.New().Wrap(errors.ErrStorageClose, err)
			return
		}
		written, dropped := r.Stats()
		r.log.Info().Uint64("written", written).Uint64("dropped", dropped).Msg("history recorder closed")
	})
	return closeErr
}
