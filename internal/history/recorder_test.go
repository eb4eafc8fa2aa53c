package history

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/logsplitter/internal/errors"
	"github.com/sweeney/logsplitter/internal/telemetry"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func openTemp(t *testing.T, cfg Config) *Recorder {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "sub", "history.db")
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour
	}
	r, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func event(typ telemetry.Type, id int, v float64, at time.Duration) telemetry.Event {
	return telemetry.Event{Type: typ, ID: id, Value: v, Time: t0.Add(at), Session: "run-1", Detail: "d"}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{}, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrStorageInit))
}

func TestEmitFlushAndQuery(t *testing.T) {
	r := openTemp(t, Config{BatchSize: 100})

	r.Emit(event(telemetry.TypePin, 6, 1, 0))
	r.Emit(event(telemetry.TypeRelay, 1, 1, time.Millisecond))
	r.Emit(event(telemetry.TypePin, 6, 0, 2*time.Millisecond))

	got, err := r.Recent(context.Background(), Query{})
	require.NoError(t, err)
	assert.Empty(t, got, "nothing is written before a flush")

	require.NoError(t, r.Flush())
	got, err = r.Recent(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, telemetry.TypePin, got[0].Type, "newest first")
	assert.Equal(t, 0.0, got[0].Value)
	assert.Equal(t, t0.Add(2*time.Millisecond), got[0].Time)
	assert.Equal(t, "run-1", got[0].Session)
	assert.Equal(t, "d", got[0].Detail)

	pins, err := r.Recent(context.Background(), Query{Type: telemetry.TypePin, Limit: 1})
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, t0.Add(2*time.Millisecond), pins[0].Time)

	since, err := r.Recent(context.Background(), Query{Since: t0.Add(time.Millisecond)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	none, err := r.Recent(context.Background(), Query{Session: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)

	written, dropped := r.Stats()
	assert.Equal(t, uint64(3), written)
	assert.Zero(t, dropped)
}

func TestFullBatchKicksFlusher(t *testing.T) {
	r := openTemp(t, Config{BatchSize: 2})

	r.Emit(event(telemetry.TypeFault, 4, 1, 0))
	r.Emit(event(telemetry.TypeFault, 4, 0, time.Second))

	assert.Eventually(t, func() bool {
		written, _ := r.Stats()
		return written == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMaxPendingDrops(t *testing.T) {
	r := openTemp(t, Config{BatchSize: 100, MaxPending: 2})

	r.Emit(event(telemetry.TypePin, 1, 1, 0))
	r.Emit(event(telemetry.TypePin, 2, 1, 0))
	r.Emit(event(telemetry.TypePin, 3, 1, 0))

	_, dropped := r.Stats()
	assert.Equal(t, uint64(1), dropped)
}

func TestCloseFlushesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	r, err := Open(Config{Path: path, BatchSize: 100, FlushInterval: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	r.Emit(event(telemetry.TypeSafety, 1, 1, 0))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "second close is a no-op")

	r2 := openTemp(t, Config{Path: path})
	got, err := r2.Recent(context.Background(), Query{Type: telemetry.TypeSafety})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, t0, got[0].Time)
}

func TestOlderSchemaIsBackedUpAndRecreated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	// A pre-release layout recorded as version -1.
	_, err = db.Exec(`CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (-1, 'x');
		CREATE TABLE events (legacy TEXT);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	r := openTemp(t, Config{Path: path})
	r.Emit(event(telemetry.TypePin, 6, 1, 0))
	require.NoError(t, r.Flush())

	backups, err := filepath.Glob(path + ".v-1.*.bak")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestNewerSchemaRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (99, 'x');`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(Config{Path: path}, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrSchemaVersion))
}

func TestInMemory(t *testing.T) {
	r := openTemp(t, Config{Path: ":memory:"})
	r.Emit(event(telemetry.TypeWatchdog, 0, 11, 0))
	require.NoError(t, r.Flush())

	got, err := r.Recent(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRecorderIsSink(t *testing.T) {
	var _ telemetry.Sink = (*Recorder)(nil)
}
