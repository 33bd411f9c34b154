package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"spimfuse/internal/ctxlog"
	"spimfuse/pkg/volume"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is a SQLite database holding any number of named chunked arrays and a
// catalogue of pipeline runs.
type DB struct {
	*sql.DB
	log *slog.Logger
}

// OpenDB opens (creating if needed) the database at path and migrates it to
// the latest schema. Migration messages go to the logger of ctx.
func OpenDB(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}
	d := &DB{DB: db, log: ctxlog.FromContext(ctx)}
	if err := d.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// MigrateUp runs all pending migrations. It is a no-op on an up-to-date
// database.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{db.log}
	return m, nil
}

type migrateLogger struct{ log *slog.Logger }

func (l migrateLogger) Printf(format string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf("[migrate] "+format, v...)))
}

func (l migrateLogger) Verbose() bool {
	return l.log.Enabled(context.Background(), slog.LevelDebug)
}

// Create registers a named array, replacing the metadata of an existing
// array of that name. Chunks already stored under the name are kept and
// overwritten as they are written again.
func (db *DB) Create(ctx context.Context, name string, meta Meta) (*Table, error) {
	if meta.DType == "" {
		meta.DType = volume.Float32
	}
	if err := validateMeta("store.DB.Create", meta); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	var id int64
	err = db.QueryRowContext(ctx, `
		INSERT INTO datasets (name, meta) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET meta = excluded.meta
		RETURNING dataset_id`, name, string(raw)).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset %s: %w", name, err)
	}
	return &Table{db: db, id: id, name: name, meta: meta}, nil
}

// Open returns the named array.
func (db *DB) Open(ctx context.Context, name string) (*Table, error) {
	var id int64
	var raw string
	err := db.QueryRowContext(ctx, `SELECT dataset_id, meta FROM datasets WHERE name = ?`, name).Scan(&id, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset %s not found", name)
	}
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata of %s: %w", name, err)
	}
	return &Table{db: db, id: id, name: name, meta: meta}, nil
}

// Datasets lists the array names in creation order.
func (db *DB) Datasets(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM datasets ORDER BY dataset_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Run is one catalogued pipeline run.
type Run struct {
	ID        string
	Timepoint int
	Dataset   string
	Status    string
	// Provenance is the JSON-encoded provenance record.
	Provenance json.RawMessage
	CreatedAt  time.Time
}

// RecordRun inserts or replaces a run record.
func (db *DB) RecordRun(ctx context.Context, r Run) error {
	if len(r.Provenance) == 0 {
		r.Provenance = json.RawMessage("{}")
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (run_id, timepoint, dataset, status, provenance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timepoint, r.Dataset, r.Status, string(r.Provenance), r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", r.ID, err)
	}
	return nil
}

// Runs returns every run ordered by timepoint and creation time.
func (db *DB) Runs(ctx context.Context) ([]Run, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, timepoint, dataset, status, provenance, created_at
		FROM runs ORDER BY timepoint, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		var prov, created string
		if err := rows.Scan(&r.ID, &r.Timepoint, &r.Dataset, &r.Status, &prov, &created); err != nil {
			return nil, err
		}
		r.Provenance = json.RawMessage(prov)
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("run %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Table is one named chunked array inside a DB.
type Table struct {
	db   *DB
	id   int64
	name string
	meta Meta
}

func (t *Table) Meta() Meta { return t.meta }

// Name returns the array name.
func (t *Table) Name() string { return t.name }

func (t *Table) WriteChunk(ctx context.Context, c volume.ChunkIndex, data []float64) error {
	if err := checkChunk("store.Table", t.meta, c, len(data)); err != nil {
		return err
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO chunks (dataset_id, z, y, x, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(dataset_id, z, y, x) DO UPDATE SET data = excluded.data`,
		t.id, c[0], c[1], c[2], encode(t.meta.DType, data))
	return err
}

func (t *Table) ReadChunk(ctx context.Context, c volume.ChunkIndex) ([]float64, error) {
	g := t.meta.Grid()
	if !g.ValidIndex(c) {
		return nil, fmt.Errorf("chunk %s outside grid %v", c, g.Counts())
	}
	var buf []byte
	err := t.db.QueryRowContext(ctx, `SELECT data FROM chunks WHERE dataset_id = ? AND z = ? AND y = ? AND x = ?`,
		t.id, c[0], c[1], c[2]).Scan(&buf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMissingChunk
	}
	if err != nil {
		return nil, err
	}
	return decode(t.meta.DType, buf, g.ChunkBox(c).Shape().Size())
}
