package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/voxelgrid/internal/model"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS functions (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    code        TEXT NOT NULL,
    isolation   TEXT NOT NULL,
    status      TEXT NOT NULL,
    timeout_ms  INTEGER,
    created_at  DATETIME NOT NULL,
    disposed_at DATETIME
)`,
	`CREATE TABLE IF NOT EXISTS grid_runs (
    id          TEXT PRIMARY KEY,
    function_id TEXT NOT NULL REFERENCES functions(id),
    size        INTEGER NOT NULL,
    status      TEXT NOT NULL,
    filled      INTEGER NOT NULL DEFAULT 0,
    empty       INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`,
	`CREATE INDEX IF NOT EXISTS idx_grid_runs_function ON grid_runs(function_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS voxels (
    run_id TEXT NOT NULL REFERENCES grid_runs(id),
    x      INTEGER NOT NULL,
    y      INTEGER NOT NULL,
    z      INTEGER NOT NULL,
    value  REAL NOT NULL,
    PRIMARY KEY (run_id, x, y, z)
)`,
}

const (
	functionColumns = `id, name, code, isolation, status, timeout_ms, created_at, disposed_at`
	gridRunColumns  = `id, function_id, size, status, filled, empty, failed, error,
		duration_ms, created_at, started_at, finished_at`
)

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFunction(row scanner) (*model.Function, error) {
	f := &model.Function{}
	err := row.Scan(
		&f.ID, &f.Name, &f.Code, &f.Isolation, &f.Status,
		&f.TimeoutMS, &f.CreatedAt, &f.DisposedAt,
	)
	return f, err
}

func scanGridRun(row scanner) (*model.GridRun, error) {
	r := &model.GridRun{}
	err := row.Scan(
		&r.ID, &r.FunctionID, &r.Size, &r.Status, &r.Filled, &r.Empty, &r.Failed, &r.Error,
		&r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// CreateFunction inserts a new function record.
func (s *SQLiteStore) CreateFunction(ctx context.Context, f *model.Function) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO functions (`+functionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.Code, f.Isolation, f.Status, f.TimeoutMS, f.CreatedAt, f.DisposedAt,
	)
	if err != nil {
		return fmt.Errorf("insert function: %w", err)
	}
	return nil
}

// GetFunction retrieves a function by ID.
func (s *SQLiteStore) GetFunction(ctx context.Context, id string) (*model.Function, error) {
	f, err := scanFunction(s.db.QueryRowContext(ctx,
		`SELECT `+functionColumns+` FROM functions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get function: %w", err)
	}
	return f, nil
}

// ListFunctions returns a paginated list of functions ordered by created_at DESC,
// along with the total count of all functions.
func (s *SQLiteStore) ListFunctions(ctx context.Context, limit, offset int) ([]*model.Function, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM functions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count functions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+functionColumns+` FROM functions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list functions: %w", err)
	}
	defer rows.Close()

	var functions []*model.Function
	for rows.Next() {
		f, err := scanFunction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan function: %w", err)
		}
		functions = append(functions, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate functions: %w", err)
	}

	return functions, total, nil
}

// UpdateFunctionStatus moves a function to status. Disposing also sets
// disposed_at.
func (s *SQLiteStore) UpdateFunctionStatus(ctx context.Context, id, status string) error {
	return s.transition(ctx, "functions", id, status, func(tx *sql.Tx) error {
		var err error
		if status == model.FunctionDisposed {
			_, err = tx.ExecContext(ctx,
				"UPDATE functions SET status = ?, disposed_at = ? WHERE id = ?",
				status, time.Now().UTC(), id)
		} else {
			_, err = tx.ExecContext(ctx, "UPDATE functions SET status = ? WHERE id = ?", status, id)
		}
		return err
	})
}

// CreateGridRun inserts a new grid run record.
func (s *SQLiteStore) CreateGridRun(ctx context.Context, r *model.GridRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grid_runs (`+gridRunColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.FunctionID, r.Size, r.Status, r.Filled, r.Empty, r.Failed, r.Error,
		r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert grid run: %w", err)
	}
	return nil
}

// GetGridRun retrieves a grid run by ID.
func (s *SQLiteStore) GetGridRun(ctx context.Context, id string) (*model.GridRun, error) {
	r, err := scanGridRun(s.db.QueryRowContext(ctx,
		`SELECT `+gridRunColumns+` FROM grid_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grid run: %w", err)
	}
	return r, nil
}

// ListGridRuns returns a paginated list of a function's grid runs ordered by
// created_at DESC, along with their total count.
func (s *SQLiteStore) ListGridRuns(ctx context.Context, functionID string, limit, offset int) ([]*model.GridRun, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM grid_runs WHERE function_id = ?", functionID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count grid runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+gridRunColumns+` FROM grid_runs WHERE function_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		functionID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list grid runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.GridRun
	for rows.Next() {
		r, err := scanGridRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan grid run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate grid runs: %w", err)
	}

	return runs, total, nil
}

// UpdateGridRunStatus moves a grid run to status. Running sets started_at;
// terminal statuses set finished_at.
func (s *SQLiteStore) UpdateGridRunStatus(ctx context.Context, id, status string) error {
	return s.transition(ctx, "grid_runs", id, status, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		var err error
		switch status {
		case model.StatusRunning:
			_, err = tx.ExecContext(ctx,
				"UPDATE grid_runs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
		case model.StatusCompleted, model.StatusFailed:
			_, err = tx.ExecContext(ctx,
				"UPDATE grid_runs SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
		default:
			_, err = tx.ExecContext(ctx, "UPDATE grid_runs SET status = ? WHERE id = ?", status, id)
		}
		return err
	})
}

// UpdateGridRun writes all mutable fields of a grid run, validating the
// status transition when the status changes.
func (s *SQLiteStore) UpdateGridRun(ctx context.Context, r *model.GridRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM grid_runs WHERE id = ?", r.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get grid run status: %w", err)
	}
	if current != r.Status && !model.ValidTransition(current, r.Status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current, r.Status)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE grid_runs SET status = ?, filled = ?, empty = ?, failed = ?, error = ?,
			duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		r.Status, r.Filled, r.Empty, r.Failed, r.Error,
		r.DurationMS, r.StartedAt, r.FinishedAt, r.ID,
	); err != nil {
		return fmt.Errorf("update grid run: %w", err)
	}

	return tx.Commit()
}

// InsertVoxels stores a batch of voxels for a grid run in one transaction.
func (s *SQLiteStore) InsertVoxels(ctx context.Context, runID string, voxels []model.Voxel) error {
	if len(voxels) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO voxels (run_id, x, y, z, value) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare voxel insert: %w", err)
	}
	defer stmt.Close()

	for _, v := range voxels {
		if _, err := stmt.ExecContext(ctx, runID, v.X, v.Y, v.Z, v.Value); err != nil {
			return fmt.Errorf("insert voxel (%d,%d,%d): %w", v.X, v.Y, v.Z, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit voxels: %w", err)
	}
	return nil
}

// GetVoxels returns all voxels for a grid run ordered by coordinate.
func (s *SQLiteStore) GetVoxels(ctx context.Context, runID string) ([]model.Voxel, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT x, y, z, value FROM voxels WHERE run_id = ? ORDER BY x, y, z", runID)
	if err != nil {
		return nil, fmt.Errorf("query voxels: %w", err)
	}
	defer rows.Close()

	var voxels []model.Voxel
	for rows.Next() {
		v := model.Voxel{RunID: runID}
		if err := rows.Scan(&v.X, &v.Y, &v.Z, &v.Value); err != nil {
			return nil, fmt.Errorf("scan voxel: %w", err)
		}
		voxels = append(voxels, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate voxels: %w", err)
	}
	return voxels, nil
}

// GetStats returns aggregate statistics.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &Stats{}

	if stats.FunctionsByStatus, stats.Functions, err = countBy(ctx, tx, "functions", "status"); err != nil {
		return nil, err
	}
	if stats.FunctionsByIsolation, _, err = countBy(ctx, tx, "functions", "isolation"); err != nil {
		return nil, err
	}
	if stats.GridRunsByStatus, stats.GridRuns, err = countBy(ctx, tx, "grid_runs", "status"); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM grid_runs WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average run duration: %w", err)
	}
	if avg.Valid {
		stats.AvgRunDurationMS = avg.Float64
	}

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM voxels").Scan(&stats.Voxels); err != nil {
		return nil, fmt.Errorf("count voxels: %w", err)
	}

	return stats, nil
}

// countBy groups table rows by column. table and column are never user input.
func countBy(ctx context.Context, tx *sql.Tx, table, column string) (map[string]int, int, error) {
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, COUNT(*) FROM %s GROUP BY %s", column, table, column))
	if err != nil {
		return nil, 0, fmt.Errorf("count %s by %s: %w", table, column, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	total := 0
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, 0, fmt.Errorf("scan %s count: %w", table, err)
		}
		counts[key] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate %s counts: %w", table, err)
	}
	return counts, total, nil
}

// transition validates and applies a status change inside one transaction.
func (s *SQLiteStore) transition(ctx context.Context, table, id, status string, apply func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM "+table+" WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s status: %w", table, err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current, status)
	}

	if err := apply(tx); err != nil {
		return fmt.Errorf("update %s status: %w", table, err)
	}

	return tx.Commit()
}
