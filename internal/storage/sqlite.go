package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when an update targets a missing run.
var ErrNotFound = errors.New("run not found")

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical JSON columns so a corrupt row still lists.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode so the HTTP API can read while the orchestrator writes
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		network_a TEXT NOT NULL,
		network_b TEXT NOT NULL,
		total_rounds INTEGER DEFAULT 0,
		rounds_done INTEGER DEFAULT 0,
		status TEXT DEFAULT 'running',
		error_message TEXT,
		config TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS rounds (
		run_id TEXT NOT NULL,
		round_idx INTEGER NOT NULL,
		label TEXT NOT NULL,
		state TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER DEFAULT 0,
		spec TEXT NOT NULL,
		report TEXT,
		error TEXT,
		PRIMARY KEY (run_id, round_idx),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS progress (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		round_idx INTEGER NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		submitted INTEGER DEFAULT 0,
		succ INTEGER DEFAULT 0,
		fail INTEGER DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_progress_run ON progress(run_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"runs", "custom_name", "ALTER TABLE runs ADD COLUMN custom_name TEXT"},
		{"runs", "is_favorite", "ALTER TABLE runs ADD COLUMN is_favorite INTEGER DEFAULT 0"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				return fmt.Errorf("migrate %s.%s: %w", m.table, m.column, err)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Table and column names are validated since they are formatted into the query.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
// Only allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun creates a new run record.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	status := run.Status
	if status == "" {
		status = "running"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, name, description, started_at, network_a, network_b, total_rounds, status, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Name, nullString(run.Description), run.StartedAt, run.NetworkA, run.NetworkB,
		run.TotalRounds, status, nullString(string(run.Config)))

	return err
}

// CompleteRun records the final status of a run.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, id string, run *Run) error {
	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			rounds_done = ?,
			status = ?,
			error_message = ?
		WHERE id = ?
	`, completedAt, run.RoundsDone, run.Status, nullString(run.ErrorMessage), id)
	if err != nil {
		return err
	}
	return expectRow(result, id)
}

const runColumns = `id, name, COALESCE(description, ''), started_at, completed_at, network_a, network_b,
	total_rounds, rounds_done, status, error_message, config, custom_name, COALESCE(is_favorite, 0)`

// GetRun retrieves a single run by ID. A missing run is (nil, nil).
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns a paginated list of runs, favorites first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
		ORDER BY is_favorite DESC, started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run with its rounds and progress samples.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	return err
}

// UpdateRunMetadata updates the custom name and/or favorite status of a run.
func (s *SQLiteStorage) UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error {
	var updates []string
	var args []any

	if update.CustomName != nil {
		updates = append(updates, "custom_name = ?")
		args = append(args, *update.CustomName)
	}
	if update.IsFavorite != nil {
		updates = append(updates, "is_favorite = ?")
		if *update.IsFavorite {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}

	if len(updates) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(updates, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectRow(result, id)
}

// SaveRound inserts or replaces a round record.
func (s *SQLiteStorage) SaveRound(ctx context.Context, round *Round) error {
	specJSON, err := json.Marshal(round.Spec)
	if err != nil {
		return fmt.Errorf("failed to marshal round spec: %w", err)
	}
	var reportJSON sql.NullString
	if round.Report != nil {
		data, err := json.Marshal(round.Report)
		if err != nil {
			return fmt.Errorf("failed to marshal round report: %w", err)
		}
		reportJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO rounds (run_id, round_idx, label, state, started_at, duration_ms, spec, report, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, round.RunID, round.RoundIdx, round.Label, round.State, round.StartedAt, round.DurationMs,
		string(specJSON), reportJSON, nullString(round.Error))
	return err
}

// GetRounds returns the rounds of a run in execution order.
func (s *SQLiteStorage) GetRounds(ctx context.Context, runID string) ([]Round, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, round_idx, label, state, started_at, duration_ms, spec, report, error
		FROM rounds
		WHERE run_id = ?
		ORDER BY round_idx
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rounds := []Round{}
	for rows.Next() {
		var r Round
		var spec string
		var report, errMsg sql.NullString
		if err := rows.Scan(&r.RunID, &r.RoundIdx, &r.Label, &r.State, &r.StartedAt, &r.DurationMs,
			&spec, &report, &errMsg); err != nil {
			return nil, err
		}
		unmarshalJSON(spec, &r.Spec, "spec", runID)
		if report.Valid && report.String != "" {
			unmarshalJSON(report.String, &r.Report, "report", runID)
		}
		r.Error = errMsg.String
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

// BulkInsertProgress inserts progress samples in a single transaction.
func (s *SQLiteStorage) BulkInsertProgress(ctx context.Context, runID string, samples []ProgressSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO progress (run_id, round_idx, timestamp_ms, submitted, succ, fail)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range samples {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := stmt.ExecContext(ctx, runID, p.RoundIdx, p.TimestampMs, p.Submitted, p.Succ, p.Fail); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetProgress retrieves the progress samples of a run.
func (s *SQLiteStorage) GetProgress(ctx context.Context, runID string) ([]ProgressSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT round_idx, timestamp_ms, submitted, succ, fail
		FROM progress
		WHERE run_id = ?
		ORDER BY round_idx, timestamp_ms
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []ProgressSample{}
	for rows.Next() {
		var p ProgressSample
		if err := rows.Scan(&p.RoundIdx, &p.TimestampMs, &p.Submitted, &p.Succ, &p.Fail); err != nil {
			return nil, err
		}
		samples = append(samples, p)
	}
	return samples, rows.Err()
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var completedAt sql.NullTime
	var errorMsg, configJSON, customName sql.NullString
	var isFavorite int

	err := row.Scan(&run.ID, &run.Name, &run.Description, &run.StartedAt, &completedAt,
		&run.NetworkA, &run.NetworkB, &run.TotalRounds, &run.RoundsDone, &run.Status,
		&errorMsg, &configJSON, &customName, &isFavorite)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if errorMsg.Valid {
		run.ErrorMessage = errorMsg.String
	}
	if customName.Valid {
		run.CustomName = &customName.String
	}
	run.IsFavorite = isFavorite == 1

	if configJSON.Valid && configJSON.String != "" {
		if json.Valid([]byte(configJSON.String)) {
			run.Config = json.RawMessage(configJSON.String)
		} else {
			slog.Warn("invalid JSON in config column", "runID", run.ID)
		}
	}

	return &run, nil
}

func expectRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
