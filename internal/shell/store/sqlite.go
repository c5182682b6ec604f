package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/shipyard/internal/core/crypto"
	"github.com/artpar/shipyard/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite. Environment variable values in
// run options are sealed with the store key when one is set.
type SQLiteStore struct {
	db  *sqlx.DB
	key []byte
}

// NewSQLiteStore creates a new SQLite store and runs migrations. key may be
// nil to store environment values in plain text.
func NewSQLiteStore(dsn string, key []byte) (*SQLiteStore, error) {
	if key != nil && len(key) < 32 {
		return nil, storeError("NewSQLiteStore", "encryption key must be 32 bytes", crypto.ErrKeyTooShort)
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, storeError("NewSQLiteStore", "failed to open database", ErrConnectionFailed)
	}
	// One writer keeps :memory: databases on a single connection and avoids
	// SQLITE_BUSY under concurrent runs.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storeError("NewSQLiteStore", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, storeError("NewSQLiteStore", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db, key: key}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID              string  `db:"id"`
	ServiceName     string  `db:"service_name"`
	SourceReference string  `db:"source_reference"`
	Status          string  `db:"status"`
	Options         string  `db:"options"`
	FailedStage     string  `db:"failed_stage"`
	ImageRef        string  `db:"image_ref"`
	ResultURL       string  `db:"result_url"`
	ResultRegion    string  `db:"result_region"`
	Errors          string  `db:"errors"`
	StartedAt       string  `db:"started_at"`
	EndedAt         *string `db:"ended_at"`
}

// stageRow represents a stage result row.
type stageRow struct {
	ID         int64  `db:"id"`
	RunID      string `db:"run_id"`
	Position   int    `db:"position"`
	Stage      string `db:"stage"`
	Status     string `db:"status"`
	DurationMS int64  `db:"duration_ms"`
	Attempts   int    `db:"attempts"`
	Metadata   string `db:"metadata"`
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.PipelineRun) error {
	return createRun(ctx, s.db, s.key, run)
}

func (s *SQLiteStore) AppendStageResult(ctx context.Context, runID string, res domain.StageResult) error {
	return appendStageResult(ctx, s.db, runID, res)
}

func (s *SQLiteStore) AppendWarning(ctx context.Context, runID, msg string) error {
	return appendWarning(ctx, s.db, runID, msg)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run *domain.PipelineRun) error {
	return finishRun(ctx, s.db, run)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	return getRun(ctx, s.db, s.key, id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter, opts ListOptions) ([]domain.PipelineRun, error) {
	return listRuns(ctx, s.db, s.key, filter, opts)
}

func (s *SQLiteStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return deleteFinishedBefore(ctx, s.db, cutoff)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeError("WithTx", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx, key: s.key}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return storeError("WithTx", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeError("WithTx", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx  *sqlx.Tx
	key []byte
}

func (s *txSQLiteStore) CreateRun(ctx context.Context, run *domain.PipelineRun) error {
	return createRun(ctx, s.tx, s.key, run)
}

func (s *txSQLiteStore) AppendStageResult(ctx context.Context, runID string, res domain.StageResult) error {
	return appendStageResult(ctx, s.tx, runID, res)
}

func (s *txSQLiteStore) AppendWarning(ctx context.Context, runID, msg string) error {
	return appendWarning(ctx, s.tx, runID, msg)
}

func (s *txSQLiteStore) FinishRun(ctx context.Context, run *domain.PipelineRun) error {
	return finishRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	return getRun(ctx, s.tx, s.key, id)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, filter RunFilter, opts ListOptions) ([]domain.PipelineRun, error) {
	return listRuns(ctx, s.tx, s.key, filter, opts)
}

func (s *txSQLiteStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return deleteFinishedBefore(ctx, s.tx, cutoff)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func createRun(ctx context.Context, exec executor, key []byte, run *domain.PipelineRun) error {
	opts := run.Options.Clone()
	sealed, err := crypto.SealMap(opts.EnvVars, key)
	if err != nil {
		return runError("CreateRun", run.ID, "failed to seal environment", ErrInvalidData)
	}
	opts.EnvVars = sealed
	optionsJSON, err := json.Marshal(opts)
	if err != nil {
		return runError("CreateRun", run.ID, "failed to serialize options", ErrInvalidData)
	}

	query := `
		INSERT INTO runs (
			id, service_name, source_reference, status, options, started_at
		) VALUES (
			:id, :service_name, :source_reference, :status, :options, :started_at
		)`

	row := map[string]any{
		"id":               run.ID,
		"service_name":     run.ServiceName,
		"source_reference": run.SourceReference,
		"status":           string(run.Status),
		"options":          string(optionsJSON),
		"started_at":       run.StartedAt.UTC().Format(timeLayout),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return runError("CreateRun", run.ID, "run already recorded", ErrDuplicateID)
		}
		return runError("CreateRun", run.ID, err.Error(), err)
	}

	return nil
}

func appendStageResult(ctx context.Context, exec executor, runID string, res domain.StageResult) error {
	metadataJSON, err := json.Marshal(res.Metadata)
	if err != nil {
		return stageError("AppendStageResult", runID, res.Stage, "failed to serialize metadata", ErrInvalidData)
	}

	query := `
		INSERT INTO stage_results (
			run_id, position, stage, status, duration_ms, attempts, metadata
		) VALUES (
			:run_id, :position, :stage, :status, :duration_ms, :attempts, :metadata
		)`

	row := map[string]any{
		"run_id":      runID,
		"position":    res.Stage.Index(),
		"stage":       string(res.Stage),
		"status":      string(res.Status),
		"duration_ms": res.Duration.Milliseconds(),
		"attempts":    res.Attempts,
		"metadata":    string(metadataJSON),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "FOREIGN KEY constraint failed") {
			return runError("AppendStageResult", runID, "run not found", ErrNotFound)
		}
		if strings.Contains(msg, "UNIQUE constraint failed") {
			return stageError("AppendStageResult", runID, res.Stage, "stage already recorded", ErrDuplicateID)
		}
		return stageError("AppendStageResult", runID, res.Stage, msg, err)
	}

	return nil
}

func appendWarning(ctx context.Context, exec executor, runID, msg string) error {
	query := `INSERT INTO run_messages (run_id, level, message, created_at) VALUES (?, ?, ?, ?)`

	_, err := exec.ExecContext(ctx, query, runID, string(domain.LevelWarning), msg, time.Now().UTC().Format(timeLayout))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return runError("AppendWarning", runID, "run not found", ErrNotFound)
		}
		return runError("AppendWarning", runID, err.Error(), err)
	}

	return nil
}

// finishRun writes the terminal state. Only an in-progress row is updated,
// so a run is finished at most once.
func finishRun(ctx context.Context, exec executor, run *domain.PipelineRun) error {
	if !run.Status.Terminal() {
		return &StoreError{Op: "FinishRun", RunID: run.ID, Status: run.Status, Message: "cannot finish a run in progress", Err: ErrNotTerminal}
	}

	errorsJSON, err := json.Marshal(nonNil(run.Errors))
	if err != nil {
		return runError("FinishRun", run.ID, "failed to serialize errors", ErrInvalidData)
	}

	ended := time.Now().UTC()
	if run.EndedAt != nil {
		ended = run.EndedAt.UTC()
	}
	var url, region string
	if run.Result != nil {
		url, region = run.Result.URL, run.Result.Region
	}

	query := `
		UPDATE runs SET
			status = :status,
			failed_stage = :failed_stage,
			image_ref = :image_ref,
			result_url = :result_url,
			result_region = :result_region,
			errors = :errors,
			ended_at = :ended_at
		WHERE id = :id AND status = 'in_progress'`

	row := map[string]any{
		"id":            run.ID,
		"status":        string(run.Status),
		"failed_stage":  string(run.FailedStage),
		"image_ref":     run.ImageRef,
		"result_url":    url,
		"result_region": region,
		"errors":        string(errorsJSON),
		"ended_at":      ended.Format(timeLayout),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return runError("FinishRun", run.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		var status string
		err := exec.GetContext(ctx, &status, `SELECT status FROM runs WHERE id = ?`, run.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return runError("FinishRun", run.ID, "run not found", ErrNotFound)
		}
		return &StoreError{Op: "FinishRun", RunID: run.ID, Status: domain.RunStatus(status), Message: "terminal state already written", Err: ErrAlreadyFinished}
	}

	return nil
}

func getRun(ctx context.Context, exec executor, key []byte, id string) (*domain.PipelineRun, error) {
	query := `SELECT * FROM runs WHERE id = ?`

	var row runRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, runError("GetRun", id, "run not found", ErrNotFound)
		}
		return nil, runError("GetRun", id, err.Error(), err)
	}

	run, err := rowToRun(&row, key)
	if err != nil {
		return nil, err
	}
	if err := loadChildren(ctx, exec, run); err != nil {
		return nil, err
	}
	return run, nil
}

func listRuns(ctx context.Context, exec executor, key []byte, filter RunFilter, opts ListOptions) ([]domain.PipelineRun, error) {
	opts = opts.Normalize()

	var where []string
	var args []any
	if filter.ServiceName != "" {
		where = append(where, "service_name = ?")
		args = append(args, filter.ServiceName)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT * FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	var rows []runRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeError("ListRuns", err.Error(), err)
	}

	runs := make([]domain.PipelineRun, 0, len(rows))
	for _, row := range rows {
		run, err := rowToRun(&row, key)
		if err != nil {
			return nil, err
		}
		if err := loadChildren(ctx, exec, run); err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}

	return runs, nil
}

func loadChildren(ctx context.Context, exec executor, run *domain.PipelineRun) error {
	var stages []stageRow
	err := exec.SelectContext(ctx, &stages, `SELECT * FROM stage_results WHERE run_id = ? ORDER BY position`, run.ID)
	if err != nil {
		return runError("GetRun", run.ID, err.Error(), err)
	}
	for _, sr := range stages {
		res, err := rowToStage(&sr)
		if err != nil {
			return err
		}
		run.Stages = append(run.Stages, res)
	}

	var warnings []string
	err = exec.SelectContext(ctx, &warnings,
		`SELECT message FROM run_messages WHERE run_id = ? AND level = ? ORDER BY id`,
		run.ID, string(domain.LevelWarning))
	if err != nil {
		return runError("GetRun", run.ID, err.Error(), err)
	}
	run.Warnings = warnings
	return nil
}

func deleteFinishedBefore(ctx context.Context, exec executor, cutoff time.Time) (int, error) {
	query := `DELETE FROM runs WHERE status != 'in_progress' AND ended_at IS NOT NULL AND ended_at < ?`

	result, err := exec.ExecContext(ctx, query, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, storeError("DeleteFinishedBefore", err.Error(), err)
	}

	n, _ := result.RowsAffected()
	return int(n), nil
}

// =============================================================================
// Row Conversion
// =============================================================================

// rowToRun converts a database row to a domain.PipelineRun.
func rowToRun(row *runRow, key []byte) (*domain.PipelineRun, error) {
	startedAt, _ := time.Parse(timeLayout, row.StartedAt)

	var endedAt *time.Time
	if row.EndedAt != nil && *row.EndedAt != "" {
		t, _ := time.Parse(timeLayout, *row.EndedAt)
		endedAt = &t
	}

	var opts domain.RunOptions
	if row.Options != "" {
		if err := json.Unmarshal([]byte(row.Options), &opts); err != nil {
			return nil, runError("rowToRun", row.ID, "failed to parse options", ErrInvalidData)
		}
	}
	env, err := crypto.OpenMap(opts.EnvVars, key)
	if err != nil {
		return nil, runError("rowToRun", row.ID, "failed to open environment", err)
	}
	opts.EnvVars = env

	var runErrors []string
	if row.Errors != "" && row.Errors != "null" {
		if err := json.Unmarshal([]byte(row.Errors), &runErrors); err != nil {
			return nil, runError("rowToRun", row.ID, "failed to parse errors", ErrInvalidData)
		}
	}
	if len(runErrors) == 0 {
		runErrors = nil
	}

	var result *domain.DeployResult
	if row.ResultURL != "" {
		result = &domain.DeployResult{URL: row.ResultURL, Region: row.ResultRegion}
	}

	return &domain.PipelineRun{
		ID:              row.ID,
		ServiceName:     row.ServiceName,
		SourceReference: row.SourceReference,
		Status:          domain.RunStatus(row.Status),
		Options:         opts,
		StartedAt:       startedAt,
		EndedAt:         endedAt,
		Errors:          runErrors,
		FailedStage:     domain.Stage(row.FailedStage),
		ImageRef:        row.ImageRef,
		Result:          result,
	}, nil
}

// rowToStage converts a database row to a domain.StageResult.
func rowToStage(row *stageRow) (domain.StageResult, error) {
	var metadata map[string]string
	if row.Metadata != "" && row.Metadata != "null" {
		if err := json.Unmarshal([]byte(row.Metadata), &metadata); err != nil {
			return domain.StageResult{}, stageError("rowToStage", row.RunID, domain.Stage(row.Stage), "failed to parse metadata", ErrInvalidData)
		}
	}

	return domain.StageResult{
		Stage:    domain.Stage(row.Stage),
		Status:   domain.StageStatus(row.Status),
		Duration: time.Duration(row.DurationMS) * time.Millisecond,
		Attempts: row.Attempts,
		Metadata: metadata,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
