package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/terrane-io/terrane/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists resource state and run history in SQLite. It
// implements engine.StateStore and engine.AuditStore.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded schema files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// GetRecord retrieves the state record at the given address, or nil when
// the resource has never been applied.
func (s *SQLiteStore) GetRecord(ctx context.Context, address string) (*engine.StateRecord, error) {
	query := `
		SELECT address, type, provider_id, attributes, outputs, dependencies, labels, serial, created_at, updated_at
		FROM state_records
		WHERE address = ?
	`

	var (
		rec                                  engine.StateRecord
		attributes, outputs, deps, labelsRaw string
	)
	err := s.db.QueryRowContext(ctx, query, address).Scan(
		&rec.Address,
		&rec.Type,
		&rec.ProviderID,
		&attributes,
		&outputs,
		&deps,
		&labelsRaw,
		&rec.Serial,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state record: %w", err)
	}

	if err := decodeRecord(&rec, attributes, outputs, deps, labelsRaw); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns all state records ordered by address.
func (s *SQLiteStore) ListRecords(ctx context.Context) ([]*engine.StateRecord, error) {
	query := `
		SELECT address, type, provider_id, attributes, outputs, dependencies, labels, serial, created_at, updated_at
		FROM state_records
		ORDER BY address ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list state records: %w", err)
	}
	defer rows.Close()

	records := []*engine.StateRecord{}
	for rows.Next() {
		var (
			rec                                  engine.StateRecord
			attributes, outputs, deps, labelsRaw string
		)
		err := rows.Scan(
			&rec.Address,
			&rec.Type,
			&rec.ProviderID,
			&attributes,
			&outputs,
			&deps,
			&labelsRaw,
			&rec.Serial,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state record: %w", err)
		}
		if err := decodeRecord(&rec, attributes, outputs, deps, labelsRaw); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state records: %w", err)
	}
	return records, nil
}

// UpsertRecord inserts or replaces a record. The serial increments on every
// replace of an existing address.
func (s *SQLiteStore) UpsertRecord(ctx context.Context, record *engine.StateRecord) error {
	if record == nil || record.Address == "" {
		return fmt.Errorf("state record requires an address")
	}

	attributes, err := json.Marshal(orEmptyMap(record.Attributes))
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	outputs, err := json.Marshal(orEmptyMap(record.Outputs))
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}
	deps, err := json.Marshal(orEmptySlice(record.Dependencies))
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}
	labels, err := json.Marshal(orEmptyStringMap(record.Labels))
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	query := `
		INSERT INTO state_records (address, type, provider_id, attributes, outputs, dependencies, labels, serial, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(address) DO UPDATE SET
			type = excluded.type,
			provider_id = excluded.provider_id,
			attributes = excluded.attributes,
			outputs = excluded.outputs,
			dependencies = excluded.dependencies,
			labels = excluded.labels,
			serial = state_records.serial + 1,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = s.db.ExecContext(ctx, query,
		record.Address,
		record.Type,
		record.ProviderID,
		string(attributes),
		string(outputs),
		string(deps),
		string(labels),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert state record: %w", err)
	}
	return nil
}

// DeleteRecord removes a record. Deleting an absent address is not an error.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, address string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM state_records WHERE address = ?`, address); err != nil {
		return fmt.Errorf("failed to delete state record: %w", err)
	}
	return nil
}

// AcquireLock takes the single-writer apply lock. A held lock younger than
// staleAfter fails fast with *engine.LockHeldError; older locks are
// considered abandoned and broken.
func (s *SQLiteStore) AcquireLock(ctx context.Context, holder string, staleAfter time.Duration) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		current    string
		acquiredAt time.Time
	)
	err = tx.QueryRowContext(ctx, `SELECT holder, acquired_at FROM state_lock WHERE id = 1`).
		Scan(&current, &acquiredAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Lock is free.
	case err != nil:
		return fmt.Errorf("failed to read state lock: %w", err)
	case time.Since(acquiredAt) < staleAfter:
		return &engine.LockHeldError{Holder: current, AcquiredAt: acquiredAt}
	}

	query := `
		INSERT INTO state_lock (id, holder, acquired_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET holder = excluded.holder, acquired_at = excluded.acquired_at
	`
	if _, err := tx.ExecContext(ctx, query, holder, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to acquire state lock: %w", err)
	}
	return tx.Commit()
}

// ReleaseLock releases the lock if held by the given holder. Releasing a
// lock someone else took over (after staleness) is a no-op.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, holder string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM state_lock WHERE id = 1 AND holder = ?`, holder); err != nil {
		return fmt.Errorf("failed to release state lock: %w", err)
	}
	return nil
}

// CreateRun inserts a run row.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *engine.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}

	query := `INSERT INTO runs (id, status, summary, started_at, completed_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, run.ID, run.Status, string(summary), run.StartedAt, run.CompletedAt); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRunStatus moves a run to a new status, stamping completion for
// terminal statuses.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status engine.RunStatus) error {
	var completedAt *time.Time
	if status.IsTerminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`,
		status, completedAt, runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// RecordOperation persists the terminal result of one operation.
func (s *SQLiteStore) RecordOperation(ctx context.Context, runID string, result *engine.OperationResult) error {
	query := `
		INSERT INTO operations (run_id, id, address, kind, phase, status, attempts, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		runID,
		result.ID,
		result.Address,
		result.Kind,
		result.Phase,
		result.Status,
		result.Attempts,
		result.Duration.Milliseconds(),
		result.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record operation: %w", err)
	}
	return nil
}

// AppendEvent adds a timeline event to a run.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	query := `INSERT INTO events (id, run_id, type, resource, message, timestamp) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.RunID, event.Type, event.Resource, event.Message, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetRun retrieves a run with its recorded operations.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*engine.Run, error) {
	run, err := s.scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, status, summary, started_at, completed_at FROM runs WHERE id = ?`, runID))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, address, kind, phase, status, attempts, duration_ms, error
		FROM operations
		WHERE run_id = ?
		ORDER BY recorded_at ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			op         engine.OperationResult
			durationMS int64
		)
		err := rows.Scan(&op.ID, &op.Address, &op.Kind, &op.Phase, &op.Status, &op.Attempts, &durationMS, &op.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Duration = time.Duration(durationMS) * time.Millisecond
		run.Operations = append(run.Operations, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return run, nil
}

// ListRuns returns runs newest-first, up to limit.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*engine.Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, summary, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanRun(row rowScanner) (*engine.Run, error) {
	var (
		run     engine.Run
		summary string
	)
	err := row.Scan(&run.ID, &run.Status, &summary, &run.StartedAt, &run.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("failed to decode run summary: %w", err)
	}
	return &run, nil
}

// decodeRecord unmarshals the JSON columns of a state record row.
func decodeRecord(rec *engine.StateRecord, attributes, outputs, deps, labels string) error {
	if err := json.Unmarshal([]byte(attributes), &rec.Attributes); err != nil {
		return fmt.Errorf("failed to decode attributes for %s: %w", rec.Address, err)
	}
	if err := json.Unmarshal([]byte(outputs), &rec.Outputs); err != nil {
		return fmt.Errorf("failed to decode outputs for %s: %w", rec.Address, err)
	}
	if err := json.Unmarshal([]byte(deps), &rec.Dependencies); err != nil {
		return fmt.Errorf("failed to decode dependencies for %s: %w", rec.Address, err)
	}
	if err := json.Unmarshal([]byte(labels), &rec.Labels); err != nil {
		return fmt.Errorf("failed to decode labels for %s: %w", rec.Address, err)
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
