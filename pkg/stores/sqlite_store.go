package stores

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

	"github.com/openfroyo/reconcile/pkg/engine"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// BusyTimeout is how long a write waits for a competing writer before
	// failing with a transient error.
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Every connection to :memory: opens a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
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

// InsertDeployment stores a new deployment record
func (s *SQLiteStore) InsertDeployment(ctx context.Context, record *engine.DeploymentRecord) error {
	if err := record.State.Validate(); err != nil {
		return fmt.Errorf("failed to insert deployment: %w", err)
	}

	operations, err := json.Marshal(record.Operations)
	if err != nil {
		return fmt.Errorf("failed to marshal operations: %w", err)
	}
	changed, err := json.Marshal(nonNilPairs(record.Changed))
	if err != nil {
		return fmt.Errorf("failed to marshal changed components: %w", err)
	}

	query := `
		INSERT INTO deployments (
			id, plan_id, mode, state, dry_run, operations, changed,
			created_at, started_at, ended_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.PlanID,
		string(record.Mode),
		string(record.State),
		record.DryRun,
		string(operations),
		string(changed),
		record.CreatedAt.UTC(),
		utcOrNil(record.StartedAt),
		utcOrNil(record.EndedAt),
		s.now(),
	)
	if err != nil {
		return writeError("insert_deployment", err)
	}

	return nil
}

// UpdateDeployment stores the state and timestamps of an existing record.
// A terminal record cannot be changed again.
func (s *SQLiteStore) UpdateDeployment(ctx context.Context, record *engine.DeploymentRecord) error {
	if err := record.State.Validate(); err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}

	query := `
		UPDATE deployments
		SET state = ?, started_at = ?, ended_at = ?, updated_at = ?
		WHERE id = ? AND state IN ('PENDING', 'RUNNING')
	`

	result, err := s.db.ExecContext(ctx, query,
		string(record.State),
		utcOrNil(record.StartedAt),
		utcOrNil(record.EndedAt),
		s.now(),
		record.ID,
	)
	if err != nil {
		return writeError("update_deployment", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		if _, err := s.GetDeployment(ctx, record.ID); err != nil {
			return err
		}
		return engine.NewConflictError("deployment is already finalized", nil).
			WithCode(engine.ErrCodeConflict).
			WithResource(record.ID)
	}

	return nil
}

// writeError wraps a failed write. Busy and locked databases are reported
// as transient so the deployment writer retries them.
func writeError(op string, err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
			return engine.NewTransientError("database is busy", err).WithOperation(op)
		}
	}
	return fmt.Errorf("failed to %s: %w", strings.ReplaceAll(op, "_", " "), err)
}

// InsertOperationOutcome appends an operation outcome to its deployment
func (s *SQLiteStore) InsertOperationOutcome(ctx context.Context, outcome engine.OperationOutcome) error {
	query := `
		INSERT INTO operation_outcomes (
			deployment_id, sequence, operation_id, service, component, action,
			state, started_at, ended_at, diagnostics
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		outcome.DeploymentID,
		outcome.Sequence,
		string(outcome.OperationID),
		outcome.Service,
		outcome.Component,
		string(outcome.Action),
		string(outcome.State),
		outcome.StartedAt.UTC(),
		outcome.EndedAt.UTC(),
		outcome.Diagnostics,
	)
	if err != nil {
		return writeError("insert_operation_outcome", err)
	}

	return nil
}

// InsertComponentOutcome appends a component outcome to its deployment
func (s *SQLiteStore) InsertComponentOutcome(ctx context.Context, outcome engine.ComponentOutcome) error {
	query := `
		INSERT INTO component_outcomes (
			deployment_id, service, component, state, version, ended_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		outcome.DeploymentID,
		outcome.Service,
		outcome.Component,
		string(outcome.State),
		string(outcome.Version),
		outcome.EndedAt.UTC(),
	)
	if err != nil {
		return writeError("insert_component_outcome", err)
	}

	return nil
}

const deploymentColumns = `id, plan_id, mode, state, dry_run, operations, changed, created_at, started_at, ended_at`

// GetDeployment retrieves a deployment by ID
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*engine.DeploymentRecord, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = ?`

	record, err := scanDeployment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	return record, nil
}

// ListDeployments lists deployments, most recent first
func (s *SQLiteStore) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*engine.DeploymentRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT ` + deploymentColumns + `
		FROM deployments
		WHERE (? = '' OR state = ?)
		  AND (? = '' OR mode = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		string(filter.State), string(filter.State),
		string(filter.Mode), string(filter.Mode),
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	records := []*engine.DeploymentRecord{}
	for rows.Next() {
		record, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return records, nil
}

// ListOperationOutcomes lists the operation outcomes of a deployment in
// plan order
func (s *SQLiteStore) ListOperationOutcomes(ctx context.Context, deploymentID string) ([]engine.OperationOutcome, error) {
	query := `
		SELECT deployment_id, sequence, operation_id, service, component, action,
		       state, started_at, ended_at, diagnostics
		FROM operation_outcomes
		WHERE deployment_id = ?
		ORDER BY sequence
	`

	rows, err := s.db.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list operation outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []engine.OperationOutcome{}
	for rows.Next() {
		var (
			o                          engine.OperationOutcome
			operationID, action, state string
		)
		err := rows.Scan(
			&o.DeploymentID,
			&o.Sequence,
			&operationID,
			&o.Service,
			&o.Component,
			&action,
			&state,
			&o.StartedAt,
			&o.EndedAt,
			&o.Diagnostics,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation outcome: %w", err)
		}
		o.OperationID = engine.OperationID(operationID)
		o.Action = engine.ActionKind(action)
		o.State = engine.OutcomeState(state)
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operation outcomes: %w", err)
	}

	return outcomes, nil
}

// ListComponentOutcomes lists the component outcomes of a deployment in the
// order they were recorded
func (s *SQLiteStore) ListComponentOutcomes(ctx context.Context, deploymentID string) ([]engine.ComponentOutcome, error) {
	query := `
		SELECT deployment_id, service, component, state, version, ended_at
		FROM component_outcomes
		WHERE deployment_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list component outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []engine.ComponentOutcome{}
	for rows.Next() {
		o, err := scanComponentOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan component outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating component outcomes: %w", err)
	}

	return outcomes, nil
}

// LatestSuccessVersions returns, for every (service, component) pair, the
// version of its most recent successful component outcome within a
// deployment that ended in SUCCESS. Outcomes of failed or unfinished
// deployments never count.
func (s *SQLiteStore) LatestSuccessVersions(ctx context.Context) (engine.VersionMap, error) {
	query := `
		SELECT c.service, c.component, c.version
		FROM component_outcomes c
		JOIN (
			SELECT MAX(co.id) AS id
			FROM component_outcomes co
			JOIN deployments d ON d.id = co.deployment_id AND d.state = 'SUCCESS'
			WHERE co.state = 'success' AND co.version <> ''
			GROUP BY co.service, co.component
		) latest ON latest.id = c.id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest success versions: %w", err)
	}
	defer rows.Close()

	versions := engine.VersionMap{}
	for rows.Next() {
		var sc engine.ServiceComponent
		var version string
		if err := rows.Scan(&sc.Service, &sc.Component, &version); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions[sc] = engine.Fingerprint(version)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

// FinalizeDangling marks deployments left PENDING or RUNNING as FAILURE
func (s *SQLiteStore) FinalizeDangling(ctx context.Context) (int64, error) {
	now := s.now()
	query := `
		UPDATE deployments
		SET state = 'FAILURE', ended_at = ?, updated_at = ?
		WHERE state IN ('PENDING', 'RUNNING')
	`

	result, err := s.db.ExecContext(ctx, query, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to finalize dangling deployments: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*engine.DeploymentRecord, error) {
	var (
		record              engine.DeploymentRecord
		mode, state         string
		operations, changed string
		startedAt, endedAt  *time.Time
	)

	err := row.Scan(
		&record.ID,
		&record.PlanID,
		&mode,
		&state,
		&record.DryRun,
		&operations,
		&changed,
		&record.CreatedAt,
		&startedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Mode = engine.PlanMode(mode)
	record.State = engine.DeploymentState(state)
	record.StartedAt = startedAt
	record.EndedAt = endedAt

	if err := json.Unmarshal([]byte(operations), &record.Operations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operations: %w", err)
	}
	if err := json.Unmarshal([]byte(changed), &record.Changed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal changed components: %w", err)
	}
	if len(record.Changed) == 0 {
		record.Changed = nil
	}

	return &record, nil
}

func scanComponentOutcome(row rowScanner) (engine.ComponentOutcome, error) {
	var (
		o              engine.ComponentOutcome
		state, version string
	)
	err := row.Scan(
		&o.DeploymentID,
		&o.Service,
		&o.Component,
		&state,
		&version,
		&o.EndedAt,
	)
	if err != nil {
		return o, err
	}
	o.State = engine.OutcomeState(state)
	o.Version = engine.Fingerprint(version)
	return o, nil
}

func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nonNilPairs(pairs []engine.ServiceComponent) []engine.ServiceComponent {
	if pairs == nil {
		return []engine.ServiceComponent{}
	}
	return pairs
}
