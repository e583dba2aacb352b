package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"autoflow/internal/policy"
	"autoflow/internal/tags"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore keeps the audit trail in PostgreSQL. The schema enforces
// that every action references a stored result.
type PostgresStore struct {
	db *sql.DB
}

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenPostgres connects to databaseURL and applies pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string, opts PostgresOptions) (*PostgresStore, error) {
	if err := Migrate(databaseURL); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 4
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 2
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema migrations. It uses its own
// connection, which is closed on return.
func Migrate(databaseURL string) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "autoflow_schema_migrations"})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Record inserts rec. Inserting an ID that already exists is a no-op, so a
// retried write is safe.
func (s *PostgresStore) Record(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return &StorageError{Backend: "postgres", Op: "record", Err: err}
	}

	var err error
	switch rec.Kind {
	case KindReading:
		err = s.insertReading(ctx, rec.Reading)
	case KindResult:
		err = s.insertResult(ctx, rec)
	case KindAction:
		err = s.insertAction(ctx, rec.Action)
	}
	if err != nil {
		return &StorageError{Backend: "postgres", Op: "insert " + string(rec.Kind), Err: err}
	}
	return nil
}

func (s *PostgresStore) insertReading(ctx context.Context, r *tags.Reading) error {
	value, err := json.Marshal(r.Value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_readings (id, cycle_id, tag, value, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.CycleID, r.Tag, value, r.Timestamp,
	)
	return err
}

func (s *PostgresStore) insertResult(ctx context.Context, rec Record) error {
	r := rec.Result
	fv, err := json.Marshal(r.Features)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_results (id, cycle_id, vector_id, features, score, label, model_version, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.CycleID, r.Features.ID, fv, r.Score, r.Label, r.ModelVersion, r.Timestamp,
	)
	return err
}

func (s *PostgresStore) insertAction(ctx context.Context, a *policy.Action) error {
	value, err := json.Marshal(a.NewValue)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_actions (id, cycle_id, result_id, target_tag, new_value, status, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.CycleID, a.ResultID, a.TargetTag, value, string(a.Status), a.Error, a.Timestamp,
	)
	return err
}

// Actions returns control actions with a timestamp in [start, end], in
// insertion order.
func (s *PostgresStore) Actions(ctx context.Context, start, end time.Time) ([]policy.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, result_id, target_tag, new_value, status, error, recorded_at
		FROM audit_actions
		WHERE recorded_at BETWEEN $1 AND $2
		ORDER BY seq`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []policy.Action
	for rows.Next() {
		var a policy.Action
		var value []byte
		var status string
		if err := rows.Scan(&a.ID, &a.CycleID, &a.ResultID, &a.TargetTag, &value, &status, &a.Error, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		if err := json.Unmarshal(value, &a.NewValue); err != nil {
			return nil, fmt.Errorf("decode action value: %w", err)
		}
		a.Status = policy.Status(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Readings returns readings with a timestamp in [start, end], in insertion
// order.
func (s *PostgresStore) Readings(ctx context.Context, start, end time.Time) ([]tags.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, tag, value, recorded_at
		FROM audit_readings
		WHERE recorded_at BETWEEN $1 AND $2
		ORDER BY seq`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []tags.Reading
	for rows.Next() {
		var r tags.Reading
		var value []byte
		if err := rows.Scan(&r.ID, &r.CycleID, &r.Tag, &value, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		if err := json.Unmarshal(value, &r.Value); err != nil {
			return nil, fmt.Errorf("decode reading value: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Verify reports results whose cycle has no stored readings. Action to
// result references are enforced by the schema.
func (s *PostgresStore) Verify(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.cycle_id
		FROM audit_results r
		WHERE NOT EXISTS (SELECT 1 FROM audit_readings g WHERE g.cycle_id = r.cycle_id)
		ORDER BY r.seq`)
	if err != nil {
		return fmt.Errorf("query orphan results: %w", err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var id, cycle string
		if err := rows.Scan(&id, &cycle); err != nil {
			return fmt.Errorf("scan orphan result: %w", err)
		}
		problems = append(problems, fmt.Sprintf("result %s has no readings for cycle %s", id, cycle))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(problems) > 0 {
		return &IntegrityError{Problems: problems}
	}
	return nil
}
