package binding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS task_bindings (
	thread_key  TEXT PRIMARY KEY,
	platform    TEXT NOT NULL,
	channel_id  TEXT NOT NULL,
	thread_id   TEXT NOT NULL,
	task_id     TEXT NOT NULL UNIQUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ
)`

// PostgresStore keeps one row per thread; the unique task_id column serves
// inverse lookups.
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

// OpenPostgres connects with lib/pq and makes sure the table exists.
func OpenPostgres(ctx context.Context, dsn string, ttl time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := NewPostgresStore(db, ttl)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB, ttl time.Duration) *PostgresStore {
	return &PostgresStore{db: db, ttl: ttl}
}

// Migrate creates the task_bindings table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create task_bindings: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupThread(ctx context.Context, thread Thread) (string, error) {
	var taskID string
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id FROM task_bindings
		WHERE thread_key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, thread.Key()).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select thread %s: %w", thread.Key(), err)
	}
	return taskID, nil
}

func (s *PostgresStore) LookupTask(ctx context.Context, taskID string) (Binding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT platform, channel_id, thread_id, task_id, created_at FROM task_bindings
		WHERE task_id = $1 AND (expires_at IS NULL OR expires_at > now())
	`, taskID)

	b, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Binding{}, ErrNotFound
	}
	if err != nil {
		return Binding{}, fmt.Errorf("select task %s: %w", taskID, err)
	}
	return b, nil
}

// Bind inserts the row unless a live one exists; an expired row is replaced.
func (s *PostgresStore) Bind(ctx context.Context, b Binding) (Binding, bool, error) {
	if err := validate(b); err != nil {
		return Binding{}, false, err
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	var expiresAt sql.NullTime
	if s.ttl > 0 {
		expiresAt = sql.NullTime{Time: b.CreatedAt.Add(s.ttl), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Binding{}, false, fmt.Errorf("begin bind: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO task_bindings (thread_key, platform, channel_id, thread_id, task_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (thread_key) DO UPDATE
			SET task_id = EXCLUDED.task_id, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
			WHERE task_bindings.expires_at IS NOT NULL AND task_bindings.expires_at <= now()
		RETURNING platform, channel_id, thread_id, task_id, created_at
	`, b.Key(), b.Platform, b.ChannelID, b.ThreadID, b.TaskID, b.CreatedAt, expiresAt)

	stored, err := scanBinding(row)
	created := true
	if errors.Is(err, sql.ErrNoRows) {
		created = false
		stored, err = scanBinding(tx.QueryRowContext(ctx, `
			SELECT platform, channel_id, thread_id, task_id, created_at FROM task_bindings
			WHERE thread_key = $1
		`, b.Key()))
	}
	if err != nil {
		return Binding{}, false, fmt.Errorf("bind thread %s: %w", b.Key(), err)
	}

	if err := tx.Commit(); err != nil {
		return Binding{}, false, fmt.Errorf("commit bind: %w", err)
	}
	return stored, created, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanBinding(row *sql.Row) (Binding, error) {
	var b Binding
	err := row.Scan(&b.Platform, &b.ChannelID, &b.ThreadID, &b.TaskID, &b.CreatedAt)
	return b, err
}
