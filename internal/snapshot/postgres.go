package snapshot

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore persists Summary rows to a `session_summaries` table,
// giving the coordination substrate durable snapshots across restarts
//.
type PostgresStore struct {
	db *sqlx.DB
}

// OpenPostgresStore connects to dsn, applies embedded migrations, and
// returns a ready PostgresStore.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot: connect postgres: %w", err)
	}
	if err := applyMigrations(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: apply migrations: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

type summaryRow struct {
	SessionID   string    `db:"session_id"`
	ContextHash string    `db:"context_hash"`
	CreatedAt   time.Time `db:"created_at"`
	Body        []byte    `db:"body"`
}

// Save implements Store.
func (p *PostgresStore) Save(ctx context.Context, s Summary) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("snapshot: marshal summary: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO session_summaries (session_id, context_hash, created_at, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE
		SET context_hash = EXCLUDED.context_hash,
		    created_at   = EXCLUDED.created_at,
		    body         = EXCLUDED.body
	`, s.SessionID, s.ContextHash, s.CreatedAt, body)
	if err != nil {
		return fmt.Errorf("snapshot: save summary: %w", err)
	}
	return nil
}

// Load implements Store.
func (p *PostgresStore) Load(ctx context.Context, sessionID string) (Summary, error) {
	var row summaryRow
	err := p.db.GetContext(ctx, &row, `
		SELECT session_id, context_hash, created_at, body
		FROM session_summaries
		WHERE session_id = $1
	`, sessionID)
	if err == sql.ErrNoRows {
		return Summary{}, errNotFound(sessionID)
	}
	if err != nil {
		return Summary{}, fmt.Errorf("snapshot: load summary: %w", err)
	}

	var s Summary
	if err := json.Unmarshal(row.Body, &s); err != nil {
		return Summary{}, fmt.Errorf("snapshot: unmarshal stored summary: %w", err)
	}
	return s, nil
}

// Close implements Store.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
