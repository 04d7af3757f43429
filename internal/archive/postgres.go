package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createArchiveTable = `CREATE TABLE IF NOT EXISTS mobius_archives (
	session_id TEXT PRIMARY KEY,
	record JSONB NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps archives in a postgres table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore connects to url and makes sure the table exists
func OpenPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if _, err := pool.Exec(ctx, createArchiveTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create archive table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Save stores rec, replacing any previous archive of the session
func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO mobius_archives (session_id, record, archived_at) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO UPDATE SET record = EXCLUDED.record, archived_at = EXCLUDED.archived_at`,
		rec.SessionID, data, rec.ArchivedAt)
	return err
}

// Load returns the archive of a session
func (s *PostgresStore) Load(ctx context.Context, sessionID string) (*Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM mobius_archives WHERE session_id = $1`, sessionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// Delete removes the archive of a session
func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM mobius_archives WHERE session_id = $1`, sessionID)
	return err
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
