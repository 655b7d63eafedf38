package db

import (
	"context"
	_ "embed"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// from a runtime image that does not ship internal/db/schema.sql.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps snapshots as opaque, append-only rows. It is never
// queried per match: List reads every row back and decoding happens in the
// snapshot cache.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	log.Println("[PostgresStore] Connected to PostgreSQL snapshot store")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	log.Println("[PostgresStore] Snapshot schema initialized")
	return nil
}

// Append inserts one snapshot row inside a transaction.
func (s *PostgresStore) Append(ctx context.Context, snap models.StoredSnapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertSnapshotSQL := `
		INSERT INTO analysis_snapshots (id, run_at, source, payload)
		VALUES ($1, $2, $3, $4);
	`
	if _, err := tx.Exec(ctx, insertSnapshotSQL, snap.ID, snap.RunAt, snap.Source, snap.Payload); err != nil {
		return fmt.Errorf("failed to insert snapshot %s: %w", snap.ID, err)
	}
	return tx.Commit(ctx)
}

// List reads every stored snapshot, oldest first.
func (s *PostgresStore) List(ctx context.Context) ([]models.StoredSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_at, source, payload
		FROM analysis_snapshots
		ORDER BY run_at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.StoredSnapshot
	for rows.Next() {
		var snap models.StoredSnapshot
		if err := rows.Scan(&snap.ID, &snap.RunAt, &snap.Source, &snap.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
