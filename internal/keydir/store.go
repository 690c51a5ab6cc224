package keydir

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"

	"github.com/agentstack/agentstack/internal/model"
)

// NewStore opens the metadata store appropriate for the URL scheme.
// postgres:// URLs get a pgx pool; sqlite:// (or a bare file path) gets an
// embedded SQLite database for single-node deployments.
func NewStore(ctx context.Context, url string, logger *slog.Logger) (Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return newPostgresStore(ctx, url, logger)
	case strings.HasPrefix(url, "sqlite://"):
		return newSQLiteStore(strings.TrimPrefix(url, "sqlite://"), logger)
	default:
		return newSQLiteStore(url, logger)
	}
}

const projectKeysQuery = `SELECT id, api_key_hash FROM projects WHERE api_key_hash IS NOT NULL`

// postgresStore reads project keys from Postgres via pgx.
type postgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func newPostgresStore(ctx context.Context, url string, logger *slog.Logger) (*postgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("keydir: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("keydir: ping postgres: %w", err)
	}
	logger.Info("keydir: metadata store connected", "backend", "postgres")
	return &postgresStore{pool: pool, logger: logger}, nil
}

func (s *postgresStore) LookupAllProjectKeys(ctx context.Context) ([]ProjectKey, error) {
	rows, err := s.pool.Query(ctx, projectKeysQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: query projects: %v", model.ErrUnavailable, err)
	}
	defer rows.Close()

	var keys []ProjectKey
	for rows.Next() {
		var pk ProjectKey
		if err := rows.Scan(&pk.ProjectID, &pk.VerifierHash); err != nil {
			return nil, fmt.Errorf("keydir: scan project key: %w", err)
		}
		keys = append(keys, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read projects: %v", model.ErrUnavailable, err)
	}
	return keys, nil
}

func (s *postgresStore) Close() {
	s.pool.Close()
}

// sqliteStore reads project keys from an embedded SQLite file. SQLite allows
// concurrent readers with a single writer, which satisfies the metadata
// store contract for single-node deployments; the pipeline only reads.
type sqliteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func newSQLiteStore(path string, logger *slog.Logger) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("keydir: open sqlite %s: %w", path, err)
	}
	logger.Info("keydir: metadata store connected", "backend", "sqlite", "path", path)
	return &sqliteStore{db: db, logger: logger}, nil
}

func (s *sqliteStore) LookupAllProjectKeys(ctx context.Context) ([]ProjectKey, error) {
	rows, err := s.db.QueryContext(ctx, projectKeysQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: query projects: %v", model.ErrUnavailable, err)
	}
	defer rows.Close()

	var keys []ProjectKey
	for rows.Next() {
		var pk ProjectKey
		if err := rows.Scan(&pk.ProjectID, &pk.VerifierHash); err != nil {
			return nil, fmt.Errorf("keydir: scan project key: %w", err)
		}
		keys = append(keys, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read projects: %v", model.ErrUnavailable, err)
	}
	return keys, nil
}

func (s *sqliteStore) Close() {
	_ = s.db.Close()
}
