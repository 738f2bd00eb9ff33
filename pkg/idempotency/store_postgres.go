package idempotency

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore provides durable idempotency enforcement that survives
// process restarts. Storage errors degrade to a miss.
type PostgresStore struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB, ttl time.Duration, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, ttl: ttl, logger: logger.With("component", "idempotency_postgres")}
}

// Migrate creates the backing table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key         TEXT PRIMARY KEY,
			status_code INTEGER NOT NULL,
			body        BYTEA NOT NULL,
			cached_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func (s *PostgresStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	var statusCode int
	var body []byte
	var cachedAt time.Time

	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&statusCode, &body, &cachedAt)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.WarnContext(ctx, "postgres check failed, treating as miss", "error", err)
		}
		return nil, false
	}

	if time.Since(cachedAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}

	hdr := make(http.Header)
	hdr.Set("Content-Type", "application/json")
	return &CachedResponse{StatusCode: statusCode, Body: body, Headers: hdr, CachedAt: cachedAt}, true
}

func (s *PostgresStore) Set(ctx context.Context, key string, statusCode int, _ http.Header, body []byte) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, status_code, body, cached_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, body = $3, cached_at = NOW()`,
		key, statusCode, body,
	)
	if err != nil {
		s.logger.WarnContext(ctx, "postgres set failed, response will not replay", "key", key, "error", err)
	}
}

// Cleanup removes keys older than the TTL. Intended for a periodic job.
func (s *PostgresStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		time.Now().Add(-s.ttl),
	)
	return err
}
