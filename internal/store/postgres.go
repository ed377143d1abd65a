package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/chatsync/internal/types"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS messages (
	seq        BIGSERIAL PRIMARY KEY,
	channel    TEXT   NOT NULL,
	id         TEXT   NOT NULL,
	author     TEXT   NOT NULL,
	content    TEXT   NOT NULL,
	created_at BIGINT NOT NULL,
	UNIQUE (channel, id)
)`

// Postgres error codes.
const (
	pgUndefinedTable  = "42P01"
	pgUniqueViolation = "23505"
)

// Postgres stores messages through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a pgx connection pool for dsn and verifies it with a
// ping. SQLAlchemy-style driver suffixes are normalized.
func OpenPostgres(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// normalizeDSN converts known non-pgx DSN variants to a pgx-compatible DSN.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+asyncpg://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+asyncpg://", "postgres://", 1)
	s = strings.Replace(s, "postgresql+pgx://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+pgx://", "postgres://", 1)
	return s
}

func (p *Postgres) Initialize(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}
	slog.Info("Ensured messages table exists")
	return nil
}

func (p *Postgres) Backfill(ctx context.Context, channel string, limit int) ([]types.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, author, content, created_at FROM (
			SELECT seq, id, author, content, created_at
			FROM messages
			WHERE channel = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) recent ORDER BY created_at ASC, seq ASC
	`, channel, limit)
	if err != nil {
		return nil, postgresError(err)
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var (
			m  types.Message
			id string
		)
		if err := rows.Scan(&id, &m.Author, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ID = types.MessageID(id)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, postgresError(err)
	}
	return msgs, nil
}

func (p *Postgres) Insert(ctx context.Context, channel string, msg types.Message) error {
	_, err := p.pool.Exec(ctx,
		"INSERT INTO messages (channel, id, author, content, created_at) VALUES ($1, $2, $3, $4, $5)",
		channel, string(msg.ID), msg.Author, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", msg.ID, postgresError(err))
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// postgresError maps server error codes onto the store sentinels.
func postgresError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUndefinedTable:
			return fmt.Errorf("%w: %w", types.ErrNotProvisioned, err)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %w", types.ErrDuplicate, err)
		}
	}
	return err
}
