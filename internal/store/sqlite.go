package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/user/chatsync/internal/types"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	channel    TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	author     TEXT    NOT NULL,
	content    TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (channel, id)
)`

// SQLite stores messages in a sqlite database file.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite dsn needs a path")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}
	slog.Info("Ensured messages table exists")
	return nil
}

func (s *SQLite) Backfill(ctx context.Context, channel string, limit int) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author, content, created_at FROM (
			SELECT seq, id, author, content, created_at
			FROM messages
			WHERE channel = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC`, channel, limit)
	if err != nil {
		return nil, sqliteError(err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}(rows)

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
		return nil, sqliteError(err)
	}
	return msgs, nil
}

func (s *SQLite) Insert(ctx context.Context, channel string, msg types.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (channel, id, author, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		channel, string(msg.ID), msg.Author, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", msg.ID, sqliteError(err))
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// sqliteError maps driver errors onto the store sentinels.
func sqliteError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %w", types.ErrDuplicate, err)
		case se.Code == sqlite3.ErrError && strings.Contains(se.Error(), "no such table"):
			return fmt.Errorf("%w: %w", types.ErrNotProvisioned, err)
		}
	}
	return err
}
