package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT    NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	role       TEXT    NOT NULL,
	content    TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

// SQLiteStore persists sessions in a local SQLite database file
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens or creates the database at path
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, storageErr("open", errors.New("sqlite path is required"))
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, storageErr("open", fmt.Errorf("failed to create database directory: %w", err))
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	// One writer keeps appends linearizable without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, storageErr("open", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, storageErr("open", fmt.Errorf("failed to create schema: %w", err))
	}

	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, sessionID string) error {
	o := startOp(ctx, BackendSQLite, "create", sessionID)
	if err := ValidateSessionID(sessionID); err != nil {
		return o.end(err)
	}

	res, err := s.db.ExecContext(o.ctx,
		"INSERT INTO sessions (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING",
		sessionID, time.Now().UnixNano(),
	)
	if err != nil {
		return o.end(storageErr("create", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return o.end(storageErr("create", err))
	}
	if n == 0 {
		return o.end(duplicate(sessionID))
	}

	o.logger.Info().Msg("Session created")
	return o.end(nil)
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msg Message) (Message, error) {
	o := startOp(ctx, BackendSQLite, "append", sessionID, roleAttr(msg.Role))
	defer o.observeSave()

	if err := msg.Validate(); err != nil {
		return Message{}, o.end(err)
	}
	msg = msg.Normalize()

	tx, err := s.db.BeginTx(o.ctx, nil)
	if err != nil {
		return Message{}, o.end(storageErr("append", err))
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(o.ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, o.end(unknown(sessionID))
	}
	if err != nil {
		return Message{}, o.end(storageErr("append", err))
	}

	var seq, last int64
	err = tx.QueryRowContext(o.ctx,
		"SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(created_at), 0) FROM messages WHERE session_id = ?",
		sessionID,
	).Scan(&seq, &last)
	if err != nil {
		return Message{}, o.end(storageErr("append", err))
	}
	if last > 0 {
		msg = msg.clampAfter(time.Unix(0, last).UTC())
	}

	_, err = tx.ExecContext(o.ctx,
		"INSERT INTO messages (session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
		sessionID, seq+1, string(msg.Role), msg.Content, msg.Timestamp.UnixNano(),
	)
	if err != nil {
		return Message{}, o.end(storageErr("append", err))
	}
	if err := tx.Commit(); err != nil {
		return Message{}, o.end(storageErr("append", err))
	}

	o.logger.Debug().Str("role", string(msg.Role)).Int64("seq", seq+1).Msg("Message appended")
	return msg, o.end(nil)
}

func (s *SQLiteStore) Read(ctx context.Context, sessionID string) ([]Message, error) {
	o := startOp(ctx, BackendSQLite, "read", sessionID)
	defer o.observeLoad()

	tx, err := s.db.BeginTx(o.ctx, nil)
	if err != nil {
		return nil, o.end(storageErr("read", err))
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(o.ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, o.end(unknown(sessionID))
	}
	if err != nil {
		return nil, o.end(storageErr("read", err))
	}

	rows, err := tx.QueryContext(o.ctx,
		"SELECT role, content, created_at FROM messages WHERE session_id = ? ORDER BY seq",
		sessionID,
	)
	if err != nil {
		return nil, o.end(storageErr("read", err))
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			role, content string
			createdAt     int64
		)
		if err := rows.Scan(&role, &content, &createdAt); err != nil {
			return nil, o.end(storageErr("read", err))
		}
		messages = append(messages, Message{
			Role:      Role(role),
			Content:   content,
			Timestamp: time.Unix(0, createdAt).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, o.end(storageErr("read", err))
	}

	return messages, o.end(nil)
}

func (s *SQLiteStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	o := startOp(ctx, BackendSQLite, "list", "")

	rows, err := s.db.QueryContext(o.ctx, "SELECT id FROM sessions")
	if err != nil {
		return nil, o.end(storageErr("list", err))
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, o.end(storageErr("list", err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, o.end(storageErr("list", err))
	}
	return ids, o.end(nil)
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	o := startOp(ctx, BackendSQLite, "delete", sessionID)

	res, err := s.db.ExecContext(o.ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return o.end(storageErr("delete", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return o.end(storageErr("delete", err))
	}
	if n == 0 {
		return o.end(unknown(sessionID))
	}

	o.logger.Info().Msg("Session deleted")
	return o.end(nil)
}

func (s *SQLiteStore) Durable() bool { return true }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
