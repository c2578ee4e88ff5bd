package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS convo_sessions (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS convo_messages (
	session_id TEXT        NOT NULL REFERENCES convo_sessions(id) ON DELETE CASCADE,
	seq        INTEGER     NOT NULL,
	role       TEXT        NOT NULL,
	content    TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

// PostgresStore persists sessions in PostgreSQL through a pgx pool
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the schema exists
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, storageErr("open", errors.New("postgres dsn is required"))
	}

	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, storageErr("open", err)
	}
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, storageErr("open", fmt.Errorf("create schema: %w", err))
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Create(ctx context.Context, sessionID string) error {
	o := startOp(ctx, BackendPostgres, "create", sessionID)
	if err := ValidateSessionID(sessionID); err != nil {
		return o.end(err)
	}

	tag, err := s.db.Exec(o.ctx,
		`INSERT INTO convo_sessions (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		sessionID,
	)
	if err != nil {
		return o.end(storageErr("create", err))
	}
	if tag.RowsAffected() == 0 {
		return o.end(duplicate(sessionID))
	}

	o.logger.Info().Msg("Session created")
	return o.end(nil)
}

func (s *PostgresStore) Append(ctx context.Context, sessionID string, msg Message) (Message, error) {
	o := startOp(ctx, BackendPostgres, "append", sessionID, roleAttr(msg.Role))
	defer o.observeSave()

	if err := msg.Validate(); err != nil {
		return Message{}, o.end(err)
	}
	msg = msg.Normalize()

	tx, err := s.db.Begin(o.ctx)
	if err != nil {
		return Message{}, o.end(storageErr("append", err))
	}
	defer tx.Rollback(context.WithoutCancel(o.ctx))

	// Row lock serializes appends to one session.
	var id string
	err = tx.QueryRow(o.ctx, `SELECT id FROM convo_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, o.end(unknown(sessionID))
	}
	if err != nil {
		return Message{}, o.end(storageErr("append", err))
	}

	var last *time.Time
	err = tx.QueryRow(o.ctx,
		`SELECT MAX(created_at) FROM convo_messages WHERE session_id = $1`,
		sessionID,
	).Scan(&last)
	if err != nil {
		return Message{}, o.end(storageErr("append", err))
	}
	if last != nil {
		msg = msg.clampAfter(last.UTC())
	}

	var seq int
	err = tx.QueryRow(o.ctx,
		`INSERT INTO convo_messages (session_id, seq, role, content, created_at)
		 VALUES ($1, COALESCE((SELECT MAX(seq) FROM convo_messages WHERE session_id = $1), 0) + 1, $2, $3, $4)
		 RETURNING seq`,
		sessionID, string(msg.Role), msg.Content, msg.Timestamp,
	).Scan(&seq)
	if err != nil {
		return Message{}, o.end(storageErr("append", err))
	}

	if err := tx.Commit(o.ctx); err != nil {
		return Message{}, o.end(storageErr("append", err))
	}

	o.logger.Debug().Str("role", string(msg.Role)).Int("seq", seq).Msg("Message appended")
	return msg, o.end(nil)
}

func (s *PostgresStore) Read(ctx context.Context, sessionID string) ([]Message, error) {
	o := startOp(ctx, BackendPostgres, "read", sessionID)
	defer o.observeLoad()

	var id string
	err := s.db.QueryRow(o.ctx, `SELECT id FROM convo_sessions WHERE id = $1`, sessionID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, o.end(unknown(sessionID))
	}
	if err != nil {
		return nil, o.end(storageErr("read", err))
	}

	rows, err := s.db.Query(o.ctx,
		`SELECT role, content, created_at
		 FROM convo_messages WHERE session_id = $1 ORDER BY seq ASC`,
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
			createdAt     time.Time
		)
		if err := rows.Scan(&role, &content, &createdAt); err != nil {
			return nil, o.end(storageErr("read", err))
		}
		messages = append(messages, Message{
			Role:      Role(role),
			Content:   content,
			Timestamp: createdAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, o.end(storageErr("read", err))
	}

	return messages, o.end(nil)
}

func (s *PostgresStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	o := startOp(ctx, BackendPostgres, "list", "")

	rows, err := s.db.Query(o.ctx, `SELECT id FROM convo_sessions`)
	if err != nil {
		return nil, o.end(storageErr("list", err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, o.end(storageErr("list", err))
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, o.end(nil)
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	o := startOp(ctx, BackendPostgres, "delete", sessionID)

	tag, err := s.db.Exec(o.ctx, `DELETE FROM convo_sessions WHERE id = $1`, sessionID)
	if err != nil {
		return o.end(storageErr("delete", err))
	}
	if tag.RowsAffected() == 0 {
		return o.end(unknown(sessionID))
	}

	o.logger.Info().Msg("Session deleted")
	return o.end(nil)
}

func (s *PostgresStore) Durable() bool { return true }

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
