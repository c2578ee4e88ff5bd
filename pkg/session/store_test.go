package session_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/convo/pkg/session"
	"github.com/harun/convo/pkg/session/sessiontest"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreConformance(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) sessiontest.Opener {
		return func(t *testing.T) session.Store {
			return session.NewMemoryStore()
		}
	})
}

func TestJSONLStoreConformance(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) sessiontest.Opener {
		dir := t.TempDir()
		return func(t *testing.T) session.Store {
			store, err := session.NewJSONLStore(dir)
			require.NoError(t, err)
			return store
		}
	})
}

func TestSQLiteStoreConformance(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) sessiontest.Opener {
		path := filepath.Join(t.TempDir(), "convo.db")
		return func(t *testing.T) session.Store {
			store, err := session.NewSQLiteStore(context.Background(), path)
			require.NoError(t, err)
			return store
		}
	})
}

func TestPostgresStoreConformance(t *testing.T) {
	dsn := os.Getenv("CONVO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONVO_TEST_POSTGRES_DSN not set")
	}

	sessiontest.Run(t, func(t *testing.T) sessiontest.Opener {
		truncatePostgres(t, dsn)
		return func(t *testing.T) session.Store {
			store, err := session.NewPostgresStore(context.Background(), dsn)
			require.NoError(t, err)
			return store
		}
	})
}

// truncatePostgres empties the shared test database so each case starts clean.
func truncatePostgres(t *testing.T, dsn string) {
	t.Helper()
	ctx := context.Background()

	store, err := session.NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "TRUNCATE convo_messages, convo_sessions")
	require.NoError(t, err)
}
