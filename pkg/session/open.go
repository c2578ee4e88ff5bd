package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Config selects and configures a store backend
type Config struct {
	Backend string `json:"backend" mapstructure:"backend"`
	// Path is the SQLite database file.
	Path string `json:"path" mapstructure:"path"`
	// Dir holds one .jsonl file per session.
	Dir string `json:"dir" mapstructure:"dir"`
	// DSN is the PostgreSQL connection string.
	DSN string `json:"dsn" mapstructure:"dsn"`
	// FallbackToMemory opens a volatile store when the durable backend fails.
	FallbackToMemory bool `json:"fallback_to_memory" mapstructure:"fallback_to_memory"`
}

// Open creates the configured store. When the durable backend cannot be
// opened and FallbackToMemory is set, a MemoryStore is returned instead;
// callers can detect this through Durable().
func Open(ctx context.Context, cfg Config) (Store, error) {
	store, err := openBackend(ctx, cfg)
	if err == nil {
		log.Info().Str("backend", backendName(cfg)).Bool("durable", store.Durable()).Msg("Session store opened")
		return store, nil
	}
	if !cfg.FallbackToMemory {
		return nil, err
	}

	log.Warn().
		Err(err).
		Str("backend", backendName(cfg)).
		Msg("Durable session store unavailable, falling back to memory; conversations will not persist")
	return NewMemoryStore(), nil
}

func openBackend(ctx context.Context, cfg Config) (Store, error) {
	switch backendName(cfg) {
	case BackendSQLite:
		return NewSQLiteStore(ctx, cfg.Path)
	case BackendJSONL:
		return NewJSONLStore(cfg.Dir)
	case BackendPostgres:
		return NewPostgresStore(ctx, cfg.DSN)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func backendName(cfg Config) string {
	if cfg.Backend == "" {
		return BackendSQLite
	}
	return cfg.Backend
}
