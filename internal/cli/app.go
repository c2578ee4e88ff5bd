package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/harun/convo/internal/config"
	"github.com/harun/convo/internal/logger"
	"github.com/harun/convo/internal/tracing"
	"github.com/harun/convo/pkg/chat"
	"github.com/harun/convo/pkg/model"
	"github.com/harun/convo/pkg/session"
	"github.com/rs/zerolog"
)

// app is the wired process: config, logger, store and manager.
type app struct {
	config  *config.Config
	loader  *config.Loader
	log     *logger.Logger
	store   session.Store
	manager *chat.Manager
}

type appOptions struct {
	// console sends log lines to stderr. The chat REPL turns it off unless
	// --log-level is given so logs do not interleave with the conversation.
	console bool
}

func loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return loader, cfg, nil
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	loader, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logCfg := logger.Config{
		Level:     cfg.Logging.Level,
		Console:   opts.console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	}
	if cfg.Logging.ToFile {
		logCfg.File = cfg.Logging.File
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{config: cfg, loader: loader, log: log}

	if cfg.Telemetry.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Telemetry.ServiceName, cfg.Telemetry.SampleRatio); err != nil {
			zl := log.Zerolog()
			zl.Warn().Err(err).Msg("Failed to initialize tracing")
		}
	}

	store, err := session.Open(ctx, cfg.Storage)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	a.store = store

	client, err := model.NewClient(ctx, cfg.Model)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	manager, err := chat.New(chat.Config{
		Store:  store,
		Model:  client,
		Logger: log.Zerolog(),
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.manager = manager

	zl := log.Zerolog()
	zl.Debug().
		Str("provider", client.Name()).
		Str("backend", cfg.Storage.Backend).
		Bool("durable", store.Durable()).
		Msg("Convo initialized")
	return a, nil
}

func (a *app) logger() zerolog.Logger {
	return a.log.Zerolog()
}

// backend is the configured storage backend name
func (a *app) backend() string {
	if a.config.Storage.Backend == "" {
		return session.BackendSQLite
	}
	return a.config.Storage.Backend
}

// storageBanner names the active storage mode. A durable backend that failed
// to open and fell back to memory gets a warning instead.
func (a *app) storageBanner(w io.Writer) {
	backend := a.backend()

	switch {
	case a.store.Durable():
		where := ""
		switch backend {
		case session.BackendSQLite:
			where = " at " + a.config.Storage.Path
		case session.BackendJSONL:
			where = " in " + a.config.Storage.Dir
		}
		fmt.Fprintln(w, dimStyle.Render("Storage: "+backend+where))
	case backend == session.BackendMemory:
		fmt.Fprintln(w, dimStyle.Render("Storage: memory. Conversations will be lost on exit."))
	default:
		fmt.Fprintln(w, warnStyle.Render("Storage unavailable: using in-memory sessions. Conversations will be lost on exit."))
	}
}

// Close releases the store, tracing and log file
func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.config != nil && a.config.Telemetry.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, tracing.ShutdownOpenTelemetry(ctx))
		cancel()
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}
