package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/convo/internal/config"
	"github.com/harun/convo/internal/observability"
	"github.com/harun/convo/pkg/gateway"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat gateway",
	Long: `Run the HTTP/WebSocket gateway.

Endpoints:
  /ws               JSON-RPC over websocket with streamed chat.delta events
  /rpc              single JSON-RPC calls over HTTP POST
  /v1/chat/stream   Server-Sent Events streaming of one turn
  /healthz          liveness
  /metrics          Prometheus metrics

The log level follows logging.level when the config file changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default gateway.addr from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{console: true})
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger()
	a.storageBanner(cmd.ErrOrStderr())

	refresher, err := observability.NewRefresher(a.config.Metrics.RefreshSchedule, func(ctx context.Context) (int, error) {
		ids, err := a.manager.ListSessions(ctx)
		return len(ids), err
	}, logger)
	if err != nil {
		return err
	}
	refresher.Start()
	defer refresher.Stop()

	addr := a.config.Gateway.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	server, err := gateway.NewServer(gateway.Config{
		Addr:         addr,
		TickInterval: a.config.Gateway.TickInterval,
		Manager:      a.manager,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Gateway listening on %s\n", server.Addr())

	watcher, err := config.NewWatcher(a.loader, func(cfg *config.Config) {
		if logLevel != "" {
			return
		}
		if err := a.log.SetLevel(cfg.Logging.Level); err != nil {
			logger.Warn().Err(err).Msg("Ignoring log level from reloaded config")
			return
		}
		logger.Info().Str("level", cfg.Logging.Level).Msg("Log level updated")
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Config watcher disabled")
	} else {
		defer watcher.Close()
		go watcher.Run(ctx)
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	timeout := a.config.Gateway.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.Stop(shutdownCtx)
}
