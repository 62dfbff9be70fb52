package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fearless-family/relay/internal/api"
	"github.com/fearless-family/relay/internal/metrics"
	"github.com/fearless-family/relay/internal/presence"
	"github.com/fearless-family/relay/internal/relay"
	"github.com/fearless-family/relay/internal/ws"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	addr       string
	corsOrigin string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "relay",
		Short: "Fearless Family relay — realtime chat relay server",
		Long: `The relay delivers chat messages, typing indicators and online-presence
within family group chats in real time. It keeps no durable state: message
history and family membership are owned by the REST application, and the
relay simply fans events out to the connections currently in each room.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.addr, "addr", envOrDefault("RELAY_ADDR", ":3001"), "HTTP and websocket listen address")
	root.PersistentFlags().StringVar(&cfg.corsOrigin, "cors-origin", envOrDefault("RELAY_CORS_ORIGIN", "http://localhost:3000"), "Origin allowed to connect (empty allows any)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("RELAY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting relay",
		zap.String("version", version),
		zap.String("addr", cfg.addr),
		zap.String("cors_origin", cfg.corsOrigin),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	presenceMgr := presence.NewManager(logger, m)
	messageRelay := relay.NewMessageRelay(presenceMgr, logger, m)
	typingRelay := relay.NewTypingRelay(presenceMgr, logger, m)

	hub := ws.NewHub(ws.Config{
		AllowedOrigin: cfg.corsOrigin,
		Presence:      presenceMgr,
		Messages:      messageRelay,
		Typing:        typingRelay,
		Logger:        logger,
	})
	presenceMgr.SetEmitter(hub)

	go hub.Run(ctx)

	router := api.NewRouter(api.RouterConfig{
		Hub:           hub,
		Presence:      presenceMgr,
		Registry:      promRegistry,
		Logger:        logger,
		AllowedOrigin: cfg.corsOrigin,
	})

	srv := &http.Server{
		Addr:              cfg.addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down relay")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	// The hub closes every client when ctx is cancelled; wait for the loop
	// to drain before returning.
	<-hub.Stopped()
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
