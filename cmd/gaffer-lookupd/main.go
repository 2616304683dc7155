// Package main is the entry point for the gaffer-lookupd binary: the lookup
// service that holds the registry and speaks the registration protocol.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oca159/gaffer/internal/config"
	"github.com/oca159/gaffer/internal/lookupd"
	"github.com/oca159/gaffer/internal/metrics"
	"github.com/oca159/gaffer/internal/registry"
	"github.com/oca159/gaffer/internal/version"
)

type flags struct {
	configPath string
	bind       string
	idleCutoff time.Duration
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "gaffer-lookupd",
		Short: "gaffer-lookupd — the gaffer lookup service",
		Long: `gaffer-lookupd maintains a live directory of gaffer nodes and the jobs
they run. Nodes register over a persistent WebSocket channel at /ws;
clients query /sessions, /jobs and /nodes and stream changes from /events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", envOrDefault("GAFFER_CONFIG_FILE", ""), "Configuration file path")
	root.PersistentFlags().StringVar(&f.bind, "bind", "", "HTTP listen address (overrides config)")
	root.PersistentFlags().DurationVar(&f.idleCutoff, "idle-cutoff", 0, "Close node channels silent for this long (overrides config)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String("gaffer-lookupd"))
		},
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.bind != "" {
		cfg.Lookupd.Bind = f.bind
	}
	if f.idleCutoff > 0 {
		cfg.Lookupd.IdleCutoff = f.idleCutoff
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting gaffer-lookupd",
		zap.String("version", version.Version),
		zap.String("bind", cfg.Lookupd.Bind),
		zap.Duration("idle_cutoff", cfg.Lookupd.IdleCutoff),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Metrics ---
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promReg)

	// --- Registry + endpoint ---
	reg := registry.New(logger)
	srv := lookupd.New(lookupd.Config{
		Registry:    reg,
		Logger:      logger,
		Metrics:     m,
		PromHandler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		IdleCutoff:  cfg.Lookupd.IdleCutoff,
	})

	go srv.Run(ctx)

	httpSrv := &http.Server{
		Addr:        cfg.Lookupd.Bind,
		Handler:     srv.Router(),
		ReadTimeout: 0, // registration channels are long-lived
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Lookupd.Bind))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down gaffer-lookupd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("gaffer-lookupd stopped")
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
