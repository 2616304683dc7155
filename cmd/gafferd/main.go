// Package main is the entry point for the gafferd binary: the node daemon
// that supervises local processes and mirrors them into one or more lookup
// services.
//
// Startup sequence:
//  1. Load configuration (file, environment, flags)
//  2. Build logger
//  3. Start the process manager and load configured jobs
//  4. Start one registration adapter per configured lookup service
//  5. Serve the local debug HTTP surface
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oca159/gaffer/internal/config"
	"github.com/oca159/gaffer/internal/lookup"
	"github.com/oca159/gaffer/internal/manager"
	"github.com/oca159/gaffer/internal/supervisor"
	"github.com/oca159/gaffer/internal/version"
)

type flags struct {
	configPath       string
	bind             string
	lookupdAddresses []string
	broadcastAddress string
	broadcastPort    int
	logLevel         string
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
		Use:   "gafferd",
		Short: "gafferd — the gaffer node daemon",
		Long: `gafferd supervises processes on this host. Jobs are declared in the
configuration file; every load, spawn, exit and unload is mirrored into the
configured lookup services over persistent WebSocket channels.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", envOrDefault("GAFFER_CONFIG_FILE", ""), "Configuration file path")
	root.PersistentFlags().StringVar(&f.bind, "bind", "", "Local HTTP listen address (overrides config)")
	root.PersistentFlags().StringArrayVar(&f.lookupdAddresses, "lookupd-address", nil, "Lookup service registration URL, repeatable (overrides config)")
	root.PersistentFlags().StringVar(&f.broadcastAddress, "broadcast-address", "", "Address advertised to lookup services (default: OS hostname)")
	root.PersistentFlags().IntVar(&f.broadcastPort, "broadcast-port", 0, "Port advertised to lookup services (default: local bind port)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String("gafferd"))
		},
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.bind != "" {
		cfg.Node.Bind = f.bind
	}
	if len(f.lookupdAddresses) > 0 {
		cfg.Node.LookupdAddresses = f.lookupdAddresses
	}
	if f.broadcastAddress != "" {
		cfg.Node.BroadcastAddress = f.broadcastAddress
	}
	if f.broadcastPort > 0 {
		cfg.Node.BroadcastPort = f.broadcastPort
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

	logger.Info("starting gafferd",
		zap.String("version", version.Version),
		zap.String("bind", cfg.Node.Bind),
		zap.Strings("lookupd_addresses", cfg.Node.LookupdAddresses),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Process manager ---
	mgr := manager.New(logger)
	defer mgr.Stop()

	for _, p := range cfg.Processes {
		if err := mgr.Load(p); err != nil {
			return fmt.Errorf("failed to load job %q: %w", p.JobName(), err)
		}
	}

	// --- Registration ---
	identity, err := buildIdentity(cfg.Node)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, addr := range cfg.Node.LookupdAddresses {
		client := lookup.New(lookup.Config{
			URL:            addr,
			Identity:       identity,
			PingInterval:   cfg.Node.PingInterval,
			RequestTimeout: cfg.Node.RequestTimeout,
			BackoffBase:    cfg.Node.BackoffBase,
			BackoffMax:     cfg.Node.BackoffMax,
		}, logger)
		adapter := supervisor.NewAdapter(mgr, client, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			adapter.Run(ctx)
		}()
	}

	// --- Local debug HTTP surface ---
	httpSrv := &http.Server{
		Addr:         cfg.Node.Bind,
		Handler:      newRouter(mgr, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Node.Bind))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down gafferd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}
	wg.Wait()

	logger.Info("gafferd stopped")
	return nil
}

// buildIdentity derives what this node announces in identify frames.
func buildIdentity(cfg config.NodeConfig) (lookup.Identity, error) {
	port := cfg.BroadcastPort
	if port == 0 {
		_, portStr, err := net.SplitHostPort(cfg.Bind)
		if err != nil {
			return lookup.Identity{}, fmt.Errorf("cannot derive broadcast port from bind %q: %w", cfg.Bind, err)
		}
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return lookup.Identity{}, fmt.Errorf("cannot derive broadcast port from bind %q: %w", cfg.Bind, err)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return lookup.Identity{
		Hostname:         hostname,
		Port:             port,
		BroadcastAddress: cfg.BroadcastAddress,
		Version:          version.Number,
	}, nil
}

// newRouter serves the node's local debug surface: liveness and the current
// job/pid table. The fleet-wide views live on the lookup service.
func newRouter(mgr *manager.Manager, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("pong"))
	})

	r.Get("/pids", func(w http.ResponseWriter, _ *http.Request) {
		out := make(map[string][]int)
		for _, name := range mgr.Jobs() {
			pids, err := mgr.Pids(name)
			if err != nil {
				continue
			}
			out[name] = pids
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"data": out}); err != nil {
			logger.Warn("pids encode failed", zap.Error(err))
		}
	})

	return r
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
