// Package daemon initialises and runs markd: configuration, telemetry,
// storage, the balance oracle, the rebalance orchestrator, and the admin API.
package daemon

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"markd/balances"
	"markd/bridge"
	"markd/chain"
	"markd/config"
	"markd/observability/logging"
	telemetry "markd/observability/otel"
	"markd/rebalancer"
	"markd/server"
	"markd/storage"
)

// Main initialises and runs the rebalancing daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "markd.toml", "path to markd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("MARKD_ENV"))
	var fileOpts *logging.FileOptions
	if cfg.Log.File != "" {
		fileOpts = &logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
	}
	logger := logging.Setup("markd", env, fileOpts)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "markd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	registry, err := config.LoadRegistry(cfg.ChainsPath)
	if err != nil {
		return fmt.Errorf("load chain registry: %w", err)
	}
	routes, err := config.LoadRoutes(cfg.RoutesPath, registry)
	if err != nil {
		return fmt.Errorf("load route policies: %w", err)
	}

	store, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	if cfg.PauseOnStart {
		if err := store.SetPause(context.Background(), storage.PauseRebalance, true); err != nil {
			return fmt.Errorf("apply startup pause: %w", err)
		}
		logger.Info("rebalancing paused on startup")
	}

	// Bridge adapters are integrated per deployment; the engine runs its
	// sweep and callback passes regardless.
	bridges, err := bridge.NewRegistry()
	if err != nil {
		return fmt.Errorf("init bridge registry: %w", err)
	}
	if names := bridges.Names(); len(names) == 0 {
		logger.Warn("no bridge adapters registered; routes will not dispatch")
	} else if err := config.ValidatePreferences(routes, func(name string) bool {
		_, ok := bridges.Resolve(bridge.Name(name))
		return ok
	}); err != nil {
		return fmt.Errorf("validate route preferences: %w", err)
	}

	// Transaction submission is injected externally; default to returning
	// errors until a submitter is configured.
	var chains chain.Service = chain.ServiceFunc(func(context.Context, chain.TxRequest) (*chain.Receipt, error) {
		return nil, fmt.Errorf("transaction submitter not configured")
	})

	oracle, err := balances.Dial(registry, cfg.RPCTimeout.Duration, logger)
	if err != nil {
		return fmt.Errorf("dial chain providers: %w", err)
	}

	engine, err := rebalancer.New(rebalancer.Options{
		Store:           store,
		Registry:        registry,
		Routes:          routes,
		Bridges:         bridges,
		Chains:          chains,
		Oracle:          oracle,
		Logger:          logger,
		TickInterval:    cfg.TickInterval.Duration,
		RPCTimeout:      cfg.RPCTimeout.Duration,
		EarmarkTTL:      cfg.EarmarkTTL.Duration,
		OperationTTL:    cfg.OperationTTL.Duration,
		CallbackWorkers: cfg.CallbackPool,
	})
	if err != nil {
		return fmt.Errorf("init rebalancer: %w", err)
	}

	auth, err := server.NewAuthenticator(cfg.Admin.BearerToken)
	if err != nil {
		return fmt.Errorf("init admin auth: %w", err)
	}
	adminServer, err := server.New(server.Config{
		Store:     store,
		Auth:      auth,
		Logger:    logger,
		RateLimit: cfg.Admin.RateLimit,
		RateBurst: cfg.Admin.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("init admin server: %w", err)
	}
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      adminServer.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	go func() {
		logger.Info("admin api listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()
	go func() {
		errs <- engine.Run(stopCtx)
	}()

	select {
	case <-stopCtx.Done():
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed && err != context.Canceled {
			stop()
			_ = httpServer.Close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		return err
	}
	return nil
}
