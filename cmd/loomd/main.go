// loomd is the task orchestration daemon: it owns the queue, the session
// store and the model binding, and exposes them over a local HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/loom/internal/bus"
	"github.com/basket/loom/internal/config"
	"github.com/basket/loom/internal/coordinator"
	"github.com/basket/loom/internal/cron"
	"github.com/basket/loom/internal/fault"
	"github.com/basket/loom/internal/gateway"
	"github.com/basket/loom/internal/kernel"
	"github.com/basket/loom/internal/memory"
	otelPkg "github.com/basket/loom/internal/otel"
	"github.com/basket/loom/internal/persistence"
	"github.com/basket/loom/internal/policy"
	"github.com/basket/loom/internal/router"
	"github.com/basket/loom/internal/scheduler"
	"github.com/basket/loom/internal/session"
	"github.com/basket/loom/internal/shared"
	"github.com/basket/loom/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message,
		)
	}
	os.Exit(1)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout silent")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("loomd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)
	if cfg.AuthToken == "" {
		logger.Warn("auth_token is empty; API requests will be rejected until one is set in config.yaml or LOOM_AUTH_TOKEN")
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}
	go otelPkg.NewPump(metrics, eventBus).Run(ctx)

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "loom.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	boot, err := store.ReconcileBoot(ctx, shared.NewBootID())
	if err != nil {
		fatalStartup(logger, "E_BOOT_RECONCILE", err)
	}
	logger.Info("startup phase", "phase", "boot_reconciled",
		"boot_id", boot.BootID,
		"previous_boot_id", boot.PreviousBootID,
		"sessions_wiped", boot.SessionsWiped)

	km, err := kernel.NewManager(ctx, cfg, kernel.DefaultBackendFactory, eventBus, logger)
	if err != nil {
		fatalStartup(logger, "E_KERNEL_BIND", err)
	}
	logger.Info("startup phase", "phase", "kernel_bound", "identity", km.Binding().Identity)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		go km.WatchConfig(ctx, watcher.Events(), cfg.HomeDir)
	}

	sessions := session.NewManager(store, coordinator.NewSummarizer(km), session.Config{
		SummaryTriggerTurns: cfg.Memory.SummaryTriggerTurns,
		SummaryTriggerBytes: cfg.Memory.SummaryTriggerBytes,
	}, logger)

	builder := memory.NewBuilder(store, &memory.StoreRetriever{Store: store}, memory.Config{
		BudgetTokens:      cfg.Memory.BudgetTokens,
		RecentTurns:       cfg.Memory.RecentTurns,
		RetrievalTopK:     cfg.Memory.RetrievalTopK,
		RetrievalMinTurns: cfg.Memory.RetrievalMinTurns,
	}, logger)

	rt, err := router.New(cfg.Roles, logger)
	if err != nil {
		fatalStartup(logger, "E_ROUTER_INIT", err)
	}

	reviewer, err := coordinator.NewReviewer(cfg.Reviewer.Instructions)
	if err != nil {
		fatalStartup(logger, "E_REVIEWER_INIT", err)
	}

	coord := coordinator.New(store, sessions, builder, rt, km, reviewer,
		policy.NewRegexChecker(), eventBus, coordinator.Config{
			MaxRepairAttempts: cfg.Coordinator.MaxRepairAttempts,
			Backoff: fault.BackoffPolicy{
				MaxAttempts: cfg.Coordinator.RetryMaxAttempts,
				BaseDelay:   time.Duration(cfg.Coordinator.RetryBaseDelayMS) * time.Millisecond,
				MaxDelay:    time.Duration(cfg.Coordinator.RetryMaxDelayMS) * time.Millisecond,
			},
			TaskTimeout: time.Duration(cfg.Coordinator.TaskTimeoutSeconds) * time.Second,
		}, logger)

	sched := scheduler.New(store, coord, eventBus, func(name string) bool {
		_, ok := rt.Role(name)
		return ok
	}, scheduler.Config{
		Capacity:        cfg.Queue.Capacity,
		MaxPending:      cfg.Queue.MaxPending,
		MaxContentBytes: cfg.Queue.MaxContentBytes,
		DispatchTick:    time.Duration(cfg.Queue.DispatchTickMS) * time.Millisecond,
		Providers:       append([]string{cfg.Backend.Provider}, cfg.Backend.FallbackProviders...),
	}, logger)
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	logger.Info("startup phase", "phase", "scheduler_started")

	maintenance, err := cron.NewMaintenance(store, cfg.Maintenance, logger)
	if err != nil {
		fatalStartup(logger, "E_MAINTENANCE_INIT", err)
	}
	maintenance.Start(ctx)
	defer maintenance.Stop()

	gw := gateway.New(gateway.Config{
		Store:     store,
		Scheduler: sched,
		Sessions:  sessions,
		Kernel:    km,
		Bus:       eventBus,
		Reload: func(ctx context.Context) (bool, error) {
			fresh, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				return false, err
			}
			return km.Refresh(ctx, fresh)
		},
		AuthToken: cfg.AuthToken,
		Metrics:   metrics,
		Log:       logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("loomd %s listening on http://%s\n", Version, cfg.BindAddr)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}
