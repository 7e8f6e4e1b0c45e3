package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/caravanhq/caravan/pkg/api"
	"github.com/caravanhq/caravan/pkg/autoload"
	"github.com/caravanhq/caravan/pkg/config"
	"github.com/caravanhq/caravan/pkg/configstore"
	"github.com/caravanhq/caravan/pkg/events"
	"github.com/caravanhq/caravan/pkg/flags"
	"github.com/caravanhq/caravan/pkg/health"
	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/metrics"
	"github.com/caravanhq/caravan/pkg/orchestrator"
	"github.com/caravanhq/caravan/pkg/platform"
	"github.com/caravanhq/caravan/pkg/ports"
	"github.com/caravanhq/caravan/pkg/supervisor"
)

const shutdownGrace = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the simulation engine",
	Long: `Start the engine: public API, service supervisor, journey
orchestrator, feature-flag store, and event fan-out. Children are spawned
as stepsvc processes on demand.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	serverCmd.Flags().StringVar(&configFile, "config", "", "optional YAML config file")
}

func runServer() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("server")

	metrics.SetVersion(Version)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	allocator, err := ports.NewAllocator(cfg.DataDir, cfg.Ports.Min, cfg.Ports.Max)
	if err != nil {
		return fmt.Errorf("initializing port allocator: %w", err)
	}
	defer allocator.Close()
	metrics.RegisterComponent("ports", true, "")

	// Event fan-out: platform destination when configured, log fallback.
	var dest events.Destination = events.LogDestination{}
	creds, err := platform.ResolveCredentials(cfg.Platform.Environment, cfg.Platform.APIToken, cfg.DataDir)
	switch {
	case err == nil:
		dest = platform.NewClient(creds)
		logger.Info().Msg("Observability platform destination configured")
	case errors.Is(err, platform.ErrNotConfigured):
		logger.Warn().Msg("No platform credentials, events go to the log")
	default:
		return fmt.Errorf("resolving platform credentials: %w", err)
	}
	fanout := events.NewFanout(0, dest)
	fanout.Start()
	metrics.RegisterComponent("events", true, "")

	flagStore, err := flags.NewStore(cfg.DataDir, fanout)
	if err != nil {
		return fmt.Errorf("initializing flag store: %w", err)
	}
	metrics.RegisterComponent("flags", true, "")

	engineURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	sup := supervisor.NewSupervisor(supervisor.Config{
		EngineURL:         engineURL,
		PreservedServices: cfg.PreservedServices,
		ChildEnv:          cfg.ChildEnv,
		HealthCheck:       health.DefaultConfig(),
	}, allocator, &supervisor.ExecLauncher{})
	sup.Start()
	metrics.RegisterComponent("supervisor", true, "")

	configs, err := configstore.NewStore(filepath.Join(cfg.DataDir, "configs"))
	if err != nil {
		return fmt.Errorf("initializing config store: %w", err)
	}
	if err := configs.Watch(); err != nil {
		return fmt.Errorf("watching config store: %w", err)
	}

	orch := orchestrator.New(sup, allocator, fanout, orchestrator.Config{
		StepTimeout: cfg.StepTimeout,
		SettleTime:  cfg.SettleTime,
	})

	var gen *autoload.Generator
	if cfg.AutoLoad.Enabled {
		gen = autoload.NewGenerator(orch, sup, autoload.StoreTemplates{Store: configs}, cfg.AutoLoad)
		gen.Start()
	}

	apiServer := api.NewServer(api.Config{
		Runner:    orch,
		Flags:     flagStore,
		Services:  sup,
		Ports:     allocator,
		Fanout:    fanout,
		Configs:   configs,
		AutoLoad:  gen,
		Preserved: cfg.PreservedServices,
	})
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: apiServer.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("Engine API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if gen != nil {
		gen.Stop()
	}
	sup.Stop()
	fanout.Stop(shutdownGrace)
	configs.Close()

	logger.Info().Msg("Engine stopped")
	return nil
}
