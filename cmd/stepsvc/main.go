// stepsvc is the child service binary: one OS process per journey step.
// All configuration arrives through the environment; the --service-name
// argument only makes the process identifiable by argv.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/stepservice"
	"github.com/caravanhq/caravan/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stepsvc",
	Short: "Caravan journey step service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	// Mirrors SERVICE_NAME; exists so the supervisor's residual-process
	// sweep can identify children by argv.
	rootCmd.Flags().String("service-name", "", "service name (argv marker)")
}

func run() error {
	// JSON to stdout so the observability agent ingests the stream.
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	cfg, err := configFromEnv()
	if err != nil {
		return err
	}
	logger := log.WithService(cfg.ServiceName)

	emitter := stepservice.NewHTTPEmitter(cfg.EngineURL)
	svc := stepservice.NewService(cfg, nil, emitter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Int("port", cfg.Port).Str("company", cfg.Company.CompanyName).Msg("Step service starting")
	if err := stepservice.Run(ctx, svc, cfg.Port); err != nil {
		return fmt.Errorf("step service: %w", err)
	}
	logger.Info().Msg("Step service stopped")
	return nil
}

func configFromEnv() (stepservice.Config, error) {
	name := os.Getenv("SERVICE_NAME")
	if name == "" {
		return stepservice.Config{}, fmt.Errorf("SERVICE_NAME is required")
	}
	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil || port < 1 || port > 65535 {
		return stepservice.Config{}, fmt.Errorf("PORT must be a valid port, got %q", os.Getenv("PORT"))
	}
	engineURL := os.Getenv("ENGINE_URL")
	if engineURL == "" {
		return stepservice.Config{}, fmt.Errorf("ENGINE_URL is required")
	}
	return stepservice.Config{
		ServiceName: name,
		Port:        port,
		EngineURL:   engineURL,
		Company: types.CompanyContext{
			CompanyName:  os.Getenv("COMPANY_NAME"),
			Domain:       os.Getenv("DOMAIN"),
			IndustryType: os.Getenv("INDUSTRY_TYPE"),
			JourneyType:  os.Getenv("JOURNEY_TYPE"),
		},
	}, nil
}
