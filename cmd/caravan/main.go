package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	engineAddr string
	configFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "caravan",
	Short: "Caravan - business observability simulation engine",
	Long: `Caravan simulates customer journeys for a fictional company as a
fleet of real OS processes, one HTTP service per journey step, and feeds
the resulting business and change events to an observability platform.

Chaos is driven by runtime feature flags, so the platform's detection and
remediation workflows have something real to find.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Caravan version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&engineAddr, "engine", "localhost:8080", "engine address for client commands")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(flagCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(portsCmd)
}
