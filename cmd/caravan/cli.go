package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/caravanhq/caravan/pkg/client"
	"github.com/caravanhq/caravan/pkg/types"
)

var (
	simulateFile      string
	simulateChained   bool
	simulateCustomers int
	flagService       string
	flagReason        string
)

func cliContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Minute)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a customer journey from a JSON spec file",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(simulateFile)
		if err != nil {
			return fmt.Errorf("reading journey spec: %w", err)
		}
		var spec types.JourneySpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return fmt.Errorf("parsing journey spec: %w", err)
		}

		ctx, cancel := cliContext()
		defer cancel()
		c := client.NewClient(engineAddr)
		req := client.SimulateRequest{
			JourneySpec: spec,
			Chained:     simulateChained,
			Customers:   simulateCustomers,
		}
		if simulateCustomers > 1 {
			results, err := c.SimulateMultiple(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(results)
		}
		result, err := c.Simulate(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var flagCmd = &cobra.Command{
	Use:   "flag",
	Short: "Inspect and mutate chaos feature flags",
}

var flagGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show flags (effective set with --service)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()
		state, err := client.NewClient(engineAddr).GetFlags(ctx, flagService)
		if err != nil {
			return err
		}
		return printJSON(state)
	},
}

var flagSetCmd = &cobra.Command{
	Use:   "set <name> <value>",
	Short: "Set a flag globally, or for one service with --service",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()
		state, err := client.NewClient(engineAddr).SetFlag(ctx, args[0], parseFlagValue(args[1]), flagService, flagReason)
		if err != nil {
			return err
		}
		return printJSON(state)
	},
}

var flagResetCmd = &cobra.Command{
	Use:   "reset <name>",
	Short: "Restore a flag's default (or drop a service override with --service)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()
		state, err := client.NewClient(engineAddr).ResetFlag(ctx, args[0], flagService)
		if err != nil {
			return err
		}
		return printJSON(state)
	},
}

// parseFlagValue keeps CLI values typed: bools and numbers stay what they
// look like, everything else goes through as a string for the server to
// reject.
func parseFlagValue(raw string) any {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List live child services",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()
		records, err := client.NewClient(engineAddr).Services(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No live services")
			return nil
		}
		for _, rec := range records {
			fmt.Printf("%-50s pid=%-8d port=%-6d %s\n", rec.ServiceName, rec.PID, rec.Port, rec.State)
		}
		return nil
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Show port allocations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()
		c := client.NewClient(engineAddr)
		report, err := c.Ports(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Range: %s\n", report.Range)
		for _, alloc := range report.Allocations {
			fmt.Printf("%-6d %-50s allocated %s\n", alloc.Port, alloc.ServiceName, alloc.AllocatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var portsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reclaim stale port allocations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()
		reclaimed, err := client.NewClient(engineAddr).CleanupPorts(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Reclaimed %d ports\n", reclaimed)
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVarP(&simulateFile, "file", "f", "", "journey spec JSON file (required)")
	_ = simulateCmd.MarkFlagRequired("file")
	simulateCmd.Flags().BoolVar(&simulateChained, "chained", false, "run in chained mode")
	simulateCmd.Flags().IntVar(&simulateCustomers, "customers", 1, "number of synthetic customers")

	flagCmd.PersistentFlags().StringVar(&flagService, "service", "", "target service name")
	flagSetCmd.Flags().StringVar(&flagReason, "reason", "", "reason recorded on the change event")
	flagCmd.AddCommand(flagGetCmd)
	flagCmd.AddCommand(flagSetCmd)
	flagCmd.AddCommand(flagResetCmd)

	portsCmd.AddCommand(portsCleanupCmd)
}
