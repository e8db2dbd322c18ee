// Dualbench runs the same benchmark against two ledger networks at once and
// reports each network's results next to the combined view.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/dualbench/internal/config"
	"github.com/gateway-fm/dualbench/internal/network"
	"github.com/gateway-fm/dualbench/internal/network/evm"
	"github.com/gateway-fm/dualbench/internal/network/sim"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(2)
	}

	root := &cobra.Command{
		Use:           "dualbench",
		Short:         "Benchmark two ledger networks side by side",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&settings.LogLevel, "log-level", settings.LogLevel, "Log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(&settings), newWorkerCmd(&settings))
	return root
}

// newLogger builds the JSON process logger. Logs go to stderr so stdout
// carries only the result tables.
func newLogger(s *config.Settings) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: s.Level()}))
}

// newNetworks returns a registry with every built-in ledger adapter.
func newNetworks(logger *slog.Logger) *network.Registry {
	nets := network.NewRegistry(logger)
	nets.Register(sim.Type, sim.New)
	nets.Register(evm.Type, evm.New)
	return nets
}
