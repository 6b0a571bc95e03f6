// Package cli implements the chronos command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/industriverse/chronos/internal/api"
)

var (
	flagHome     string
	flagLogLevel string
	flagPretty   bool
)

var rootCmd = &cobra.Command{
	Use:   "chronos",
	Short: "Chronos: economically gated task scheduler",
	Long: `Chronos schedules factory work against the energy market.

Tasks wait on their dependencies, are admitted only when their bid covers
the current energy price (CRITICAL work always runs), have their capsule
artifacts resolved, verified and cached, and are then executed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagHome != "" {
			return os.Setenv("CHRONOS_HOME", flagHome)
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagHome, "home", "", "data directory (default $CHRONOS_HOME or ~/.chronos)")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&flagPretty, "pretty", false, "human-readable logs")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version
	api.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
