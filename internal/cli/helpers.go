package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/industriverse/chronos/internal/daemon"
	"github.com/industriverse/chronos/internal/logger"
)

// openDaemon loads configuration and wires a daemon for a one-shot command.
// Logs go to stderr at warn level unless overridden, so command output
// stays readable.
func openDaemon(cmd *cobra.Command, defaultLevel string) (*daemon.Daemon, error) {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := defaultLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	log := logger.New(logger.Config{
		Level:  level,
		Pretty: flagPretty || cfg.Logging.Pretty,
		Out:    cmd.ErrOrStderr(),
	})
	logger.SetGlobalLogger(log)
	cfg.Logging.Level = level

	return daemon.New(cmd.Context(), cfg, log)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// humanSize formats bytes as a human-readable string.
func humanSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func stdout(cmd *cobra.Command) io.Writer {
	if cmd == nil {
		return os.Stdout
	}
	return cmd.OutOrStdout()
}
