package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vietddude/genrelay/internal/generation/daemon"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running daemon to stop after its current step",
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	st, err := daemon.ReadStatus(cfg.Daemon.StatePath)
	if err != nil {
		slog.Warn("Could not read daemon status", "error", err)
	} else if !st.Running {
		slog.Info("No daemon is running, writing stop flag anyway", "state", cfg.Daemon.StatePath)
	}

	flag := cfg.Daemon.StopFlag()
	if err := daemon.RequestStop(flag); err != nil {
		return fmt.Errorf("request stop: %w", err)
	}
	slog.Info("Stop requested", "flag", flag)
	return nil
}
