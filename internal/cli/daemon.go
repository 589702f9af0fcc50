package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/genrelay/internal/control"
	"github.com/vietddude/genrelay/internal/generation/daemon"
)

var (
	daemonFlags   jobFlags
	daemonCadence time.Duration
	daemonReset   bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Retry one job at a fixed cadence until it succeeds",
	Long: `daemon keeps retrying a single job until it succeeds, fails permanently
or is stopped. Progress survives restarts; run "genrelay stop" or send
SIGINT to stop it.`,
	RunE: runDaemon,
}

func init() {
	daemonFlags.bind(daemonCmd, false)
	daemonCmd.Flags().DurationVar(&daemonCadence, "cadence", 0, "time between runs (default from config)")
	daemonCmd.Flags().BoolVar(&daemonReset, "reset", false, "ignore persisted progress and start from run 1")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	if daemonCadence > 0 {
		cfg.Daemon.Cadence = daemonCadence
	}
	if daemonReset {
		cfg.Daemon.ResumePolicy = daemon.ResumeReset
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := control.New(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("initialize genrelay: %w", err)
	}
	defer app.Close()

	jobs, err := daemonFlags.jobs(app.Preference())
	if err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	if len(jobs) != 1 {
		return errors.New("invalid job: daemon takes exactly one --input")
	}

	d, err := app.Daemon()
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	app.StartWorkers(ctx)

	if srv := app.StatusServer(); srv != nil {
		go func() {
			if err := srv.Start(); err != nil {
				slog.Error("Status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	state, err := d.Run(ctx, jobs[0])
	if err != nil {
		return fmt.Errorf("daemon finished with error: %w", err)
	}
	slog.Info("Daemon finished", "status", state.Status, "runs", state.Attempt, "artifact", state.Artifact)
	return nil
}
