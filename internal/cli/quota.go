package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/genrelay/internal/control"
	"github.com/vietddude/genrelay/internal/generation/status"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect or reset the cloud quota ledger",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show sliding-window usage",
	RunE:  runQuotaShow,
}

var quotaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget every recorded cloud call",
	RunE:  runQuotaReset,
}

func init() {
	quotaCmd.AddCommand(quotaShowCmd, quotaResetCmd)
	rootCmd.AddCommand(quotaCmd)
}

func runQuotaShow(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	ctx := context.Background()

	app, err := control.New(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("initialize genrelay: %w", err)
	}
	defer func() {
		_ = app.Close()
	}()

	report, err := status.NewCollector(status.WithQuota(app.Tracker())).Collect(ctx)
	if err != nil {
		return fmt.Errorf("read quota: %w", err)
	}
	if err := status.WriteText(os.Stdout, report); err != nil {
		return fmt.Errorf("write quota: %w", err)
	}
	return nil
}

func runQuotaReset(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	ctx := context.Background()

	app, err := control.New(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("initialize genrelay: %w", err)
	}
	defer func() {
		_ = app.Close()
	}()

	if err := app.Tracker().Reset(ctx); err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	return nil
}
