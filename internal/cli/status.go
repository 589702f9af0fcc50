package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/genrelay/internal/control"
	"github.com/vietddude/genrelay/internal/generation/status"
)

var (
	statusJSON   bool
	statusRecent int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show quota usage, daemon progress and recent outcomes",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the report as JSON")
	statusCmd.Flags().IntVarP(&statusRecent, "recent", "n", status.DefaultRecent, "number of recent outcomes")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	ctx := context.Background()
	app, err := control.New(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("initialize genrelay: %w", err)
	}
	defer func() {
		_ = app.Close()
	}()

	report, err := app.Collector(statusRecent).Collect(ctx)
	if err != nil {
		return fmt.Errorf("collect status: %w", err)
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		return nil
	}
	if err := status.WriteText(os.Stdout, report); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}
