package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/genrelay/internal/control"
)

var generateFlags jobFlags

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate videos for one or more input images",
	RunE:  runGenerate,
}

func init() {
	generateFlags.bind(generateCmd, true)
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := control.New(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("initialize genrelay: %w", err)
	}
	defer app.Close()

	jobs, err := generateFlags.jobs(app.Preference())
	if err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	results, err := app.Generate(ctx, jobs)
	if err != nil {
		return fmt.Errorf("generation unavailable: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "INPUT\tJOB\tBACKEND\tRESULT")
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			_, _ = fmt.Fprintf(w, "%s\t%s\t-\t%v\n", r.Job.InputAsset, r.Job.ID, r.Err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Job.InputAsset, r.Job.ID, r.Result.Backend, r.Result.Artifact)
	}
	_ = w.Flush()

	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(results))
	}
	return nil
}
