package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/daemon"
)

func TestDaemonCommand_FailedStateReturnsError(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "frame.png")
	statePath := filepath.Join(dir, "daemon_state.json")
	cfgFile := filepath.Join(dir, "config.yaml")

	cfg := fmt.Sprintf(`
logging:
  activity_log: %s
quota:
  path: %s
local:
  url: http://127.0.0.1:1
  output_dir: %s
daemon:
  state_path: %s
`, filepath.Join(dir, "activity.jsonl"), filepath.Join(dir, "quota.json"), filepath.Join(dir, "out"), statePath)
	if err := os.WriteFile(cfgFile, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	job := domain.NewJob(input, domain.Params{Prompt: "waves", DurationSeconds: 8}, domain.Forced(domain.BackendLocal))
	data, err := json.Marshal(domain.DaemonState{Job: *job, Attempt: 3, Status: domain.DaemonFailed, Terminal: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(statePath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	rootCmd.SetArgs([]string{"daemon", "--config", cfgFile, "-i", input, "-p", "waves", "--backend", "local"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err = rootCmd.Execute()
	if !errors.Is(err, daemon.ErrAlreadyFailed) {
		t.Fatalf("err = %v, want ErrAlreadyFailed", err)
	}

	st, err := daemon.ReadStatus(statePath)
	if err != nil {
		t.Fatal(err)
	}
	if st.Running {
		t.Error("daemon lock still held after the command returned")
	}
}
