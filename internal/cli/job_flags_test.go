package cli

import (
	"testing"

	"github.com/spf13/cobra"

	"github.com/vietddude/genrelay/internal/core/domain"
)

func TestJobFlags(t *testing.T) {
	var f jobFlags
	cmd := &cobra.Command{Use: "test"}
	f.bind(cmd, true)

	err := cmd.ParseFlags([]string{
		"-i", "a.png", "--input", "b.webp",
		"-p", "waves", "--duration", "6",
		"--backend", "local", "--param", "seed=42",
	})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	jobs, err := f.jobs(domain.Auto())
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if jobs[0].ID == jobs[1].ID {
		t.Error("jobs must have distinct ids")
	}
	if jobs[1].InputAsset != "b.webp" || jobs[1].Params.DurationSeconds != 6 || jobs[1].Params.Extra["seed"] != "42" {
		t.Errorf("job = %+v", jobs[1])
	}
	if jobs[0].Preference != domain.Forced(domain.BackendLocal) {
		t.Errorf("preference = %v, want local", jobs[0].Preference)
	}
}

func TestJobFlags_Errors(t *testing.T) {
	var f jobFlags
	if _, err := f.jobs(domain.Auto()); err == nil {
		t.Error("expected error without inputs")
	}

	f = jobFlags{inputs: []string{"a.png"}, backend: "gpu"}
	if _, err := f.jobs(domain.Auto()); err == nil {
		t.Error("expected error for unknown backend")
	}

	f = jobFlags{inputs: []string{"a.png"}}
	jobs, err := f.jobs(domain.Forced(domain.BackendCloud))
	if err != nil || jobs[0].Preference != domain.Forced(domain.BackendCloud) {
		t.Errorf("default preference not applied: %v %v", jobs, err)
	}
}
