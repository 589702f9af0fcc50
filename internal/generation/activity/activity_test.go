package activity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
)

func TestLog_AppendAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "activity.jsonl")
	log := NewLog(path)

	for i := 1; i <= 5; i++ {
		err := log.RecordAttempt(context.Background(), domain.AttemptRecord{
			JobID:     "job-1",
			Backend:   domain.BackendCloud,
			Attempt:   i,
			StartedAt: time.Date(2026, 3, 1, 12, i, 0, 0, time.UTC),
			Outcome:   domain.OutcomeFailed,
			Kind:      domain.KindTransient,
			Latency:   2 * time.Second,
		})
		if err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}

	got, err := Tail(path, 3)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	for i, e := range got {
		if e.Attempt != i+3 {
			t.Errorf("entry %d attempt = %d, want %d", i, e.Attempt, i+3)
		}
		if e.Event != EventAttempt || e.Kind != domain.KindTransient || e.LatencyMS != 2000 {
			t.Errorf("entry %d = %+v", i, e)
		}
	}
}

func TestLog_ConcurrentAppendsStayLineAligned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.jsonl")
	writers := []*Log{NewLog(path), NewLog(path)}

	var wg sync.WaitGroup
	for w, log := range writers {
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := log.Append(Entry{Event: EventRun, JobID: fmt.Sprintf("w%d", w), Run: i, Outcome: domain.OutcomeFailed}); err != nil {
					t.Error(err)
				}
			}()
		}
	}
	wg.Wait()

	got, err := Tail(path, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 50 {
		t.Errorf("got %d entries, want 50", len(got))
	}
}

func TestTail_SkipsMalformedAndMissing(t *testing.T) {
	got, err := Tail(filepath.Join(t.TempDir(), "missing.jsonl"), 10)
	if err != nil || got != nil {
		t.Fatalf("missing log: %v, %v", got, err)
	}

	path := filepath.Join(t.TempDir(), "activity.jsonl")
	content := strings.Join([]string{
		`{"event":"run","job_id":"a","run":1,"outcome":"failed","kind":"transient"}`,
		`garbage`,
		``,
		`{"event":"run","job_id":"a","run":2,"outcome":"succeeded","kind":"none"}`,
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err = Tail(path, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Outcome != domain.OutcomeSucceeded {
		t.Errorf("got %+v", got)
	}
}
