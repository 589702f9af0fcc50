package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeDeleter struct {
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakeDeleter) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.n, f.err
}

func TestPruner_Prune(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	target := &fakeDeleter{n: 7}
	p := NewPruner("attempts", 72*time.Hour, target, nil)
	p.now = func() time.Time { return now }

	if got := p.Prune(context.Background()); got != 7 {
		t.Errorf("Prune = %d, want 7", got)
	}
	want := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	if len(target.cutoffs) != 1 || !target.cutoffs[0].Equal(want) {
		t.Errorf("cutoffs = %v, want [%v]", target.cutoffs, want)
	}

	target.err = errors.New("db down")
	if got := p.Prune(context.Background()); got != 0 {
		t.Errorf("Prune on error = %d, want 0", got)
	}
}

func TestPruner_DisabledReturnsImmediately(t *testing.T) {
	target := &fakeDeleter{}
	done := make(chan struct{})
	go func() {
		NewPruner("attempts", 0, target, nil).Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled pruner should return")
	}
	if len(target.cutoffs) != 0 {
		t.Error("disabled pruner must not delete")
	}
}

func TestPruner_StopsOnCancel(t *testing.T) {
	target := &fakeDeleter{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewPruner("attempts", time.Hour, target, nil).Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pruner did not stop")
	}
}
