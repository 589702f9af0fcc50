package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/infra/filelock"
)

type fakeLocalTransport struct {
	artifact string
	err      error
	started  chan struct{}
	unblock  chan struct{}
}

func (f *fakeLocalTransport) Generate(ctx context.Context, req LocalRequest) (string, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.unblock != nil {
		select {
		case <-f.unblock:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.artifact, f.err
}

func TestLocal_Submit(t *testing.T) {
	l, err := NewLocal(&fakeLocalTransport{artifact: "/out/a.mp4"}, nil, LocalConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := l.Submit(context.Background(), testJob())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Backend != domain.BackendLocal || res.Artifact != "/out/a.mp4" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestLocal_SecondSubmissionIsBusy(t *testing.T) {
	tr := &fakeLocalTransport{
		artifact: "/out/a.mp4",
		started:  make(chan struct{}, 1),
		unblock:  make(chan struct{}),
	}
	l, err := NewLocal(tr, NewDevice(DeviceConfig{Name: "gpu0"}), LocalConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := l.Submit(context.Background(), testJob())
		done <- err
	}()
	<-tr.started

	_, err = l.Submit(context.Background(), testJob())
	be, ok := domain.AsBackendError(err)
	if !ok || be.Kind != domain.KindResourceBusy {
		t.Fatalf("second submit err = %v, want resource_busy", err)
	}

	close(tr.unblock)
	if err := <-done; err != nil {
		t.Fatalf("first submit: %v", err)
	}
}

func TestLocal_QueueWhenBusy(t *testing.T) {
	tr := &fakeLocalTransport{
		artifact: "/out/a.mp4",
		started:  make(chan struct{}, 2),
		unblock:  make(chan struct{}),
	}
	l, err := NewLocal(tr, nil, LocalConfig{QueueWhenBusy: true, BusyWait: 5 * time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}

	first := make(chan error, 1)
	go func() {
		_, err := l.Submit(context.Background(), testJob())
		first <- err
	}()
	<-tr.started

	second := make(chan error, 1)
	go func() {
		_, err := l.Submit(context.Background(), testJob())
		second <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(tr.unblock)

	if err := <-first; err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("queued submit: %v", err)
	}
}

func TestDevice_CrossProcessLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "gpu.lock")
	other := filelock.New(lockPath)
	if err := other.TryLock(); err != nil {
		t.Fatal(err)
	}
	defer other.Unlock()

	d := NewDevice(DeviceConfig{Name: "gpu0", LockPath: lockPath})
	if _, err := d.Acquire(context.Background(), 0); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("Acquire = %v, want ErrDeviceBusy", err)
	}
	if _, err := d.Acquire(context.Background(), 50*time.Millisecond); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("queued Acquire = %v, want ErrDeviceBusy", err)
	}

	// a failed acquire must not leak the in-process slot
	other.Unlock()
	release, err := d.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("Acquire after unlock: %v", err)
	}
	release()
	release()
}

func TestDevice_MemoryGuard(t *testing.T) {
	d := NewDevice(DeviceConfig{Name: "gpu0", MinFreeMemoryMB: 4096})
	d.memory = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 16 << 30, Available: 1 << 30, UsedPercent: 93.75}, nil
	}

	if _, err := d.Acquire(context.Background(), 0); !errors.Is(err, ErrLowMemory) {
		t.Fatalf("Acquire = %v, want ErrLowMemory", err)
	}

	info, err := d.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.Busy || info.TotalMemoryMB != 16384 || info.FreeMemoryMB != 1024 {
		t.Errorf("info = %+v", info)
	}

	l, _ := NewLocal(&fakeLocalTransport{artifact: "x"}, d, LocalConfig{}, nil)
	_, err = l.Submit(context.Background(), testJob())
	be, ok := domain.AsBackendError(err)
	if !ok || be.Kind != domain.KindResourceBusy {
		t.Errorf("Submit under memory pressure = %v, want resource_busy", err)
	}
}

func TestLocalHTTPTransport(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		want     string
		wantKind domain.ErrorKind
	}{
		{"ok", 200, `{"artifact":"/videos/j1.mp4"}`, "/videos/j1.mp4", domain.KindNone},
		{"busy", 503, `{"error":"gpu in use"}`, "", domain.KindResourceBusy},
		{"conflict", 409, ``, "", domain.KindResourceBusy},
		{"bad request", 400, `{"error":"bad params"}`, "", domain.KindPermanent},
		{"crash", 500, `oom`, "", domain.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/generate" {
					t.Errorf("path = %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			got, err := NewLocalHTTPTransport(srv.URL+"/").Generate(context.Background(), LocalRequest{JobID: "j1"})
			if tt.wantKind == domain.KindNone {
				if err != nil || got != tt.want {
					t.Fatalf("Generate = %q, %v", got, err)
				}
				return
			}
			be, ok := domain.AsBackendError(err)
			if !ok || be.Kind != tt.wantKind {
				t.Errorf("err = %v, want %v", err, tt.wantKind)
			}
		})
	}
}

func TestLocalHTTPTransport_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	l, _ := NewLocal(NewLocalHTTPTransport(url), nil, LocalConfig{AttemptTimeout: time.Second}, nil)
	_, err := l.Submit(context.Background(), testJob())
	be, ok := domain.AsBackendError(err)
	if !ok || be.Kind != domain.KindTransient {
		t.Errorf("err = %v, want transient", err)
	}
}
