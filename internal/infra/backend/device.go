package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/vietddude/genrelay/internal/infra/filelock"
)

var (
	// ErrDeviceBusy is returned when another submission owns the device.
	ErrDeviceBusy = errors.New("device busy")
	// ErrLowMemory is returned when free memory is below the configured floor.
	ErrLowMemory = errors.New("insufficient free memory")
)

// DeviceConfig describes the local compute device.
type DeviceConfig struct {
	Name            string
	LockPath        string // cross-process lock, optional
	MinFreeMemoryMB uint64
}

// DeviceInfo is a status snapshot of the device.
type DeviceInfo struct {
	Name          string  `json:"name"`
	Busy          bool    `json:"busy"`
	TotalMemoryMB uint64  `json:"total_memory_mb"`
	FreeMemoryMB  uint64  `json:"free_memory_mb"`
	UsedPercent   float64 `json:"used_percent"`
}

// Device serializes access to one local accelerator: at most one in-flight
// submission per process, and per host when LockPath is set.
type Device struct {
	cfg    DeviceConfig
	sem    chan struct{}
	memory func() (*mem.VirtualMemoryStat, error)
}

// NewDevice creates a device handle.
func NewDevice(cfg DeviceConfig) *Device {
	if cfg.Name == "" {
		cfg.Name = "local"
	}
	return &Device{
		cfg:    cfg,
		sem:    make(chan struct{}, 1),
		memory: mem.VirtualMemory,
	}
}

// Name returns the device name.
func (d *Device) Name() string { return d.cfg.Name }

// Acquire takes exclusive use of the device. With wait <= 0 it fails
// immediately with ErrDeviceBusy when the device is taken; otherwise it
// queues for up to wait. The returned release func is idempotent.
func (d *Device) Acquire(ctx context.Context, wait time.Duration) (func(), error) {
	deadline := time.Now().Add(wait)

	if err := d.acquireSlot(ctx, wait); err != nil {
		return nil, err
	}

	var lock *filelock.Lock
	if d.cfg.LockPath != "" {
		lock = filelock.New(d.cfg.LockPath)
		if err := d.acquireFileLock(ctx, lock, time.Until(deadline), wait > 0); err != nil {
			<-d.sem
			return nil, err
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if lock != nil {
				_ = lock.Unlock()
			}
			<-d.sem
		})
	}

	if err := d.checkMemory(); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (d *Device) acquireSlot(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		select {
		case d.sem <- struct{}{}:
			return nil
		default:
			return fmt.Errorf("%s: %w", d.cfg.Name, ErrDeviceBusy)
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case d.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s: %w after %v", d.cfg.Name, ErrDeviceBusy, wait)
	}
}

func (d *Device) acquireFileLock(ctx context.Context, lock *filelock.Lock, remaining time.Duration, queue bool) error {
	if !queue || remaining <= 0 {
		err := lock.TryLock()
		if errors.Is(err, filelock.ErrLocked) {
			return fmt.Errorf("%s: %w (held by another process)", d.cfg.Name, ErrDeviceBusy)
		}
		return err
	}

	lctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	if err := lock.Lock(lctx, filelock.DefaultPollInterval); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w (held by another process)", d.cfg.Name, ErrDeviceBusy)
		}
		return err
	}
	return nil
}

func (d *Device) checkMemory() error {
	if d.cfg.MinFreeMemoryMB == 0 {
		return nil
	}
	vm, err := d.memory()
	if err != nil {
		// the guard is advisory, an unreadable meminfo never blocks work
		return nil
	}
	free := vm.Available / (1 << 20)
	if free < d.cfg.MinFreeMemoryMB {
		return fmt.Errorf("%s: %w: %d MB free, need %d MB", d.cfg.Name, ErrLowMemory, free, d.cfg.MinFreeMemoryMB)
	}
	return nil
}

// Info reports the device status and host memory.
func (d *Device) Info() (DeviceInfo, error) {
	info := DeviceInfo{Name: d.cfg.Name, Busy: len(d.sem) > 0}
	if !info.Busy && d.cfg.LockPath != "" {
		locked, err := filelock.IsLocked(d.cfg.LockPath)
		if err == nil {
			info.Busy = locked
		}
	}

	vm, err := d.memory()
	if err != nil {
		return info, fmt.Errorf("read memory: %w", err)
	}
	info.TotalMemoryMB = vm.Total / (1 << 20)
	info.FreeMemoryMB = vm.Available / (1 << 20)
	info.UsedPercent = vm.UsedPercent
	return info, nil
}
