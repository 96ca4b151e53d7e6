package diskutil

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/host-provisioner/interfaces"
	"github.com/ruteri/host-provisioner/metrics"
)

const (
	DefaultDeviceTimeout = 60 * time.Second
	DefaultPollInterval  = time.Second
)

// DeviceWaiter blocks until device nodes created asynchronously by the
// kernel and udev become visible.
type DeviceWaiter struct {
	Events    interfaces.DeviceEvents
	Inspector interfaces.BlockDeviceInspector
	// RescanDisk has its partition table re-read every round while devices
	// are missing. Only set when provisioning a fresh disk.
	RescanDisk string
	Timeout    time.Duration
	Interval   time.Duration
	Metrics    *metrics.Metrics

	log *slog.Logger
}

func NewDeviceWaiter(events interfaces.DeviceEvents, inspector interfaces.BlockDeviceInspector, log *slog.Logger) *DeviceWaiter {
	return &DeviceWaiter{
		Events:    events,
		Inspector: inspector,
		Timeout:   DefaultDeviceTimeout,
		Interval:  DefaultPollInterval,
		log:       log,
	}
}

// WithRescan returns a copy of the waiter that re-reads disk's partition
// table while waiting.
func (w *DeviceWaiter) WithRescan(disk string) *DeviceWaiter {
	cp := *w
	cp.RescanDisk = disk
	return &cp
}

// Await returns nil once every expectation is met, or an error wrapping
// interfaces.ErrDeviceTimeout naming the missing paths.
func (w *DeviceWaiter) Await(ctx context.Context, expectations []interfaces.DeviceExpectation) error {
	if len(expectations) == 0 {
		return nil
	}

	start := time.Now()
	defer func() { w.Metrics.ObserveDeviceWait(time.Since(start)) }()

	if err := w.Events.Settle(ctx); err != nil {
		w.log.Debug("settle failed", "err", err)
	}

	timeout, interval := w.Timeout, w.Interval
	if timeout <= 0 {
		timeout = DefaultDeviceTimeout
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	rounds := uint64(timeout / interval)

	var missing []string
	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			w.poke(ctx)
		}
		missing = w.missing(expectations)
		if len(missing) > 0 {
			return fmt.Errorf("%d of %d devices missing", len(missing), len(expectations))
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		remaining := timeout - time.Duration(attempt-1)*interval
		w.log.Debug("waiting for devices",
			slog.String("missing", strings.Join(missing, ",")),
			slog.Duration("remaining", remaining))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), rounds), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w after %s: %s", interfaces.ErrDeviceTimeout, timeout, strings.Join(missing, ", "))
	}

	w.log.Debug("devices present",
		slog.Int("count", len(expectations)),
		slog.Duration("waited", time.Since(start)))
	return nil
}

// AwaitPaths is Await for plain block device paths.
func (w *DeviceWaiter) AwaitPaths(ctx context.Context, paths ...string) error {
	return w.Await(ctx, interfaces.ExpectBlockDevices(paths...))
}

func (w *DeviceWaiter) poke(ctx context.Context) {
	if w.RescanDisk != "" {
		if err := w.Events.RescanPartitions(ctx, w.RescanDisk); err != nil {
			w.log.Debug("partition rescan failed", slog.String("disk", w.RescanDisk), "err", err)
		}
	}
	if err := w.Events.Settle(ctx); err != nil {
		w.log.Debug("settle failed", "err", err)
	}
}

func (w *DeviceWaiter) missing(expectations []interfaces.DeviceExpectation) []string {
	var res []string
	for _, e := range expectations {
		target := e.Target()
		present := w.Inspector.IsBlockDevice(target)
		if e.Kind == interfaces.Symlink {
			present = present && w.Inspector.IsSymlink(target)
		}
		if !present {
			res = append(res, target)
		}
	}
	return res
}
