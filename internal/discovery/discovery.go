package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/adbfleet/adbfleet/internal/adb"
	"github.com/adbfleet/adbfleet/internal/device"
	"github.com/adbfleet/adbfleet/internal/metrics"
	"github.com/adbfleet/adbfleet/internal/registry"
)

const DefaultInterval = 5 * time.Second

// Loop reconciles the live attached-device snapshot into the registry on
// a fixed interval. A failed poll is logged and skipped; it never mutates
// registry state destructively.
type Loop struct {
	bridge   adb.Bridge
	reg      *registry.Registry
	interval time.Duration
}

func NewLoop(bridge adb.Bridge, reg *registry.Registry, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{bridge: bridge, reg: reg, interval: interval}
}

// Run polls until ctx is canceled. One reconcile pass runs immediately so
// the dashboard is populated without waiting a full interval.
func (l *Loop) Run(ctx context.Context) {
	l.reconcile(ctx)

	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.reconcile(ctx)
		}
	}
}

// ReconcileOnce runs a single pass; exposed for tests and for a manual
// refresh trigger.
func (l *Loop) ReconcileOnce(ctx context.Context) {
	l.reconcile(ctx)
}

func (l *Loop) reconcile(ctx context.Context) {
	infos, err := l.bridge.ListDevices(ctx)
	if err != nil {
		slog.Warn("device discovery poll failed", "error", err)
		return
	}

	present := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		present[info.Serial] = struct{}{}
		d, err := l.reg.UpsertObserved(info.Serial, info.Model)
		if err != nil {
			slog.Error("failed to record observed device", "serial", info.Serial, "error", err)
			continue
		}
		if d.ScreenSize == nil {
			l.backfillScreenSize(ctx, info.Serial)
		}
	}

	for _, serial := range l.reg.Serials() {
		if _, ok := present[serial]; ok {
			continue
		}
		if err := l.reg.MarkOffline(serial); err != nil {
			slog.Error("failed to mark device offline", "serial", serial, "error", err)
		}
	}

	l.publishCounts()
}

// publishCounts refreshes the per-status device gauge. Every status is
// set each pass so counts that drop to zero do not linger on scrapes.
func (l *Loop) publishCounts() {
	counts := map[device.Status]int{
		device.StatusAvailable: 0,
		device.StatusBusy:      0,
		device.StatusOffline:   0,
	}
	for _, d := range l.reg.List() {
		counts[d.Status]++
	}
	for status, n := range counts {
		metrics.SetDeviceCount(string(status), n)
	}
}

func (l *Loop) backfillScreenSize(ctx context.Context, serial string) {
	size, err := l.bridge.ScreenSize(ctx, serial)
	if err != nil {
		slog.Debug("screen size lookup failed", "serial", serial, "error", err)
		return
	}
	if err := l.reg.SetScreenSize(serial, size); err != nil {
		slog.Error("failed to cache screen size", "serial", serial, "error", err)
	}
}
