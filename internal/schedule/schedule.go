package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/adbfleet/adbfleet/internal/config"
	"github.com/adbfleet/adbfleet/internal/device"
	"github.com/adbfleet/adbfleet/internal/executor"
)

// Runner launches scripts on devices from cron expressions. A schedule
// firing while its device is busy is skipped, not queued; the registry
// CAS inside the supervisor enforces that without extra state here.
type Runner struct {
	mu        sync.Mutex
	sup       *executor.Supervisor
	scheduler *cron.Cron
	entries   []config.ScheduleConfig
	started   bool
}

func New(sup *executor.Supervisor, entries []config.ScheduleConfig) *Runner {
	return &Runner{
		sup:       sup,
		scheduler: cron.New(),
		entries:   entries,
	}
}

// Start registers every schedule entry and starts the scheduler.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New("schedule runner already started")
	}
	for _, sc := range r.entries {
		sc := sc
		if _, err := r.scheduler.AddFunc(sc.Cron, func() { r.fire(sc) }); err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		slog.Info("schedule registered",
			"name", sc.Name, "device", sc.Device, "script", sc.Script, "cron", sc.Cron)
	}
	r.started = true
	r.scheduler.Start()
	return nil
}

// Stop halts scheduling. Executions already launched keep running.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}
	ctx := r.scheduler.Stop()
	<-ctx.Done()
	r.started = false
}

func (r *Runner) fire(sc config.ScheduleConfig) {
	var options json.RawMessage
	if sc.Options != "" {
		options = json.RawMessage(sc.Options)
	}

	ex, err := r.sup.Start(context.Background(), sc.Device, sc.Script, options)
	switch {
	case err == nil:
		slog.Info("scheduled execution started",
			"schedule", sc.Name, "execution", ex.ID, "device", sc.Device, "script", sc.Script)
	case errors.Is(err, device.ErrDeviceUnavailable):
		slog.Info("schedule skipped, device busy", "schedule", sc.Name, "device", sc.Device)
	default:
		slog.Warn("scheduled execution failed to start",
			"schedule", sc.Name, "device", sc.Device, "script", sc.Script, "error", err)
	}
}
