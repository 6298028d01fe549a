package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/adbfleet/adbfleet/internal/device"
	"github.com/adbfleet/adbfleet/internal/history"
	"github.com/adbfleet/adbfleet/internal/logstore"
	"github.com/adbfleet/adbfleet/internal/metrics"
	"github.com/adbfleet/adbfleet/internal/registry"
	"github.com/adbfleet/adbfleet/internal/script"
)

// Result is the terminal outcome of an execution. Empty while running.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultStopped Result = "stopped"
)

const (
	// DefaultStopWait bounds the graceful-termination window before a
	// stop escalates to SIGKILL.
	DefaultStopWait = 5 * time.Second

	// killWait bounds how long a stop waits for the reaper after SIGKILL
	// before forcing cleanup itself.
	killWait = 2 * time.Second

	recentLimit = 100
)

// Execution is one running (or recently finished) script instance bound
// to a single device. The process handle lives only in the running table
// and never survives a coordinator restart.
type Execution struct {
	ID           string          `json:"id"`
	DeviceSerial string          `json:"device_serial"`
	ScriptID     string          `json:"script_id"`
	Options      json.RawMessage `json:"options,omitempty"`
	PID          int             `json:"pid"`
	StartedAt    time.Time       `json:"started_at"`
	StoppedAt    time.Time       `json:"stopped_at,omitempty"`
	Result       Result          `json:"result,omitempty"`
}

type running struct {
	exec          Execution
	cmd           *exec.Cmd
	captures      sync.WaitGroup
	done          chan struct{} // closed once finalize has released the device
	stopRequested bool          // guarded by Supervisor.mu
}

// Supervisor owns device execution state: it gates admission through the
// registry CAS, spawns one isolated child process per execution, streams
// output into the log store, and releases the device exactly once when
// the process dies by any path.
type Supervisor struct {
	reg      *registry.Registry
	logs     *logstore.Store
	catalog  *script.Catalog
	stopWait time.Duration

	mu      sync.Mutex
	running map[string]*running
	recent  []Execution // newest first, bounded

	sinkMu sync.Mutex
	sinks  []history.Sink
}

func New(reg *registry.Registry, logs *logstore.Store, catalog *script.Catalog, stopWait time.Duration) *Supervisor {
	if stopWait <= 0 {
		stopWait = DefaultStopWait
	}
	return &Supervisor{
		reg:      reg,
		logs:     logs,
		catalog:  catalog,
		stopWait: stopWait,
		running:  make(map[string]*running),
	}
}

// SetHistorySinks configures durable execution-history destinations.
// Passing none clears the list.
func (s *Supervisor) SetHistorySinks(sinks ...history.Sink) {
	s.sinkMu.Lock()
	s.sinks = append([]history.Sink(nil), sinks...)
	s.sinkMu.Unlock()
}

// Start validates the request, wins the device through the registry CAS,
// rotates the device log, spawns the script process, and returns as soon
// as output capture and exit monitoring are attached. It never blocks on
// script completion.
func (s *Supervisor) Start(ctx context.Context, serial, scriptID string, options json.RawMessage) (Execution, error) {
	meta, err := s.catalog.Get(scriptID)
	if err != nil {
		return Execution{}, err
	}
	if _, err := s.reg.Get(serial); err != nil {
		return Execution{}, err
	}

	// Single admission gate: nothing else checks or flips availability.
	won, err := s.reg.Transition(serial, device.StatusAvailable, device.StatusBusy)
	if err != nil {
		return Execution{}, fmt.Errorf("admit device %s: %w", serial, err)
	}
	if !won {
		return Execution{}, fmt.Errorf("%w: %s", device.ErrDeviceUnavailable, serial)
	}

	// Stale output from a prior run must never show up under this one.
	if err := s.logs.Clear(serial); err != nil {
		slog.Warn("failed to rotate device log", "serial", serial, "error", err)
	}

	optionsJSON := "{}"
	if len(options) > 0 {
		optionsJSON = string(options)
	}
	argv := s.catalog.Argv(meta, serial, optionsJSON)
	// The child outlives the request that started it; it is only tied to
	// an explicit stop or its own exit, never to the caller's context.
	// #nosec G204 -- argv comes from the catalog directory and validated ids
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Execution{}, s.rollbackSpawn(serial, scriptID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Execution{}, s.rollbackSpawn(serial, scriptID, err)
	}
	if err := cmd.Start(); err != nil {
		return Execution{}, s.rollbackSpawn(serial, scriptID, err)
	}

	r := &running{
		exec: Execution{
			ID:           uuid.NewString(),
			DeviceSerial: serial,
			ScriptID:     scriptID,
			Options:      options,
			PID:          cmd.Process.Pid,
			StartedAt:    time.Now(),
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.running[r.exec.ID] = r
	n := len(s.running)
	s.mu.Unlock()
	metrics.SetRunningExecutions(n)
	metrics.IncExecutionStart(scriptID)
	s.record(ctx, history.Event{
		Type:         history.EventStart,
		OccurredAt:   time.Now().UTC(),
		ExecutionID:  r.exec.ID,
		DeviceSerial: serial,
		ScriptID:     scriptID,
		PID:          r.exec.PID,
		StartedAt:    r.exec.StartedAt,
	})

	r.captures.Add(2)
	go s.capture(serial, stdout, &r.captures)
	go s.capture(serial, stderr, &r.captures)
	go s.waitAndFinalize(r)

	slog.Info("execution started",
		"execution", r.exec.ID, "device", serial, "script", scriptID, "pid", r.exec.PID)
	return r.exec, nil
}

// rollbackSpawn compensates the already-won busy transition when the
// child could not be started; admission and spawn are not atomic.
func (s *Supervisor) rollbackSpawn(serial, scriptID string, cause error) error {
	metrics.IncSpawnFailure()
	if _, err := s.reg.Transition(serial, device.StatusBusy, device.StatusAvailable); err != nil {
		slog.Error("failed to release device after spawn failure", "serial", serial, "error", err)
	}
	return fmt.Errorf("spawn script %s on %s: %w", scriptID, serial, cause)
}

// waitAndFinalize is the single reaper for one execution. Both pipes
// must reach EOF before Wait runs: Wait closes the parent's pipe ends
// and would drop any tail output the captures have not drained yet.
// Draining first also keeps a new run from interleaving with the old
// run's tail, since the device is only released afterwards.
func (s *Supervisor) waitAndFinalize(r *running) {
	r.captures.Wait()
	err := r.cmd.Wait()
	s.finalize(r.exec.ID, err)
}

// finalize releases the device and records the terminal result. It is
// idempotent: the first caller removes the running-table entry and wins;
// racing callers (operator stop vs natural exit) see the entry gone and
// treat the execution as already handled.
func (s *Supervisor) finalize(executionID string, exitErr error) {
	s.mu.Lock()
	r, ok := s.running[executionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.running, executionID)
	stopRequested := r.stopRequested
	n := len(s.running)

	r.exec.StoppedAt = time.Now()
	r.exec.Result = terminalResult(stopRequested, exitErr)
	s.recent = append([]Execution{r.exec}, s.recent...)
	if len(s.recent) > recentLimit {
		s.recent = s.recent[:recentLimit]
	}
	s.mu.Unlock()

	released, err := s.reg.Transition(r.exec.DeviceSerial, device.StatusBusy, device.StatusAvailable)
	if err != nil {
		slog.Error("failed to release device", "serial", r.exec.DeviceSerial, "error", err)
	} else if !released {
		// Discovery cannot take a device out of busy, so this only means
		// another path already released it; the CAS absorbs the race.
		slog.Debug("device already released", "serial", r.exec.DeviceSerial)
	}

	metrics.SetRunningExecutions(n)
	metrics.IncExecutionStop(string(r.exec.Result))
	metrics.ObserveExecutionDuration(r.exec.ScriptID, r.exec.StoppedAt.Sub(r.exec.StartedAt).Seconds())

	detail := ""
	if exitErr != nil {
		detail = exitErr.Error()
	}
	s.record(context.Background(), history.Event{
		Type:         history.EventStop,
		OccurredAt:   time.Now().UTC(),
		ExecutionID:  r.exec.ID,
		DeviceSerial: r.exec.DeviceSerial,
		ScriptID:     r.exec.ScriptID,
		PID:          r.exec.PID,
		StartedAt:    r.exec.StartedAt,
		StoppedAt:    r.exec.StoppedAt,
		Result:       string(r.exec.Result),
		Detail:       detail,
	})

	slog.Info("execution finished",
		"execution", r.exec.ID, "device", r.exec.DeviceSerial,
		"script", r.exec.ScriptID, "result", r.exec.Result)
	close(r.done)
}

func terminalResult(stopRequested bool, exitErr error) Result {
	switch {
	case stopRequested:
		return ResultStopped
	case exitErr != nil:
		return ResultFailure
	default:
		return ResultSuccess
	}
}

// Stop signals the execution's process group, waits out the grace period,
// and escalates to SIGKILL. The device ends available on every path; an
// error return means the grace period was exceeded, not that cleanup was
// skipped.
func (s *Supervisor) Stop(executionID string) error {
	s.mu.Lock()
	r, ok := s.running[executionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", device.ErrExecutionNotFound, executionID)
	}
	r.stopRequested = true
	pid := r.exec.PID
	s.mu.Unlock()

	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-r.done:
		return nil
	case <-time.After(s.stopWait):
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-r.done:
	case <-time.After(killWait):
		// The reaper is stuck on something pathological; release the
		// device ourselves. finalize tolerates the duplicate.
		s.finalize(executionID, fmt.Errorf("killed after %s grace period", s.stopWait))
	}
	return fmt.Errorf("execution %s did not exit within %s, killed", executionID, s.stopWait)
}

// StopAll stops every running execution, collecting per-execution
// failures without aborting the batch.
func (s *Supervisor) StopAll() (int, []string) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	stopped := 0
	var errs []string
	for _, id := range ids {
		if err := s.Stop(id); err != nil {
			errs = append(errs, fmt.Sprintf("execution %s: %v", id, err))
			continue
		}
		stopped++
	}
	return stopped, errs
}

// Running returns a snapshot of in-flight executions ordered by start
// time.
func (s *Supervisor) Running() []Execution {
	s.mu.Lock()
	out := make([]Execution, 0, len(s.running))
	for _, r := range s.running {
		out = append(out, r.exec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Get returns a running or recently finished execution.
func (s *Supervisor) Get(executionID string) (Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.running[executionID]; ok {
		return r.exec, nil
	}
	for _, e := range s.recent {
		if e.ID == executionID {
			return e, nil
		}
	}
	return Execution{}, fmt.Errorf("%w: %s", device.ErrExecutionNotFound, executionID)
}

// Recent returns finished executions, newest first.
func (s *Supervisor) Recent() []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Execution(nil), s.recent...)
}

// Shutdown stops everything that is still running.
func (s *Supervisor) Shutdown() {
	stopped, errs := s.StopAll()
	if len(errs) > 0 {
		slog.Warn("shutdown stopped executions with errors", "stopped", stopped, "errors", errs)
	}
}

func (s *Supervisor) record(ctx context.Context, e history.Event) {
	s.sinkMu.Lock()
	sinks := append([]history.Sink(nil), s.sinks...)
	s.sinkMu.Unlock()

	for _, sink := range sinks {
		if err := sink.Send(ctx, e); err != nil {
			slog.Warn("history sink write failed", "execution", e.ExecutionID, "error", err)
		}
	}
}
