package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adbfleet/adbfleet/internal/device"
	"github.com/adbfleet/adbfleet/internal/history"
	"github.com/adbfleet/adbfleet/internal/logstore"
	"github.com/adbfleet/adbfleet/internal/registry"
	"github.com/adbfleet/adbfleet/internal/script"
)

type memStore struct{}

func (memStore) Save(map[string]*device.Device) error { return nil }
func (memStore) Load() (map[string]*device.Device, error) {
	return map[string]*device.Device{}, nil
}

// MockSink implements history.Sink for testing
type MockSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (ms *MockSink) Send(_ context.Context, e history.Event) error {
	ms.mu.Lock()
	ms.events = append(ms.events, e)
	ms.mu.Unlock()
	return nil
}

func (ms *MockSink) Close() error { return nil }

func (ms *MockSink) snapshot() []history.Event {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]history.Event(nil), ms.events...)
}

type fixture struct {
	reg     *registry.Registry
	logs    *logstore.Store
	catalog *script.Catalog
	sup     *Supervisor
}

func newFixture(t *testing.T, scripts map[string]string, stopWait time.Duration) *fixture {
	t.Helper()

	reg, err := registry.New(memStore{}, nil)
	require.NoError(t, err)
	logs, err := logstore.New(logstore.Config{Dir: t.TempDir()})
	require.NoError(t, err)

	dir := t.TempDir()
	for name, body := range scripts {
		writeScript(t, dir, name, body)
	}
	catalog, err := script.NewCatalog(dir, "/bin/sh")
	require.NoError(t, err)

	return &fixture{
		reg:     reg,
		logs:    logs,
		catalog: catalog,
		sup:     New(reg, logs, catalog, stopWait),
	}
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func (f *fixture) addDevice(t *testing.T, serial string) {
	t.Helper()
	_, err := f.reg.UpsertObserved(serial, "")
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T, serial string) device.Status {
	t.Helper()
	d, err := f.reg.Get(serial)
	require.NoError(t, err)
	return d.Status
}

func waitForResult(t *testing.T, sup *Supervisor, id string) Execution {
	t.Helper()
	var ex Execution
	require.Eventually(t, func() bool {
		e, err := sup.Get(id)
		if err != nil {
			return false
		}
		ex = e
		return e.Result != ""
	}, 5*time.Second, 10*time.Millisecond)
	return ex
}

func TestStartRunsScriptAndReleasesDevice(t *testing.T) {
	f := newFixture(t, map[string]string{
		"hello.sh": "echo one\necho two\n",
	}, time.Second)
	f.addDevice(t, "serial-1")

	ex, err := f.sup.Start(context.Background(), "serial-1", "hello", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, ex.ID)
	assert.Positive(t, ex.PID)
	assert.Equal(t, device.StatusBusy, f.status(t, "serial-1"))

	done := waitForResult(t, f.sup, ex.ID)
	assert.Equal(t, ResultSuccess, done.Result)
	assert.Equal(t, device.StatusAvailable, f.status(t, "serial-1"))

	lines := f.logs.Read("serial-1", 0)
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], " one"))
	assert.True(t, strings.HasSuffix(lines[1], " two"))
}

func TestStartReceivesSerialAndOptions(t *testing.T) {
	f := newFixture(t, map[string]string{
		"args.sh": "echo \"serial=$1\"\necho \"options=$2\"\n",
	}, time.Second)
	f.addDevice(t, "serial-1")

	ex, err := f.sup.Start(context.Background(), "serial-1", "args", []byte(`{"count":3}`))
	require.NoError(t, err)
	waitForResult(t, f.sup, ex.ID)

	joined := strings.Join(f.logs.Read("serial-1", 0), "\n")
	assert.Contains(t, joined, "serial=serial-1")
	assert.Contains(t, joined, `options={"count":3}`)
}

func TestStartUnknownScript(t *testing.T) {
	f := newFixture(t, nil, time.Second)
	f.addDevice(t, "serial-1")

	_, err := f.sup.Start(context.Background(), "serial-1", "missing", nil)
	assert.ErrorIs(t, err, device.ErrScriptNotFound)
	assert.Equal(t, device.StatusAvailable, f.status(t, "serial-1"))
}

func TestStartUnknownDevice(t *testing.T) {
	f := newFixture(t, map[string]string{"x.sh": "true\n"}, time.Second)

	_, err := f.sup.Start(context.Background(), "nope", "x", nil)
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)
}

func TestStartBusyDeviceRejected(t *testing.T) {
	f := newFixture(t, map[string]string{"slow.sh": "sleep 30\n"}, time.Second)
	f.addDevice(t, "serial-1")

	ex, err := f.sup.Start(context.Background(), "serial-1", "slow", nil)
	require.NoError(t, err)
	defer func() { _ = f.sup.Stop(ex.ID) }()

	_, err = f.sup.Start(context.Background(), "serial-1", "slow", nil)
	assert.ErrorIs(t, err, device.ErrDeviceUnavailable)
}

func TestConcurrentStartsSingleWinner(t *testing.T) {
	f := newFixture(t, map[string]string{"slow.sh": "sleep 30\n"}, time.Second)
	f.addDevice(t, "serial-1")

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sup.Start(context.Background(), "serial-1", "slow", nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	okCount, busyCount := 0, 0
	for err := range results {
		switch {
		case err == nil:
			okCount++
		case assert.ErrorIs(t, err, device.ErrDeviceUnavailable):
			busyCount++
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, attempts-1, busyCount)

	running := f.sup.Running()
	require.Len(t, running, 1)
	_ = f.sup.Stop(running[0].ID)
}

func TestBurstOutputFullyCaptured(t *testing.T) {
	// A child that floods stdout and exits immediately leaves output
	// buffered in the pipe at exit time; every line must still land in
	// the log store, in emission order.
	const total = 20000
	reg, err := registry.New(memStore{}, nil)
	require.NoError(t, err)
	logs, err := logstore.New(logstore.Config{Dir: t.TempDir(), MaxEntries: total + 10})
	require.NoError(t, err)
	dir := t.TempDir()
	writeScript(t, dir, "burst.sh", fmt.Sprintf("seq 1 %d\n", total))
	catalog, err := script.NewCatalog(dir, "/bin/sh")
	require.NoError(t, err)
	sup := New(reg, logs, catalog, time.Second)

	_, err = reg.UpsertObserved("serial-1", "")
	require.NoError(t, err)

	ex, err := sup.Start(context.Background(), "serial-1", "burst", nil)
	require.NoError(t, err)
	done := waitForResult(t, sup, ex.ID)
	assert.Equal(t, ResultSuccess, done.Result)

	lines := logs.Read("serial-1", 0)
	require.Len(t, lines, total)
	for i, line := range lines {
		if !strings.HasSuffix(line, fmt.Sprintf(" %d", i+1)) {
			t.Fatalf("line %d out of order: %q", i, line)
		}
	}
}

func TestStopRacesNaturalExit(t *testing.T) {
	f := newFixture(t, map[string]string{"quick.sh": "true\n"}, time.Second)
	f.addDevice(t, "serial-1")

	for i := 0; i < 10; i++ {
		ex, err := f.sup.Start(context.Background(), "serial-1", "quick", nil)
		require.NoError(t, err)

		// Stop may land before, during, or after the natural exit; the
		// only acceptable error is the execution already being reaped.
		if err := f.sup.Stop(ex.ID); err != nil {
			assert.ErrorIs(t, err, device.ErrExecutionNotFound)
		}

		done := waitForResult(t, f.sup, ex.ID)
		assert.Contains(t, []Result{ResultSuccess, ResultStopped}, done.Result)
		require.Eventually(t, func() bool {
			return f.status(t, "serial-1") == device.StatusAvailable
		}, 5*time.Second, 10*time.Millisecond)
		assert.Empty(t, f.sup.Running())
		// exactly one terminal record per round: finalize ran once
		assert.Len(t, f.sup.Recent(), i+1)
	}
}

func TestStopTerminatesExecution(t *testing.T) {
	f := newFixture(t, map[string]string{"slow.sh": "sleep 30\n"}, 2*time.Second)
	f.addDevice(t, "serial-1")

	ex, err := f.sup.Start(context.Background(), "serial-1", "slow", nil)
	require.NoError(t, err)

	require.NoError(t, f.sup.Stop(ex.ID))
	done := waitForResult(t, f.sup, ex.ID)
	assert.Equal(t, ResultStopped, done.Result)
	assert.Equal(t, device.StatusAvailable, f.status(t, "serial-1"))
	assert.Empty(t, f.sup.Running())
}

func TestStopEscalatesToKill(t *testing.T) {
	// The child ignores SIGTERM, forcing the SIGKILL path.
	f := newFixture(t, map[string]string{
		"stubborn.sh": "trap '' TERM\nwhile true; do sleep 1; done\n",
	}, 300*time.Millisecond)
	f.addDevice(t, "serial-1")

	ex, err := f.sup.Start(context.Background(), "serial-1", "stubborn", nil)
	require.NoError(t, err)
	// give the shell a moment to install the trap
	time.Sleep(200 * time.Millisecond)

	err = f.sup.Stop(ex.ID)
	assert.Error(t, err)

	// the device still ends available even on the forced path
	require.Eventually(t, func() bool {
		return f.status(t, "serial-1") == device.StatusAvailable
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, f.sup.Running())
}

func TestStopUnknownExecution(t *testing.T) {
	f := newFixture(t, nil, time.Second)
	assert.ErrorIs(t, f.sup.Stop("no-such-id"), device.ErrExecutionNotFound)
}

func TestStopAll(t *testing.T) {
	f := newFixture(t, map[string]string{"slow.sh": "sleep 30\n"}, 2*time.Second)
	f.addDevice(t, "serial-1")
	f.addDevice(t, "serial-2")

	_, err := f.sup.Start(context.Background(), "serial-1", "slow", nil)
	require.NoError(t, err)
	_, err = f.sup.Start(context.Background(), "serial-2", "slow", nil)
	require.NoError(t, err)

	stopped, errs := f.sup.StopAll()
	assert.Equal(t, 2, stopped)
	assert.Empty(t, errs)
	assert.Empty(t, f.sup.Running())
	assert.Equal(t, device.StatusAvailable, f.status(t, "serial-1"))
	assert.Equal(t, device.StatusAvailable, f.status(t, "serial-2"))
}

func TestStopAllWithStuckChild(t *testing.T) {
	f := newFixture(t, map[string]string{
		"slow.sh":     "sleep 30\n",
		"stubborn.sh": "trap '' TERM\nwhile true; do sleep 1; done\n",
	}, 300*time.Millisecond)
	f.addDevice(t, "serial-1")
	f.addDevice(t, "serial-2")
	f.addDevice(t, "serial-3")

	_, err := f.sup.Start(context.Background(), "serial-1", "slow", nil)
	require.NoError(t, err)
	_, err = f.sup.Start(context.Background(), "serial-2", "stubborn", nil)
	require.NoError(t, err)
	_, err = f.sup.Start(context.Background(), "serial-3", "slow", nil)
	require.NoError(t, err)
	// give the stubborn shell a moment to install its trap
	time.Sleep(200 * time.Millisecond)

	stopped, errs := f.sup.StopAll()
	assert.Equal(t, 2, stopped)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "did not exit")

	// the stuck child is force-killed and its device still ends available
	for _, serial := range []string{"serial-1", "serial-2", "serial-3"} {
		require.Eventually(t, func() bool {
			return f.status(t, serial) == device.StatusAvailable
		}, 5*time.Second, 20*time.Millisecond)
	}
	assert.Empty(t, f.sup.Running())
}

func TestSpawnFailureRollsBack(t *testing.T) {
	reg, err := registry.New(memStore{}, nil)
	require.NoError(t, err)
	logs, err := logstore.New(logstore.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	dir := t.TempDir()
	writeScript(t, dir, "x.sh", "true\n")
	catalog, err := script.NewCatalog(dir, "/nonexistent/interpreter")
	require.NoError(t, err)
	sup := New(reg, logs, catalog, time.Second)

	_, err = reg.UpsertObserved("serial-1", "")
	require.NoError(t, err)

	_, err = sup.Start(context.Background(), "serial-1", "x", nil)
	assert.Error(t, err)

	d, err := reg.Get("serial-1")
	require.NoError(t, err)
	assert.Equal(t, device.StatusAvailable, d.Status)
	assert.Empty(t, sup.Running())
}

func TestFailingScriptReportsFailure(t *testing.T) {
	f := newFixture(t, map[string]string{"bad.sh": "echo boom\nexit 3\n"}, time.Second)
	f.addDevice(t, "serial-1")

	ex, err := f.sup.Start(context.Background(), "serial-1", "bad", nil)
	require.NoError(t, err)

	done := waitForResult(t, f.sup, ex.ID)
	assert.Equal(t, ResultFailure, done.Result)
	assert.Equal(t, device.StatusAvailable, f.status(t, "serial-1"))
}

func TestNewExecutionClearsPreviousLogs(t *testing.T) {
	f := newFixture(t, map[string]string{
		"first.sh":  "echo from-first\n",
		"second.sh": "echo from-second\n",
	}, time.Second)
	f.addDevice(t, "serial-1")

	ex, err := f.sup.Start(context.Background(), "serial-1", "first", nil)
	require.NoError(t, err)
	waitForResult(t, f.sup, ex.ID)

	ex, err = f.sup.Start(context.Background(), "serial-1", "second", nil)
	require.NoError(t, err)
	waitForResult(t, f.sup, ex.ID)

	joined := strings.Join(f.logs.Read("serial-1", 0), "\n")
	assert.Contains(t, joined, "from-second")
	assert.NotContains(t, joined, "from-first")
}

func TestHistoryEventsRecorded(t *testing.T) {
	f := newFixture(t, map[string]string{"x.sh": "echo hi\n"}, time.Second)
	f.addDevice(t, "serial-1")

	sink := &MockSink{}
	f.sup.SetHistorySinks(sink)

	ex, err := f.sup.Start(context.Background(), "serial-1", "x", nil)
	require.NoError(t, err)
	waitForResult(t, f.sup, ex.ID)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	events := sink.snapshot()
	assert.Equal(t, history.EventStart, events[0].Type)
	assert.Equal(t, ex.ID, events[0].ExecutionID)
	assert.Equal(t, history.EventStop, events[1].Type)
	assert.Equal(t, string(ResultSuccess), events[1].Result)
}

func TestRunningAndGet(t *testing.T) {
	f := newFixture(t, map[string]string{"slow.sh": "sleep 30\n"}, time.Second)
	f.addDevice(t, "serial-1")

	ex, err := f.sup.Start(context.Background(), "serial-1", "slow", nil)
	require.NoError(t, err)

	running := f.sup.Running()
	require.Len(t, running, 1)
	assert.Equal(t, ex.ID, running[0].ID)

	got, err := f.sup.Get(ex.ID)
	require.NoError(t, err)
	assert.Equal(t, "slow", got.ScriptID)
	assert.Empty(t, got.Result)

	_, err = f.sup.Get("missing")
	assert.ErrorIs(t, err, device.ErrExecutionNotFound)

	require.NoError(t, f.sup.Stop(ex.ID))

	// finished executions stay visible through Get and Recent
	got, err = f.sup.Get(ex.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultStopped, got.Result)
	require.NotEmpty(t, f.sup.Recent())
	assert.Equal(t, ex.ID, f.sup.Recent()[0].ID)
}
