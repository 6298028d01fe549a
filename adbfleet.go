package adbfleet

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adbfleet/adbfleet/internal/adb"
	cfg "github.com/adbfleet/adbfleet/internal/config"
	"github.com/adbfleet/adbfleet/internal/device"
	"github.com/adbfleet/adbfleet/internal/discovery"
	"github.com/adbfleet/adbfleet/internal/executor"
	"github.com/adbfleet/adbfleet/internal/history"
	"github.com/adbfleet/adbfleet/internal/history/factory"
	"github.com/adbfleet/adbfleet/internal/logstore"
	"github.com/adbfleet/adbfleet/internal/metrics"
	"github.com/adbfleet/adbfleet/internal/registry"
	"github.com/adbfleet/adbfleet/internal/schedule"
	"github.com/adbfleet/adbfleet/internal/script"
	iapi "github.com/adbfleet/adbfleet/internal/server"
	"github.com/adbfleet/adbfleet/internal/store"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Device = device.Device

type Status = device.Status

type Execution = executor.Execution

type ScriptMeta = script.Meta

type HistorySink = history.Sink

type Config = cfg.FileConfig

// Coordinator is a thin facade over the internal packages. It wires the
// registry, log store, script catalog, discovery loop, and execution
// supervisor into one embeddable unit.
type Coordinator struct {
	cfg     cfg.FileConfig
	reg     *registry.Registry
	logs    *logstore.Store
	catalog *script.Catalog
	sup     *executor.Supervisor
	loop    *discovery.Loop
	sched   *schedule.Runner
	sink    history.Sink

	cancelLoop context.CancelFunc
}

// New builds a coordinator from config. Device state is loaded from disk
// and any device persisted as busy is recovered to available.
func New(fc cfg.FileConfig) (*Coordinator, error) {
	fc.ApplyDefaults()
	st, err := store.NewFileStore(fc.StatePath())
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(st, fc.DeviceNames)
	if err != nil {
		return nil, err
	}
	logs, err := logstore.New(fc.LogstoreConfig())
	if err != nil {
		return nil, err
	}
	catalog, err := script.NewCatalog(fc.ScriptsDir, fc.Interpreter)
	if err != nil {
		return nil, err
	}
	sup := executor.New(reg, logs, catalog, fc.StopWait)

	var sink history.Sink
	if fc.HistoryDSN != "" {
		sink, err = factory.NewSinkFromDSN(fc.HistoryDSN)
		if err != nil {
			return nil, err
		}
		sup.SetHistorySinks(sink)
	}

	bridge := adb.NewCLI(fc.ADBBinary)
	loop := discovery.NewLoop(bridge, reg, fc.DiscoveryInterval)
	sched := schedule.New(sup, fc.Schedules)

	return &Coordinator{
		cfg:     fc,
		reg:     reg,
		logs:    logs,
		catalog: catalog,
		sup:     sup,
		loop:    loop,
		sched:   sched,
		sink:    sink,
	}, nil
}

// Start launches the discovery loop and schedule runner.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, c.cancelLoop = context.WithCancel(ctx)
	go c.loop.Run(ctx)
	return c.sched.Start()
}

// Shutdown stops scheduling and discovery, then stops every running
// execution.
func (c *Coordinator) Shutdown() {
	c.sched.Stop()
	if c.cancelLoop != nil {
		c.cancelLoop()
	}
	c.sup.Shutdown()
	if c.sink != nil {
		_ = c.sink.Close()
	}
}

func (c *Coordinator) Devices() []Device { return c.reg.List() }

func (c *Coordinator) Device(serial string) (Device, error) { return c.reg.Get(serial) }

func (c *Coordinator) Scripts() []ScriptMeta { return c.catalog.List() }

func (c *Coordinator) StartExecution(ctx context.Context, serial, scriptID string, options json.RawMessage) (Execution, error) {
	return c.sup.Start(ctx, serial, scriptID, options)
}

func (c *Coordinator) StopExecution(executionID string) error { return c.sup.Stop(executionID) }

func (c *Coordinator) StopAll() (int, []string) { return c.sup.StopAll() }

func (c *Coordinator) Running() []Execution { return c.sup.Running() }

func (c *Coordinator) Logs(serial string, limit int) []string { return c.logs.Read(serial, limit) }

// SetHistorySinks replaces the configured history destinations.
func (c *Coordinator) SetHistorySinks(sinks ...HistorySink) { c.sup.SetHistorySinks(sinks...) }

// Router returns an embeddable HTTP handler bundle for the coordinator.
func (c *Coordinator) Router() *iapi.Router {
	r := iapi.NewRouter(c.reg, c.logs, c.catalog, c.sup, c.cfg.BasePath)
	if c.cfg.Metrics.Enabled && c.cfg.Metrics.Listen == "" {
		r.EnableMetrics()
	}
	return r
}

// NewHTTPServer starts an HTTP server exposing the coordinator API.
func (c *Coordinator) NewHTTPServer(addr string) (*http.Server, error) {
	return iapi.NewServer(addr, c.Router())
}

func LoadConfig(path string) (cfg.FileConfig, error) { return cfg.Load(path) }

// NewHistorySink creates a history sink from a DSN
// (sqlite path, postgres:// or clickhouse:// URL).
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It blocks in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
