package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/adbfleet/adbfleet/internal/executor"
	"github.com/adbfleet/adbfleet/internal/logstore"
	"github.com/adbfleet/adbfleet/internal/metrics"
	"github.com/adbfleet/adbfleet/internal/registry"
	"github.com/adbfleet/adbfleet/internal/script"
)

// Router provides embeddable HTTP handlers for the device fleet.
// Endpoints under {basePath}:
//
//	GET  /healthz
//	GET  /devices
//	GET  /devices/:serial
//	GET  /devices/:serial/logs?limit=N
//	GET  /devices/:serial/logs/stream     (websocket)
//	GET  /scripts
//	GET  /executions
//	GET  /executions/:id
//	GET  /executions/:id/usage
//	POST /executions                      body: {device_id, script_id, options}
//	POST /executions/stop                 body: {execution_id}
//	POST /executions/stop-all
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	reg      *registry.Registry
	logs     *logstore.Store
	catalog  *script.Catalog
	sup      *executor.Supervisor
	basePath string
	metrics  bool
}

// NewRouter constructs a new Router with a configurable basePath.
func NewRouter(reg *registry.Registry, logs *logstore.Store, catalog *script.Catalog, sup *executor.Supervisor, basePath string) *Router {
	return &Router{
		reg:      reg,
		logs:     logs,
		catalog:  catalog,
		sup:      sup,
		basePath: sanitizeBase(basePath),
	}
}

// EnableMetrics mounts /metrics on the handler alongside the API group.
func (r *Router) EnableMetrics() { r.metrics = true }

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/devices", r.handleListDevices)
	group.GET("/devices/:serial", r.handleGetDevice)
	group.GET("/devices/:serial/logs", r.handleDeviceLogs)
	group.GET("/devices/:serial/logs/stream", r.handleDeviceLogStream)
	group.GET("/scripts", r.handleListScripts)
	group.GET("/executions", r.handleListExecutions)
	group.GET("/executions/:id", r.handleGetExecution)
	group.GET("/executions/:id/usage", r.handleExecutionUsage)
	group.POST("/executions", r.handleStartExecution)
	group.POST("/executions/stop", r.handleStopExecution)
	group.POST("/executions/stop-all", r.handleStopAll)

	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) (*http.Server, error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}
