package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/adbfleet/adbfleet/internal/device"
)

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// statusFor maps the error taxonomy onto HTTP status codes. Unknown
// errors are internal; everything a caller can fix is 4xx.
func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, device.ErrScriptNotFound),
		errors.Is(err, device.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, device.ErrDeviceUnavailable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleListDevices(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.reg.List())
}

func (r *Router) handleGetDevice(c *gin.Context) {
	serial := c.Param("serial")
	if !isSafeName(serial) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid serial"})
		return
	}
	d, err := r.reg.Get(serial)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, d)
}

func (r *Router) handleDeviceLogs(c *gin.Context) {
	serial := c.Param("serial")
	if !isSafeName(serial) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid serial"})
		return
	}
	if _, err := r.reg.Get(serial); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	writeJSON(c, http.StatusOK, gin.H{"serial": serial, "logs": r.logs.Read(serial, limit)})
}

func (r *Router) handleListScripts(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.catalog.List())
}

func (r *Router) handleListExecutions(c *gin.Context) {
	resp := gin.H{"running": r.sup.Running()}
	if c.Query("recent") == "true" {
		resp["recent"] = r.sup.Recent()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleGetExecution(c *gin.Context) {
	ex, err := r.sup.Get(c.Param("id"))
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, ex)
}

func (r *Router) handleExecutionUsage(c *gin.Context) {
	u, err := r.sup.Usage(c.Param("id"))
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, u)
}

type startRequest struct {
	DeviceID string          `json:"device_id"`
	ScriptID string          `json:"script_id"`
	Options  json.RawMessage `json:"options"`
}

func (r *Router) handleStartExecution(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.DeviceID == "" || req.ScriptID == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "device_id and script_id are required"})
		return
	}
	if !isSafeName(req.DeviceID) || !isSafeName(req.ScriptID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid device_id or script_id: allowed [A-Za-z0-9._-]"})
		return
	}
	if len(req.Options) > 0 && !json.Valid(req.Options) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "options must be valid JSON"})
		return
	}

	ex, err := r.sup.Start(c.Request.Context(), req.DeviceID, req.ScriptID, req.Options)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, ex)
}

type stopRequest struct {
	ExecutionID string `json:"execution_id"`
}

func (r *Router) handleStopExecution(c *gin.Context) {
	var req stopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.ExecutionID == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "execution_id is required"})
		return
	}
	if err := r.sup.Stop(req.ExecutionID); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStopAll(c *gin.Context) {
	stopped, errs := r.sup.StopAll()
	writeJSON(c, http.StatusOK, gin.H{"stopped": stopped, "errors": errs})
}
