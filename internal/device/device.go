package device

import (
	"errors"
	"time"
)

// Status enumerates the lifecycle states of a tracked device.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// Device is one tracked endpoint, identified by its debug-bridge serial.
// Rows are created by discovery and never hard-deleted; presence flips
// the status between available and offline, execution flips it between
// available and busy.
type Device struct {
	Serial     string    `json:"serial"`
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	LastSeen   time.Time `json:"last_seen"`
	ScreenSize []int     `json:"screen_size,omitempty"` // [width, height], cached once known
}

// Sentinel errors shared across the coordinator. Handlers map these onto
// HTTP status codes; everything else is treated as internal.
var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrScriptNotFound    = errors.New("script not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrDeviceUnavailable = errors.New("device is busy or offline")
)
