package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adbfleet/adbfleet/internal/device"
	"github.com/adbfleet/adbfleet/internal/store"
)

// Registry is the authoritative device table. All status mutations go
// through UpsertObserved/MarkOffline (discovery) or Transition (execution);
// there is no raw read-modify-write path. Every mutation persists the full
// set synchronously before returning.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*device.Device
	st      store.Store

	// names maps serial -> configured display name; wins over the name
	// reported by the bridge.
	names map[string]string
}

// New loads persisted device rows and applies the crash-recovery sweep:
// a persisted busy row has no backing process after a restart (the running
// table is memory-only), so it is forced back to available.
func New(st store.Store, names map[string]string) (*Registry, error) {
	devices, err := st.Load()
	if err != nil {
		return nil, err
	}
	for serial, d := range devices {
		if d.Status == device.StatusBusy {
			slog.Warn("recovering device stuck in busy state", "serial", serial)
			d.Status = device.StatusAvailable
		}
		if !d.Status.Valid() {
			d.Status = device.StatusOffline
		}
	}
	r := &Registry{devices: devices, st: st, names: names}
	if len(devices) > 0 {
		if err := r.persistLocked(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// UpsertObserved records a serial seen in the latest discovery snapshot.
// Unknown serials are created as available. Offline devices come back as
// available. A busy device only gets its last-seen refreshed; discovery
// never overrides an in-progress execution.
func (r *Registry) UpsertObserved(serial, reportedName string) (device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[serial]
	if !ok {
		d = &device.Device{
			Serial: serial,
			Name:   r.displayName(serial, reportedName),
			Status: device.StatusAvailable,
		}
		r.devices[serial] = d
	} else if d.Status == device.StatusOffline {
		d.Status = device.StatusAvailable
	}
	if name := r.displayName(serial, reportedName); name != "" {
		d.Name = name
	}
	d.LastSeen = time.Now()
	if err := r.persistLocked(); err != nil {
		return device.Device{}, err
	}
	return *d, nil
}

// MarkOffline flags a known serial absent from the latest snapshot. It is
// a silent no-op for busy devices: a mid-execution device dropping off the
// wire is reported offline only after its execution resolves.
func (r *Registry) MarkOffline(serial string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[serial]
	if !ok || d.Status == device.StatusBusy || d.Status == device.StatusOffline {
		return nil
	}
	d.Status = device.StatusOffline
	return r.persistLocked()
}

// Transition is the compare-and-set gate for the available<->busy edges.
// It returns false without mutating anything when the current status does
// not equal from; concurrent starts on one device race through here and
// exactly one wins.
func (r *Registry) Transition(serial string, from, to device.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[serial]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = to
	if err := r.persistLocked(); err != nil {
		// Roll back the in-memory flip so memory and disk stay coherent.
		d.Status = from
		return false, err
	}
	return true, nil
}

// SetScreenSize caches the device's screen geometry once discovery
// resolves it.
func (r *Registry) SetScreenSize(serial string, size []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[serial]
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrDeviceNotFound, serial)
	}
	d.ScreenSize = size
	return r.persistLocked()
}

func (r *Registry) Get(serial string) (device.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[serial]
	if !ok {
		return device.Device{}, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, serial)
	}
	return *d, nil
}

// List returns a snapshot of all known devices sorted by serial.
func (r *Registry) List() []device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]device.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// Serials returns the known serials; discovery diffs the live snapshot
// against this.
func (r *Registry) Serials() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.devices))
	for serial := range r.devices {
		out = append(out, serial)
	}
	return out
}

func (r *Registry) displayName(serial, reported string) string {
	if n, ok := r.names[serial]; ok && n != "" {
		return n
	}
	if reported != "" {
		return reported
	}
	if d, ok := r.devices[serial]; ok && d.Name != "" {
		return d.Name
	}
	return "Device " + serial
}

func (r *Registry) persistLocked() error {
	return r.st.Save(r.devices)
}
