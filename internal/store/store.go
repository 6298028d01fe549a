package store

import "github.com/adbfleet/adbfleet/internal/device"

// Store persists the full device record set. The registry writes the whole
// set synchronously on every mutation; device counts are small and
// durability wins over throughput.
type Store interface {
	Save(devices map[string]*device.Device) error
	Load() (map[string]*device.Device, error)
}
