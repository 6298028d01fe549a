package adb

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Info is one attached device as reported by the bridge.
type Info struct {
	Serial string
	Model  string
}

// Bridge is the device-control collaborator. The coordinator only lists
// attached devices and resolves screen geometry; everything else the
// bridge can do belongs to the spawned scripts.
type Bridge interface {
	ListDevices(ctx context.Context) ([]Info, error)
	ScreenSize(ctx context.Context, serial string) ([]int, error)
}

// CLI shells out to the adb binary.
type CLI struct {
	binary string
}

func NewCLI(binary string) *CLI {
	if binary == "" {
		binary = "adb"
	}
	return &CLI{binary: binary}
}

func (c *CLI) ListDevices(ctx context.Context) ([]Info, error) {
	out, err := exec.CommandContext(ctx, c.binary, "devices", "-l").Output()
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	return ParseDevices(string(out)), nil
}

func (c *CLI) ScreenSize(ctx context.Context, serial string) ([]int, error) {
	out, err := exec.CommandContext(ctx, c.binary, "-s", serial, "shell", "wm", "size").Output()
	if err != nil {
		return nil, fmt.Errorf("adb wm size: %w", err)
	}
	size, err := ParseScreenSize(string(out))
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", serial, err)
	}
	return size, nil
}

// ParseDevices parses `adb devices -l` output. Only devices in the
// "device" state count as attached; unauthorized/offline entries are
// skipped.
func ParseDevices(out string) []Info {
	var devices []Info
	for i, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if i == 0 || line == "" {
			// first line is the "List of devices attached" banner
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "device" {
			continue
		}
		info := Info{Serial: fields[0]}
		for _, f := range fields[2:] {
			if v, ok := strings.CutPrefix(f, "model:"); ok {
				info.Model = strings.ReplaceAll(v, "_", " ")
			}
		}
		devices = append(devices, info)
	}
	return devices
}

// ParseScreenSize parses `wm size` output like "Physical size: 1080x1920".
// When an override size is present it wins over the physical one.
func ParseScreenSize(out string) ([]int, error) {
	var physical, override []int
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if raw, ok := strings.CutPrefix(line, "Override size:"); ok {
			override = parseDimensions(raw)
		} else if raw, ok := strings.CutPrefix(line, "Physical size:"); ok {
			physical = parseDimensions(raw)
		}
	}
	if override != nil {
		return override, nil
	}
	if physical != nil {
		return physical, nil
	}
	return nil, fmt.Errorf("no screen size in output")
}

func parseDimensions(raw string) []int {
	w, h, ok := strings.Cut(strings.TrimSpace(raw), "x")
	if !ok {
		return nil
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return nil
	}
	return []int{width, height}
}
