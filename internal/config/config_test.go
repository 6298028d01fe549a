package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	fc, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", fc.Listen)
	assert.Equal(t, "/api", fc.BasePath)
	assert.Equal(t, "python3", fc.Interpreter)
	assert.Equal(t, "adb", fc.ADBBinary)
	assert.Equal(t, 5*time.Second, fc.DiscoveryInterval)
	assert.Equal(t, 5*time.Second, fc.StopWait)
	assert.Equal(t, filepath.Join("data", "logs"), fc.Log.Dir)
	assert.Equal(t, filepath.Join("data", "devices.json"), fc.StatePath())
	require.NotNil(t, fc.Logging)
	assert.Equal(t, "info", fc.Logging.Level)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
listen = "0.0.0.0:9090"
base_path = "/fleet"
data_dir = "/var/lib/adbfleet"
scripts_dir = "/opt/scripts"
interpreter = "python3.11"
adb_binary = "/usr/bin/adb"
discovery_interval = "10s"
stop_wait = "3s"
history_dsn = "sqlite:///var/lib/adbfleet/history.db"

[device_names]
"R58M123ABC" = "Farm Phone 1"

[log]
dir = "/var/log/adbfleet"
max_entries = 500
max_size_mb = 5

[logging]
level = "debug"
format = "json"

[metrics]
enabled = true
listen = "127.0.0.1:9100"

[[schedules]]
name = "nightly-farm"
device = "R58M123ABC"
script = "farm"
options = '{"rounds":2}'
cron = "0 3 * * *"
`)

	fc, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", fc.Listen)
	assert.Equal(t, "/fleet", fc.BasePath)
	assert.Equal(t, "python3.11", fc.Interpreter)
	assert.Equal(t, 10*time.Second, fc.DiscoveryInterval)
	assert.Equal(t, 3*time.Second, fc.StopWait)
	assert.Equal(t, "Farm Phone 1", fc.DeviceNames["R58M123ABC"])
	assert.Equal(t, "/var/log/adbfleet", fc.Log.Dir)
	assert.Equal(t, 500, fc.Log.MaxEntries)
	assert.Equal(t, "debug", fc.Logging.Level)
	assert.True(t, fc.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9100", fc.Metrics.Listen)

	require.Len(t, fc.Schedules, 1)
	assert.Equal(t, "nightly-farm", fc.Schedules[0].Name)
	assert.Equal(t, "0 3 * * *", fc.Schedules[0].Cron)

	ls := fc.LogstoreConfig()
	assert.Equal(t, "/var/log/adbfleet", ls.Dir)
	assert.Equal(t, 500, ls.MaxEntries)
	assert.Equal(t, 5, ls.MaxSizeMB)
}

func TestLoadInvalidSchedule(t *testing.T) {
	path := writeConfig(t, `
[[schedules]]
name = "broken"
device = "serial-1"
script = "farm"
`)
	_, err := Load(path)
	assert.Error(t, err)

	path = writeConfig(t, `
[[schedules]]
name = "no-target"
cron = "* * * * *"
`)
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
