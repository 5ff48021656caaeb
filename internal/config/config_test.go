package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "elm", cfg.Scan.Backend)
	assert.Equal(t, 5*time.Second, cfg.Scan.Interval)
	assert.Equal(t, "Vlink", cfg.Scan.AdapterName)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scan:
  backend: can
  interval: 250ms
  modes: [1, 9]
vehicle:
  vin: WVWZZZ1JZXW000001
`), 0o644))

	cfg, err := LoadConfig(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "can", cfg.Scan.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Scan.Interval)
	assert.Equal(t, []int{1, 9}, cfg.Scan.Modes)
	assert.Equal(t, "WVWZZZ1JZXW000001", cfg.Vehicle.Vin)
	// Untouched sections keep defaults.
	assert.Equal(t, "/tmp/ttyBLE", cfg.Bridge.SerialPath)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scan: [unclosed"), 0o644))
	_, err := LoadConfig(path, zerolog.Nop())
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCAN_INTERVAL", "2")
	t.Setenv("ELM_PROTOCOL", "6")
	t.Setenv("SIMULATOR_VIN", "JH4KA7561PC008269")
	t.Setenv("VEHICLE_BUS", "can1")
	t.Setenv("DBC_REQUEST", "REQ")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Scan.Interval)
	assert.Equal(t, 6, cfg.Elm.Protocol)
	assert.Equal(t, "JH4KA7561PC008269", cfg.Vehicle.Vin)
	assert.Equal(t, "can1", cfg.Vehicle.Bus)
	assert.Equal(t, "can1", cfg.Can.Interface)
	assert.Equal(t, "REQ", cfg.Can.Request)
}

func TestEnvOverrideDuration(t *testing.T) {
	t.Setenv("SCAN_INTERVAL", "500ms")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Scan.Interval)
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("ELM_BAUD", "fast")
	_, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"), zerolog.Nop())
	assert.ErrorContains(t, err, "ELM_BAUD")
}

func TestEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(`
# comment
ADAPTER_NAME="OBDLink"
LISTEN_ADDR=':9000'
`), 0o644))
	t.Setenv("LISTEN_ADDR", ":7000")
	// t.Setenv restores on cleanup; make sure ADAPTER_NAME is too.
	t.Setenv("ADAPTER_NAME", "")
	os.Unsetenv("ADAPTER_NAME")

	cfg, err := LoadConfig(filepath.Join(dir, "config.yaml"), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "OBDLink", cfg.Scan.AdapterName)
	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Vehicle.Vin = "SHORT"
	cfg.Scan.Backend = "kline"
	cfg.Elm.Protocol = 13
	cfg.Recorder.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"vehicle.vin", "scan.backend", "elm.protocol", "recorder.format"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestValidateElmOnlyPollsCurrentData(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scan.Modes = []int{1, 9}
	assert.ErrorContains(t, cfg.Validate(), "mode 9 not supported by the elm backend")

	cfg.Scan.Backend = "can"
	assert.NoError(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg, err := LoadConfig(path, zerolog.Nop())
	require.NoError(t, err)
	cfg.Scan.Backend = "can"
	cfg.Bridge.BLEAddress = "AA:BB:CC:DD:EE:FF"
	require.NoError(t, cfg.Save())

	again, err := LoadConfig(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "can", again.Scan.Backend)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", again.Bridge.BLEAddress)
}

func TestUpdateFromJSONMergesPartially(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"scan":{"adapterName":"OBDLink"},"log":{"level":"debug"}}`)))

	assert.Equal(t, "OBDLink", cfg.Scan.AdapterName)
	assert.Equal(t, "elm", cfg.Scan.Backend)
	assert.Equal(t, 5*time.Second, cfg.Scan.Interval)
	assert.Equal(t, "debug", cfg.Log.Level)

	assert.Error(t, cfg.UpdateFromJSON([]byte("{")))
}

func TestUpdateFromJSONRejectsInvalidResult(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.UpdateFromJSON([]byte(`{"vehicle":{"vin":"SHORT"},"scan":{"adapterName":"OBDLink"}}`))
	assert.ErrorContains(t, err, "vehicle.vin")

	// Nothing from the rejected patch is applied.
	assert.Equal(t, "1OBDIISIMULATORXX", cfg.Vehicle.Vin)
	assert.Equal(t, "Vlink", cfg.AdapterName())
	assert.NoError(t, cfg.Validate())
}

func TestToJSON(t *testing.T) {
	data, err := DefaultConfig().ToJSON()
	require.NoError(t, err)
	var m map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "ble", m["bridge"]["transport"])
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0, "y": 2.0},
		"b": "keep",
	}
	deepMerge(dst, map[string]interface{}{
		"a": map[string]interface{}{"y": 3.0},
		"c": true,
	})
	assert.Equal(t, map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0, "y": 3.0},
		"b": "keep",
		"c": true,
	}, dst)
}
