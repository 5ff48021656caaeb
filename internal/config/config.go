// Package config loads the obdsim configuration from YAML, a .env file and
// environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no -config flag is given.
const DefaultPath = "/etc/obdsim/config.yaml"

// Config holds all obdsim configuration.
type Config struct {
	mu sync.RWMutex

	// What the scanner talks to
	Scan ScanConfig `yaml:"scan" json:"scan"`
	Elm  ElmConfig  `yaml:"elm" json:"elm"`
	Can  CanConfig  `yaml:"can" json:"can"`

	// ECU impersonation
	Vehicle VehicleConfig `yaml:"vehicle" json:"vehicle"`

	// Wireless UART to virtual serial
	Bridge BridgeConfig `yaml:"bridge" json:"bridge"`

	Recorder RecorderConfig `yaml:"recorder" json:"recorder"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Log      LogConfig      `yaml:"log" json:"log"`

	path string
}

type ScanConfig struct {
	Backend  string        `yaml:"backend" json:"backend"` // "elm" or "can"
	Interval time.Duration `yaml:"interval" json:"interval"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"` // per query
	Modes    []int         `yaml:"modes" json:"modes"`
	// AdapterName labels the adapter in logs and the monitor, e.g. "Vlink"
	AdapterName string `yaml:"adapter_name" json:"adapterName"`
}

type ElmConfig struct {
	Transport    string `yaml:"transport" json:"transport"` // "serial" or "bluetooth"
	PortPath     string `yaml:"port_path" json:"portPath"`
	BaudRate     int    `yaml:"baud_rate" json:"baudRate"` // 0 = auto
	Protocol     int    `yaml:"protocol" json:"protocol"`  // ATSP number, 0 = auto
	AutoProtocol bool   `yaml:"auto_protocol" json:"autoProtocol"`
	MaxAttempts  int    `yaml:"max_attempts" json:"maxAttempts"`
	MaxTimeouts  int    `yaml:"max_timeouts" json:"maxTimeouts"`

	BluetoothAddress string `yaml:"bluetooth_address" json:"bluetoothAddress"`
	BluetoothChannel uint8  `yaml:"bluetooth_channel" json:"bluetoothChannel"`
}

type CanConfig struct {
	Interface string `yaml:"interface" json:"interface"`
	// Schema is a YAML file naming the request/response messages
	Schema   string `yaml:"schema" json:"schema"`
	Request  string `yaml:"request" json:"request"`
	Response string `yaml:"response" json:"response"`
}

type VehicleConfig struct {
	Bus   string `yaml:"bus" json:"bus"`
	Vin   string `yaml:"vin" json:"vin"`
	Drive bool   `yaml:"drive" json:"drive"`
}

type BridgeConfig struct {
	Transport  string `yaml:"transport" json:"transport"` // "ble" or "rfcomm"
	SerialPath string `yaml:"serial_path" json:"serialPath"`

	BLEAddress string `yaml:"ble_address" json:"bleAddress"`
	BLEService string `yaml:"ble_service" json:"bleService"`
	BLEWrite   string `yaml:"ble_write_char" json:"bleWriteChar"`
	BLENotify  string `yaml:"ble_notify_char" json:"bleNotifyChar"`

	RFCOMMAddress string `yaml:"rfcomm_address" json:"rfcommAddress"`
	RFCOMMChannel uint8  `yaml:"rfcomm_channel" json:"rfcommChannel"`
}

type RecorderConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Format  string `yaml:"format" json:"format"` // "csv", "cbor" or "bolt"
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

type ServerConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "console" or "json"
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Scan: ScanConfig{
			Backend:     "elm",
			Interval:    5 * time.Second,
			Timeout:     time.Second,
			Modes:       []int{1},
			AdapterName: "Vlink",
		},
		Elm: ElmConfig{
			Transport:        "serial",
			PortPath:         "/tmp/ttyBLE",
			BaudRate:         0,
			Protocol:         0,
			AutoProtocol:     true,
			MaxAttempts:      3,
			MaxTimeouts:      3,
			BluetoothChannel: 1,
		},
		Can: CanConfig{
			Interface: "vcan0",
			Request:   "OBD2_REQUEST",
			Response:  "OBD2_ECU_RESPONSE",
		},
		Vehicle: VehicleConfig{
			Bus: "vcan0",
			Vin: "1OBDIISIMULATORXX",
		},
		Bridge: BridgeConfig{
			Transport:     "ble",
			SerialPath:    "/tmp/ttyBLE",
			RFCOMMChannel: 1,
		},
		Recorder: RecorderConfig{
			Enabled: false,
			Path:    "/var/log/obdsim",
			Format:  "csv",
			MaxRows: 100000,
		},
		Server: ServerConfig{
			Enabled:    false,
			ListenAddr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. A missing file means defaults; a malformed one is an
// error.
func LoadConfig(path string, log zerolog.Logger) (*Config, error) {
	log = log.With().Str("component", "config").Logger()
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info().Str("path", path).Msg("no config file, using defaults")
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("loaded")
	}

	// .env next to the config, then in the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if loadEnvFile(ep) {
			log.Info().Str("path", ep).Msg("loaded .env")
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFile reads a simple KEY=VALUE .env file into the process
// environment. Variables already set take precedence.
func loadEnvFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, val)
		}
	}
	return true
}

// parseSeconds accepts a Go duration ("500ms") or a number of seconds ("5").
func parseSeconds(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DBC_FILE, DBC_REQUEST, DBC_RESPONSE, SCAN_INTERVAL, SCAN_TIMEOUT,
// SCAN_BACKEND, ADAPTER_NAME, SIMULATOR_VIN, VEHICLE_BUS, ELM_PORT, ELM_BAUD,
// ELM_PROTOCOL, BLE_ADDRESS, BTC_ADDRESS, BTC_CHANNEL, SERIAL_PATH,
// LISTEN_ADDR, LOG_LEVEL
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("DBC_FILE"); v != "" {
		c.Can.Schema = v
	}
	if v := os.Getenv("DBC_REQUEST"); v != "" {
		c.Can.Request = v
	}
	if v := os.Getenv("DBC_RESPONSE"); v != "" {
		c.Can.Response = v
	}
	if v := os.Getenv("SCAN_INTERVAL"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("config: SCAN_INTERVAL: %w", err)
		}
		c.Scan.Interval = d
	}
	if v := os.Getenv("SCAN_TIMEOUT"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("config: SCAN_TIMEOUT: %w", err)
		}
		c.Scan.Timeout = d
	}
	if v := os.Getenv("SCAN_BACKEND"); v != "" {
		c.Scan.Backend = v
	}
	if v := os.Getenv("ADAPTER_NAME"); v != "" {
		c.Scan.AdapterName = v
	}
	if v := os.Getenv("SIMULATOR_VIN"); v != "" {
		c.Vehicle.Vin = v
	}
	if v := os.Getenv("VEHICLE_BUS"); v != "" {
		c.Vehicle.Bus = v
		c.Can.Interface = v
	}
	if v := os.Getenv("ELM_PORT"); v != "" {
		c.Elm.PortPath = v
	}
	if v := os.Getenv("ELM_BAUD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: ELM_BAUD: %w", err)
		}
		c.Elm.BaudRate = n
	}
	if v := os.Getenv("ELM_PROTOCOL"); v != "" {
		n, err := strconv.ParseInt(v, 0, 16)
		if err != nil {
			return fmt.Errorf("config: ELM_PROTOCOL: %w", err)
		}
		c.Elm.Protocol = int(n)
	}
	if v := os.Getenv("BLE_ADDRESS"); v != "" {
		c.Bridge.BLEAddress = v
	}
	if v := os.Getenv("BTC_ADDRESS"); v != "" {
		c.Bridge.RFCOMMAddress = v
		c.Elm.BluetoothAddress = v
	}
	if v := os.Getenv("BTC_CHANNEL"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("config: BTC_CHANNEL: %w", err)
		}
		c.Bridge.RFCOMMChannel = uint8(n)
		c.Elm.BluetoothChannel = uint8(n)
	}
	if v := os.Getenv("SERIAL_PATH"); v != "" {
		c.Bridge.SerialPath = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	var errs []error
	if n := len(c.Vehicle.Vin); n != 17 {
		errs = append(errs, fmt.Errorf("vehicle.vin %q has %d characters, want 17", c.Vehicle.Vin, n))
	}
	if c.Scan.Interval <= 0 {
		errs = append(errs, fmt.Errorf("scan.interval must be positive, got %s", c.Scan.Interval))
	}
	if c.Scan.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("scan.timeout must be positive, got %s", c.Scan.Timeout))
	}
	switch c.Scan.Backend {
	case "elm", "can":
	default:
		errs = append(errs, fmt.Errorf("scan.backend %q: want elm or can", c.Scan.Backend))
	}
	for _, m := range c.Scan.Modes {
		if m <= 0 || m > 0x0F {
			errs = append(errs, fmt.Errorf("scan.modes: invalid mode %d", m))
		} else if c.Scan.Backend == "elm" && m != 1 {
			// The ELM327 session only issues current data requests.
			errs = append(errs, fmt.Errorf("scan.modes: mode %d not supported by the elm backend", m))
		}
	}
	switch c.Elm.Transport {
	case "serial", "bluetooth":
	default:
		errs = append(errs, fmt.Errorf("elm.transport %q: want serial or bluetooth", c.Elm.Transport))
	}
	if c.Elm.Protocol < 0 || c.Elm.Protocol > 12 {
		errs = append(errs, fmt.Errorf("elm.protocol %d out of range 0..12", c.Elm.Protocol))
	}
	switch c.Bridge.Transport {
	case "ble", "rfcomm":
	default:
		errs = append(errs, fmt.Errorf("bridge.transport %q: want ble or rfcomm", c.Bridge.Transport))
	}
	switch c.Recorder.Format {
	case "csv", "cbor", "bolt":
	default:
		errs = append(errs, fmt.Errorf("recorder.format %q: want csv, cbor or bolt", c.Recorder.Format))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// AdapterName returns the adapter label, safe against concurrent updates.
func (c *Config) AdapterName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Scan.AdapterName
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ToJSON serializes config for the monitor API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. The merged result must pass validation,
// otherwise the config is left unchanged.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal current: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("config: unmarshal current: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("config: unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("config: marshal merged: %w", err)
	}
	next := &Config{}
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("config: unmarshal merged: %w", err)
	}
	if err := next.validate(); err != nil {
		return err
	}

	c.Scan = next.Scan
	c.Elm = next.Elm
	c.Can = next.Can
	c.Vehicle = next.Vehicle
	c.Bridge = next.Bridge
	c.Recorder = next.Recorder
	c.Server = next.Server
	c.Log = next.Log
	return nil
}

// deepMerge recursively merges src into dst. Nested maps are merged, any
// other value in src replaces the one in dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
