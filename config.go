package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Device      DeviceConfig      `yaml:"device"`
	Sampling    SamplingConfig    `yaml:"sampling"`
	Decoder     DecoderConfig     `yaml:"decoder"`
	SpikeFilter SpikeFilterConfig `yaml:"spike_filter"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Aggregator  AggregatorConfig  `yaml:"aggregator"`
	Storage     StorageConfig     `yaml:"storage"`
	Import      ImportConfig      `yaml:"import"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Prometheus  PrometheusConfig  `yaml:"prometheus"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	MCP         MCPConfig         `yaml:"mcp"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Listen         string `yaml:"listen"`          // Address to listen on (e.g., ":8090")
	EnableCORS     bool   `yaml:"enable_cors"`     // Add permissive CORS headers to all responses
	MaxConnections int    `yaml:"max_connections"` // Maximum simultaneous TCP connections (0 = unlimited)
	AccessLog      string `yaml:"access_log"`      // Path to Apache-style access log (empty = disabled)
}

// DeviceConfig describes where raw measurement bytes come from
type DeviceConfig struct {
	Source             string `yaml:"source"`               // "serial", "replay" or "none"
	Port               string `yaml:"port"`                 // Serial port name (e.g., /dev/ttyACM0)
	BaudRate           int    `yaml:"baud_rate"`            // Serial baud rate
	InitSequence       string `yaml:"init_sequence"`        // Hex bytes written to the port after opening (optional)
	ReplayFile         string `yaml:"replay_file"`          // Raw capture file used by the replay source
	ReplayChunkBytes   int    `yaml:"replay_chunk_bytes"`   // Bytes fed per replay tick
	ReplayIntervalMs   int    `yaml:"replay_interval_ms"`   // Delay between replay ticks
	ReconnectDelaySec  int    `yaml:"reconnect_delay_sec"`  // Delay before reopening a failed source
	FrameWidth         int    `yaml:"frame_width"`          // Bytes per frame
	NativePeriodMicros int64  `yaml:"native_period_us"`     // Device sampling period
	DigitalChannels    bool   `yaml:"digital_channels"`     // Store logic channel states
	AutoStart          bool   `yaml:"auto_start"`           // Start a session at launch
}

// SamplingConfig contains session timeline settings
type SamplingConfig struct {
	DefaultPeriodMicros int64 `yaml:"default_period_us"` // Session period when none is requested
	BufferSeconds       int   `yaml:"buffer_seconds"`    // In-memory window length
	MaxBufferMB         int   `yaml:"max_buffer_mb"`     // Upper bound on ring memory
}

// DecoderConfig contains frame sequence checking settings
type DecoderConfig struct {
	QuarantineThreshold int `yaml:"quarantine_threshold"` // Out-of-sequence frames tolerated before declaring loss
}

// CalibrationConfig overrides the nominal calibration at startup
type CalibrationConfig struct {
	Resistors           []float64 `yaml:"resistors"`      // Shunt resistors for ranges 0-4 (optional)
	UserGains           []float64 `yaml:"user_gains"`     // User gain trim for ranges 0-4 (optional)
	RegulatorMilliVolts int       `yaml:"regulator_mv"`   // Current regulator voltage
	ClampNegative       bool      `yaml:"clamp_negative"` // Report negative currents as zero
}

// AggregatorConfig contains chart aggregation settings
type AggregatorConfig struct {
	MaxCachedBuckets int `yaml:"max_cached_buckets"` // Largest bucket span kept per resolution tier
	DefaultPoints    int `yaml:"default_points"`     // Point budget when a query does not give one
	MaxPoints        int `yaml:"max_points"`         // Largest point budget accepted from clients
	MinimapSize      int `yaml:"minimap_size"`       // Points in the session overview
}

// memoryOnlySpillDir turns the spill log off
const memoryOnlySpillDir = "none"

// StorageConfig contains spill log settings
type StorageConfig struct {
	SpillDir   string `yaml:"spill_dir"`   // Directory for spill logs ("none" = memory only)
	SpillBatch int    `yaml:"spill_batch"` // Samples per spill write
}

// spillDirectory returns the directory for spill logs, empty when samples
// are kept in memory only
func (c StorageConfig) spillDirectory() string {
	if c.SpillDir == memoryOnlySpillDir {
		return ""
	}
	return c.SpillDir
}

// ImportConfig limits session imports
type ImportConfig struct {
	MaxMB int `yaml:"max_mb"` // Largest decompressed import accepted
}

// WebSocketConfig contains live chart streaming settings
type WebSocketConfig struct {
	RefreshMs   int  `yaml:"refresh_ms"`  // Push interval for subscribed windows
	Compression bool `yaml:"compression"` // zstd-compress chart packets
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled     bool              `yaml:"enabled"`     // Enable/disable the /metrics endpoint
	Pushgateway PushgatewayConfig `yaml:"pushgateway"` // Pushgateway configuration
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`  // Enable/disable pushing to Pushgateway
	URL      string `yaml:"url"`      // Pushgateway URL (e.g., http://pushgateway:9091)
	Job      string `yaml:"job"`      // Job name
	Instance string `yaml:"instance"` // Instance label and basic auth username
	Token    string `yaml:"token"`    // Basic auth password
	Interval int    `yaml:"interval"` // Push interval in seconds
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`          // Enable/disable MQTT publishing
	Broker          string        `yaml:"broker"`           // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username        string        `yaml:"username"`         // MQTT authentication username
	Password        string        `yaml:"password"`         // MQTT authentication password
	TopicPrefix     string        `yaml:"topic_prefix"`     // Topic prefix for all messages
	PublishInterval int           `yaml:"publish_interval"` // Status publishing interval in seconds
	StatsWindowSec  int           `yaml:"stats_window_sec"` // Length of the trailing window summarised in status messages
	QoS             byte          `yaml:"qos"`              // MQTT Quality of Service level (0, 1, or 2)
	Retain          bool          `yaml:"retain"`           // Retain flag for MQTT messages
	TLS             MQTTTLSConfig `yaml:"tls"`              // TLS/SSL settings
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`     // Enable/disable TLS
	CACert     string `yaml:"ca_cert"`     // Path to CA certificate file
	ClientCert string `yaml:"client_cert"` // Path to client certificate file (optional)
	ClientKey  string `yaml:"client_key"`  // Path to client key file (optional)
}

// MCPConfig contains Model Context Protocol server settings
type MCPConfig struct {
	Enabled bool `yaml:"enabled"` // Serve MCP tools on /mcp
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// applyDefaults fills in every setting left at its zero value
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8090"
	}

	if c.Device.Source == "" {
		c.Device.Source = "none"
	}
	if c.Device.BaudRate == 0 {
		c.Device.BaudRate = 115200
	}
	if c.Device.ReplayChunkBytes == 0 {
		c.Device.ReplayChunkBytes = 4096
	}
	if c.Device.ReplayIntervalMs == 0 {
		c.Device.ReplayIntervalMs = 10
	}
	if c.Device.ReconnectDelaySec == 0 {
		c.Device.ReconnectDelaySec = 5
	}
	if c.Device.FrameWidth == 0 {
		c.Device.FrameWidth = defaultFrameWidth
	}
	if c.Device.NativePeriodMicros == 0 {
		c.Device.NativePeriodMicros = 10 // 100 kHz
	}

	if c.Sampling.DefaultPeriodMicros == 0 {
		c.Sampling.DefaultPeriodMicros = c.Device.NativePeriodMicros
	}
	if c.Sampling.BufferSeconds == 0 {
		c.Sampling.BufferSeconds = 300
	}
	if c.Sampling.MaxBufferMB == 0 {
		c.Sampling.MaxBufferMB = 2048
	}

	if c.Decoder.QuarantineThreshold == 0 {
		c.Decoder.QuarantineThreshold = defaultQuarantineThreshold
	}

	c.SpikeFilter.applyDefaults()

	if c.Calibration.RegulatorMilliVolts == 0 {
		c.Calibration.RegulatorMilliVolts = defaultRegulatorMilliVolts
	}

	if c.Aggregator.MaxCachedBuckets == 0 {
		c.Aggregator.MaxCachedBuckets = defaultMaxCachedBuckets
	}
	if c.Aggregator.DefaultPoints == 0 {
		c.Aggregator.DefaultPoints = 1000
	}
	if c.Aggregator.MaxPoints == 0 {
		c.Aggregator.MaxPoints = 20000
	}
	if c.Aggregator.MinimapSize == 0 {
		c.Aggregator.MinimapSize = defaultMinimapSize
	}

	if c.Storage.SpillDir == "" {
		c.Storage.SpillDir = filepath.Join(os.TempDir(), "ppk_recorder")
	}
	if c.Storage.SpillBatch == 0 {
		c.Storage.SpillBatch = defaultSpillBatch
	}

	if c.Import.MaxMB == 0 {
		c.Import.MaxMB = 4096
	}

	if c.WebSocket.RefreshMs == 0 {
		c.WebSocket.RefreshMs = 30
	}

	if c.Prometheus.Pushgateway.Job == "" {
		c.Prometheus.Pushgateway.Job = "ppk_recorder"
	}
	if c.Prometheus.Pushgateway.Interval == 0 {
		c.Prometheus.Pushgateway.Interval = 60
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "ppk"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 10
	}
	if c.MQTT.StatsWindowSec == 0 {
		c.MQTT.StatsWindowSec = 10
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Device.Source {
	case "none":
	case "serial":
		if c.Device.Port == "" {
			return fmt.Errorf("device.port is required for the serial source")
		}
	case "replay":
		if c.Device.ReplayFile == "" {
			return fmt.Errorf("device.replay_file is required for the replay source")
		}
	default:
		return fmt.Errorf("device.source must be serial, replay or none (got %q)", c.Device.Source)
	}

	if c.Device.FrameWidth < minFrameWidth || c.Device.FrameWidth > maxFrameWidth {
		return fmt.Errorf("device.frame_width must be between %d and %d", minFrameWidth, maxFrameWidth)
	}
	if c.Device.NativePeriodMicros <= 0 {
		return fmt.Errorf("device.native_period_us must be positive")
	}
	if c.Sampling.DefaultPeriodMicros%c.Device.NativePeriodMicros != 0 {
		return fmt.Errorf("sampling.default_period_us must be a multiple of device.native_period_us")
	}

	if n := len(c.Calibration.Resistors); n != 0 && n != rangeCount {
		return fmt.Errorf("calibration.resistors needs %d values, got %d", rangeCount, n)
	}
	if n := len(c.Calibration.UserGains); n != 0 && n != rangeCount {
		return fmt.Errorf("calibration.user_gains needs %d values, got %d", rangeCount, n)
	}

	if c.SpikeFilter.Alpha <= 0 || c.SpikeFilter.Alpha > 1 || c.SpikeFilter.Alpha5 <= 0 || c.SpikeFilter.Alpha5 > 1 {
		return fmt.Errorf("spike_filter alphas must be in (0, 1]")
	}

	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	return nil
}

// InitialCalibration builds the calibration state from the nominal values
// and the configured overrides
func (c *Config) InitialCalibration() CalibrationState {
	cal := DefaultCalibration()
	if len(c.Calibration.Resistors) == rangeCount {
		copy(cal.Resistors[:], c.Calibration.Resistors)
	}
	if len(c.Calibration.UserGains) == rangeCount {
		copy(cal.UserGains[:], c.Calibration.UserGains)
	}
	cal.RegulatorMilliVolts = c.Calibration.RegulatorMilliVolts
	cal.ClampNegative = c.Calibration.ClampNegative
	return cal
}

// DefaultConfig returns a configuration with every default applied, used
// when running without a config file
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}
