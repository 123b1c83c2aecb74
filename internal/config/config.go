package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PACKLOCK_"

// Config represents the complete application configuration
type Config struct {
	Gateway     GatewayConfig     `yaml:"gateway"`
	Client      ClientConfig      `yaml:"client"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Poller      PollerConfig      `yaml:"poller"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Store       StoreConfig       `yaml:"store"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// GatewayConfig contains reference gateway settings. Durations are seconds.
type GatewayConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     int      `yaml:"read_timeout"`
	IdleTimeout     int      `yaml:"idle_timeout"`
	ShutdownTimeout int      `yaml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins"`

	LeaseTTL        int `yaml:"lease_ttl"`
	RequestTTL      int `yaml:"request_ttl"`
	ReservationTTL  int `yaml:"reservation_ttl"`
	CleanupInterval int `yaml:"cleanup_interval"`

	StreamHeartbeatInterval int `yaml:"stream_heartbeat_interval"`
	StreamBufferSize        int `yaml:"stream_buffer_size"`
}

// ClientConfig identifies the local session and the gateway it talks to
type ClientConfig struct {
	GatewayURL string `yaml:"gateway_url"`
	ResourceID string `yaml:"resource_id"`
	OwnerID    string `yaml:"owner_id"`
	OwnerLabel string `yaml:"owner_label"`
	TabID      string `yaml:"tab_id"`
	TimeoutMs  int    `yaml:"timeout_ms"`
	QueueSize  int    `yaml:"event_queue_size"`
}

// HeartbeatConfig contains lease renewal settings
type HeartbeatConfig struct {
	Interval         int `yaml:"interval"`
	TimeoutMs        int `yaml:"timeout_ms"`
	FailureThreshold int `yaml:"failure_threshold"`
}

// PollerConfig contains background sync settings
type PollerConfig struct {
	RequestIntervalMs int  `yaml:"request_interval_ms"`
	StatusInterval    int  `yaml:"status_interval"`
	UseStream         bool `yaml:"use_stream"`
}

// DiagnosticsConfig contains recorder and local server settings
type DiagnosticsConfig struct {
	Capacity  int    `yaml:"capacity"`
	Addr      string `yaml:"addr"`
	ExportDir string `yaml:"export_dir"`
}

// StoreConfig selects the gateway lease store
type StoreConfig struct {
	Backend       string `yaml:"backend"`
	DataDir       string `yaml:"data_dir"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	IncludeTrace  bool              `yaml:"include_trace"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	Insecure      bool              `yaml:"insecure"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Addr:                    ":8080",
			ReadTimeout:             5,
			IdleTimeout:             120,
			ShutdownTimeout:         10,
			AllowedOrigins:          []string{"*"},
			LeaseTTL:                300,
			RequestTTL:              120,
			ReservationTTL:          30,
			CleanupInterval:         15,
			StreamHeartbeatInterval: 20,
			StreamBufferSize:        32,
		},
		Client: ClientConfig{
			GatewayURL: "http://localhost:8080/api/lock",
			OwnerID:    "anonymous",
			TimeoutMs:  15000,
			QueueSize:  256,
		},
		Heartbeat: HeartbeatConfig{
			Interval:         90,
			TimeoutMs:        15000,
			FailureThreshold: 2,
		},
		Poller: PollerConfig{
			RequestIntervalMs: 5000,
			StatusInterval:    30,
			UseStream:         true,
		},
		Diagnostics: DiagnosticsConfig{
			Capacity:  500,
			ExportDir: ".",
		},
		Store: StoreConfig{
			Backend:   "memory",
			DataDir:   "./data",
			RedisAddr: "localhost:6379",
			KeyPrefix: "packlock:",
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			IncludeTrace:  true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "packlock",
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file on top of the defaults
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// Overrides are command line values. Empty fields leave the config alone.
type Overrides struct {
	GatewayURL string
	ResourceID string
	OwnerID    string
	OwnerLabel string
	TabID      string
	ListenAddr string
	DataDir    string
	LogLevel   string
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, flags Overrides) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	// Flags have the highest priority
	if flags.DataDir != "" {
		absDataDir, err := filepath.Abs(flags.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Store.DataDir = absDataDir
	}
	setIf(&config.Client.GatewayURL, flags.GatewayURL)
	setIf(&config.Client.ResourceID, flags.ResourceID)
	setIf(&config.Client.OwnerID, flags.OwnerID)
	setIf(&config.Client.OwnerLabel, flags.OwnerLabel)
	setIf(&config.Client.TabID, flags.TabID)
	setIf(&config.Gateway.Addr, flags.ListenAddr)
	setIf(&config.Logging.Level, flags.LogLevel)

	return config, nil
}

func setIf(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			*dst = val
		} else {
			log.Warn().Str("variable", EnvPrefix+name).Str("value", v).Msg("Ignoring non-integer override")
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if val, err := strconv.ParseBool(v); err == nil {
			*dst = val
		}
	}
}

// applyEnvOverrides applies PACKLOCK_* environment variables
func applyEnvOverrides(config *Config) {
	envString("GATEWAY_ADDR", &config.Gateway.Addr)
	envInt("GATEWAY_LEASE_TTL", &config.Gateway.LeaseTTL)
	envInt("GATEWAY_REQUEST_TTL", &config.Gateway.RequestTTL)
	envInt("GATEWAY_RESERVATION_TTL", &config.Gateway.ReservationTTL)
	if origins := os.Getenv(EnvPrefix + "GATEWAY_ALLOWED_ORIGINS"); origins != "" {
		config.Gateway.AllowedOrigins = strings.Split(origins, ",")
	}

	envString("CLIENT_GATEWAY_URL", &config.Client.GatewayURL)
	envString("CLIENT_RESOURCE_ID", &config.Client.ResourceID)
	envString("CLIENT_OWNER_ID", &config.Client.OwnerID)
	envString("CLIENT_OWNER_LABEL", &config.Client.OwnerLabel)
	envString("CLIENT_TAB_ID", &config.Client.TabID)
	envInt("CLIENT_TIMEOUT_MS", &config.Client.TimeoutMs)

	envInt("HEARTBEAT_INTERVAL", &config.Heartbeat.Interval)
	envInt("HEARTBEAT_FAILURE_THRESHOLD", &config.Heartbeat.FailureThreshold)

	envBool("POLLER_USE_STREAM", &config.Poller.UseStream)

	envString("DIAGNOSTICS_ADDR", &config.Diagnostics.Addr)
	envInt("DIAGNOSTICS_CAPACITY", &config.Diagnostics.Capacity)

	envString("STORE_BACKEND", &config.Store.Backend)
	envString("STORE_DATA_DIR", &config.Store.DataDir)
	envString("STORE_REDIS_ADDR", &config.Store.RedisAddr)
	envString("STORE_REDIS_PASSWORD", &config.Store.RedisPassword)
	envInt("STORE_REDIS_DB", &config.Store.RedisDB)

	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)

	envBool("TELEMETRY_ENABLED", &config.Telemetry.Enabled)
	envString("TELEMETRY_ENDPOINT", &config.Telemetry.Endpoint)

	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
}
