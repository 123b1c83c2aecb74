package config

import (
	"time"

	"github.com/nkkko/packlock/internal/app"
	"github.com/nkkko/packlock/internal/coordinator"
	"github.com/nkkko/packlock/internal/events"
	"github.com/nkkko/packlock/internal/gateway"
	"github.com/nkkko/packlock/internal/gateway/store"
	"github.com/nkkko/packlock/internal/heartbeat"
	"github.com/nkkko/packlock/internal/logging"
	"github.com/nkkko/packlock/internal/telemetry"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// ToStoreConfig converts to lease store config
func (c *Config) ToStoreConfig() store.Config {
	return store.Config{
		Backend:       c.Store.Backend,
		DataDir:       c.Store.DataDir,
		RedisAddr:     c.Store.RedisAddr,
		RedisPassword: c.Store.RedisPassword,
		RedisDB:       c.Store.RedisDB,
		KeyPrefix:     c.Store.KeyPrefix,
	}
}

// ToArbiterConfig converts to arbiter config
func (c *Config) ToArbiterConfig() gateway.Config {
	return gateway.Config{
		LeaseTTL:        seconds(c.Gateway.LeaseTTL),
		RequestTTL:      seconds(c.Gateway.RequestTTL),
		ReservationTTL:  seconds(c.Gateway.ReservationTTL),
		CleanupInterval: seconds(c.Gateway.CleanupInterval),
	}
}

// ToGatewayConfig converts to gateway server config
func (c *Config) ToGatewayConfig() gateway.ServerConfig {
	return gateway.ServerConfig{
		Addr:            c.Gateway.Addr,
		ReadTimeout:     seconds(c.Gateway.ReadTimeout),
		IdleTimeout:     seconds(c.Gateway.IdleTimeout),
		ShutdownTimeout: seconds(c.Gateway.ShutdownTimeout),
		API: gateway.APIConfig{
			ServiceName:    c.Telemetry.ServiceName + "-gateway",
			AllowedOrigins: c.Gateway.AllowedOrigins,
			ExposeMetrics:  c.Metrics.Enabled,
		},
		Arbiter: c.ToArbiterConfig(),
		Hub: gateway.HubConfig{
			HeartbeatInterval: seconds(c.Gateway.StreamHeartbeatInterval),
			SendBufferSize:    c.Gateway.StreamBufferSize,
		},
		Store: c.ToStoreConfig(),
	}
}

// ToHeartbeatConfig converts to heartbeat scheduler config
func (c *Config) ToHeartbeatConfig() heartbeat.Config {
	return heartbeat.Config{
		Interval:         seconds(c.Heartbeat.Interval),
		Timeout:          millis(c.Heartbeat.TimeoutMs),
		FailureThreshold: c.Heartbeat.FailureThreshold,
	}
}

// ToPollerConfig converts to poller config
func (c *Config) ToPollerConfig() coordinator.PollerConfig {
	return coordinator.PollerConfig{
		RequestInterval: millis(c.Poller.RequestIntervalMs),
		StatusInterval:  seconds(c.Poller.StatusInterval),
		UseStream:       c.Poller.UseStream,
	}
}

// ToAppConfig converts to client application config
func (c *Config) ToAppConfig() app.Config {
	return app.Config{
		GatewayURL:          c.Client.GatewayURL,
		ResourceID:          c.Client.ResourceID,
		OwnerID:             c.Client.OwnerID,
		OwnerLabel:          c.Client.OwnerLabel,
		TabID:               c.Client.TabID,
		Timeout:             millis(c.Client.TimeoutMs),
		Heartbeat:           c.ToHeartbeatConfig(),
		Poller:              c.ToPollerConfig(),
		Bus:                 events.Config{QueueSize: c.Client.QueueSize},
		DiagnosticsCapacity: c.Diagnostics.Capacity,
		DiagnosticsAddr:     c.Diagnostics.Addr,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	var level logging.LogLevel
	switch c.Logging.Level {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	default:
		level = logging.LevelInfo
	}

	format := logging.FormatJSON
	if c.Logging.Format == "console" {
		format = logging.FormatConsole
	}

	return logging.Config{
		Level:               level,
		Format:              format,
		IncludeCaller:       c.Logging.IncludeCaller,
		IncludeStacktrace:   true,
		IncludeTraceContext: c.Logging.IncludeTrace,
		GlobalFields:        c.Logging.GlobalFields,
	}
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		Insecure:      c.Telemetry.Insecure,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
	}
}
