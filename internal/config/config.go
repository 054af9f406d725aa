// Package config provides configuration management for the polling agent.
// It supports environment variables, an optional config file, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all ambient configuration for the agent: control-plane
// endpoints, HTTP/buffer tuning, and local bootstrap options. The active
// polling configuration itself (devices/groups/registers) is not part of
// this struct — it arrives dynamically via the Config Watcher (spec.md
// §4.7) or, for local testing, the bootstrap YAML file loaded by
// LoadBootstrapDevices.
type Config struct {
	// RegistrationToken identifies this agent to the control plane. Set via
	// the --token CLI flag (spec.md §6), not a config key, but carried here
	// so a single struct flows through main.go.
	RegistrationToken string `mapstructure:"-"`

	// Endpoints
	AuthURL         string `mapstructure:"auth_url"`
	WebSocketURL    string `mapstructure:"websocket_url"`
	ConfigURL       string `mapstructure:"config_url"`
	IngestURL       string `mapstructure:"ingest_url"`
	AgentStatusURL  string `mapstructure:"agent_status_url"`
	AgentStatusKey  string `mapstructure:"agent_status_api_key"`

	// HTTP server (local health/metrics endpoint)
	HTTP HTTPConfig `mapstructure:"http"`

	// Buffer tuning: the Historical Buffer cap and the disk-backed buffer's
	// directory. The tuning knobs carried by a control-plane PollingConfig
	// (full refresh interval, batch window, historical batch interval) are
	// not applied to the running transmitter or uploader; those always use
	// the built-in defaults.
	Buffers BufferConfig `mapstructure:"buffers"`

	// Pool holds Modbus connection pool housekeeping intervals.
	Pool PoolConfig `mapstructure:"pool"`

	// ControlChannel holds control channel timing knobs.
	ControlChannel ControlChannelConfig `mapstructure:"control_channel"`

	// BootstrapDevicesPath, if set, loads a local PollingConfig from YAML
	// instead of waiting on the first Config Watcher pull — useful for
	// local testing without a live control plane.
	BootstrapDevicesPath string `mapstructure:"bootstrap_devices_path"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPConfig holds the local HTTP server configuration (health + metrics).
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// BufferConfig holds the in-memory/disk buffer tuning knobs.
type BufferConfig struct {
	HistoricalCap int    `mapstructure:"historical_cap"`
	OfflineDir    string `mapstructure:"offline_dir"`
}

// PoolConfig holds the Modbus connection pool's housekeeping intervals.
type PoolConfig struct {
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// ControlChannelConfig holds the control channel's timing knobs (spec.md
// §4.6); zero values fall back to controlchannel.DefaultConfig()'s values.
type ControlChannelConfig struct {
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
	JWTRefreshMinutes   int `mapstructure:"jwt_refresh_minutes"`
	ReconnectDelayMs    int `mapstructure:"reconnect_delay_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// Load loads configuration from an optional config file and environment
// variables. token is the --token CLI flag value (spec.md §6); it is not a
// config-file/env concern since it is a one-time secret, not a tunable.
func Load(token string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/modbus-agent")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("MODBUS_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.RegistrationToken = token

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("auth_url", "https://control.example.com/api/agent/auth")
	v.SetDefault("websocket_url", "wss://control.example.com/api/agent/ws")
	v.SetDefault("config_url", "https://control.example.com/api/agent/config")
	v.SetDefault("ingest_url", "https://control.example.com/api/agent/ingest")
	v.SetDefault("agent_status_url", "https://control.example.com/rest/v1/agents")
	v.SetDefault("agent_status_api_key", "")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("buffers.historical_cap", 10000)
	v.SetDefault("buffers.offline_dir", "./data")

	v.SetDefault("pool.idle_timeout", 5*time.Minute)
	v.SetDefault("pool.health_check_period", 30*time.Second)

	v.SetDefault("control_channel.heartbeat_interval_ms", 30000)
	v.SetDefault("control_channel.jwt_refresh_minutes", 55)
	v.SetDefault("control_channel.reconnect_delay_ms", 5000)

	v.SetDefault("bootstrap_devices_path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("auth_url", "MODBUS_AGENT_AUTH_URL")
	_ = v.BindEnv("websocket_url", "MODBUS_AGENT_WEBSOCKET_URL")
	_ = v.BindEnv("config_url", "MODBUS_AGENT_CONFIG_URL")
	_ = v.BindEnv("ingest_url", "MODBUS_AGENT_INGEST_URL")
	_ = v.BindEnv("agent_status_url", "MODBUS_AGENT_AGENT_STATUS_URL")
	_ = v.BindEnv("agent_status_api_key", "MODBUS_AGENT_AGENT_STATUS_API_KEY")
	_ = v.BindEnv("http.port", "MODBUS_AGENT_HTTP_PORT")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks the configuration for startup-fatal problems (spec.md §6:
// "exit non-zero only on startup-unrecoverable errors").
func (c *Config) Validate() error {
	if c.RegistrationToken == "" {
		return fmt.Errorf("registration token is required (--token)")
	}
	if c.AuthURL == "" || c.WebSocketURL == "" || c.ConfigURL == "" || c.IngestURL == "" {
		return fmt.Errorf("control-plane endpoints must all be set")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	return nil
}
