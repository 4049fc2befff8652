package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the meter simulator.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Meter     MeterConfig     `yaml:"meter"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// MeterConfig contains the simulated meter's identity, topics and cadence.
type MeterConfig struct {
	// ID identifies the meter in logs, telemetry tags and status payloads.
	ID string `yaml:"id"`

	// DataTopic receives retained reading publications.
	DataTopic string `yaml:"data_topic"`

	// ControlTopic carries "Connect" / "Disconnect" commands.
	ControlTopic string `yaml:"control_topic"`

	// StatusTopic receives retained online/offline status and the Last Will.
	// Empty disables status publishing.
	StatusTopic string `yaml:"status_topic"`

	// PublishIntervalMs is the publish cadence in milliseconds.
	// Default: 5000
	PublishIntervalMs int `yaml:"publish_interval_ms"`

	// ResumeOnReconnect clears a freeze caused by a failed publish once the
	// transport has reconnected or the frozen value has been published.
	// Operator-triggered freezes are never cleared.
	// Default: false
	ResumeOnReconnect bool `yaml:"resume_on_reconnect"`

	// PublishInitialReading publishes the starting reading (0 on a fresh
	// start) before the first tick, as the original deployment did.
	// Default: false
	PublishInitialReading bool `yaml:"publish_initial_reading"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker       MQTTBrokerConfig     `yaml:"broker"`
	Auth         MQTTAuthConfig       `yaml:"auth"`
	QoS          int                  `yaml:"qos"`
	CleanSession bool                 `yaml:"clean_session"`
	Reconnect    MQTTReconnectConfig  `yaml:"reconnect"`
	Embedded     EmbeddedBrokerConfig `yaml:"embedded"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	CAFile   string `yaml:"ca_file"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains transport recovery settings.
type MQTTReconnectConfig struct {
	// DelayMs is the fixed wait between reconnection attempts.
	// Default: 5000
	DelayMs int `yaml:"delay_ms"`
}

// EmbeddedBrokerConfig configures the in-process development broker.
type EmbeddedBrokerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// DatabaseConfig contains SQLite reading journal settings.
type DatabaseConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	WALMode       bool   `yaml:"wal_mode"`
	BusyTimeout   int    `yaml:"busy_timeout"`
	RetentionDays int    `yaml:"retention_days"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled      bool             `yaml:"enabled"`
	Host         string           `yaml:"host"`
	Port         int              `yaml:"port"`
	AuthRequired bool             `yaml:"auth_required"`
	Timeouts     APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT verification settings for the control endpoint.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern METERSIM_SECTION_KEY, for example
// METERSIM_MQTT_HOST. The variable names used by the original deployment
// (HIVE_URL, HIVE_PORT, HIVE_USER, HIVE_PASS, TOPIC, CNTR_TOPIC) are honoured
// when the METERSIM_ equivalent is unset.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Meter: MeterConfig{
			ID:                "meter-001",
			PublishIntervalMs: 5000,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				DelayMs: 5000,
			},
			Embedded: EmbeddedBrokerConfig{
				Host: "127.0.0.1",
				Port: 1883,
			},
		},
		Database: DatabaseConfig{
			Path:          "./data/metersim.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 30,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Meter
	if v := envOr("METERSIM_METER_DATA_TOPIC", "TOPIC"); v != "" {
		cfg.Meter.DataTopic = v
	}
	if v := envOr("METERSIM_METER_CONTROL_TOPIC", "CNTR_TOPIC"); v != "" {
		cfg.Meter.ControlTopic = v
	}

	// MQTT
	if v := envOr("METERSIM_MQTT_HOST", "HIVE_URL"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := envOr("METERSIM_MQTT_PORT", "HIVE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := envOr("METERSIM_MQTT_USERNAME", "HIVE_USER"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := envOr("METERSIM_MQTT_PASSWORD", "HIVE_PASS"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Database
	if v := os.Getenv("METERSIM_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("METERSIM_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("METERSIM_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// envOr returns the first non-empty value among the named variables.
func envOr(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Meter validation
	if c.Meter.ID == "" {
		errs = append(errs, "meter.id is required")
	}
	if c.Meter.DataTopic == "" {
		errs = append(errs, "meter.data_topic is required (set METERSIM_METER_DATA_TOPIC)")
	} else if hasWildcard(c.Meter.DataTopic) {
		errs = append(errs, "meter.data_topic must not contain MQTT wildcards")
	}
	if c.Meter.ControlTopic == "" {
		errs = append(errs, "meter.control_topic is required (set METERSIM_METER_CONTROL_TOPIC)")
	} else if hasWildcard(c.Meter.ControlTopic) {
		errs = append(errs, "meter.control_topic must not contain MQTT wildcards")
	}
	if c.Meter.DataTopic != "" && c.Meter.DataTopic == c.Meter.ControlTopic {
		errs = append(errs, "meter.data_topic and meter.control_topic must differ")
	}
	if c.Meter.PublishIntervalMs <= 0 {
		errs = append(errs, "meter.publish_interval_ms must be positive")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" && !c.MQTT.Embedded.Enabled {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Reconnect.DelayMs <= 0 {
		errs = append(errs, "mqtt.reconnect.delay_ms must be positive")
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the journal is enabled")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// API validation
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// The control endpoint can freeze the meter, so bearer tokens must be
		// signed with a secret that cannot be brute forced.
		const minJWTSecretLength = 32
		if c.API.AuthRequired {
			if c.Security.JWT.Secret == "" {
				errs = append(errs, "security.jwt.secret is required when api.auth_required is set (set METERSIM_JWT_SECRET)")
			} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
				errs = append(errs, "security.jwt.secret must be at least 32 characters")
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// hasWildcard reports whether an MQTT topic contains a subscription wildcard.
func hasWildcard(topic string) bool {
	return strings.ContainsAny(topic, "+#")
}

// PublishInterval returns the meter publish cadence as a Duration.
func (c *Config) PublishInterval() time.Duration {
	return time.Duration(c.Meter.PublishIntervalMs) * time.Millisecond
}

// ReconnectDelay returns the fixed wait between reconnection attempts.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.MQTT.Reconnect.DelayMs) * time.Millisecond
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
