package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of config.yaml.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Devices   DevicesConfig   `yaml:"devices"`
}

// SiteConfig identifies this installation; ID scopes MQTT topics.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig locates the SQLite catalog. BusyTimeout is in seconds.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig delays are in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig is the status HTTP listener.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig values are whole seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig tunes the /ws stream. Intervals are seconds.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig enables status history. FlushInterval is seconds.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DevicesConfig groups the settings of the two field-device protocols.
type DevicesConfig struct {
	Sensor SensorConfig `yaml:"sensor"`
	Gate   GateConfig   `yaml:"gate"`
}

// RetryConfig bounds how often a failed command write is repeated.
type RetryConfig struct {
	// MaxCount is the total number of write attempts per command.
	MaxCount int `yaml:"max_count"`

	// Delay is the fixed pause between attempts.
	Delay time.Duration `yaml:"delay"`
}

// SensorConfig contains parking-space sensor protocol settings.
type SensorConfig struct {
	Enabled bool `yaml:"enabled"`

	// Port is the TCP port sensors listen on when the catalog has none.
	Port int `yaml:"port"`

	// StaleThreshold is the maximum age of a device-reported timestamp
	// before the sensor is treated as disconnected.
	StaleThreshold time.Duration `yaml:"stale_threshold"`

	// PollInterval is how often the sensor sweep runs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	Retry RetryConfig `yaml:"retry"`
}

// GateConfig contains parking-fee gate controller protocol settings.
type GateConfig struct {
	Enabled bool `yaml:"enabled"`

	// Port is the TCP port gate controllers listen on when the catalog has none.
	Port int `yaml:"port"`

	// Heartbeat is the controller's heartbeat period.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// IdleMargin is added to Heartbeat to form the idle timeout.
	IdleMargin time.Duration `yaml:"idle_margin"`

	// SweepInterval is how often the reconnection sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// ImageBaseURL is prefixed to LPR image folder/file fields.
	ImageBaseURL string `yaml:"image_base_url"`

	Retry RetryConfig `yaml:"retry"`
}

// IdleTimeout returns the gate idle timeout (heartbeat window plus margin).
func (g GateConfig) IdleTimeout() time.Duration {
	return g.Heartbeat + g.IdleMargin
}

// Load reads path, overlays PARKLINK_* environment variables (for example
// PARKLINK_DATABASE_PATH or PARKLINK_MQTT_HOST) and validates the result.
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

func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "parklink",
		},
		Database: DatabaseConfig{
			Path:        "./data/parklink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "parklink-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
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
		Devices: DevicesConfig{
			Sensor: SensorConfig{
				Enabled:        true,
				Port:           9000,
				StaleThreshold: 3 * time.Hour,
				PollInterval:   time.Minute,
				ConnectTimeout: 10 * time.Second,
				Retry:          RetryConfig{MaxCount: 3, Delay: time.Second},
			},
			Gate: GateConfig{
				Enabled:       true,
				Port:          5000,
				Heartbeat:     30 * time.Second,
				IdleMargin:    10 * time.Second,
				SweepInterval: 30 * time.Second,
				Retry:         RetryConfig{MaxCount: 3, Delay: time.Second},
			},
		},
	}
}

// applyEnvOverrides copies set PARKLINK_* variables over file values.
func applyEnvOverrides(cfg *Config) {
	overrides := map[string]*string{
		"PARKLINK_DATABASE_PATH":       &cfg.Database.Path,
		"PARKLINK_MQTT_HOST":           &cfg.MQTT.Broker.Host,
		"PARKLINK_MQTT_USERNAME":       &cfg.MQTT.Auth.Username,
		"PARKLINK_MQTT_PASSWORD":       &cfg.MQTT.Auth.Password,
		"PARKLINK_API_HOST":            &cfg.API.Host,
		"PARKLINK_INFLUXDB_TOKEN":      &cfg.InfluxDB.Token,
		"PARKLINK_GATE_IMAGE_BASE_URL": &cfg.Devices.Gate.ImageBaseURL,
	}
	for name, field := range overrides {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*field = v
		}
	}
}

// Validate reports every invalid field in one error. Checks for a device
// protocol are skipped when that protocol is disabled.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.WebSocket.PingInterval <= 0 {
		errs = append(errs, "websocket.ping_interval must be positive")
	}
	if c.WebSocket.PongTimeout <= 0 {
		errs = append(errs, "websocket.pong_timeout must be positive")
	}

	sensor := c.Devices.Sensor
	if sensor.Enabled {
		if sensor.StaleThreshold <= 0 {
			errs = append(errs, "devices.sensor.stale_threshold must be positive")
		}
		if sensor.PollInterval <= 0 {
			errs = append(errs, "devices.sensor.poll_interval must be positive")
		}
		if sensor.Retry.MaxCount < 1 {
			errs = append(errs, "devices.sensor.retry.max_count must be at least 1")
		}
	}

	gate := c.Devices.Gate
	if gate.Enabled {
		if gate.IdleTimeout() <= 0 {
			errs = append(errs, "devices.gate.heartbeat + idle_margin must be positive")
		}
		if gate.SweepInterval <= 0 {
			errs = append(errs, "devices.gate.sweep_interval must be positive")
		}
		if gate.Retry.MaxCount < 1 {
			errs = append(errs, "devices.gate.retry.max_count must be at least 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout, GetWriteTimeout and GetIdleTimeout convert the API
// timeouts, which are configured in whole seconds.
func (c *Config) GetReadTimeout() time.Duration { return seconds(c.API.Timeouts.Read) }
func (c *Config) GetWriteTimeout() time.Duration { return seconds(c.API.Timeouts.Write) }
func (c *Config) GetIdleTimeout() time.Duration { return seconds(c.API.Timeouts.Idle) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
