package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the external device manager.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Registry   RegistryConfig   `yaml:"registry"`
	Drivers    DriversConfig    `yaml:"drivers"`
	DriverHost DriverHostConfig `yaml:"driver_host"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Audit      AuditConfig      `yaml:"audit"`
}

// ServiceConfig identifies this manager instance.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
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

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
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

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// RegistryConfig tunes the device registry.
type RegistryConfig struct {
	// IdleUnloadDelaySeconds is how long the device count must stay at zero
	// before the service unloads itself. Zero disables idle unload.
	IdleUnloadDelaySeconds int `yaml:"idle_unload_delay_seconds"`
}

// DriversConfig locates driver package manifests.
type DriversConfig struct {
	// ManifestDir is scanned at startup for *.yaml driver manifests.
	// Empty means only the persisted catalogue is used.
	ManifestDir string `yaml:"manifest_dir"`
}

// DriverHostConfig describes how driver-hosting processes are launched.
type DriverHostConfig struct {
	// Binary is the executable started once per connected driver package.
	Binary string `yaml:"binary"`

	// Args are passed before the generated --package/--component flags.
	Args []string `yaml:"args"`

	// WorkDir is the working directory of hosted processes.
	WorkDir string `yaml:"work_dir"`

	// RestartOnFailure enables automatic restart of crashed hosts.
	RestartOnFailure bool `yaml:"restart_on_failure"`

	// RestartDelaySeconds is the initial backoff between restarts.
	RestartDelaySeconds int `yaml:"restart_delay_seconds"`

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`

	// StopTimeoutSeconds is how long a host gets to exit after SIGTERM.
	StopTimeoutSeconds int `yaml:"stop_timeout_seconds"`
}

// DiscoveryConfig controls where devices come from.
type DiscoveryConfig struct {
	// USBSysfsPath is the sysfs directory listing USB devices.
	USBSysfsPath string `yaml:"usb_sysfs_path"`

	// ScanOnStart registers every device found under USBSysfsPath at startup.
	ScanOnStart bool `yaml:"scan_on_start"`
}

// AuditConfig controls the lifecycle history.
type AuditConfig struct {
	// RetentionDays is how long lifecycle events are kept. 0 keeps them forever.
	RetentionDays int `yaml:"retention_days"`

	// QueueSize bounds events waiting to be written.
	QueueSize int `yaml:"queue_size"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: EXTDEV_SECTION_KEY
// For example: EXTDEV_DATABASE_PATH, EXTDEV_API_PORT
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
		Service: ServiceConfig{
			ID:   "extdev-001",
			Name: "External Device Manager",
		},
		Database: DatabaseConfig{
			Path:        "./data/extdev.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "extdevd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
		Registry: RegistryConfig{
			IdleUnloadDelaySeconds: 30,
		},
		DriverHost: DriverHostConfig{
			Binary:              "/usr/libexec/extdev/driver-host",
			RestartOnFailure:    true,
			RestartDelaySeconds: 1,
			MaxRestartAttempts:  5,
			StopTimeoutSeconds:  10,
		},
		Discovery: DiscoveryConfig{
			USBSysfsPath: "/sys/bus/usb/devices",
			ScanOnStart:  true,
		},
		Audit: AuditConfig{
			RetentionDays: 30,
			QueueSize:     256,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: EXTDEV_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EXTDEV_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("EXTDEV_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("EXTDEV_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("EXTDEV_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("EXTDEV_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("EXTDEV_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("EXTDEV_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("EXTDEV_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	if v := os.Getenv("EXTDEV_DRIVER_HOST_BINARY"); v != "" {
		cfg.DriverHost.Binary = v
	}
	if v := os.Getenv("EXTDEV_DRIVERS_MANIFEST_DIR"); v != "" {
		cfg.Drivers.ManifestDir = v
	}
	if v := os.Getenv("EXTDEV_DISCOVERY_USB_SYSFS_PATH"); v != "" {
		cfg.Discovery.USBSysfsPath = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// Mutating endpoints start and stop driver processes, so a
		// forgeable token is not acceptable.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when the API is enabled (set EXTDEV_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	if c.Registry.IdleUnloadDelaySeconds < 0 {
		errs = append(errs, "registry.idle_unload_delay_seconds must not be negative")
	}

	if c.DriverHost.Binary == "" {
		errs = append(errs, "driver_host.binary is required")
	}
	if c.DriverHost.MaxRestartAttempts < 0 {
		errs = append(errs, "driver_host.max_restart_attempts must not be negative")
	}

	if c.Discovery.ScanOnStart && c.Discovery.USBSysfsPath == "" {
		errs = append(errs, "discovery.usb_sysfs_path is required when discovery.scan_on_start is set")
	}

	if c.Audit.RetentionDays < 0 {
		errs = append(errs, "audit.retention_days must not be negative")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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

// AuditRetention returns how long lifecycle events are kept, zero for forever.
func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.Audit.RetentionDays) * 24 * time.Hour
}

// IdleUnloadDelay returns the registry idle-unload delay as a Duration.
func (c *Config) IdleUnloadDelay() time.Duration {
	return time.Duration(c.Registry.IdleUnloadDelaySeconds) * time.Second
}
