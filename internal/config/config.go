// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"comm-service/internal/protocol"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig           `mapstructure:"server"`
	Security  SecurityConfig         `mapstructure:"security"`
	Logging   LoggingConfig          `mapstructure:"logging"`
	App       AppConfig              `mapstructure:"app"`
	Metrics   MetricsConfig          `mapstructure:"metrics"`
	Events    EventsConfig           `mapstructure:"events"`
	Journal   JournalConfig          `mapstructure:"journal"`
	Discovery DiscoveryConfig        `mapstructure:"discovery"`
	Adapters  []AdapterConfig        `mapstructure:"adapters"`
	Defaults  map[string]interface{} `mapstructure:"defaults"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// EventsConfig sizes the in-process event bus
type EventsConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// JournalConfig controls the connection-event journal
type JournalConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	Retention       time.Duration  `mapstructure:"retention"`
	CleanupInterval time.Duration  `mapstructure:"cleanup_interval"`
	Database        DatabaseConfig `mapstructure:"database"`
}

// DiscoveryConfig controls endpoint scanning
type DiscoveryConfig struct {
	SerialEnabled bool          `mapstructure:"serial_enabled"`
	TCPTargets    []string      `mapstructure:"tcp_targets"`
	TCPTimeout    time.Duration `mapstructure:"tcp_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"dbname"`
	SSLMode      string        `mapstructure:"sslmode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
}

// AdapterConfig declares an adapter created at startup
type AdapterConfig struct {
	Name        string                 `mapstructure:"name"`
	Type        string                 `mapstructure:"type"`
	AutoConnect bool                   `mapstructure:"auto_connect"`
	Config      map[string]interface{} `mapstructure:"config"`
}

// Load loads config.yaml from the working directory or ./config, plus COMM_SERVICE_* environment overrides
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/comm-service")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return decode(v)
}

// LoadFrom loads configuration from an explicit file
func LoadFrom(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()

	// Environment variable support
	v.SetEnvPrefix("COMM_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8084")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("security.allowed_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// App defaults
	v.SetDefault("app.name", "comm-service")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("events.capacity", 1000)

	// Journal defaults
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.retention", "168h")
	v.SetDefault("journal.cleanup_interval", "1h")
	v.SetDefault("journal.database.host", "localhost")
	v.SetDefault("journal.database.port", 5432)
	v.SetDefault("journal.database.user", "postgres")
	v.SetDefault("journal.database.password", "postgres")
	v.SetDefault("journal.database.dbname", "comm_service")
	v.SetDefault("journal.database.sslmode", "disable")
	v.SetDefault("journal.database.max_open_conns", 10)
	v.SetDefault("journal.database.max_idle_conns", 2)
	v.SetDefault("journal.database.max_lifetime", "5m")

	v.SetDefault("discovery.serial_enabled", true)
	v.SetDefault("discovery.tcp_targets", []string{})
	v.SetDefault("discovery.tcp_timeout", "3s")

	// Adapter defaults merged under every adapter config
	v.SetDefault("defaults", map[string]interface{}{
		protocol.KeyTimeout:             10,
		protocol.KeyMaxRetry:            3,
		protocol.KeyRetryInterval:       0.5,
		protocol.KeyQueueCapacity:       1000,
		protocol.KeyHealthCheckInterval: 30,
		protocol.KeyReconnectInterval:   5,
	})
}

// validate validates the configuration
func validate(config *Config) error {
	// Basic validation
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}

	// Validate environment
	validEnvs := []string{"development", "staging", "production", "test"}
	if !contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	if config.Journal.Enabled {
		if config.Journal.Database.Host == "" {
			return fmt.Errorf("journal.database.host is required when the journal is enabled")
		}
		if config.Journal.Retention <= 0 {
			return fmt.Errorf("journal.retention must be positive")
		}
	}

	seen := make(map[string]bool, len(config.Adapters))
	defaults := protocol.Config(config.Defaults)
	for i, a := range config.Adapters {
		if a.Name == "" {
			return fmt.Errorf("adapters[%d].name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("adapters[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true

		protocolType, err := protocol.ParseProtocolType(a.Type)
		if err != nil {
			return fmt.Errorf("adapters[%d] (%s): %w", i, a.Name, err)
		}
		if err := protocol.ValidateConfig(protocolType, protocol.Config(a.Config).Merge(defaults)); err != nil {
			return fmt.Errorf("adapters[%d] (%s): %w", i, a.Name, err)
		}
	}

	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// AdapterDefaults returns the cross-cutting adapter defaults
func (c *Config) AdapterDefaults() protocol.Config {
	return protocol.Config(c.Defaults).Clone()
}

// GetDatabaseDSN returns the journal database connection string
func (c *Config) GetDatabaseDSN() string {
	db := c.Journal.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.User, db.Password, db.DBName, db.SSLMode)
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
