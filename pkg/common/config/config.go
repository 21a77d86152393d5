// Package config loads the collab-server configuration from a YAML file
// with COLLAB_-prefixed environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/designmesh/collab/pkg/common/cache"
)

// APIConfig defines the API server configuration
type APIConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	// AllowedOrigins restricts websocket upgrades; empty allows same-origin only
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig defines the review store connection
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CollaborationConfig tunes the per-document coordinators
type CollaborationConfig struct {
	// RequestTimeout bounds Join/Leave/SendEvent calls into a coordinator
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// SessionTimeout is the inactivity threshold for the sweep
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	// SweepInterval is how often inactive sessions are swept
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// OutboundQueueSize is the per-session event buffer
	OutboundQueueSize int `mapstructure:"outbound_queue_size"`
	// EditSendTimeout is how long an edit broadcast waits on a full
	// recipient queue before the recipient is disconnected
	EditSendTimeout time.Duration `mapstructure:"edit_send_timeout"`
}

// WebSocketConfig holds transport gateway settings
type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	// RateLimit is inbound messages per second per connection
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// LoggingConfig holds the logging configuration
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Config holds the complete application configuration
type Config struct {
	Environment   string              `mapstructure:"environment"`
	API           APIConfig           `mapstructure:"api"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Cache         cache.RedisConfig   `mapstructure:"cache"`
	Collaboration CollaborationConfig `mapstructure:"collaboration"`
	WebSocket     WebSocketConfig     `mapstructure:"websocket"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	configFile := os.Getenv("COLLAB_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/collab-server.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Common Docker environment aliases
	_ = v.BindEnv("cache.address", "REDIS_ADDR")
	_ = v.BindEnv("database.dsn", "DATABASE_URL")

	if err := v.ReadInConfig(); err != nil {
		// Config file is not required if environment variables are set
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	// API defaults
	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	// Cache defaults
	v.SetDefault("cache.address", "localhost:6379")
	v.SetDefault("cache.database", 0)
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.dial_timeout", 5*time.Second)
	v.SetDefault("cache.read_timeout", 3*time.Second)
	v.SetDefault("cache.write_timeout", 3*time.Second)
	v.SetDefault("cache.pool_size", 10)

	// Collaboration defaults
	v.SetDefault("collaboration.request_timeout", 5*time.Second)
	v.SetDefault("collaboration.session_timeout", 30*time.Minute)
	v.SetDefault("collaboration.sweep_interval", time.Minute)
	v.SetDefault("collaboration.outbound_queue_size", 64)
	v.SetDefault("collaboration.edit_send_timeout", time.Second)

	// WebSocket defaults
	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.write_timeout", 10*time.Second)
	v.SetDefault("websocket.max_message_size", int64(512*1024))
	v.SetDefault("websocket.rate_limit", 1000.0/60.0)
	v.SetDefault("websocket.rate_burst", 100)

	// Logging defaults
	v.SetDefault("logging.level", "INFO")
}
