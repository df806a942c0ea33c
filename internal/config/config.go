// Package config loads the runtime configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/emergency"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/events"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/gateway"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/retry"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/txmanager"
)

// Config is the full runtime configuration.
type Config struct {
	Server      ServerConfig            `mapstructure:"server"`
	Database    DatabaseConfig          `mapstructure:"database"`
	Log         LogConfig               `mapstructure:"log"`
	Audit       AuditConfig             `mapstructure:"audit"`
	Transaction txmanager.Config        `mapstructure:"transaction"`
	Bus         events.Config           `mapstructure:"bus"`
	Kafka       events.KafkaConfig      `mapstructure:"kafka"`
	Emergency   emergency.Config        `mapstructure:"emergency"`
	Retry       retry.Policy            `mapstructure:"retry"`
	Broker      gateway.SimulatedConfig `mapstructure:"broker"`
}

// ServerConfig tunes the HTTP server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the storage backend. Driver is "sqlite" or
// "postgres".
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// LogConfig tunes logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AuditConfig tunes the audit log.
type AuditConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads configuration from the given file (optional), overlaid with
// QUANTUMLEAP_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("QUANTUMLEAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the rest of the system assumes.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Transaction.LockTimeout <= 0 {
		return fmt.Errorf("transaction.lock_timeout must be positive")
	}
	if c.Bus.Workers <= 0 {
		return fmt.Errorf("bus.workers must be positive")
	}
	if c.Emergency.MaxConcurrent <= 0 {
		return fmt.Errorf("emergency.max_concurrent must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "quantumleap.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("audit.path", "audit.log")

	txDefaults := txmanager.DefaultConfig()
	v.SetDefault("transaction.lock_timeout", txDefaults.LockTimeout)

	busDefaults := events.DefaultConfig()
	v.SetDefault("bus.workers", busDefaults.Workers)
	v.SetDefault("bus.queue_capacity", busDefaults.QueueCapacity)
	v.SetDefault("bus.history_size", busDefaults.HistorySize)

	kafkaDefaults := events.DefaultKafkaConfig()
	v.SetDefault("kafka.enabled", kafkaDefaults.Enabled)
	v.SetDefault("kafka.brokers", kafkaDefaults.Brokers)
	v.SetDefault("kafka.topic", kafkaDefaults.Topic)
	v.SetDefault("kafka.write_timeout", kafkaDefaults.WriteTimeout)

	stopDefaults := emergency.DefaultConfig()
	v.SetDefault("emergency.max_concurrent", stopDefaults.MaxConcurrent)
	v.SetDefault("emergency.op_timeout", stopDefaults.OpTimeout)
	v.SetDefault("emergency.close_positions", stopDefaults.ClosePositions)

	retryDefaults := retry.DefaultPolicy()
	v.SetDefault("retry.max_attempts", retryDefaults.MaxAttempts)
	v.SetDefault("retry.base_delay", retryDefaults.BaseDelay)
	v.SetDefault("retry.max_delay", retryDefaults.MaxDelay)
	v.SetDefault("retry.jitter_fraction", retryDefaults.JitterFraction)

	v.SetDefault("broker.latency", 0)
	v.SetDefault("broker.failure_rate", 0.0)
}
