// Package config loads the engine configuration from file and environment
// into explicit typed fields, validated once at startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type (
	StorageConfig struct {
		// Backend selects the update store: memory, sqlite, postgres, redis.
		Backend     string
		SQLitePath  string
		PostgresURL string
		RedisAddr   string
	}

	CollaborationConfig struct {
		// CleanupDelay is how long an empty room stays in memory. Nil means
		// rooms are kept forever.
		CleanupDelay *time.Duration
		// SaveDelay is the debounce between the last edit and the disk
		// write. Nil disables automatic saving.
		SaveDelay *time.Duration
		// PollInterval is the period between external-change checks on the
		// backing file. Zero disables polling.
		PollInterval time.Duration
		// AutoEvict disables idle eviction entirely when false, regardless
		// of CleanupDelay.
		AutoEvict bool
	}

	Config struct {
		ListenAddr      string
		LogLevel        string
		Disable         bool
		TeardownTimeout time.Duration
		Storage         StorageConfig
		Collaboration   CollaborationConfig
	}
)

// Load reads configuration with precedence defaults < file < environment.
// Delay knobs are seconds; a negative cleanup or save delay means "never".
func Load(fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.address", ":8866")
	v.SetDefault("server.loglevel", "info")
	v.SetDefault("server.disable", false)
	v.SetDefault("server.teardownTimeoutSeconds", 3.0)
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlitePath", ".jupyter_updates.db")
	v.SetDefault("storage.postgresUrl", "")
	v.SetDefault("storage.redisAddr", "")
	v.SetDefault("collaboration.cleanupDelaySeconds", 60.0)
	v.SetDefault("collaboration.saveDelaySeconds", 1.0)
	v.SetDefault("collaboration.pollIntervalSeconds", 1.0)
	v.SetDefault("collaboration.autoEvict", true)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("JCOLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		logrus.Warn("Config file not found, relying on defaults and environment")
	}

	cfg := &Config{
		ListenAddr:      v.GetString("server.address"),
		LogLevel:        v.GetString("server.loglevel"),
		Disable:         v.GetBool("server.disable"),
		TeardownTimeout: secondsToDuration(v.GetFloat64("server.teardownTimeoutSeconds")),
		Storage: StorageConfig{
			Backend:     v.GetString("storage.backend"),
			SQLitePath:  v.GetString("storage.sqlitePath"),
			PostgresURL: v.GetString("storage.postgresUrl"),
			RedisAddr:   v.GetString("storage.redisAddr"),
		},
		Collaboration: CollaborationConfig{
			CleanupDelay: optionalSeconds(v.GetFloat64("collaboration.cleanupDelaySeconds")),
			SaveDelay:    optionalSeconds(v.GetFloat64("collaboration.saveDelaySeconds")),
			PollInterval: secondsToDuration(v.GetFloat64("collaboration.pollIntervalSeconds")),
			AutoEvict:    v.GetBool("collaboration.autoEvict"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	switch c.Storage.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("storage backend postgres requires storage.postgresUrl")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage backend redis requires storage.redisAddr")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.TeardownTimeout <= 0 {
		return fmt.Errorf("server.teardownTimeoutSeconds must be positive")
	}
	if c.Collaboration.PollInterval < 0 {
		return fmt.Errorf("collaboration.pollIntervalSeconds must be zero or positive")
	}
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// optionalSeconds maps negative values to nil, mirroring the "never"
// semantics of the cleanup and save delays.
func optionalSeconds(s float64) *time.Duration {
	if s < 0 {
		return nil
	}
	d := secondsToDuration(s)
	return &d
}
