package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Server            ServerConfig          `mapstructure:"server"`
	Database          DatabaseConfig        `mapstructure:"database"`
	JWTSecret         string                `mapstructure:"jwt_secret"`
	PlatformJWTSecret string                `mapstructure:"platform_jwt_secret"`
	AppPoolSize       int                   `mapstructure:"app_pool_size"`
	Instrumentation   InstrumentationConfig `mapstructure:"instrumentation"`
	Files             FilesConfig           `mapstructure:"files"`
}

// FilesConfig controls the local-disk file storage backing /_files uploads.
type FilesConfig struct {
	BasePath     string `mapstructure:"base_path"`
	MaxSizeBytes int64  `mapstructure:"max_size_bytes"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig describes a connection to either Postgres or SQLite.
// Driver selects the dialect ("postgres", default, or "sqlite"); Path is
// the SQLite data directory (ignored for Postgres).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"`
}

func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// DSN returns the driver-specific connection string used by sql.Open.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return fmt.Sprintf("%s/%s.db", d.Path, d.Name)
	}
	return d.ConnString()
}

// InstrumentationConfig tunes the per-app event buffer and sampler.
type InstrumentationConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	BufferSize      int     `mapstructure:"buffer_size"`
	FlushIntervalMs int     `mapstructure:"flush_interval_ms"`
	SampleRate      float64 `mapstructure:"sample_rate"`
	RetentionDays   int     `mapstructure:"retention_days"`
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../..")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.pool_size", 10)
	viper.SetDefault("jwt_secret", "changeme-secret")
	viper.SetDefault("platform_jwt_secret", "changeme-platform-secret")
	viper.SetDefault("app_pool_size", 5)
	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("instrumentation.enabled", true)
	viper.SetDefault("instrumentation.buffer_size", 100)
	viper.SetDefault("instrumentation.flush_interval_ms", 500)
	viper.SetDefault("instrumentation.sample_rate", 1.0)
	viper.SetDefault("instrumentation.retention_days", 30)
	viper.SetDefault("files.base_path", "./data/files")
	viper.SetDefault("files.max_size_bytes", 25*1024*1024)

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
