package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the shopping assistant
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Stores    []StoreConfig   `mapstructure:"stores"`
	Databases DatabasesConfig `mapstructure:"databases"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig describes the single provider the engine routes through.
type LLMConfig struct {
	Type        string        `mapstructure:"type"` // openai, anthropic
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.Type) == "" {
		return fmt.Errorf("llm.type is required")
	}
	if strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}
	return nil
}

// StoreConfig is the runtime configuration of one online store.
type StoreConfig struct {
	ID               string `mapstructure:"id"`
	Name             string `mapstructure:"name"`
	BaseURL          string `mapstructure:"base_url"`
	SearchLimit      int    `mapstructure:"search_limit"`
	Priority         int    `mapstructure:"priority"`
	Color            string `mapstructure:"color"`
	DeliveryEstimate string `mapstructure:"delivery_estimate"`
}

func (s StoreConfig) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("stores[].id is required")
	}
	if strings.TrimSpace(s.BaseURL) == "" {
		return fmt.Errorf("stores.%s.base_url is required", s.ID)
	}
	return nil
}

// DatabasesConfig groups the backing stores.
type DatabasesConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains purchase-history database settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DSN builds a postgres connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("databases.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("databases.postgres.dbname required when url is not provided")
	}
	return nil
}

// RedisConfig contains session store settings
type RedisConfig struct {
	Host       string        `mapstructure:"host"`
	Port       string        `mapstructure:"port"`
	Pass       string        `mapstructure:"pass"`
	DB         int           `mapstructure:"db"`
	Timeout    time.Duration `mapstructure:"timeout"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// Addr returns host:port, empty when redis is not configured.
func (r RedisConfig) Addr() string {
	if strings.TrimSpace(r.Host) == "" {
		return ""
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("llm.type", "openai")
	viper.SetDefault("llm.model", "gpt-4o")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.max_tokens", 4096)
	viper.SetDefault("llm.timeout", 60*time.Second)
	viper.SetDefault("databases.redis.session_ttl", 24*time.Hour)
	viper.SetDefault("telemetry.enabled", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("KARZINA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.LLM.Validate(); err != nil {
		panic(err)
	}
	for _, store := range config.Stores {
		if err := store.Validate(); err != nil {
			panic(err)
		}
	}
	if err := config.Databases.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
