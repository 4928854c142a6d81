package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Platforms PlatformsConfig `mapstructure:"platforms"`
	Whisper   WhisperConfig   `mapstructure:"whisper"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address       string `mapstructure:"address"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// LLMConfig contains the text-generation provider settings
type LLMConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model required")
	}
	return nil
}

// EngineConfig tunes the research engine for both execution drivers
type EngineConfig struct {
	DefaultTargetCount int           `mapstructure:"default_target_count"`
	ExtractDelay       time.Duration `mapstructure:"extract_delay"`
	SummarizeWorkers   int           `mapstructure:"summarize_workers"`
	AgentMaxSteps      int           `mapstructure:"agent_max_steps"`
	AgentTimeout       time.Duration `mapstructure:"agent_timeout"`
}

// PlatformsConfig holds per-platform adapter settings
type PlatformsConfig struct {
	Bilibili BilibiliConfig `mapstructure:"bilibili"`
}

// BilibiliConfig contains the Bilibili adapter settings
type BilibiliConfig struct {
	SessData           string        `mapstructure:"sessdata"`
	SubtitleRetries    int           `mapstructure:"subtitle_retries"`
	SubtitleRetryDelay time.Duration `mapstructure:"subtitle_retry_delay"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second"`
}

// WhisperConfig enables the speech-to-text fallback when an API key is set
type WhisperConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// TelemetryConfig contains monitoring settings
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// StorageConfig groups the storage backends
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds the connection string from whichever fields are set.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
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

// RedisConfig contains Redis connection settings; an empty host disables
// the event stream.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

// LoadConfig loads config from file and environment (VIDEOMUSE_*)
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.migrations_dir", "file://migrations")
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.max_retries", 3)
	viper.SetDefault("llm.timeout", 2*time.Minute)
	viper.SetDefault("engine.default_target_count", 5)
	viper.SetDefault("engine.extract_delay", 1500*time.Millisecond)
	viper.SetDefault("engine.summarize_workers", 3)
	viper.SetDefault("engine.agent_max_steps", 40)
	viper.SetDefault("engine.agent_timeout", 900*time.Second)
	viper.SetDefault("platforms.bilibili.subtitle_retries", 8)
	viper.SetDefault("platforms.bilibili.subtitle_retry_delay", 1200*time.Millisecond)
	viper.SetDefault("platforms.bilibili.requests_per_second", 2.0)
	viper.SetDefault("whisper.model", "whisper-1")
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("storage.redis.stream", "videomuse:events")
	viper.SetDefault("storage.redis.max_len", 10000)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("VIDEOMUSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Env-only deployments carry no config file.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.LLM.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
