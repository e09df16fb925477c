// Package config loads service configuration from an optional YAML file
// with environment variable overrides for secrets and endpoints. A missing
// file yields the defaults, so the service runs with nothing but env vars.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/scribelive/server/internal/format"
	"github.com/scribelive/server/internal/queue"
	"github.com/scribelive/server/internal/transcode"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     queue.Config    `yaml:"queue"`
	Transcode TranscodeConfig `yaml:"transcode"`
	Repair    RepairConfig    `yaml:"repair"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Providers ProvidersConfig `yaml:"providers"`
	Auth      AuthConfig      `yaml:"auth"`
	Janitor   JanitorConfig   `yaml:"janitor"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains the HTTP server configuration
type ServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
}

// MongoConfig contains the session and segment store configuration
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// RedisConfig contains the chunk blob store configuration
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	ChunkTTL time.Duration `yaml:"chunk_ttl"`
}

// TranscodeConfig tunes the ffmpeg subprocess pool
type TranscodeConfig struct {
	Command      string        `yaml:"command"`
	MaxProcesses int           `yaml:"max_processes"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
	MaxIdleAge   time.Duration `yaml:"max_idle_age"`
	MaxSlotAge   time.Duration `yaml:"max_slot_age"`
	SampleRate   int           `yaml:"sample_rate"`
}

// RepairConfig tunes the header template cache
type RepairConfig struct {
	TemplateTTL  time.Duration `yaml:"template_ttl"`
	MaxTemplates int           `yaml:"max_templates"`
}

// RateLimitConfig selects and tunes the provider rate limiter
type RateLimitConfig struct {
	Strategy string        `yaml:"strategy"` // adaptive or window
	Permits  int           `yaml:"permits"`
	Window   time.Duration `yaml:"window"`
}

// ProvidersConfig configures the speech-to-text backends
type ProvidersConfig struct {
	Default      string `yaml:"default"`
	OpenAIAPIKey string `yaml:"openai_api_key"`
	GeminiAPIKey string `yaml:"gemini_api_key"`
	LocalBaseURL string `yaml:"local_base_url"`
	GoogleSTT    bool   `yaml:"google_stt"`
	MedicalModel string `yaml:"medical_model"`
}

// AuthConfig configures session token issuing
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// JanitorConfig tunes the abandoned-session sweep
type JanitorConfig struct {
	MaxIdle  time.Duration `yaml:"max_idle"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    8080,
			Address: "0.0.0.0",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "scribelive",
		},
		Redis: RedisConfig{
			Address:  "localhost:6379",
			ChunkTTL: 24 * time.Hour,
		},
		Queue: queue.DefaultConfig(),
		Transcode: TranscodeConfig{
			Command:      "ffmpeg",
			MaxProcesses: 4,
			StageTimeout: 30 * time.Second,
			MaxIdleAge:   2 * time.Minute,
			MaxSlotAge:   15 * time.Minute,
			SampleRate:   16000,
		},
		Repair: RepairConfig{
			TemplateTTL:  2 * time.Hour,
			MaxTemplates: 256,
		},
		RateLimit: RateLimitConfig{
			Strategy: "adaptive",
			Permits:  50,
			Window:   time.Minute,
		},
		Providers: ProvidersConfig{
			Default: "whisper",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Janitor: JanitorConfig{
			MaxIdle:  30 * time.Minute,
			Interval: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration: .env file if present, then the YAML file if
// present, then environment variable overrides.
func Load(path string) (*Config, error) {
	// Missing .env is fine; real deployments set env directly.
	_ = godotenv.Load()

	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// applyEnv overlays secrets and endpoints from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("MONGODB_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("MONGODB_DATABASE"); v != "" {
		c.Mongo.Database = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Address = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAIAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Providers.GeminiAPIKey = v
	}
	if v := os.Getenv("LOCAL_STT_BASE_URL"); v != "" {
		c.Providers.LocalBaseURL = v
	}
	if v := os.Getenv("DEFAULT_PROVIDER"); v != "" {
		c.Providers.Default = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit config: %w", err)
	}
	if err := c.Transcode.Validate(); err != nil {
		return fmt.Errorf("transcode config: %w", err)
	}
	if c.Queue.Capacity < 1 {
		return errors.New("queue config: capacity must be at least 1")
	}
	if c.Queue.Workers < 1 {
		return errors.New("queue config: workers must be at least 1")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth config: jwt_secret is required (set JWT_SECRET)")
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.Address == "" {
		return errors.New("address cannot be empty")
	}
	return nil
}

// Validate validates rate limiter configuration
func (r *RateLimitConfig) Validate() error {
	switch r.Strategy {
	case "", "adaptive":
	case "window":
		if r.Permits < 1 {
			return fmt.Errorf("permits must be at least 1, got %d", r.Permits)
		}
		if r.Window <= 0 {
			return fmt.Errorf("window must be positive, got %v", r.Window)
		}
	default:
		return fmt.Errorf("unknown strategy %q", r.Strategy)
	}
	return nil
}

// Validate validates transcoder configuration
func (t *TranscodeConfig) Validate() error {
	if t.MaxProcesses < 1 {
		return fmt.Errorf("max_processes must be at least 1, got %d", t.MaxProcesses)
	}
	if t.SampleRate < 8000 {
		return fmt.Errorf("sample_rate must be at least 8000, got %d", t.SampleRate)
	}
	return nil
}

// PoolConfig converts to the transcoder pool's config type.
func (t TranscodeConfig) PoolConfig() transcode.Config {
	return transcode.Config{
		Command:      t.Command,
		MaxProcesses: t.MaxProcesses,
		StageTimeout: t.StageTimeout,
		MaxIdleAge:   t.MaxIdleAge,
		MaxSlotAge:   t.MaxSlotAge,
		SampleRate:   t.SampleRate,
	}
}

// RepairerConfig converts to the header repairer's config type.
func (r RepairConfig) RepairerConfig() format.RepairerConfig {
	return format.RepairerConfig{
		TemplateTTL:  r.TemplateTTL,
		MaxTemplates: r.MaxTemplates,
	}
}
