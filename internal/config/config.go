package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine server
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Database  DatabaseConfig           `yaml:"database"`
	Redis     RedisConfig              `yaml:"redis"`
	Engine    EngineConfig             `yaml:"engine"`
	RateLimit map[string]RateLimitRule `yaml:"rate_limit"`
	Challenge ChallengeConfig          `yaml:"challenge"`
	Auth      AuthConfig               `yaml:"auth"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	Host         string        `yaml:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite3 or postgres
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// KeyPrefix namespaces every key this process writes.
	KeyPrefix string `yaml:"key_prefix"`

	// Timeout bounds every store call; past it the caller applies its
	// fail-open/fail-closed policy.
	Timeout time.Duration `yaml:"timeout"`
}

type EngineConfig struct {
	// MaxResults truncates the eligible campaign list per decision.
	MaxResults int `yaml:"max_results"`

	// SessionTTL is the lifetime of session-scoped frequency counters.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// CacheTTL bounds staleness of the catalog read cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// RateLimitRule is the recognized per-action rate limit shape. FailOpen
// decides the outage behavior: cosmetic actions let traffic through,
// security-sensitive actions (token issuance) deny it.
type RateLimitRule struct {
	Limit         int64 `yaml:"limit"`
	WindowSeconds int64 `yaml:"window_seconds"`
	FailOpen      bool  `yaml:"fail_open"`
}

type ChallengeConfig struct {
	TTLMinutes int `yaml:"ttl_minutes"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}

	// Database defaults
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "./data/popfuse.db"
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}

	// Redis defaults, overridable from the environment
	if envAddr := os.Getenv("REDIS_ADDR"); envAddr != "" {
		cfg.Redis.Addr = envAddr
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if envPassword := os.Getenv("REDIS_PASSWORD"); envPassword != "" {
		cfg.Redis.Password = envPassword
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "popfuse:"
	}
	if cfg.Redis.Timeout == 0 {
		cfg.Redis.Timeout = 2 * time.Second
	}

	// Engine defaults
	if cfg.Engine.MaxResults == 0 {
		cfg.Engine.MaxResults = 3
	}
	if cfg.Engine.SessionTTL == 0 {
		cfg.Engine.SessionTTL = 30 * time.Minute
	}
	if cfg.Engine.CacheTTL == 0 {
		cfg.Engine.CacheTTL = time.Minute
	}

	// Rate limit defaults per action
	if cfg.RateLimit == nil {
		cfg.RateLimit = map[string]RateLimitRule{}
	}
	if _, ok := cfg.RateLimit["decide"]; !ok {
		cfg.RateLimit["decide"] = RateLimitRule{Limit: 120, WindowSeconds: 60, FailOpen: true}
	}
	if _, ok := cfg.RateLimit["challenge_issue"]; !ok {
		cfg.RateLimit["challenge_issue"] = RateLimitRule{Limit: 5, WindowSeconds: 60, FailOpen: false}
	}
	if _, ok := cfg.RateLimit["discount_redeem"]; !ok {
		cfg.RateLimit["discount_redeem"] = RateLimitRule{Limit: 5, WindowSeconds: 60, FailOpen: false}
	}

	// Challenge token defaults
	if cfg.Challenge.TTLMinutes == 0 {
		cfg.Challenge.TTLMinutes = 10
	}

	// Auth defaults, JWT secret overridable from the environment
	if envJWT := os.Getenv("JWT_SECRET"); envJWT != "" {
		cfg.Auth.JWTSecret = envJWT
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = "change-this-secret-in-production"
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
}

// Save writes configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
