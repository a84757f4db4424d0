// Package config loads and validates the proxy's YAML configuration, with
// environment-variable overrides applied after parsing so deployments can
// template secrets through the environment over a checked-in YAML skeleton.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stranmor/keyrelay/internal/apperrors"
)

// KeyGroup is a named bundle of credentials sharing a target URL and,
// optionally, a set of model aliases.
type KeyGroup struct {
	Name         string   `yaml:"name" env:"-"`
	APIKeys      []string `yaml:"api_keys"`
	ModelAliases []string `yaml:"model_aliases"`
	ProxyURL     string   `yaml:"proxy_url"`
	TargetURL    string   `yaml:"target_url" default:"https://generativelanguage.googleapis.com"`
	TopP         *float32 `yaml:"top_p"`
}

// ServerConfig holds the proxy's listener and per-request behavior.
type ServerConfig struct {
	Port                 int      `yaml:"port" env:"KEYRELAY_PORT" default:"8080"`
	ConnectTimeoutSecs    uint64   `yaml:"connect_timeout_secs" env:"KEYRELAY_CONNECT_TIMEOUT_SECS" default:"10"`
	RequestTimeoutSecs    uint64   `yaml:"request_timeout_secs" env:"KEYRELAY_REQUEST_TIMEOUT_SECS" default:"60"`
	TestMode              bool     `yaml:"test_mode" env:"KEYRELAY_TEST_MODE"`
	AdminToken            string   `yaml:"admin_token" env:"KEYRELAY_ADMIN_TOKEN"`
	MaxTokensPerRequest   *uint64  `yaml:"max_tokens_per_request"`
	TopP                  *float32 `yaml:"top_p"`
}

// RateLimitConfig throttles clients by source IP.
type RateLimitConfig struct {
	RequestsPerMinute uint32 `yaml:"requests_per_minute"`
	BurstSize         uint32 `yaml:"burst_size"`
}

// AdminCORSConfig controls cross-origin access to the admin API, for
// deployments that drive it from a browser-based dashboard on a different
// origin than the proxy itself. Disabled by default: same-origin tooling
// (curl, server-side scripts) needs no CORS headers at all.
type AdminCORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAgeSecs       int      `yaml:"max_age_seconds" default:"86400"`
}

// CircuitBreakerConfig parameterizes every per-endpoint breaker.
type CircuitBreakerConfig struct {
	FailureThreshold   uint32 `yaml:"failure_threshold" default:"5"`
	RecoveryTimeoutSecs uint64 `yaml:"recovery_timeout_secs" default:"60"`
	HalfOpenMaxCalls   uint32 `yaml:"half_open_max_calls" default:"3"`
}

// Config is the root configuration document.
type Config struct {
	Server                Server          `yaml:"server"`
	Groups                []KeyGroup      `yaml:"groups"`
	RedisURL              string          `yaml:"redis_url" env:"KEYRELAY_REDIS_URL,REDIS_URL"`
	RedisKeyPrefix        string          `yaml:"redis_key_prefix" env:"KEYRELAY_REDIS_KEY_PREFIX" default:"keyrelay"`
	MaxFailuresThreshold  uint32          `yaml:"max_failures_threshold" default:"3"`
	InternalRetries       uint32          `yaml:"internal_retries" default:"3"`
	TemporaryBlockMinutes uint32          `yaml:"temporary_block_minutes" default:"5"`
	RateLimit             *RateLimitConfig `yaml:"rate_limit"`
	CircuitBreaker        CircuitBreakerConfig `yaml:"circuit_breaker"`
	AdminCORS             AdminCORSConfig `yaml:"admin_cors"`
	TopP                  *float32        `yaml:"top_p"`
}

// Server is an alias kept distinct from ServerConfig's name to match the
// nested "server:" YAML key while avoiding a name clash with the package's
// top-level Config.Server field.
type Server = ServerConfig

// defaultTargetURL is used when a group omits target_url.
const defaultTargetURL = "https://generativelanguage.googleapis.com"

// Load reads and parses a YAML config file, then applies environment
// overrides and defaults, in that order: YAML < defaults-not-already-set <
// environment (environment always wins).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.New("config.Load", apperrors.ConfigNotFound, err)
		}
		return nil, apperrors.New("config.Load", apperrors.IO, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, apperrors.New("config.Load", apperrors.ConfigParse, err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ConnectTimeoutSecs == 0 {
		cfg.Server.ConnectTimeoutSecs = 10
	}
	if cfg.Server.RequestTimeoutSecs == 0 {
		cfg.Server.RequestTimeoutSecs = 60
	}
	if cfg.MaxFailuresThreshold == 0 {
		cfg.MaxFailuresThreshold = 3
	}
	if cfg.InternalRetries == 0 {
		cfg.InternalRetries = 3
	}
	if cfg.TemporaryBlockMinutes == 0 {
		cfg.TemporaryBlockMinutes = 5
	}
	if cfg.RedisKeyPrefix == "" {
		cfg.RedisKeyPrefix = "keyrelay"
	}
	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.CircuitBreaker.RecoveryTimeoutSecs == 0 {
		cfg.CircuitBreaker.RecoveryTimeoutSecs = 60
	}
	if cfg.CircuitBreaker.HalfOpenMaxCalls == 0 {
		cfg.CircuitBreaker.HalfOpenMaxCalls = 3
	}
	if cfg.AdminCORS.MaxAgeSecs == 0 {
		cfg.AdminCORS.MaxAgeSecs = 86400
	}
	for i := range cfg.Groups {
		if cfg.Groups[i].TargetURL == "" {
			cfg.Groups[i].TargetURL = defaultTargetURL
		}
	}
}

// envOverride reads the first set environment variable among names.
func envOverride(names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := os.LookupEnv(n); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envOverride("KEYRELAY_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v, ok := envOverride("KEYRELAY_CONNECT_TIMEOUT_SECS"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Server.ConnectTimeoutSecs = n
		}
	}
	if v, ok := envOverride("KEYRELAY_REQUEST_TIMEOUT_SECS"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Server.RequestTimeoutSecs = n
		}
	}
	if v, ok := envOverride("KEYRELAY_TEST_MODE"); ok {
		cfg.Server.TestMode = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := envOverride("KEYRELAY_ADMIN_TOKEN"); ok {
		cfg.Server.AdminToken = v
	}
	if v, ok := envOverride("KEYRELAY_REDIS_URL", "REDIS_URL"); ok {
		cfg.RedisURL = v
	}
	if v, ok := envOverride("KEYRELAY_REDIS_KEY_PREFIX"); ok {
		cfg.RedisKeyPrefix = v
	}
}

// Validate checks startup invariants, accumulating every violation found
// rather than failing on the first.
func (c *Config) Validate() error {
	var problems []string

	if len(c.Groups) == 0 {
		problems = append(problems, "at least one group is required")
	}
	for _, g := range c.Groups {
		if len(g.APIKeys) == 0 {
			problems = append(problems, fmt.Sprintf("group %q has no api_keys", g.Name))
		}
		if g.Name == "" {
			problems = append(problems, "a group is missing a name")
		}
		if g.TopP != nil && (*g.TopP <= 0 || *g.TopP > 1) {
			problems = append(problems, fmt.Sprintf("group %q top_p must be in (0, 1]", g.Name))
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be in [1, 65535]")
	}
	if c.Server.TopP != nil && (*c.Server.TopP <= 0 || *c.Server.TopP > 1) {
		problems = append(problems, "server.top_p must be in (0, 1]")
	}
	if c.TopP != nil && (*c.TopP <= 0 || *c.TopP > 1) {
		problems = append(problems, "top_p must be in (0, 1]")
	}

	if len(problems) > 0 {
		return apperrors.Newf(apperrors.ConfigValidation, "invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GroupForModel returns the name of the first group whose model_aliases
// contains model, mirroring a linear-search-by-alias lookup.
func (c *Config) GroupForModel(model string) (string, bool) {
	for _, g := range c.Groups {
		for _, alias := range g.ModelAliases {
			if alias == model {
				return g.Name, true
			}
		}
	}
	return "", false
}

// EffectiveTopP resolves top_p precedence group > server > root.
func (c *Config) EffectiveTopP(groupName string) *float32 {
	for _, g := range c.Groups {
		if g.Name == groupName && g.TopP != nil {
			return g.TopP
		}
	}
	if c.Server.TopP != nil {
		return c.Server.TopP
	}
	return c.TopP
}
