package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envConfigPath         = "TASKBRIDGE_CONFIG"
	envManusAPIKey        = "MANUS_API_KEY"
	envManusBaseURL       = "MANUS_BASE_URL"
	envWebhookURL         = "WEBHOOK_URL"
	envSlackBotToken      = "SLACK_BOT_TOKEN"
	envSlackSigningSecret = "SLACK_SIGNING_SECRET"
	envTelegramBotToken   = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom  = "TELEGRAM_ALLOW_FROM"
	envRedisAddr          = "REDIS_ADDR"
	envDatabaseURL        = "DATABASE_URL"
	envPort               = "PORT"
)

const (
	DefaultManusBaseURL        = "https://api.manus.ai/v1"
	DefaultAgentProfile        = "manus-1.5"
	DefaultPollIntervalSeconds = 5
	DefaultPollTimeoutSeconds  = 300
	DefaultDedupTTLSeconds     = 600
	DefaultServerPort          = 8080
	DefaultWorkers             = 4
	DefaultQueueSize           = 100
	DefaultKeyPrefix           = "taskbridge"
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Manus    ManusConfig    `json:"manus"`
	Bridge   BridgeConfig   `json:"bridge"`
	Channels ChannelsConfig `json:"channels"`
	Store    StoreConfig    `json:"store"`
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ManusConfig configures the remote task API client and task defaults.
type ManusConfig struct {
	APIKey                string   `json:"api_key"`
	BaseURL               string   `json:"base_url"`
	WebhookURL            string   `json:"webhook_url"`
	AgentProfile          string   `json:"agent_profile"`
	TaskMode              string   `json:"task_mode"`
	Connectors            []string `json:"connectors"`
	RequestTimeoutSeconds int      `json:"request_timeout_seconds"`
	PollIntervalSeconds   int      `json:"poll_interval_seconds"`
	PollTimeoutSeconds    int      `json:"poll_timeout_seconds"`
}

// BridgeConfig tunes correlation and replay behavior.
type BridgeConfig struct {
	PromptTemplate    string `json:"prompt_template"`
	BindingTTLSeconds int    `json:"binding_ttl_seconds"`
	// DedupTTLSeconds is a pointer so an explicit 0 (dedup off) survives defaults.
	DedupTTLSeconds *int `json:"dedup_ttl_seconds,omitempty"`
}

// ChannelsConfig stores chat platform adapter settings.
type ChannelsConfig struct {
	Slack    SlackConfig    `json:"slack"`
	Telegram TelegramConfig `json:"telegram"`
}

// SlackConfig configures the Slack Events API ingress and Web API client.
type SlackConfig struct {
	Enabled       bool   `json:"enabled"`
	BotToken      string `json:"bot_token"`
	SigningSecret string `json:"signing_secret"`
	APIURL        string `json:"api_url"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
}

// StoreConfig selects the binding/dedup storage backend.
type StoreConfig struct {
	Driver        string `json:"driver"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	KeyPrefix     string `json:"key_prefix"`
	DatabaseURL   string `json:"database_url"`
}

// ServerConfig configures the HTTP listener and background workers.
type ServerConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	Workers     int      `json:"workers"`
	QueueSize   int      `json:"queue_size"`
	CORSOrigins []string `json:"cors_origins"`
}

// LoadConfig loads .env, resolves config.json when present, and applies environment overrides.
func LoadConfig() (*Config, error) {
	// A missing .env is the normal production case.
	_ = godotenv.Load()

	var cfg Config

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	setFromEnv(&cfg.Manus.APIKey, envManusAPIKey)
	setFromEnv(&cfg.Manus.BaseURL, envManusBaseURL)
	setFromEnv(&cfg.Manus.WebhookURL, envWebhookURL)
	setFromEnv(&cfg.Channels.Slack.BotToken, envSlackBotToken)
	setFromEnv(&cfg.Channels.Slack.SigningSecret, envSlackSigningSecret)
	setFromEnv(&cfg.Channels.Telegram.Token, envTelegramBotToken)
	setFromEnv(&cfg.Store.DatabaseURL, envDatabaseURL)

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if addr := strings.TrimSpace(os.Getenv(envRedisAddr)); addr != "" {
		cfg.Store.RedisAddr = addr
		if cfg.Store.Driver == "" {
			cfg.Store.Driver = StoreRedis
		}
	}

	if rawPort := strings.TrimSpace(os.Getenv(envPort)); rawPort != "" {
		if port, err := strconv.Atoi(rawPort); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
}

// applyDefaults fills zero values with the documented defaults.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Manus.BaseURL) == "" {
		cfg.Manus.BaseURL = DefaultManusBaseURL
	}
	if strings.TrimSpace(cfg.Manus.AgentProfile) == "" {
		cfg.Manus.AgentProfile = DefaultAgentProfile
	}
	if cfg.Manus.PollIntervalSeconds <= 0 {
		cfg.Manus.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if cfg.Manus.PollTimeoutSeconds <= 0 {
		cfg.Manus.PollTimeoutSeconds = DefaultPollTimeoutSeconds
	}
	if cfg.Bridge.DedupTTLSeconds == nil {
		ttl := DefaultDedupTTLSeconds
		cfg.Bridge.DedupTTLSeconds = &ttl
	}
	if strings.TrimSpace(cfg.Store.Driver) == "" {
		cfg.Store.Driver = StoreMemory
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if strings.TrimSpace(cfg.Store.KeyPrefix) == "" {
		cfg.Store.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Server.Workers <= 0 {
		cfg.Server.Workers = DefaultWorkers
	}
	if cfg.Server.QueueSize <= 0 {
		cfg.Server.QueueSize = DefaultQueueSize
	}
}

// Validate reports settings the bridge server cannot run without.
func (c *Config) Validate() error {
	var problems []error

	if strings.TrimSpace(c.Manus.APIKey) == "" {
		problems = append(problems, errors.New("manus.api_key is required (or set MANUS_API_KEY)"))
	}

	if c.Channels.Slack.Enabled {
		if strings.TrimSpace(c.Channels.Slack.BotToken) == "" {
			problems = append(problems, errors.New("channels.slack.bot_token is required"))
		}
		if strings.TrimSpace(c.Channels.Slack.SigningSecret) == "" {
			problems = append(problems, errors.New("channels.slack.signing_secret is required"))
		}
	}
	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.Token) == "" {
		problems = append(problems, errors.New("channels.telegram.token is required"))
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreRedis:
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			problems = append(problems, errors.New("store.redis_addr is required for the redis driver"))
		}
	case StorePostgres:
		if strings.TrimSpace(c.Store.DatabaseURL) == "" {
			problems = append(problems, errors.New("store.database_url is required for the postgres driver"))
		}
	default:
		problems = append(problems, fmt.Errorf("unsupported store driver %q", c.Store.Driver))
	}

	return errors.Join(problems...)
}

// PollInterval returns the configured task polling interval.
func (c ManusConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// PollTimeout returns the configured task polling deadline.
func (c ManusConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

// RequestTimeout returns the per-request timeout for remote API calls; zero means none.
func (c ManusConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// BindingTTL returns how long a thread binding stays valid; zero means forever.
func (c BridgeConfig) BindingTTL() time.Duration {
	return time.Duration(c.BindingTTLSeconds) * time.Second
}

// DedupTTL returns how long delivered event ids are remembered; zero disables dedup.
func (c BridgeConfig) DedupTTL() time.Duration {
	if c.DedupTTLSeconds == nil {
		return DefaultDedupTTLSeconds * time.Second
	}
	return time.Duration(*c.DedupTTLSeconds) * time.Second
}

func setFromEnv(target *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*target = value
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is TASKBRIDGE_CONFIG first, then cwd-local fallback paths. Running
// without any config file is allowed; env and defaults then carry everything.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
