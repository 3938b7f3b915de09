package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	GitLab   GitLabConfig   `yaml:"gitlab"`
	LLM      LLMConfig      `yaml:"llm"`
	Retry    RetryConfig    `yaml:"retry"`
	Budget   BudgetConfig   `yaml:"budget"`
	Review   ReviewConfig   `yaml:"review"`
	Redis    RedisConfig    `yaml:"redis"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Mode     string `yaml:"mode"` // debug, release, test
	LogLevel string `yaml:"log_level"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type GitLabConfig struct {
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhook_secret"`
	TriggerLabel  string `yaml:"trigger_label"`
}

type LLMConfig struct {
	Provider       string  `yaml:"provider"` // anthropic, openai, azure, ollama, gemini
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"` // per-attempt timeout
}

// RetryConfig controls retry behavior for outbound GitLab and LLM calls.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
}

// BudgetConfig controls the daily token budget ledger.
type BudgetConfig struct {
	Enabled              bool   `yaml:"enabled"`
	DataDir              string `yaml:"data_dir"`
	DailyLimit           int64  `yaml:"daily_limit"`
	WarningThreshold     int64  `yaml:"warning_threshold"`
	SummaryRetentionDays int    `yaml:"summary_retention_days"`
	LogRetentionDays     int    `yaml:"log_retention_days"`
}

type ReviewConfig struct {
	RateLimitEnabled  bool `yaml:"rate_limit_enabled"`
	MaxReviewsPerHour int  `yaml:"max_reviews_per_hour"`
	MaxDiffLines      int  `yaml:"max_diff_lines"`
}

// RedisConfig for optional async task queue
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	var cfg *Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg = DefaultConfig()
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		fileCfg := DefaultConfig()
		if err := yaml.Unmarshal(data, fileCfg); err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	cfg.overrideFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     "8080",
			Mode:     "release",
			LogLevel: "info",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "mrsentinel.db",
		},
		GitLab: GitLabConfig{
			URL:          "https://gitlab.com",
			TriggerLabel: "ai-review",
		},
		LLM: LLMConfig{
			Provider:       "anthropic",
			Model:          "claude-sonnet-4-20250514",
			MaxTokens:      4096,
			Temperature:    0.3,
			TimeoutSeconds: 120,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialDelayMs: 1000,
			BackoffFactor:  2.0,
			MaxDelayMs:     10000,
		},
		Budget: BudgetConfig{
			Enabled:              true,
			DataDir:              "data/token-tracking",
			DailyLimit:           1_000_000,
			WarningThreshold:     800_000,
			SummaryRetentionDays: 90,
			LogRetentionDays:     365,
		},
		Review: ReviewConfig{
			RateLimitEnabled:  true,
			MaxReviewsPerHour: 50,
			MaxDiffLines:      10000,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior deep inside the retry and budget paths.
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelayMs <= 0 {
		return fmt.Errorf("retry.initial_delay_ms must be > 0, got %d", c.Retry.InitialDelayMs)
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be >= 1, got %g", c.Retry.BackoffFactor)
	}
	if c.Retry.MaxDelayMs < c.Retry.InitialDelayMs {
		return fmt.Errorf("retry.max_delay_ms must be >= retry.initial_delay_ms")
	}
	if c.Budget.Enabled && c.Budget.DailyLimit <= 0 {
		return fmt.Errorf("budget.daily_limit must be > 0 when budget is enabled")
	}
	return nil
}

// InitialDelay returns the initial retry delay as a duration.
func (c *RetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

// MaxDelay returns the retry delay cap as a duration.
func (c *RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// Timeout returns the per-attempt LLM call timeout.
func (c *LLMConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Server.LogLevel = level
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if url := os.Getenv("GITLAB_URL"); url != "" {
		c.GitLab.URL = url
	}
	if token := os.Getenv("GITLAB_TOKEN"); token != "" {
		c.GitLab.Token = token
	}
	if secret := os.Getenv("GITLAB_WEBHOOK_SECRET"); secret != "" {
		c.GitLab.WebhookSecret = secret
	}
	if label := os.Getenv("GITLAB_TRIGGER_LABEL"); label != "" {
		c.GitLab.TriggerLabel = label
	}
	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		c.LLM.Provider = provider
	}
	if baseURL := os.Getenv("LLM_BASE_URL"); baseURL != "" {
		c.LLM.BaseURL = baseURL
	}
	if apiKey := os.Getenv("LLM_API_KEY"); apiKey != "" {
		c.LLM.APIKey = apiKey
	}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = apiKey
	}
	if model := os.Getenv("LLM_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if dir := os.Getenv("BUDGET_DATA_DIR"); dir != "" {
		c.Budget.DataDir = dir
	}
	if limit := os.Getenv("BUDGET_DAILY_LIMIT"); limit != "" {
		if v, err := strconv.ParseInt(limit, 10, 64); err == nil {
			c.Budget.DailyLimit = v
		}
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	// Remove redis:// prefix
	url := strings.TrimPrefix(redisURL, "redis://")

	// Extract password if present
	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		// Password format: :password or user:password
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	// Extract db number if present
	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	// Remaining is host:port
	c.Redis.Addr = url
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
