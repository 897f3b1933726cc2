package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	config struct {
		Provider    string          `yaml:"provider"`
		Model       string          `yaml:"model"`
		MaxTokens   int             `yaml:"max_tokens"`
		Temperature float32         `yaml:"temperature"`
		Anthropic   apiKeyConfig    `yaml:"anthropic"`
		OpenAI      apiKeyConfig    `yaml:"openai"`
		Bedrock     bedrockConfig   `yaml:"bedrock"`
		Knowledge   knowledgeConfig `yaml:"knowledge"`
		Mongo       mongoConfig     `yaml:"mongo"`
		Redis       redisConfig     `yaml:"redis"`
		Loop        loopConfig      `yaml:"loop"`
		Limiter     limiterConfig   `yaml:"limiter"`
		Log         logConfig       `yaml:"log"`
	}

	apiKeyConfig struct {
		APIKey string `yaml:"api_key"`
	}

	bedrockConfig struct {
		Region string `yaml:"region"`
	}

	knowledgeConfig struct {
		Dir           string        `yaml:"dir"`
		BaseURL       string        `yaml:"base_url"`
		MaxDepth      int           `yaml:"max_depth"`
		MaxFiles      int           `yaml:"max_files"`
		MaxFileBytes  int64         `yaml:"max_file_bytes"`
		MaxTotalBytes int64         `yaml:"max_total_bytes"`
		Refresh       time.Duration `yaml:"refresh"`
	}

	mongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	redisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		// LimiterMap names the replicated map sharing the token budget
		// across processes.
		LimiterMap string `yaml:"limiter_map"`
	}

	loopConfig struct {
		MaxAttempts   int           `yaml:"max_attempts"`
		MaxIterations int           `yaml:"max_iterations"`
		Timeout       time.Duration `yaml:"timeout"`
		Concurrency   int           `yaml:"subagent_concurrency"`
		TaskTimeout   time.Duration `yaml:"subagent_timeout"`
	}

	limiterConfig struct {
		TPM    float64 `yaml:"tpm"`
		MaxTPM float64 `yaml:"max_tpm"`
	}

	logConfig struct {
		Format string `yaml:"format"`
		Debug  bool   `yaml:"debug"`
	}
)

func defaultConfig() config {
	return config{
		Provider:  "anthropic",
		Model:     "claude-sonnet-4-5",
		MaxTokens: 2048,
		Knowledge: knowledgeConfig{Dir: "knowledge"},
		Mongo:     mongoConfig{Database: "verity"},
		Redis:     redisConfig{LimiterMap: "verity-limiter"},
		Loop: loopConfig{
			MaxAttempts:   3,
			MaxIterations: 10,
			Timeout:       2 * time.Minute,
			Concurrency:   3,
			TaskTimeout:   time.Minute,
		},
		Limiter: limiterConfig{TPM: 60000},
	}
}

// loadConfig reads path (when not empty) over the defaults and then applies
// environment overrides.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.validate()
}

func (c *config) applyEnv() {
	c.Provider = envOr("VERITY_PROVIDER", c.Provider)
	c.Model = envOr("VERITY_MODEL", c.Model)
	c.MaxTokens = envIntOr("VERITY_MAX_TOKENS", c.MaxTokens)
	c.Anthropic.APIKey = envOr("ANTHROPIC_API_KEY", c.Anthropic.APIKey)
	c.OpenAI.APIKey = envOr("OPENAI_API_KEY", c.OpenAI.APIKey)
	c.Bedrock.Region = envOr("AWS_REGION", c.Bedrock.Region)
	c.Knowledge.Dir = envOr("VERITY_KNOWLEDGE_DIR", c.Knowledge.Dir)
	c.Knowledge.BaseURL = envOr("VERITY_KNOWLEDGE_BASE_URL", c.Knowledge.BaseURL)
	c.Knowledge.Refresh = envDurationOr("VERITY_KNOWLEDGE_REFRESH", c.Knowledge.Refresh)
	c.Mongo.URI = envOr("MONGO_URI", c.Mongo.URI)
	c.Mongo.Database = envOr("MONGO_DATABASE", c.Mongo.Database)
	c.Redis.Addr = envOr("REDIS_URL", c.Redis.Addr)
	c.Redis.Password = envOr("REDIS_PASSWORD", c.Redis.Password)
	c.Loop.MaxAttempts = envIntOr("VERITY_MAX_ATTEMPTS", c.Loop.MaxAttempts)
	c.Loop.Timeout = envDurationOr("VERITY_TIMEOUT", c.Loop.Timeout)
	c.Limiter.TPM = float64(envIntOr("VERITY_TPM", int(c.Limiter.TPM)))
	c.Log.Format = envOr("VERITY_LOG_FORMAT", c.Log.Format)
	if v := os.Getenv("VERITY_DEBUG"); v != "" {
		c.Log.Debug, _ = strconv.ParseBool(v)
	}
}

func (c *config) validate() error {
	switch c.Provider {
	case "anthropic", "openai", "bedrock":
	default:
		return fmt.Errorf("unknown provider %q (valid: anthropic, openai, bedrock)", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Loop.MaxAttempts < 1 {
		return fmt.Errorf("loop.max_attempts must be at least 1, got %d", c.Loop.MaxAttempts)
	}
	switch c.Log.Format {
	case "", "json", "terminal":
	default:
		return fmt.Errorf("unknown log format %q (valid: json, terminal)", c.Log.Format)
	}
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
