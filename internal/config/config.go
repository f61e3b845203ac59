package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	PlatformSlack   = "slack"
	PlatformDiscord = "discord"
)

type Config struct {
	Platform           string
	Port               string
	DatabaseURL        string
	RedisURL           string
	SlackBotToken      string
	SlackAppToken      string
	SlackSigningSecret string
	DiscordBotToken    string
	BackupTrigger      string

	SyncConcurrency           int
	InitialFetchLimit         int
	UpstreamRequestsPerSecond float64
	UpstreamBurst             int
	RunTimeout                time.Duration

	LogLevel    string
	LogFormat   string
	Environment string

	// parse errors are reported by Validate
	parseErrors []error
}

func Load() *Config {
	c := &Config{
		Platform:           strings.ToLower(getEnvOrDefault("PLATFORM", PlatformSlack)),
		Port:               getEnvOrDefault("PORT", "8080"),
		DatabaseURL:        getEnvOrDefault("DATABASE_URL", "chatvault.db"),
		RedisURL:           os.Getenv("REDIS_URL"),
		SlackBotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:      os.Getenv("SLACK_APP_TOKEN"),
		SlackSigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
		DiscordBotToken:    os.Getenv("DISCORD_BOT_TOKEN"),
		BackupTrigger:      getEnvOrDefault("BACKUP_TRIGGER", "!backup"),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "INFO"),
		Environment:        getEnvOrDefault("ENVIRONMENT", "development"),
	}

	// Production logs default to JSON for log shippers.
	defaultLogFormat := "text"
	if c.IsProduction() {
		defaultLogFormat = "json"
	}
	c.LogFormat = getEnvOrDefault("LOG_FORMAT", defaultLogFormat)

	c.SyncConcurrency = c.intEnv("SYNC_CONCURRENCY", 3)
	c.InitialFetchLimit = c.intEnv("INITIAL_FETCH_LIMIT", 1000)
	c.UpstreamRequestsPerSecond = c.floatEnv("UPSTREAM_REQUESTS_PER_SECOND", 1)
	c.UpstreamBurst = c.intEnv("UPSTREAM_BURST", 2)
	c.RunTimeout = c.durationEnv("RUN_TIMEOUT", 30*time.Minute)
	return c
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.parseErrors...)

	switch c.Platform {
	case PlatformSlack:
		if c.SlackBotToken == "" {
			errs = append(errs, errors.New("SLACK_BOT_TOKEN is required"))
		} else if !strings.HasPrefix(c.SlackBotToken, "xoxb-") {
			errs = append(errs, errors.New("SLACK_BOT_TOKEN must start with 'xoxb-'"))
		}
		if c.SlackAppToken != "" && !strings.HasPrefix(c.SlackAppToken, "xapp-") {
			errs = append(errs, errors.New("SLACK_APP_TOKEN must start with 'xapp-'"))
		}
		if c.SlackAppToken == "" && c.SlackSigningSecret == "" {
			errs = append(errs, errors.New("SLACK_SIGNING_SECRET is required unless SLACK_APP_TOKEN enables Socket Mode"))
		}
	case PlatformDiscord:
		if c.DiscordBotToken == "" {
			errs = append(errs, errors.New("DISCORD_BOT_TOKEN is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("PLATFORM must be one of: %s, %s", PlatformSlack, PlatformDiscord))
	}

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if strings.TrimSpace(c.BackupTrigger) == "" {
		errs = append(errs, errors.New("BACKUP_TRIGGER must not be blank"))
	}
	if c.SyncConcurrency < 1 || c.SyncConcurrency > 16 {
		errs = append(errs, errors.New("SYNC_CONCURRENCY must be between 1 and 16"))
	}
	if c.InitialFetchLimit < 0 {
		errs = append(errs, errors.New("INITIAL_FETCH_LIMIT must not be negative"))
	}
	if c.UpstreamRequestsPerSecond <= 0 {
		errs = append(errs, errors.New("UPSTREAM_REQUESTS_PER_SECOND must be positive"))
	}
	if c.UpstreamBurst < 1 {
		errs = append(errs, errors.New("UPSTREAM_BURST must be at least 1"))
	}
	if c.RunTimeout <= 0 {
		errs = append(errs, errors.New("RUN_TIMEOUT must be positive"))
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	if !contains(validLogLevels, strings.ToUpper(c.LogLevel)) {
		errs = append(errs, errors.New("LOG_LEVEL must be one of: DEBUG, INFO, WARN, ERROR"))
	}

	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, strings.ToLower(c.LogFormat)) {
		errs = append(errs, errors.New("LOG_FORMAT must be one of: text, json"))
	}

	return errors.Join(errs...)
}

// UsesSocketMode reports whether Slack events arrive over Socket Mode
// instead of the HTTP request URL.
func (c *Config) UsesSocketMode() bool {
	return c.Platform == PlatformSlack && c.SlackAppToken != ""
}

func (c *Config) IsProduction() bool {
	return strings.ToLower(c.Environment) == "production"
}

func (c *Config) intEnv(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Errorf("%s must be an integer, got %q", key, raw))
		return defaultValue
	}
	return value
}

func (c *Config) floatEnv(key string, defaultValue float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Errorf("%s must be a number, got %q", key, raw))
		return defaultValue
	}
	return value
}

func (c *Config) durationEnv(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Errorf("%s must be a duration like 30m, got %q", key, raw))
		return defaultValue
	}
	return value
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
