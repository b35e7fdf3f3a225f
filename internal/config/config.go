package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ReplyBackendWebhook = "webhook"
	ReplyBackendGemini  = "gemini"
)

type Config struct {
	DatabaseURL string `yaml:"database_url"`
	HTTPPort    string `yaml:"http_port"`
	LogLevel    string `yaml:"log_level"`
	JWTSecret   string `yaml:"jwt_secret"`

	ReplyBackend    string        `yaml:"reply_backend"`
	ReplyWebhookURL string        `yaml:"reply_webhook_url"`
	GeminiAPIKey    string        `yaml:"gemini_api_key"`
	ReplyTimeout    time.Duration `yaml:"reply_timeout"`

	SessionPageSize int           `yaml:"session_page_size"`
	TitleMaxChars   int           `yaml:"title_max_chars"`
	SupersedeWindow time.Duration `yaml:"supersede_window"`
}

var AppConfig Config

// LoadConfig reads .env (if present), the environment and, when
// CHATSYNC_CONFIG points at a YAML file, that file on top.
func LoadConfig() error {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := FromEnv()
	if path := getEnv("CHATSYNC_CONFIG", ""); path != "" {
		if err := cfg.MergeYAMLFile(path); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

func FromEnv() Config {
	return Config{
		DatabaseURL: getEnv("DATABASE_URL", "chatsync.db"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		ReplyBackend:    getEnv("REPLY_BACKEND", ReplyBackendWebhook),
		ReplyWebhookURL: getEnv("REPLY_WEBHOOK_URL", ""),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		ReplyTimeout:    getEnvAsDuration("REPLY_TIMEOUT", 45*time.Second),

		SessionPageSize: getEnvAsInt("SESSION_PAGE_SIZE", 20),
		TitleMaxChars:   getEnvAsInt("TITLE_MAX_CHARS", 50),
		SupersedeWindow: getEnvAsDuration("SUPERSEDE_WINDOW", 30*time.Second),
	}
}

// MergeYAMLFile overrides fields that are set in the YAML file at path.
func (c *Config) MergeYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.ReplyTimeout <= 0 {
		errs = append(errs, errors.New("REPLY_TIMEOUT must be positive"))
	}
	if c.SessionPageSize <= 0 {
		errs = append(errs, errors.New("SESSION_PAGE_SIZE must be positive"))
	}
	if c.TitleMaxChars <= 0 {
		errs = append(errs, errors.New("TITLE_MAX_CHARS must be positive"))
	}
	if c.SupersedeWindow <= 0 {
		errs = append(errs, errors.New("SUPERSEDE_WINDOW must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateReplyBackend checks the settings of the selected reply backend.
func (c Config) ValidateReplyBackend() error {
	switch c.ReplyBackend {
	case ReplyBackendWebhook:
		if c.ReplyWebhookURL == "" {
			return errors.New("REPLY_WEBHOOK_URL is required for the webhook reply backend")
		}
	case ReplyBackendGemini:
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY is required for the gemini reply backend")
		}
	default:
		return fmt.Errorf("unknown REPLY_BACKEND %q", c.ReplyBackend)
	}
	return nil
}

// ValidateServer adds the checks that only matter when serving HTTP.
func (c Config) ValidateServer() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET environment variable is required")
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
