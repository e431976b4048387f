package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/italolelis/download_tracker/internal/location"
)

// Config struct for environment variables.
type Config struct {
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	KeepPartialsFor   time.Duration `envconfig:"KEEP_PARTIALS_FOR" default:"24h"`
	AutoResume        bool          `envconfig:"AUTO_RESUME" default:"true"`
	KeepCompleted     bool          `envconfig:"KEEP_COMPLETED" default:"true"`
	EventBuffer       int           `envconfig:"EVENT_BUFFER" default:"64"`

	// Per-root directory overrides. Empty means the process default.
	Roots struct {
		DocumentsDir string `split_words:"true"`
		TemporaryDir string `split_words:"true"`
		CachesDir    string `split_words:"true"`
	}

	Fetch struct {
		Token            string        `split_words:"true"`
		UserAgent        string        `split_words:"true" default:"download_tracker"`
		ProgressInterval time.Duration `split_words:"true" default:"1s"`
		ProgressBytes    int64         `split_words:"true" default:"4194304"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"download_tracker"`
		ServiceVersion string        `split_words:"true" default:"dev"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure   bool          `envconfig:"OTLP_INSECURE"`
		OTLPInterval   time.Duration `envconfig:"OTLP_INTERVAL" default:"30s"`
	}
}

// LoadConfig loads a .env file when present, then reads environment variables
// and populates the Config struct. Variables already set in the environment
// win over the file.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error loading %s: %w", file, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for invalid or missing values.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("db path cannot be empty")
	}

	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive: %s", c.CleanupInterval)
	}

	if c.KeepPartialsFor < 0 {
		return fmt.Errorf("keep partials for cannot be negative: %s", c.KeepPartialsFor)
	}

	if c.EventBuffer < 0 {
		return fmt.Errorf("event buffer cannot be negative: %d", c.EventBuffer)
	}

	if c.DiscordWebhookURL != "" {
		u, err := url.Parse(c.DiscordWebhookURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid discord webhook url: %q", c.DiscordWebhookURL)
		}
	}

	if (c.Web.Username == "") != (c.Web.Password == "") {
		return errors.New("web username and password must be set together")
	}

	if c.Web.BindAddress == "" {
		return errors.New("web bind address cannot be empty")
	}

	return nil
}

// Environment returns the root directory lookup honoring configured overrides.
func (c *Config) Environment() location.OSEnvironment {
	overrides := map[location.Root]string{}

	if c.Roots.DocumentsDir != "" {
		overrides[location.RootDocuments] = c.Roots.DocumentsDir
	}

	if c.Roots.TemporaryDir != "" {
		overrides[location.RootTemporary] = c.Roots.TemporaryDir
	}

	if c.Roots.CachesDir != "" {
		overrides[location.RootCaches] = c.Roots.CachesDir
	}

	return location.OSEnvironment{Overrides: overrides}
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
