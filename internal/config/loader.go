package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrConfiguration wraps every loading or validation failure.
var ErrConfiguration = errors.New("configuration error")

// Options locate the configuration sources. Zero values use config.yaml and
// .env in the working directory.
type Options struct {
	ConfigFile string
	EnvFile    string
	// SkipValidation is for commands that only touch the database and so
	// run without credentials.
	SkipValidation bool
}

// Load reads configuration from:
// 1. Default values
// 2. config.yaml, when present
// 3. .env, when present, exported into the process environment
// 4. BOT_* variables and the plain TOKEN, OWNER_ID, GENERATION_API_KEY and
// WEBHOOK_URL aliases
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: failed to read env file %s: %w", ErrConfiguration, envFile, err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		bind := append([]string{key}, names...)
		if err := v.BindEnv(bind...); err != nil {
			return nil, fmt.Errorf("%w: failed to bind %s: %w", ErrConfiguration, key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
			slog.Debug("configuration file not found, using defaults")
		case opts.ConfigFile != "" && errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("%w: config file %s does not exist", ErrConfiguration, opts.ConfigFile)
		default:
			return nil, fmt.Errorf("%w: failed to read config file: %w", ErrConfiguration, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %w", ErrConfiguration, err)
	}

	if !opts.SkipValidation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	slog.Info("configuration loaded",
		"model", cfg.Gemini.Model,
		"db_path", cfg.Database.Path,
		"webhook_mode", cfg.Telegram.WebhookMode(),
		"min_interval", cfg.Dispatcher.MinInterval,
		"max_queue_size", cfg.Dispatcher.MaxQueueSize)

	return cfg, nil
}

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	for name := range c.Scheduler.Tasks {
		if name != TaskFlushOutbound && name != TaskSQLMaintenance {
			return fmt.Errorf("%w: unknown scheduler task %q", ErrConfiguration, name)
		}
	}
	if c.Telegram.WebhookMode() && !strings.HasPrefix(c.Telegram.WebhookURL, "https://") {
		return fmt.Errorf("%w: webhook_url must use https", ErrConfiguration)
	}
	return nil
}

// LoadStaticContext returns the operator-authored business description. A
// missing or empty file yields DefaultContext.
func (c BotConfig) LoadStaticContext() string {
	if c.ContextFile != "" {
		data, err := os.ReadFile(c.ContextFile)
		switch {
		case err == nil && strings.TrimSpace(string(data)) != "":
			return strings.TrimSpace(string(data))
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			slog.Warn("failed to read context file, using default context", "path", c.ContextFile, "error", err)
		}
	}
	return c.DefaultContext
}
