// Package config loads, defaults and validates the bot configuration from
// config.yaml, a .env file and environment variables.
package config

import "time"

// Config is the root configuration for every component.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Bot        BotConfig        `mapstructure:"bot"`
	Messages   MessagesConfig   `mapstructure:"messages"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// TelegramConfig holds the messaging credential, the owner identity and the
// ingestion mode. An empty WebhookURL selects long polling.
type TelegramConfig struct {
	Token         string `mapstructure:"token"          validate:"required"`
	OwnerID       string `mapstructure:"owner_id"       validate:"required,numeric"`
	WebhookURL    string `mapstructure:"webhook_url"    validate:"omitempty,url"`
	WebhookPath   string `mapstructure:"webhook_path"   validate:"required,startswith=/"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	ListenAddr    string `mapstructure:"listen_addr"    validate:"required"`
}

// WebhookMode reports whether updates arrive through the webhook endpoint.
func (c TelegramConfig) WebhookMode() bool {
	return c.WebhookURL != ""
}

// GeminiConfig configures the generation backend and its retry policy.
type GeminiConfig struct {
	APIKey            string        `mapstructure:"api_key"            validate:"required"`
	Model             string        `mapstructure:"model"              validate:"required"`
	Temperature       float32       `mapstructure:"temperature"        validate:"min=0,max=2"`
	SystemInstruction string        `mapstructure:"system_instruction"`
	MaxAttempts       int           `mapstructure:"max_attempts"       validate:"min=1,max=10"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"    validate:"min=1s,max=10m"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"       validate:"min=0"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter"     validate:"min=0,max=1"`
	// BreakerFailures consecutive upstream failures open the circuit for
	// BreakerCooldown. Zero disables the breaker.
	BreakerFailures int           `mapstructure:"breaker_failures"   validate:"min=0"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"   validate:"min=0"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// BotConfig tunes the update router.
type BotConfig struct {
	ContextFile           string        `mapstructure:"context_file"`
	DefaultContext        string        `mapstructure:"default_context"`
	HistoryLimit          int           `mapstructure:"history_limit"           validate:"min=1,max=100"`
	StaleAfter            time.Duration `mapstructure:"stale_after"             validate:"min=1s"`
	PersistLearnedContext bool          `mapstructure:"persist_learned_context"`
	PlainTextReplies      bool          `mapstructure:"plain_text_replies"`
}

// MessagesConfig holds the fixed texts users can see. Welcome may contain
// {name}, replaced by the sender's first name.
type MessagesConfig struct {
	Welcome  string `mapstructure:"welcome"  validate:"required"`
	Fallback string `mapstructure:"fallback" validate:"required"`
	Apology  string `mapstructure:"apology"  validate:"required"`
}

// DispatcherConfig bounds outbound delivery.
type DispatcherConfig struct {
	MinInterval      time.Duration `mapstructure:"min_interval"      validate:"min=0"`
	MaxQueueSize     int           `mapstructure:"max_queue_size"    validate:"min=1,max=10000"`
	SendDelay        time.Duration `mapstructure:"send_delay"        validate:"min=0"`
	SendTimeout      time.Duration `mapstructure:"send_timeout"      validate:"min=1s"`
	TransientRetries int           `mapstructure:"transient_retries" validate:"min=0,max=5"`
	NotifyTimeout    time.Duration `mapstructure:"notify_timeout"    validate:"min=1s"`
}

// IngestConfig bounds concurrent update processing.
type IngestConfig struct {
	Workers  int `mapstructure:"workers"   validate:"min=1,max=256"`
	LaneSize int `mapstructure:"lane_size" validate:"min=1"`
}

// SchedulerConfig lists scheduled tasks keyed by task name.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks" validate:"dive"`
}

// TaskConfig schedules one task with a six-field cron expression.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
}
