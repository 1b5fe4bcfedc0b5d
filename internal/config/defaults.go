package config

import "time"

// Task names understood by the scheduler.
const (
	TaskFlushOutbound  = "flush_outbound"
	TaskSQLMaintenance = "sql_maintenance"
)

var defaults = map[string]any{
	"log.level": "info",
	"log.json":  false,

	"telegram.webhook_path": "/webhook",
	"telegram.listen_addr":  ":8443",

	"gemini.model":            "gemini-1.5-flash",
	"gemini.temperature":      1.0,
	"gemini.max_attempts":     3,
	"gemini.attempt_timeout":  10 * time.Second,
	"gemini.backoff_base":     time.Second,
	"gemini.backoff_jitter":   0.2,
	"gemini.breaker_failures": 5,
	"gemini.breaker_cooldown": 30 * time.Second,

	"database.path": "chat_history.db",

	"bot.context_file":            "context.txt",
	"bot.default_context":         "Default context",
	"bot.history_limit":           5,
	"bot.stale_after":             60 * time.Second,
	"bot.persist_learned_context": false,
	"bot.plain_text_replies":      false,

	"messages.welcome":  "Hi {name}! I'm your support bot, powered by Gemini. How can I help you today?",
	"messages.fallback": "Sorry, I can only process text messages. Please wait for a team member to assist you.",
	"messages.apology":  "Oops, something went wrong! Please wait for a team member to assist you.",

	"dispatcher.min_interval":      10 * time.Second,
	"dispatcher.max_queue_size":    10,
	"dispatcher.send_delay":        2 * time.Second,
	"dispatcher.send_timeout":      15 * time.Second,
	"dispatcher.transient_retries": 0,
	"dispatcher.notify_timeout":    10 * time.Second,

	"ingest.workers":   8,
	"ingest.lane_size": 32,

	"scheduler.tasks." + TaskFlushOutbound + ".enabled":   true,
	"scheduler.tasks." + TaskFlushOutbound + ".schedule":  "*/5 * * * * *",
	"scheduler.tasks." + TaskSQLMaintenance + ".enabled":  true,
	"scheduler.tasks." + TaskSQLMaintenance + ".schedule": "0 0 4 * * *",
}

// envAliases binds the plain deployment variables next to the BOT_* ones.
var envAliases = map[string][]string{
	"telegram.token":       {"BOT_TELEGRAM_TOKEN", "TOKEN", "TELEGRAM_TOKEN"},
	"telegram.owner_id":    {"BOT_TELEGRAM_OWNER_ID", "OWNER_ID", "OWNER_CHAT_ID"},
	"gemini.api_key":       {"BOT_GEMINI_API_KEY", "GENERATION_API_KEY", "GEMINI_API_KEY"},
	"telegram.webhook_url": {"BOT_TELEGRAM_WEBHOOK_URL", "WEBHOOK_URL"},
}
