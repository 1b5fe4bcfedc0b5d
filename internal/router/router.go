// Package router turns each inbound update into at most one outbound reply:
// it deduplicates, classifies, learns from the owner, and generates answers
// for everyone else.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"

	"github.com/edgard/supportbot/internal/config"
	"github.com/edgard/supportbot/internal/database"
	"github.com/edgard/supportbot/internal/gemini"
)

// ErrDuplicateUpdate marks an update that was already handled. The router
// logs it and reports the update as ignored.
var ErrDuplicateUpdate = errors.New("duplicate update")

// Claimer atomically marks an update id as processed.
type Claimer interface {
	Claim(ctx context.Context, updateID int64) (bool, error)
}

// History records and reads conversation turns.
type History interface {
	Append(ctx context.Context, chatID string, role database.Role, content string) error
	Recent(ctx context.Context, chatID string, limit int) ([]database.HistoryEntry, error)
}

// Learner accumulates owner-taught context.
type Learner interface {
	Append(ctx context.Context, fragment string) error
	Render() string
}

// Generator produces a reply for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxAttempts int, timeout time.Duration) (string, error)
}

// Dispatcher queues replies and delivers them.
type Dispatcher interface {
	Enqueue(ctx context.Context, chatID, text, businessConnectionID string) bool
	Flush(ctx context.Context)
	FlushChat(ctx context.Context, chatID string)
}

// Notifier alerts the owner.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// ChatActions are the best-effort transport calls the router makes
// directly.
type ChatActions interface {
	SendTyping(ctx context.Context, chatID, businessConnectionID string) error
	AnswerCallback(ctx context.Context, callbackQueryID string) error
}

// Formatter rewrites generated replies before they are queued.
type Formatter interface {
	Format(text string) string
}

// BlockedChecker reports chats that refused delivery.
type BlockedChecker interface {
	IsBlocked(chatID string) bool
}

// Deps provides the router's collaborators.
type Deps struct {
	Logger        *slog.Logger
	Config        *config.Config
	Dedup         Claimer
	History       History
	Learner       Learner
	Generator     Generator
	Dispatcher    Dispatcher
	Notifier      Notifier
	Actions       ChatActions
	Blocked       BlockedChecker
	Formatter     Formatter
	StaticContext string
	Now           func() time.Time
}

// Router handles updates. It is safe for concurrent use; callers serialize
// updates of the same chat.
type Router struct {
	deps Deps
	log  *slog.Logger
}

// New creates a Router.
func New(deps Deps) *Router {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Router{deps: deps, log: deps.Logger.With("component", "router")}
}

// Handle processes one update and returns the state it finished in, before
// the deferred flush. The only error returned is a storage failure during
// deduplication, in which case the update is left unmarked.
func (r *Router) Handle(ctx context.Context, update *models.Update) (State, error) {
	if update == nil || update.ID == 0 {
		r.log.DebugContext(ctx, "Ignoring update without id")
		return StateIgnored, nil
	}

	log := r.log.With("update_id", update.ID, "trace_id", traceID())
	var chatID string
	defer func() {
		if chatID != "" {
			r.deps.Dispatcher.FlushChat(ctx, chatID)
		} else {
			r.deps.Dispatcher.Flush(ctx)
		}
		log.DebugContext(ctx, "Update finished", "state", StateDispatched)
	}()

	first, err := r.deps.Dedup.Claim(ctx, update.ID)
	if err != nil {
		log.ErrorContext(ctx, "Failed to claim update", "error", err)
		return StateReceived, fmt.Errorf("failed to claim update %d: %w", update.ID, err)
	}
	if !first {
		log.DebugContext(ctx, "Skipping update", "reason", ErrDuplicateUpdate)
		return StateIgnored, nil
	}

	var msg Message
	switch {
	case update.BusinessMessage != nil:
		msg = newMessage(update.BusinessMessage, true)
	case update.Message != nil:
		msg = newMessage(update.Message, false)
	case update.BusinessConnection != nil:
		log.InfoContext(ctx, "Business connection update",
			"business_connection_id", update.BusinessConnection.ID,
			"enabled", update.BusinessConnection.IsEnabled)
		return StateIgnored, nil
	case update.CallbackQuery != nil:
		if r.deps.Actions != nil {
			if err := r.deps.Actions.AnswerCallback(ctx, update.CallbackQuery.ID); err != nil {
				log.WarnContext(ctx, "Failed to answer callback query", "error", err)
			}
		}
		return StateIgnored, nil
	default:
		log.DebugContext(ctx, "Ignoring unsupported update type")
		return StateIgnored, nil
	}

	chatID = msg.ChatID
	log = log.With("chat_id", msg.ChatID, "sender_id", msg.SenderID, "privileged", msg.Privileged)
	return r.route(ctx, log, msg), nil
}

func (r *Router) route(ctx context.Context, log *slog.Logger, msg Message) State {
	cfg := r.deps.Config

	if !msg.Privileged {
		if age := r.deps.Now().Sub(msg.SentAt); age > cfg.Bot.StaleAfter {
			log.InfoContext(ctx, "Ignoring stale message", "age", age.Round(time.Second))
			return StateIgnored
		}
	}

	if msg.SenderID != "" && msg.SenderID == cfg.Telegram.OwnerID {
		return r.learn(ctx, log, msg)
	}

	if !msg.HasText {
		log.InfoContext(ctx, "Non-text message, sending fallback notice")
		r.deps.Dispatcher.Enqueue(ctx, msg.ChatID, cfg.Messages.Fallback, msg.BusinessConnectionID)
		return StateReplied
	}

	if isStartCommand(msg.Text) {
		name := msg.SenderName
		if name == "" {
			name = "there"
		}
		welcome := strings.ReplaceAll(cfg.Messages.Welcome, "{name}", name)
		if r.deps.Dispatcher.Enqueue(ctx, msg.ChatID, welcome, msg.BusinessConnectionID) {
			if err := r.deps.History.Append(ctx, msg.ChatID, database.RoleBot, welcome); err != nil {
				log.ErrorContext(ctx, "Failed to record welcome", "error", err)
			}
		}
		return StateReplied
	}

	return r.answer(ctx, log, msg)
}

func (r *Router) learn(ctx context.Context, log *slog.Logger, msg Message) State {
	if !msg.HasText {
		log.DebugContext(ctx, "Ignoring owner message without text")
		return StateIgnored
	}
	if err := r.deps.Learner.Append(ctx, "Owner: "+msg.Text); err != nil {
		log.ErrorContext(ctx, "Failed to learn owner message", "error", err)
	}
	if err := r.deps.History.Append(ctx, msg.ChatID, database.RoleUser, msg.Text); err != nil {
		log.ErrorContext(ctx, "Failed to record owner message", "error", err)
	}
	log.InfoContext(ctx, "Learned from owner message")
	return StateLearned
}

func (r *Router) answer(ctx context.Context, log *slog.Logger, msg Message) State {
	cfg := r.deps.Config

	if err := r.deps.History.Append(ctx, msg.ChatID, database.RoleUser, msg.Text); err != nil {
		return r.apologize(ctx, log, msg, fmt.Errorf("failed to record user turn: %w", err))
	}

	r.typing(ctx, log, msg)

	entries, err := r.deps.History.Recent(ctx, msg.ChatID, cfg.Bot.HistoryLimit)
	if err != nil {
		return r.apologize(ctx, log, msg, fmt.Errorf("failed to load history: %w", err))
	}

	prompt := gemini.BuildPrompt(r.deps.StaticContext, r.deps.Learner.Render(), entries, msg.Text)
	reply, err := r.deps.Generator.Generate(ctx, prompt, cfg.Gemini.MaxAttempts, cfg.Gemini.AttemptTimeout)
	if err != nil {
		return r.apologize(ctx, log, msg, err)
	}
	if r.deps.Formatter != nil {
		reply = r.deps.Formatter.Format(reply)
	}

	if r.deps.Dispatcher.Enqueue(ctx, msg.ChatID, reply, msg.BusinessConnectionID) {
		if err := r.deps.History.Append(ctx, msg.ChatID, database.RoleBot, reply); err != nil {
			log.ErrorContext(ctx, "Failed to record bot turn", "error", err)
		}
	}
	log.InfoContext(ctx, "Reply generated", "reply_len", len(reply), "history_len", len(entries))
	return StateReplied
}

func (r *Router) apologize(ctx context.Context, log *slog.Logger, msg Message, cause error) State {
	log.ErrorContext(ctx, "Failed to answer message", "error", cause)
	r.deps.Notifier.Notify(ctx, fmt.Sprintf("Error handling message from chat %s: %v", msg.ChatID, cause))
	r.deps.Dispatcher.Enqueue(ctx, msg.ChatID, r.deps.Config.Messages.Apology, msg.BusinessConnectionID)
	return StateReplied
}

func (r *Router) typing(ctx context.Context, log *slog.Logger, msg Message) {
	if r.deps.Actions == nil || (r.deps.Blocked != nil && r.deps.Blocked.IsBlocked(msg.ChatID)) {
		return
	}
	actionCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.deps.Actions.SendTyping(actionCtx, msg.ChatID, msg.BusinessConnectionID); err != nil {
		log.DebugContext(ctx, "Failed to send typing action", "error", err)
	}
}

func traceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
