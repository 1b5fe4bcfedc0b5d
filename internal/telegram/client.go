// Package telegram adapts the go-telegram/bot client to the delivery and
// chat-action interfaces the rest of the bot depends on.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/supportbot/internal/dispatch"
)

// MaxMessageLength is Telegram's limit for one text message, in runes.
const MaxMessageLength = 4096

// AllowedUpdates are the update kinds the bot subscribes to.
var AllowedUpdates = []string{"message", "business_connection", "business_message", "callback_query"}

// Client wraps a *bot.Bot.
type Client struct {
	bot *bot.Bot
	log *slog.Logger
}

// New creates a Client. opts are passed to bot.New, so polling handlers and
// middleware are configured by the caller.
func New(token string, logger *slog.Logger, opts ...bot.Option) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	log := logger.With("component", "telegram_client")

	b, err := bot.New(token, opts...)
	if err != nil {
		log.Error("Failed to create Telegram bot instance", "error", err)
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Client{bot: b, log: log}, nil
}

// Start runs the long-polling loop until ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	c.bot.Start(ctx)
}

func chatIDParam(chatID string) any {
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		return id
	}
	return chatID
}

// SendMessage sends text, splitting it across messages when it exceeds
// MaxMessageLength. It returns the id of the last message sent. Errors wrap
// dispatch.ErrDeliveryBlocked for refusals and dispatch.ErrDeliveryTransient
// otherwise.
func (c *Client) SendMessage(ctx context.Context, chatID, text, businessConnectionID string) (int, error) {
	var lastID int
	for _, part := range splitText(text, MaxMessageLength) {
		msg, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:               chatIDParam(chatID),
			Text:                 part,
			BusinessConnectionID: businessConnectionID,
		})
		if err != nil {
			return lastID, classify(err)
		}
		lastID = msg.ID
	}
	return lastID, nil
}

// SendTyping shows the typing indicator in chatID.
func (c *Client) SendTyping(ctx context.Context, chatID, businessConnectionID string) error {
	_, err := c.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID:               chatIDParam(chatID),
		Action:               models.ChatActionTyping,
		BusinessConnectionID: businessConnectionID,
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// AnswerCallback acknowledges a callback query so the client stops its
// spinner.
func (c *Client) AnswerCallback(ctx context.Context, callbackQueryID string) error {
	_, err := c.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: callbackQueryID})
	if err != nil {
		return classify(err)
	}
	return nil
}

// RegisterWebhook points Telegram at url for the allowed update kinds.
func (c *Client) RegisterWebhook(ctx context.Context, url, secret string) error {
	_, err := c.bot.SetWebhook(ctx, &bot.SetWebhookParams{
		URL:            url,
		AllowedUpdates: AllowedUpdates,
		SecretToken:    secret,
	})
	if err != nil {
		return fmt.Errorf("failed to set webhook: %w", err)
	}
	c.log.InfoContext(ctx, "Webhook registered", "url", url)
	return nil
}

// DeleteWebhook removes any registered webhook so long polling can run.
// Pending updates are kept.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	if _, err := c.bot.DeleteWebhook(ctx, &bot.DeleteWebhookParams{}); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}

// Identity returns the bot's username.
func (c *Client) Identity(ctx context.Context) (string, error) {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get bot identity: %w", err)
	}
	return me.Username, nil
}

// classify maps client errors onto the delivery sentinels. Forbidden means
// the user blocked the bot; bad request means the chat cannot be addressed.
func classify(err error) error {
	switch {
	case errors.Is(err, bot.ErrorForbidden), errors.Is(err, bot.ErrorBadRequest):
		return fmt.Errorf("%w: %w", dispatch.ErrDeliveryBlocked, err)
	default:
		return fmt.Errorf("%w: %w", dispatch.ErrDeliveryTransient, err)
	}
}

func splitText(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > 0 {
		n := min(limit, len(runes))
		parts = append(parts, string(runes[:n]))
		runes = runes[n:]
	}
	return parts
}
