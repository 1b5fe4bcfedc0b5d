// Package bot owns the lifecycle of the support bot: ingestion through
// polling or the webhook server, scheduled tasks, and an orderly drain on
// shutdown.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edgard/supportbot/internal/config"
)

// shutdownTimeout bounds the drain of running updates and queued replies.
const shutdownTimeout = 30 * time.Second

// Transport is the Telegram side of ingestion.
type Transport interface {
	Start(ctx context.Context)
	RegisterWebhook(ctx context.Context, url, secret string) error
	DeleteWebhook(ctx context.Context) error
}

// WebhookServer serves webhook deliveries until ctx ends.
type WebhookServer interface {
	Run(ctx context.Context) error
}

// Intake stops accepting updates and waits for those already accepted.
type Intake interface {
	Close(ctx context.Context) error
}

// Outbox holds replies waiting for delivery.
type Outbox interface {
	Flush(ctx context.Context)
	Len() int
}

// OwnerNotifier alerts the owner.
type OwnerNotifier interface {
	Notify(ctx context.Context, text string)
}

// Deps contains the components the orchestrator runs.
type Deps struct {
	Logger    *slog.Logger
	Config    *config.Config
	Transport Transport
	Server    WebhookServer
	Intake    Intake
	Outbox    Outbox
	Notifier  OwnerNotifier
	Scheduler *Scheduler
}

// Bot runs ingestion and scheduled tasks until its context ends.
type Bot struct {
	logger    *slog.Logger
	cfg       *config.Config
	transport Transport
	server    WebhookServer
	intake    Intake
	outbox    Outbox
	notifier  OwnerNotifier
	scheduler *Scheduler
}

// NewBot checks deps and creates a Bot. Server is required only in webhook
// mode.
func NewBot(deps Deps) (*Bot, error) {
	switch {
	case deps.Logger == nil || deps.Config == nil:
		return nil, errors.New("bot requires a logger and a config")
	case deps.Transport == nil || deps.Intake == nil || deps.Outbox == nil:
		return nil, errors.New("bot requires a transport, an intake and an outbox")
	case deps.Config.Telegram.WebhookMode() && deps.Server == nil:
		return nil, errors.New("webhook mode requires a server")
	}
	return &Bot{
		logger:    deps.Logger.With("component", "bot_orchestrator"),
		cfg:       deps.Config,
		transport: deps.Transport,
		server:    deps.Server,
		intake:    deps.Intake,
		outbox:    deps.Outbox,
		notifier:  deps.Notifier,
		scheduler: deps.Scheduler,
	}, nil
}

// Run blocks until ctx is cancelled or a component fails, then drains
// updates in progress and flushes the outbound queue.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting bot orchestrator", "mode", b.mode())

	if err := b.prepareTransport(ctx); err != nil {
		return err
	}

	if b.scheduler != nil {
		if err := b.scheduler.Start(ctx); err != nil {
			b.logger.Error("Failed to start scheduler", "error", err)
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	if b.cfg.Telegram.WebhookMode() {
		g.Go(func() error {
			return b.server.Run(gCtx)
		})
	} else {
		g.Go(func() error {
			b.logger.Info("Starting long polling")
			b.transport.Start(gCtx)
			b.logger.Info("Long polling stopped")
			if gCtx.Err() == nil {
				return errors.New("telegram listener stopped unexpectedly")
			}
			return nil
		})
	}

	if b.scheduler != nil {
		g.Go(func() error {
			<-gCtx.Done()
			return b.scheduler.Stop()
		})
	}

	err := g.Wait()
	b.drain(ctx)

	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Bot orchestrator stopped due to error", "error", err)
		return err
	}
	b.logger.Info("Bot orchestrator stopped gracefully")
	return nil
}

func (b *Bot) mode() string {
	if b.cfg.Telegram.WebhookMode() {
		return "webhook"
	}
	return "polling"
}

// prepareTransport registers the webhook, or removes a stale one so that
// getUpdates is allowed.
func (b *Bot) prepareTransport(ctx context.Context) error {
	tg := b.cfg.Telegram
	if !tg.WebhookMode() {
		if err := b.transport.DeleteWebhook(ctx); err != nil {
			b.logger.Warn("Failed to delete webhook before polling", "error", err)
		}
		return nil
	}

	if err := b.transport.RegisterWebhook(ctx, tg.WebhookURL, tg.WebhookSecret); err != nil {
		b.logger.Error("Failed to register webhook", "url", tg.WebhookURL, "error", err)
		if b.notifier != nil {
			b.notifier.Notify(ctx, fmt.Sprintf("Failed to register webhook %s: %v", tg.WebhookURL, err))
		}
		return fmt.Errorf("failed to register webhook: %w", err)
	}
	return nil
}

func (b *Bot) drain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := b.intake.Close(drainCtx); err != nil {
		b.logger.Warn("Updates still running at shutdown deadline", "error", err)
	}
	if n := b.outbox.Len(); n > 0 {
		b.logger.Info("Flushing outbound queue before exit", "pending", n)
		b.outbox.Flush(drainCtx)
	}
	if n := b.outbox.Len(); n > 0 {
		b.logger.Warn("Replies left undelivered at shutdown", "pending", n)
	}
}
