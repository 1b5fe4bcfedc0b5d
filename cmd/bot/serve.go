package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/spf13/cobra"

	"github.com/edgard/supportbot/internal/bot"
	"github.com/edgard/supportbot/internal/bot/tasks"
	"github.com/edgard/supportbot/internal/database"
	"github.com/edgard/supportbot/internal/dedup"
	"github.com/edgard/supportbot/internal/dispatch"
	"github.com/edgard/supportbot/internal/gemini"
	"github.com/edgard/supportbot/internal/history"
	"github.com/edgard/supportbot/internal/ingest"
	"github.com/edgard/supportbot/internal/learner"
	"github.com/edgard/supportbot/internal/logger"
	"github.com/edgard/supportbot/internal/router"
	"github.com/edgard/supportbot/internal/sanitize"
	"github.com/edgard/supportbot/internal/server"
	"github.com/edgard/supportbot/internal/telegram"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// runServe wires every component and blocks until ctx is cancelled.
func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := opts.load(false)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return err
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	upstream, err := gemini.NewClient(ctx, cfg.Gemini, log)
	if err != nil {
		log.Error("Failed to initialize Gemini client", "error", err)
		return err
	}
	upstream = gemini.NewBreaker(upstream, cfg.Gemini.BreakerFailures, cfg.Gemini.BreakerCooldown, log)
	generator := gemini.NewGenerator(upstream, log, gemini.WithBackoff(cfg.Gemini.BackoffBase, cfg.Gemini.BackoffJitter))

	var learnedStore learner.Store
	if cfg.Bot.PersistLearnedContext {
		learnedStore = store
	}
	learned := learner.New(learnedStore, log)
	if err := learned.Load(ctx); err != nil {
		log.Error("Failed to load learned context", "error", err)
		return err
	}

	blocked := dispatch.NewBlockedRegistry(store, log)
	if err := blocked.Load(ctx); err != nil {
		log.Error("Failed to load blocked chats", "error", err)
		return err
	}

	polling := !cfg.Telegram.WebhookMode()
	var offsets *bot.Offsets
	if polling {
		if offsets, err = bot.LoadOffsets(ctx, store, log); err != nil {
			log.Error("Failed to load poll offset", "error", err)
			return err
		}
	}

	// The client's default handler feeds the pool, which needs the client's
	// collaborators, so the pool is assigned after the client exists.
	var pool *ingest.Pool
	botOpts := []tgbot.Option{
		tgbot.WithMiddlewares(logger.Middleware(log)),
		tgbot.WithAllowedUpdates(telegram.AllowedUpdates),
		tgbot.WithDefaultHandler(func(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
			offsets.Begin(update.ID)
			if err := pool.Submit(update); err != nil {
				log.WarnContext(ctx, "Dropping polled update", "update_id", update.ID, "error", err)
				offsets.Done(ctx, update.ID)
			}
		}),
	}
	if polling {
		botOpts = append(botOpts, tgbot.WithInitialOffset(offsets.Committed()))
	}
	tg, err := telegram.New(cfg.Telegram.Token, log, botOpts...)
	if err != nil {
		log.Error("Failed to create Telegram client", "error", err)
		return err
	}
	username, err := tg.Identity(ctx)
	if err != nil {
		log.Error("Failed to get bot info", "error", err)
		return err
	}
	log.Info("Retrieved bot info", "bot_username", username)

	notifier := dispatch.NewNotifier(tg, cfg.Telegram.OwnerID, blocked, cfg.Dispatcher.NotifyTimeout, log)
	dispatcher := dispatch.New(tg, store, blocked, notifier, dispatch.Options{
		MinInterval:      cfg.Dispatcher.MinInterval,
		MaxQueueSize:     cfg.Dispatcher.MaxQueueSize,
		SendDelay:        cfg.Dispatcher.SendDelay,
		SendTimeout:      cfg.Dispatcher.SendTimeout,
		TransientRetries: cfg.Dispatcher.TransientRetries,
	}, log)

	var formatter router.Formatter
	if cfg.Bot.PlainTextReplies {
		formatter = sanitize.NewFormatter()
	}
	rtr := router.New(router.Deps{
		Logger:        log,
		Config:        cfg,
		Dedup:         dedup.New(store, log),
		History:       history.New(store, log),
		Learner:       learned,
		Generator:     generator,
		Dispatcher:    dispatcher,
		Notifier:      notifier,
		Actions:       tg,
		Blocked:       blocked,
		Formatter:     formatter,
		StaticContext: cfg.Bot.LoadStaticContext(),
	})

	poolOpts := ingest.Options{Workers: cfg.Ingest.Workers, LaneSize: cfg.Ingest.LaneSize}
	if polling {
		persistCtx := context.WithoutCancel(ctx)
		poolOpts.OnDone = func(updateID int64) { offsets.Done(persistCtx, updateID) }
	}
	// Handlers outlive the signal so shutdown can drain them.
	pool = ingest.NewPool(context.WithoutCancel(ctx), func(ctx context.Context, update *models.Update) {
		if _, err := rtr.Handle(ctx, update); err != nil {
			log.ErrorContext(ctx, "Update handling failed", "update_id", update.ID, "error", err)
		}
	}, poolOpts, log)

	var webhook bot.WebhookServer
	if !polling {
		webhook = server.New(cfg.Telegram, pool, store, log)
	}

	sched, err := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger:     log,
		Store:      store,
		Dispatcher: dispatcher,
		Config:     cfg,
	}))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return err
	}

	app, err := bot.NewBot(bot.Deps{
		Logger:    log,
		Config:    cfg,
		Transport: tg,
		Server:    webhook,
		Intake:    pool,
		Outbox:    dispatcher,
		Notifier:  notifier,
		Scheduler: sched,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble bot: %w", err)
	}

	log.Info("Starting bot...")
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Bot stopped due to error", "error", err)
		return err
	}
	log.Info("Bot stopped gracefully")
	return nil
}
