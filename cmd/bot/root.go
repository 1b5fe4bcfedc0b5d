package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/edgard/supportbot/internal/config"
	"github.com/edgard/supportbot/internal/database"
	"github.com/edgard/supportbot/internal/logger"
)

type rootOptions struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "supportbot",
		Short:        "Telegram customer support bot backed by Gemini",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file path (default ./config.yaml when present)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Env file exported before reading the environment")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newBlockedCmd(opts))
	cmd.AddCommand(newLearnedCmd(opts))
	return cmd
}

func (o *rootOptions) load(skipValidation bool) (*config.Config, error) {
	return config.Load(config.Options{
		ConfigFile:     o.configFile,
		EnvFile:        o.envFile,
		SkipValidation: skipValidation,
	})
}

// withStore runs fn against the configured database. Operator commands need
// no credentials, so validation is skipped and only warnings are logged.
func (o *rootOptions) withStore(cmd *cobra.Command, fn func(ctx context.Context, store database.Store) error) error {
	log := logger.New(cmd.ErrOrStderr(), "warn", false)
	slog.SetDefault(log)

	cfg, err := o.load(true)
	if err != nil {
		return err
	}
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}
	defer database.CloseDB(db)

	return fn(cmd.Context(), database.NewStore(db, log))
}
