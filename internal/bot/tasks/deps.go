// Package tasks implements the bot's scheduled jobs.
package tasks

import (
	"context"
	"log/slog"

	"github.com/edgard/supportbot/internal/config"
)

// Maintainer compacts the database.
type Maintainer interface {
	RunSQLMaintenance(ctx context.Context) error
}

// Flusher delivers queued outbound messages.
type Flusher interface {
	Flush(ctx context.Context)
	Len() int
}

// TaskDeps contains the dependencies of scheduled tasks.
type TaskDeps struct {
	Logger     *slog.Logger
	Store      Maintainer
	Dispatcher Flusher
	Config     *config.Config
}
