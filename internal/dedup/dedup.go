// Package dedup decides whether an inbound update was already handled.
package dedup

import (
	"context"
	"io"
	"log/slog"
)

// Store is the subset of database.Store the deduplicator needs.
type Store interface {
	MarkUpdateProcessed(ctx context.Context, updateID int64) (bool, error)
	IsUpdateProcessed(ctx context.Context, updateID int64) (bool, error)
}

// Deduplicator tracks processed update ids durably. The processed set is
// never compacted.
type Deduplicator struct {
	store  Store
	logger *slog.Logger
}

// New creates a Deduplicator backed by store.
func New(store Store, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Deduplicator{
		store:  store,
		logger: logger.With("component", "dedup"),
	}
}

// IsProcessed reports whether updateID was already handled.
func (d *Deduplicator) IsProcessed(ctx context.Context, updateID int64) (bool, error) {
	return d.store.IsUpdateProcessed(ctx, updateID)
}

// MarkProcessed records updateID as handled. Marking twice is a no-op.
func (d *Deduplicator) MarkProcessed(ctx context.Context, updateID int64) error {
	_, err := d.store.MarkUpdateProcessed(ctx, updateID)
	return err
}

// Claim atomically checks and marks updateID. It returns true only for the
// first caller; on error nothing is recorded so a redelivery can succeed.
func (d *Deduplicator) Claim(ctx context.Context, updateID int64) (bool, error) {
	first, err := d.store.MarkUpdateProcessed(ctx, updateID)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to claim update", "update_id", updateID, "error", err)
		return false, err
	}
	if !first {
		d.logger.DebugContext(ctx, "Update already processed", "update_id", updateID)
	}
	return first, nil
}
