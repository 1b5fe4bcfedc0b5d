// Package history keeps the rolling per-chat conversation used to build prompts.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/edgard/supportbot/internal/database"
)

// DefaultLimit is the number of turns fed into a prompt.
const DefaultLimit = 5

// Store is the subset of database.Store used by History.
type Store interface {
	SaveHistoryEntry(ctx context.Context, entry *database.HistoryEntry) error
	GetRecentHistory(ctx context.Context, chatID string, limit int) ([]database.HistoryEntry, error)
}

// History appends and reads conversation turns.
type History struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	last time.Time
}

// Option configures a History.
type Option func(*History)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *History) { h.now = now }
}

// New creates a History backed by store.
func New(store Store, logger *slog.Logger, opts ...Option) *History {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &History{
		store:  store,
		logger: logger.With("component", "history"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// nextTimestamp never goes backwards, so per-chat order follows append order
// even when the wall clock does.
func (h *History) nextTimestamp() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	ts := h.now().UTC()
	if !ts.After(h.last) {
		ts = h.last.Add(time.Nanosecond)
	}
	h.last = ts
	return ts
}

// Append stores one turn for chatID.
func (h *History) Append(ctx context.Context, chatID string, role database.Role, content string) error {
	entry := &database.HistoryEntry{
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		Timestamp: h.nextTimestamp(),
	}
	if err := h.store.SaveHistoryEntry(ctx, entry); err != nil {
		h.logger.ErrorContext(ctx, "Failed to append history", "chat_id", chatID, "role", role, "error", err)
		return fmt.Errorf("append history for chat %s: %w", chatID, err)
	}
	return nil
}

// Recent returns at most limit turns for chatID, oldest first. A store
// failure is returned as an error wrapping database.ErrStorageUnavailable,
// never as an empty history.
func (h *History) Recent(ctx context.Context, chatID string, limit int) ([]database.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	entries, err := h.store.GetRecentHistory(ctx, chatID, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to read history", "chat_id", chatID, "limit", limit, "error", err)
		if !errors.Is(err, database.ErrStorageUnavailable) {
			err = fmt.Errorf("%w: %w", database.ErrStorageUnavailable, err)
		}
		return nil, fmt.Errorf("read history for chat %s: %w", chatID, err)
	}
	return entries, nil
}
