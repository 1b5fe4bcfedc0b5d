package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/edgard/supportbot/internal/database"
)

// BlockedStore persists blocked chats so an operator can review or reset
// them.
type BlockedStore interface {
	AddBlockedChat(ctx context.Context, chatID, reason string) error
	ListBlockedChats(ctx context.Context) ([]database.BlockedChat, error)
}

// BlockedRegistry is the set of chats that permanently rejected delivery.
// Entries are never removed while the process runs.
type BlockedRegistry struct {
	mu    sync.RWMutex
	chats map[string]struct{}
	store BlockedStore
	log   *slog.Logger
}

// NewBlockedRegistry creates an empty registry. A nil store keeps the set in
// memory only.
func NewBlockedRegistry(store BlockedStore, log *slog.Logger) *BlockedRegistry {
	return &BlockedRegistry{
		chats: make(map[string]struct{}),
		store: store,
		log:   log.With("component", "blocked_registry"),
	}
}

// Load merges the persisted blocked chats into the set.
func (r *BlockedRegistry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	chats, err := r.store.ListBlockedChats(ctx)
	if err != nil {
		return fmt.Errorf("failed to load blocked chats: %w", err)
	}

	r.mu.Lock()
	for _, c := range chats {
		r.chats[c.ChatID] = struct{}{}
	}
	n := len(r.chats)
	r.mu.Unlock()

	r.log.InfoContext(ctx, "Loaded blocked chats", "count", n)
	return nil
}

// IsBlocked reports whether chatID is in the set.
func (r *BlockedRegistry) IsBlocked(chatID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chats[chatID]
	return ok
}

// Block adds chatID and reports whether it was new. A persistence failure
// is logged; the in-memory entry stands regardless.
func (r *BlockedRegistry) Block(ctx context.Context, chatID, reason string) bool {
	r.mu.Lock()
	_, exists := r.chats[chatID]
	r.chats[chatID] = struct{}{}
	r.mu.Unlock()

	if exists {
		return false
	}
	r.log.WarnContext(ctx, "Chat blocked delivery", "chat_id", chatID, "reason", reason)
	if r.store != nil {
		if err := r.store.AddBlockedChat(ctx, chatID, reason); err != nil {
			r.log.ErrorContext(ctx, "Failed to persist blocked chat", "chat_id", chatID, "error", err)
		}
	}
	return true
}

// Len returns the number of blocked chats.
func (r *BlockedRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chats)
}
