// Package learner accumulates the context the owner teaches the bot. Every
// prompt for every chat includes the rendered context.
package learner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/edgard/supportbot/internal/database"
)

// Store persists fragments when learned context should survive restarts.
type Store interface {
	AppendLearnedFragment(ctx context.Context, fragment string) error
	ListLearnedFragments(ctx context.Context) ([]database.LearnedFragment, error)
}

// Learner is an append-only, process-wide log of fragments.
type Learner struct {
	logger *slog.Logger
	store  Store // nil keeps the context in memory only

	mu        sync.Mutex
	fragments []string
	rendered  string
}

// New creates a Learner. A nil store keeps learned context volatile.
func New(store Store, logger *slog.Logger) *Learner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Learner{
		logger: logger.With("component", "learner"),
		store:  store,
	}
}

// Load replays persisted fragments. It is a no-op without a store.
func (l *Learner) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	persisted, err := l.store.ListLearnedFragments(ctx)
	if err != nil {
		return fmt.Errorf("load learned context: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range persisted {
		l.appendLocked(f.Fragment)
	}
	l.logger.InfoContext(ctx, "Learned context loaded", "fragments", len(persisted))
	return nil
}

// Append adds fragment to the end of the learned context. With a store the
// fragment is written through before it becomes visible.
func (l *Learner) Append(ctx context.Context, fragment string) error {
	if fragment == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store != nil {
		if err := l.store.AppendLearnedFragment(ctx, fragment); err != nil {
			l.logger.ErrorContext(ctx, "Failed to persist learned fragment", "error", err)
			return fmt.Errorf("persist learned fragment: %w", err)
		}
	}
	l.appendLocked(fragment)
	l.logger.InfoContext(ctx, "Learned context updated", "fragments", len(l.fragments), "size", len(l.rendered))
	return nil
}

func (l *Learner) appendLocked(fragment string) {
	l.fragments = append(l.fragments, fragment)
	var b strings.Builder
	b.Grow(len(l.rendered) + len(fragment) + 2)
	b.WriteString(l.rendered)
	b.WriteString("\n\n")
	b.WriteString(fragment)
	l.rendered = b.String()
}

// Render returns the full learned context in append order.
func (l *Learner) Render() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rendered
}

// Fragments returns a copy of the fragments in append order.
func (l *Learner) Fragments() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.fragments))
	copy(out, l.fragments)
	return out
}
