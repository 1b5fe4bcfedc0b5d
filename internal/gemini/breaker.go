package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("generation circuit open")

type breakerUpstream struct {
	next Upstream
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next so that failures consecutive failures stop calls for
// cooldown. A non-positive failures returns next unchanged.
func NewBreaker(next Upstream, failures int, cooldown time.Duration, log *slog.Logger) Upstream {
	if failures <= 0 {
		return next
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	log = log.With("component", "gemini_breaker")

	settings := gobreaker.Settings{
		Name:        "gemini",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		// cancellation by the caller says nothing about upstream health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &breakerUpstream{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerUpstream) GenerateContent(ctx context.Context, prompt string) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.GenerateContent(ctx, prompt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	if err != nil {
		return "", err
	}
	text, _ := out.(string)
	return text, nil
}
