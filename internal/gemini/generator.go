package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

var (
	// ErrGenerationTimeout is returned when every attempt ran out of time.
	ErrGenerationTimeout = errors.New("generation timed out")
	// ErrGenerationFailed is returned when attempts are exhausted or the
	// upstream rejected the request outright.
	ErrGenerationFailed = errors.New("generation failed")
)

// Generator calls an Upstream with per-attempt timeouts and jittered
// exponential backoff between attempts.
type Generator struct {
	upstream    Upstream
	log         *slog.Logger
	backoffBase time.Duration
	jitter      float64
	randFloat   func() float64
}

// Option configures a Generator.
type Option func(*Generator)

// WithBackoff sets the base delay and the jitter fraction in [0, 1].
func WithBackoff(base time.Duration, jitter float64) Option {
	return func(g *Generator) {
		g.backoffBase = base
		g.jitter = min(max(jitter, 0), 1)
	}
}

// NewGenerator wraps upstream. The default backoff is 1s base, 0.2 jitter.
func NewGenerator(upstream Upstream, log *slog.Logger, opts ...Option) *Generator {
	g := &Generator{
		upstream:    upstream,
		log:         log.With("component", "generator"),
		backoffBase: time.Second,
		jitter:      0.2,
		randFloat:   rand.Float64,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type attemptResult struct {
	text     string
	err      error
	timedOut bool
}

// Generate makes up to maxAttempts calls, each bounded by timeout. It returns
// ErrGenerationTimeout if all attempts timed out, ErrGenerationFailed for
// any other failure, and the context error if ctx ends first.
func (g *Generator) Generate(ctx context.Context, prompt string, maxAttempts int, timeout time.Duration) (string, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	timeouts := 0
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := g.backoff(attempt - 1)
			g.log.DebugContext(ctx, "Retrying generation", "attempt", attempt+1, "delay", delay)
			if err := sleep(ctx, delay); err != nil {
				return "", err
			}
		}

		res := g.attempt(ctx, prompt, timeout)
		if res.err == nil {
			return res.text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		err := res.err
		lastErr = err
		if res.timedOut {
			timeouts++
			g.log.WarnContext(ctx, "Generation attempt timed out", "attempt", attempt+1, "max_attempts", maxAttempts, "timeout", timeout)
			continue
		}

		g.log.WarnContext(ctx, "Generation attempt failed", "attempt", attempt+1, "max_attempts", maxAttempts, "error", err)
		if errors.Is(err, ErrCircuitOpen) {
			return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		if code, ok := apiErrorCode(err); ok && !retriableStatus(code) {
			return "", fmt.Errorf("%w: upstream rejected request (status %d): %w", ErrGenerationFailed, code, err)
		}
	}

	if timeouts == maxAttempts {
		return "", fmt.Errorf("%w after %d attempts of %s", ErrGenerationTimeout, maxAttempts, timeout)
	}
	return "", fmt.Errorf("%w after %d attempts: %w", ErrGenerationFailed, maxAttempts, lastErr)
}

// attempt runs one upstream call. The call runs on its own goroutine so an
// upstream that ignores ctx still cannot hold the attempt past its timeout.
func (g *Generator) attempt(ctx context.Context, prompt string, timeout time.Duration) attemptResult {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		text, err := g.upstream.GenerateContent(attemptCtx, prompt)
		if err == nil && text == "" {
			err = errEmptyResponse
		}
		done <- attemptResult{text: text, err: err}
	}()

	select {
	case res := <-done:
		res.timedOut = res.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		return res
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return attemptResult{err: ctx.Err()}
		}
		return attemptResult{err: attemptCtx.Err(), timedOut: true}
	}
}

// backoff returns 2^n * base scaled by a factor in [1-jitter, 1+jitter].
func (g *Generator) backoff(n int) time.Duration {
	d := float64(g.backoffBase) * float64(uint64(1)<<min(n, 30))
	factor := 1 + g.jitter*(2*g.randFloat()-1)
	return time.Duration(math.Round(d * factor))
}

func retriableStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return false
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
