package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edgard/supportbot/internal/config"
	"github.com/edgard/supportbot/internal/logger"
)

type fakeTransport struct {
	mu          sync.Mutex
	started     bool
	deleted     bool
	registered  string
	registerErr error
	returnEarly bool
}

func (f *fakeTransport) Start(ctx context.Context) {
	f.mu.Lock()
	f.started = true
	early := f.returnEarly
	f.mu.Unlock()
	if early {
		return
	}
	<-ctx.Done()
}

func (f *fakeTransport) RegisterWebhook(_ context.Context, url, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registered = url
	return nil
}

func (f *fakeTransport) DeleteWebhook(context.Context) error {
	f.mu.Lock()
	f.deleted = true
	f.mu.Unlock()
	return nil
}

type fakeServer struct {
	err  error
	runs int
}

func (s *fakeServer) Run(ctx context.Context) error {
	s.runs++
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return nil
}

type fakeIntake struct{ closed bool }

func (i *fakeIntake) Close(context.Context) error {
	i.closed = true
	return nil
}

type fakeOutbox struct {
	mu      sync.Mutex
	pending int
	flushes int
}

func (o *fakeOutbox) Flush(context.Context) {
	o.mu.Lock()
	o.flushes++
	o.pending = 0
	o.mu.Unlock()
}

func (o *fakeOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

type fakeNotifier struct{ texts []string }

func (n *fakeNotifier) Notify(_ context.Context, text string) { n.texts = append(n.texts, text) }

type harness struct {
	transport *fakeTransport
	server    *fakeServer
	intake    *fakeIntake
	outbox    *fakeOutbox
	notifier  *fakeNotifier
	bot       *Bot
}

func newHarness(t *testing.T, webhookURL string) *harness {
	t.Helper()
	h := &harness{
		transport: &fakeTransport{},
		server:    &fakeServer{},
		intake:    &fakeIntake{},
		outbox:    &fakeOutbox{pending: 2},
		notifier:  &fakeNotifier{},
	}
	cfg := &config.Config{Telegram: config.TelegramConfig{WebhookURL: webhookURL}}
	b, err := NewBot(Deps{
		Logger:    logger.Discard(),
		Config:    cfg,
		Transport: h.transport,
		Server:    h.server,
		Intake:    h.intake,
		Outbox:    h.outbox,
		Notifier:  h.notifier,
	})
	if err != nil {
		t.Fatalf("NewBot: %v", err)
	}
	h.bot = b
	return h
}

func runFor(t *testing.T, b *Bot, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRunPollingDrainsOnShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")

	if err := runFor(t, h.bot, 50*time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !h.transport.deleted || !h.transport.started {
		t.Fatalf("transport deleted=%v started=%v, want both", h.transport.deleted, h.transport.started)
	}
	if !h.intake.closed {
		t.Fatal("intake not closed on shutdown")
	}
	if h.outbox.flushes != 1 || h.outbox.Len() != 0 {
		t.Fatalf("outbox flushes=%d pending=%d, want one final flush", h.outbox.flushes, h.outbox.Len())
	}
	if h.server.runs != 0 {
		t.Fatal("webhook server ran in polling mode")
	}
}

func TestRunPollingStopsUnexpectedly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")
	h.transport.returnEarly = true

	err := runFor(t, h.bot, time.Second)
	if err == nil || !strings.Contains(err.Error(), "unexpectedly") {
		t.Fatalf("Run = %v, want unexpected stop error", err)
	}
	if !h.intake.closed {
		t.Fatal("intake not closed after failure")
	}
}

func TestRunWebhook(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "https://example.com/webhook")

	if err := runFor(t, h.bot, 50*time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.transport.registered != "https://example.com/webhook" {
		t.Fatalf("registered %q", h.transport.registered)
	}
	if h.server.runs != 1 || h.transport.started {
		t.Fatalf("server runs=%d polling=%v, want server only", h.server.runs, h.transport.started)
	}
}

func TestRunWebhookRegistrationFailureNotifiesOwner(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "https://example.com/webhook")
	h.transport.registerErr = errors.New("bad certificate")

	err := runFor(t, h.bot, time.Second)
	if err == nil || !strings.Contains(err.Error(), "bad certificate") {
		t.Fatalf("Run = %v, want registration error", err)
	}
	if len(h.notifier.texts) != 1 || !strings.Contains(h.notifier.texts[0], "bad certificate") {
		t.Fatalf("notifications = %v", h.notifier.texts)
	}
	if h.server.runs != 0 {
		t.Fatal("server started after registration failure")
	}
}

func TestRunWebhookServerError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "https://example.com/webhook")
	h.server.err = errors.New("address in use")

	if err := runFor(t, h.bot, time.Second); err == nil || !strings.Contains(err.Error(), "address in use") {
		t.Fatalf("Run = %v, want server error", err)
	}
}

func TestNewBotValidatesDeps(t *testing.T) {
	t.Parallel()
	base := func() Deps {
		return Deps{
			Logger:    logger.Discard(),
			Config:    &config.Config{},
			Transport: &fakeTransport{},
			Intake:    &fakeIntake{},
			Outbox:    &fakeOutbox{},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{name: "no config", mutate: func(d *Deps) { d.Config = nil }},
		{name: "no transport", mutate: func(d *Deps) { d.Transport = nil }},
		{name: "webhook without server", mutate: func(d *Deps) {
			d.Config = &config.Config{Telegram: config.TelegramConfig{WebhookURL: "https://example.com/hook"}}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := base()
			tc.mutate(&d)
			if _, err := NewBot(d); err == nil {
				t.Fatal("NewBot accepted invalid deps")
			}
		})
	}
	if _, err := NewBot(base()); err != nil {
		t.Fatalf("NewBot(valid) = %v", err)
	}
}
