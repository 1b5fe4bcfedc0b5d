// Package dispatch queues outbound replies and delivers them with a per-chat
// minimum interval, a bounded queue and a fixed delay before every send.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrDeliveryBlocked means the recipient refused delivery permanently.
	ErrDeliveryBlocked = errors.New("delivery blocked")
	// ErrDeliveryTransient means a send failed but may succeed later.
	ErrDeliveryTransient = errors.New("delivery failed")
	// ErrQueueOverflow means the outbound queue was full.
	ErrQueueOverflow = errors.New("outbound queue full")
	// ErrRateLimited means the chat was sent to, or had a reply accepted,
	// less than the minimum interval ago.
	ErrRateLimited = errors.New("chat rate limited")
)

// Sender delivers one text message. Errors should wrap ErrDeliveryBlocked
// or ErrDeliveryTransient.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text, businessConnectionID string) (int, error)
}

// TimestampStore records when each chat last received a message.
type TimestampStore interface {
	GetLastSendTime(ctx context.Context, chatID string) (time.Time, error)
	SetLastSendTime(ctx context.Context, chatID string, t time.Time) error
}

// Options tune delivery.
type Options struct {
	MinInterval      time.Duration
	MaxQueueSize     int
	SendDelay        time.Duration
	SendTimeout      time.Duration
	TransientRetries int
}

// DefaultOptions returns the standard limits.
func DefaultOptions() Options {
	return Options{
		MinInterval:  10 * time.Second,
		MaxQueueSize: 10,
		SendDelay:    2 * time.Second,
		SendTimeout:  15 * time.Second,
	}
}

// Dispatcher owns the outbound queue.
type Dispatcher struct {
	sender   Sender
	stamps   TimestampStore
	blocked  *BlockedRegistry
	notifier *Notifier
	opts     Options
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	queue    *queue
	reserved map[string]time.Time
	inFlight map[string]struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher. notifier may be nil.
func New(sender Sender, stamps TimestampStore, blocked *BlockedRegistry, notifier *Notifier, opts Options, log *slog.Logger, extra ...DispatcherOption) *Dispatcher {
	if opts.MaxQueueSize < 1 {
		opts.MaxQueueSize = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	d := &Dispatcher{
		sender:   sender,
		stamps:   stamps,
		blocked:  blocked,
		notifier: notifier,
		opts:     opts,
		log:      log.With("component", "dispatcher"),
		now:      time.Now,
		queue:    newQueue(opts.MaxQueueSize),
		reserved: make(map[string]time.Time),
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range extra {
		opt(d)
	}
	return d
}

// Enqueue accepts a reply for the next flush and reports whether it was
// queued. Rejections are logged.
func (d *Dispatcher) Enqueue(ctx context.Context, chatID, text, businessConnectionID string) bool {
	if err := d.TryEnqueue(ctx, chatID, text, businessConnectionID); err != nil {
		d.log.InfoContext(ctx, "Reply not queued", "chat_id", chatID, "reason", err)
		return false
	}
	return true
}

// TryEnqueue is Enqueue returning the rejection cause: ErrDeliveryBlocked,
// ErrRateLimited, ErrQueueOverflow or a timestamp read failure.
func (d *Dispatcher) TryEnqueue(ctx context.Context, chatID, text, businessConnectionID string) error {
	if d.blocked.IsBlocked(chatID) {
		return ErrDeliveryBlocked
	}

	last, err := d.stamps.GetLastSendTime(ctx, chatID)
	if err != nil {
		return fmt.Errorf("failed to read last send time: %w", err)
	}
	now := d.now()
	if !last.IsZero() && now.Sub(last) < d.opts.MinInterval {
		return fmt.Errorf("%w: last send %s ago", ErrRateLimited, now.Sub(last).Round(time.Millisecond))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.reserved[chatID]; ok && now.Sub(at) < d.opts.MinInterval {
		return fmt.Errorf("%w: reply already accepted %s ago", ErrRateLimited, now.Sub(at).Round(time.Millisecond))
	}
	if !d.queue.push(PendingMessage{
		ChatID:               chatID,
		Text:                 text,
		BusinessConnectionID: businessConnectionID,
		EnqueuedAt:           now,
	}) {
		return fmt.Errorf("%w: %d pending", ErrQueueOverflow, d.queue.len())
	}
	d.reserved[chatID] = now
	return nil
}

// Len returns the number of queued messages.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.len()
}

// Flush sends every queued message it can and returns once those sends are
// done. Chats already being sent by another Flush keep their messages queued
// for the next one.
func (d *Dispatcher) Flush(ctx context.Context) {
	d.flush(ctx, "")
}

// FlushChat is Flush restricted to one chat. Messages for other chats stay
// queued.
func (d *Dispatcher) FlushChat(ctx context.Context, chatID string) {
	d.flush(ctx, chatID)
}

func (d *Dispatcher) flush(ctx context.Context, only string) {
	groups, order := d.takeBatch(ctx, only)
	if len(order) == 0 {
		return
	}
	d.log.DebugContext(ctx, "Flushing outbound queue", "chats", len(order))

	var g errgroup.Group
	for _, chatID := range order {
		msgs := groups[chatID]
		g.Go(func() error {
			defer d.release(chatID)
			d.sendChat(ctx, chatID, msgs)
			return nil
		})
	}
	_ = g.Wait()
}

// takeBatch drains the queue under the lock and marks the selected chats as
// in flight. A non-empty only selects that chat alone.
func (d *Dispatcher) takeBatch(ctx context.Context, only string) (map[string][]PendingMessage, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for chatID, at := range d.reserved {
		if now.Sub(at) >= d.opts.MinInterval {
			delete(d.reserved, chatID)
		}
	}

	groups := make(map[string][]PendingMessage)
	var order []string
	var keep []PendingMessage

	for _, msg := range d.queue.drain() {
		switch {
		case d.blocked.IsBlocked(msg.ChatID):
			d.log.InfoContext(ctx, "Dropping queued message for blocked chat", "chat_id", msg.ChatID)
			continue
		case d.isInFlight(msg.ChatID), only != "" && msg.ChatID != only:
			keep = append(keep, msg)
			continue
		}
		if _, ok := groups[msg.ChatID]; !ok {
			order = append(order, msg.ChatID)
		}
		groups[msg.ChatID] = append(groups[msg.ChatID], msg)
	}

	for _, msg := range keep {
		d.queue.push(msg)
	}
	for _, chatID := range order {
		d.inFlight[chatID] = struct{}{}
	}
	return groups, order
}

func (d *Dispatcher) isInFlight(chatID string) bool {
	_, ok := d.inFlight[chatID]
	return ok
}

func (d *Dispatcher) release(chatID string) {
	d.mu.Lock()
	delete(d.inFlight, chatID)
	d.mu.Unlock()
}

// requeue puts messages back at the tail, dropping those that no longer fit.
func (d *Dispatcher) requeue(ctx context.Context, msgs ...PendingMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, msg := range msgs {
		if !d.queue.push(msg) {
			d.log.WarnContext(ctx, "Dropping message, queue full on requeue", "chat_id", msg.ChatID)
		}
	}
}

// sendChat delivers one chat's messages in order, waiting SendDelay before
// each send. A text already delivered in this pass is skipped.
func (d *Dispatcher) sendChat(ctx context.Context, chatID string, msgs []PendingMessage) {
	log := d.log.With("chat_id", chatID)
	sent := make(map[string]struct{})

	for i, msg := range msgs {
		if _, dup := sent[msg.Text]; dup {
			log.DebugContext(ctx, "Skipping duplicate queued message")
			continue
		}
		if d.blocked.IsBlocked(chatID) {
			log.InfoContext(ctx, "Chat blocked mid-flush, dropping remaining messages", "dropped", len(msgs)-i)
			return
		}
		if err := sleep(ctx, d.opts.SendDelay); err != nil {
			log.WarnContext(ctx, "Flush interrupted, keeping remaining messages", "remaining", len(msgs)-i)
			d.requeue(ctx, msgs[i:]...)
			return
		}

		err := d.send(ctx, msg)
		switch {
		case err == nil:
			sent[msg.Text] = struct{}{}
			if err := d.stamps.SetLastSendTime(ctx, chatID, d.now()); err != nil {
				log.ErrorContext(ctx, "Failed to record send time", "error", err)
			}
			log.DebugContext(ctx, "Message delivered")

		case errors.Is(err, ErrDeliveryBlocked):
			d.blocked.Block(ctx, chatID, err.Error())
			d.notifier.Notify(ctx, fmt.Sprintf("Chat %s blocked the bot, dropping its replies: %v", chatID, err))
			return

		default:
			log.WarnContext(ctx, "Message delivery failed", "attempt", msg.Attempts+1, "error", err)
			d.notifier.Notify(ctx, fmt.Sprintf("Failed to deliver reply to chat %s: %v", chatID, err))
			if msg.Attempts < d.opts.TransientRetries {
				msg.Attempts++
				d.requeue(ctx, msg)
			}
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, msg PendingMessage) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	_, err := d.sender.SendMessage(sendCtx, msg.ChatID, msg.Text, msg.BusinessConnectionID)
	if err != nil && !errors.Is(err, ErrDeliveryBlocked) && !errors.Is(err, ErrDeliveryTransient) {
		err = fmt.Errorf("%w: %w", ErrDeliveryTransient, err)
	}
	return err
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
