package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Notifier sends operational alerts straight to the owner chat, outside the
// queue and the per-chat interval.
type Notifier struct {
	sender      Sender
	ownerChatID string
	blocked     *BlockedRegistry
	timeout     time.Duration
	log         *slog.Logger
}

// NewNotifier creates a Notifier for ownerChatID. timeout bounds each send
// and defaults to 10s.
func NewNotifier(sender Sender, ownerChatID string, blocked *BlockedRegistry, timeout time.Duration, log *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		sender:      sender,
		ownerChatID: ownerChatID,
		blocked:     blocked,
		timeout:     timeout,
		log:         log.With("component", "notifier"),
	}
}

// Notify delivers text to the owner. It outlives cancellation of ctx up to
// its own timeout so shutdown-time failures can still be reported.
func (n *Notifier) Notify(ctx context.Context, text string) {
	if n == nil || n.ownerChatID == "" {
		return
	}
	if n.blocked != nil && n.blocked.IsBlocked(n.ownerChatID) {
		n.log.DebugContext(ctx, "Owner chat blocked, dropping notification")
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	if _, err := n.sender.SendMessage(sendCtx, n.ownerChatID, text, ""); err != nil {
		n.log.ErrorContext(ctx, "Failed to notify owner", "error", err)
		if errors.Is(err, ErrDeliveryBlocked) && n.blocked != nil {
			n.blocked.Block(ctx, n.ownerChatID, err.Error())
		}
	}
}
