package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
)

// PollOffsetKey is the bot_state key holding the polling resume point.
const PollOffsetKey = "poll_offset"

// StateStore reads and writes bot_state values.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}

// Offsets tracks which polled updates are fully handled. The committed
// offset is the highest update id below which nothing is still running.
type Offsets struct {
	store StateStore
	log   *slog.Logger

	mu        sync.Mutex
	inFlight  map[int64]struct{}
	maxSeen   int64
	committed int64
}

// LoadOffsets reads the persisted offset. A missing row starts at zero.
func LoadOffsets(ctx context.Context, store StateStore, logger *slog.Logger) (*Offsets, error) {
	o := &Offsets{
		store:    store,
		log:      logger.With("component", "offsets"),
		inFlight: make(map[int64]struct{}),
	}
	raw, ok, err := store.GetState(ctx, PollOffsetKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load poll offset: %w", err)
	}
	if ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid poll offset %q: %w", raw, err)
		}
		o.committed = n
		o.maxSeen = n
	}
	return o, nil
}

// Committed returns the last update id known to be fully handled. The
// methods of a nil *Offsets do nothing.
func (o *Offsets) Committed() int64 {
	if o == nil {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.committed
}

// Begin records that updateID was handed to a worker.
func (o *Offsets) Begin(updateID int64) {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inFlight[updateID] = struct{}{}
	o.maxSeen = max(o.maxSeen, updateID)
}

// Done marks updateID finished and persists the new watermark if it moved.
func (o *Offsets) Done(ctx context.Context, updateID int64) {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.inFlight, updateID)
	next := o.maxSeen
	for id := range o.inFlight {
		next = min(next, id-1)
	}
	if next <= o.committed {
		return
	}
	if err := o.store.SetState(ctx, PollOffsetKey, strconv.FormatInt(next, 10)); err != nil {
		o.log.WarnContext(ctx, "Failed to persist poll offset", "offset", next, "error", err)
		return
	}
	o.committed = next
}
