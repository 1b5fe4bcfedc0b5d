package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/edgard/supportbot/internal/logger"
)

func chatUpdate(id, chatID int64) *models.Update {
	return &models.Update{ID: id, Message: &models.Message{Chat: models.Chat{ID: chatID}}}
}

func TestPoolKeepsChatOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := map[int64][]int64{}
	handler := func(_ context.Context, u *models.Update) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen[u.Message.Chat.ID] = append(seen[u.Message.Chat.ID], u.ID)
		mu.Unlock()
	}
	p := NewPool(context.Background(), handler, Options{Workers: 4, LaneSize: 100}, logger.Discard())

	var id int64
	for i := 0; i < 20; i++ {
		for _, chat := range []int64{1, 2, 3} {
			id++
			if err := p.Submit(chatUpdate(id, chat)); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for chat, ids := range seen {
		if len(ids) != 20 {
			t.Errorf("chat %d handled %d updates, want 20", chat, len(ids))
		}
		for i := 1; i < len(ids); i++ {
			if ids[i] < ids[i-1] {
				t.Fatalf("chat %d out of order: %v", chat, ids)
			}
		}
	}
}

func TestPoolBoundsWorkers(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int32
	handler := func(context.Context, *models.Update) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
	}
	p := NewPool(context.Background(), handler, Options{Workers: 2}, logger.Discard())
	for i := int64(1); i <= 10; i++ {
		if err := p.Submit(chatUpdate(i, i)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency %d, want <= 2", got)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	t.Parallel()

	var done []int64
	var mu sync.Mutex
	handler := func(_ context.Context, u *models.Update) {
		if u.ID == 1 {
			panic("boom")
		}
	}
	p := NewPool(context.Background(), handler, Options{
		Workers: 1,
		OnDone: func(id int64) {
			mu.Lock()
			done = append(done, id)
			mu.Unlock()
		},
	}, logger.Discard())

	p.Submit(chatUpdate(1, 5))
	p.Submit(chatUpdate(2, 5))
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(done) != 2 || done[0] != 1 || done[1] != 2 {
		t.Fatalf("done = %v, want [1 2]", done)
	}
}

func TestPoolLaneFullAndClosed(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	handler := func(context.Context, *models.Update) { <-release }
	p := NewPool(context.Background(), handler, Options{Workers: 1, LaneSize: 1}, logger.Discard())

	if err := p.Submit(chatUpdate(1, 7)); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	// wait for the first update to leave the lane
	deadline := time.Now().Add(time.Second)
	for {
		p.mu.Lock()
		n := len(p.lanes["7"].pending)
		p.mu.Unlock()
		if n == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := p.Submit(chatUpdate(2, 7)); err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	if err := p.Submit(chatUpdate(3, 7)); !errors.Is(err, ErrLaneFull) {
		t.Fatalf("Submit 3 = %v, want ErrLaneFull", err)
	}

	close(release)
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Submit(chatUpdate(4, 7)); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Submit after Close = %v, want ErrPoolClosed", err)
	}
	if p.Lanes() != 0 {
		t.Fatalf("Lanes = %d after Close", p.Lanes())
	}
}

func TestPoolCloseDeadlineCancelsHandlers(t *testing.T) {
	t.Parallel()

	handler := func(ctx context.Context, _ *models.Update) { <-ctx.Done() }
	p := NewPool(context.Background(), handler, Options{Workers: 1}, logger.Discard())
	p.Submit(chatUpdate(1, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close = %v, want DeadlineExceeded", err)
	}
}

func TestKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		update *models.Update
		want   string
	}{
		{name: "message", update: chatUpdate(1, 42), want: "42"},
		{name: "business", update: &models.Update{ID: 2, BusinessMessage: &models.Message{Chat: models.Chat{ID: -5}}}, want: "-5"},
		{name: "other", update: &models.Update{ID: 3}, want: "update:3"},
	}
	for _, tc := range tests {
		if got := Key(tc.update); got != tc.want {
			t.Errorf("%s: Key = %q, want %q", tc.name, got, tc.want)
		}
	}
}
