// Package ingest runs update handlers concurrently while keeping the updates
// of any one chat in arrival order.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/go-telegram/bot/models"
)

var (
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("ingest pool closed")
	// ErrLaneFull is returned when a chat has too many updates waiting.
	ErrLaneFull = errors.New("ingest lane full")
)

// Handler processes one update.
type Handler func(ctx context.Context, update *models.Update)

// Options tune a Pool.
type Options struct {
	// Workers bounds how many updates run at once across all chats.
	Workers int
	// LaneSize bounds the updates waiting per chat.
	LaneSize int
	// OnDone runs after each handled update, including ones that panicked.
	OnDone func(updateID int64)
}

type lane struct {
	pending []*models.Update
}

// Pool is a set of per-chat FIFO lanes sharing a worker semaphore.
type Pool struct {
	handler Handler
	opts    Options
	log     *slog.Logger
	sem     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
}

// NewPool creates a Pool whose handlers run under ctx.
func NewPool(ctx context.Context, handler Handler, opts Options, log *slog.Logger) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.LaneSize < 1 {
		opts.LaneSize = 32
	}
	poolCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		handler: handler,
		opts:    opts,
		log:     log.With("component", "ingest"),
		sem:     make(chan struct{}, opts.Workers),
		ctx:     poolCtx,
		cancel:  cancel,
		lanes:   make(map[string]*lane),
	}
}

// Key returns the lane an update belongs to: its chat when it has one,
// otherwise a lane of its own.
func Key(update *models.Update) string {
	switch {
	case update.Message != nil:
		return strconv.FormatInt(update.Message.Chat.ID, 10)
	case update.BusinessMessage != nil:
		return strconv.FormatInt(update.BusinessMessage.Chat.ID, 10)
	case update.CallbackQuery != nil:
		return "user:" + strconv.FormatInt(update.CallbackQuery.From.ID, 10)
	default:
		return "update:" + strconv.FormatInt(update.ID, 10)
	}
}

// Submit queues update on its lane without blocking.
func (p *Pool) Submit(update *models.Update) error {
	if update == nil {
		return nil
	}
	key := Key(update)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	l, ok := p.lanes[key]
	if !ok {
		l = &lane{}
		p.lanes[key] = l
		p.wg.Add(1)
		go p.run(key, l)
	}
	if len(l.pending) >= p.opts.LaneSize {
		return fmt.Errorf("%w: %s has %d waiting", ErrLaneFull, key, len(l.pending))
	}
	l.pending = append(l.pending, update)
	return nil
}

// Lanes returns the number of active lanes.
func (p *Pool) Lanes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

func (p *Pool) run(key string, l *lane) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(l.pending) == 0 {
			delete(p.lanes, key)
			p.mu.Unlock()
			return
		}
		update := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		p.mu.Unlock()

		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			p.log.Warn("Dropping update, pool stopped", "update_id", update.ID, "lane", key)
			p.done(update.ID)
			continue
		}
		p.process(key, update)
		<-p.sem
	}
}

func (p *Pool) process(key string, update *models.Update) {
	defer p.done(update.ID)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Recovered panic in update handler",
				"update_id", update.ID,
				"lane", key,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	p.handler(p.ctx, update)
}

func (p *Pool) done(updateID int64) {
	if p.opts.OnDone != nil {
		p.opts.OnDone(updateID)
	}
}

// Close stops intake and waits for queued updates to finish. If ctx ends
// first, running handlers are cancelled and ctx's error is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-finished
		return ctx.Err()
	}
}
