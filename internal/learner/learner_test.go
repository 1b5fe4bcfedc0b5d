package learner_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/edgard/supportbot/internal/database"
	"github.com/edgard/supportbot/internal/learner"
)

type memStore struct {
	mu        sync.Mutex
	fragments []database.LearnedFragment
	err       error
}

func (s *memStore) AppendLearnedFragment(_ context.Context, fragment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.fragments = append(s.fragments, database.LearnedFragment{ID: int64(len(s.fragments) + 1), Fragment: fragment})
	return nil
}

func (s *memStore) ListLearnedFragments(context.Context) ([]database.LearnedFragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]database.LearnedFragment(nil), s.fragments...), nil
}

func TestRenderConcatenatesInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := learner.New(nil, nil)

	if got := l.Render(); got != "" {
		t.Fatalf("empty learner rendered %q", got)
	}
	for _, f := range []string{"Owner: rule one", "Owner: rule two"} {
		if err := l.Append(ctx, f); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Append(ctx, ""); err != nil {
		t.Fatalf("Append empty: %v", err)
	}

	want := "\n\nOwner: rule one\n\nOwner: rule two"
	if got := l.Render(); got != want {
		t.Fatalf("Render = %q, want %q", got, want)
	}
	if got := l.Fragments(); len(got) != 2 {
		t.Fatalf("Fragments = %v", got)
	}
}

func TestConcurrentAppendsAreNotTorn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := learner.New(nil, nil)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Append(ctx, fmt.Sprintf("fragment-%02d", i))
			_ = l.Render()
		}()
	}
	wg.Wait()

	rendered := l.Render()
	for i := range 50 {
		if !strings.Contains(rendered, fmt.Sprintf("\n\nfragment-%02d", i)) {
			t.Fatalf("fragment %d missing from render", i)
		}
	}
	if got := len(l.Fragments()); got != 50 {
		t.Fatalf("fragment count = %d, want 50", got)
	}
}

func TestPersistentLearnerReloads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &memStore{}

	first := learner.New(store, nil)
	if err := first.Append(ctx, "Owner: refunds take 3 days"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	second := learner.New(store, nil)
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if second.Render() != first.Render() {
		t.Fatalf("reloaded render %q differs from %q", second.Render(), first.Render())
	}
}

func TestPersistFailureLeavesContextUnchanged(t *testing.T) {
	t.Parallel()
	store := &memStore{err: errors.New("read-only")}
	l := learner.New(store, nil)

	if err := l.Append(context.Background(), "Owner: x"); err == nil {
		t.Fatal("expected Append to fail")
	}
	if l.Render() != "" {
		t.Fatalf("render should be empty, got %q", l.Render())
	}
}
