package history_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgard/supportbot/internal/database"
	"github.com/edgard/supportbot/internal/history"
)

type failingStore struct{}

func (failingStore) SaveHistoryEntry(context.Context, *database.HistoryEntry) error {
	return errors.New("disk gone")
}

func (failingStore) GetRecentHistory(context.Context, string, int) ([]database.HistoryEntry, error) {
	return nil, errors.New("disk gone")
}

func TestRecentIsChronologicalWithFrozenClock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	frozen := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	h := history.New(database.NewStore(db, nil), nil, history.WithClock(func() time.Time { return frozen }))

	turns := []struct {
		role    database.Role
		content string
	}{
		{database.RoleUser, "hi"},
		{database.RoleBot, "hello"},
		{database.RoleUser, "refund?"},
		{database.RoleBot, "3 days"},
		{database.RoleUser, "thanks"},
		{database.RoleBot, "welcome"},
	}
	for _, turn := range turns {
		if err := h.Append(ctx, "10", turn.role, turn.content); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := h.Recent(ctx, "10", history.DefaultLimit)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != history.DefaultLimit {
		t.Fatalf("got %d entries, want %d", len(got), history.DefaultLimit)
	}
	for i, entry := range got {
		want := turns[i+1]
		if entry.Content != want.content || entry.Role != want.role {
			t.Errorf("entry %d = %s/%q, want %s/%q", i, entry.Role, entry.Content, want.role, want.content)
		}
		if i > 0 && entry.Timestamp.Before(got[i-1].Timestamp) {
			t.Errorf("timestamps decrease at %d", i)
		}
	}
}

func TestRecentFailureIsStorageUnavailable(t *testing.T) {
	t.Parallel()
	h := history.New(failingStore{}, nil)

	entries, err := h.Recent(context.Background(), "10", 5)
	if !errors.Is(err, database.ErrStorageUnavailable) {
		t.Fatalf("Recent error = %v, want ErrStorageUnavailable", err)
	}
	if entries != nil {
		t.Fatalf("expected nil entries on failure, got %v", entries)
	}

	if err := h.Append(context.Background(), "10", database.RoleUser, "x"); err == nil {
		t.Fatal("expected Append to fail")
	}
}
