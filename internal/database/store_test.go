package database_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgard/supportbot/internal/database"
)

func newTestStore(t *testing.T) database.Store {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })
	return database.NewStore(db, nil)
}

func TestMarkUpdateProcessed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.MarkUpdateProcessed(ctx, 42)
	if err != nil {
		t.Fatalf("MarkUpdateProcessed: %v", err)
	}
	if !first {
		t.Fatal("expected first mark to report a new update")
	}

	again, err := store.MarkUpdateProcessed(ctx, 42)
	if err != nil {
		t.Fatalf("MarkUpdateProcessed (again): %v", err)
	}
	if again {
		t.Fatal("expected second mark to report an existing update")
	}

	seen, err := store.IsUpdateProcessed(ctx, 42)
	if err != nil || !seen {
		t.Fatalf("IsUpdateProcessed(42) = %v, %v; want true, nil", seen, err)
	}
	unseen, err := store.IsUpdateProcessed(ctx, 43)
	if err != nil || unseen {
		t.Fatalf("IsUpdateProcessed(43) = %v, %v; want false, nil", unseen, err)
	}

	n, err := store.CountProcessedUpdates(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CountProcessedUpdates = %d, %v; want 1, nil", n, err)
	}
}

func TestGetRecentHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, content := range []string{"one", "two", "three", "four", "five", "six", "seven"} {
		role := database.RoleUser
		if i%2 == 1 {
			role = database.RoleBot
		}
		entry := &database.HistoryEntry{
			ChatID:    "10",
			Role:      role,
			Content:   content,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.SaveHistoryEntry(ctx, entry); err != nil {
			t.Fatalf("SaveHistoryEntry(%q): %v", content, err)
		}
	}
	if err := store.SaveHistoryEntry(ctx, &database.HistoryEntry{ChatID: "11", Role: database.RoleUser, Content: "other", Timestamp: base}); err != nil {
		t.Fatalf("SaveHistoryEntry(other chat): %v", err)
	}

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{name: "default window", limit: 5, want: []string{"three", "four", "five", "six", "seven"}},
		{name: "larger than stored", limit: 50, want: []string{"one", "two", "three", "four", "five", "six", "seven"}},
		{name: "single", limit: 1, want: []string{"seven"}},
		{name: "zero", limit: 0, want: []string{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.GetRecentHistory(ctx, "10", tc.limit)
			if err != nil {
				t.Fatalf("GetRecentHistory: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tc.want))
			}
			for i := range got {
				if got[i].Content != tc.want[i] {
					t.Errorf("entry %d = %q, want %q", i, got[i].Content, tc.want[i])
				}
				if i > 0 && got[i].Timestamp.Before(got[i-1].Timestamp) {
					t.Errorf("entry %d timestamp %v before previous %v", i, got[i].Timestamp, got[i-1].Timestamp)
				}
			}
		})
	}

	count, err := store.CountHistory(ctx, "10")
	if err != nil || count != 7 {
		t.Fatalf("CountHistory = %d, %v; want 7, nil", count, err)
	}
}

func TestSaveHistoryEntryValidation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	tests := []struct {
		name  string
		entry *database.HistoryEntry
	}{
		{name: "nil entry", entry: nil},
		{name: "missing chat", entry: &database.HistoryEntry{Role: database.RoleUser, Content: "x"}},
		{name: "bad role", entry: &database.HistoryEntry{ChatID: "1", Role: "system", Content: "x"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := store.SaveHistoryEntry(context.Background(), tc.entry); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLastSendTimeUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	got, err := store.GetLastSendTime(ctx, "10")
	if err != nil || !got.IsZero() {
		t.Fatalf("GetLastSendTime on empty = %v, %v; want zero, nil", got, err)
	}

	first := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)
	if err := store.SetLastSendTime(ctx, "10", first); err != nil {
		t.Fatalf("SetLastSendTime: %v", err)
	}
	if err := store.SetLastSendTime(ctx, "10", second); err != nil {
		t.Fatalf("SetLastSendTime (update): %v", err)
	}

	got, err = store.GetLastSendTime(ctx, "10")
	if err != nil {
		t.Fatalf("GetLastSendTime: %v", err)
	}
	if !got.Equal(second) {
		t.Fatalf("GetLastSendTime = %v, want %v", got, second)
	}
}

func TestBlockedChats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	for _, id := range []string{"1", "2", "3"} {
		if err := store.AddBlockedChat(ctx, id, "forbidden"); err != nil {
			t.Fatalf("AddBlockedChat(%s): %v", id, err)
		}
	}
	if err := store.AddBlockedChat(ctx, "1", "again"); err != nil {
		t.Fatalf("AddBlockedChat duplicate: %v", err)
	}

	chats, err := store.ListBlockedChats(ctx)
	if err != nil {
		t.Fatalf("ListBlockedChats: %v", err)
	}
	if len(chats) != 3 {
		t.Fatalf("got %d blocked chats, want 3", len(chats))
	}

	removed, err := store.ClearBlockedChats(ctx, "2")
	if err != nil || removed != 1 {
		t.Fatalf("ClearBlockedChats(2) = %d, %v; want 1, nil", removed, err)
	}
	removed, err = store.ClearBlockedChats(ctx)
	if err != nil || removed != 2 {
		t.Fatalf("ClearBlockedChats() = %d, %v; want 2, nil", removed, err)
	}
}

func TestLearnedFragmentsAndState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	for _, f := range []string{"Owner: a", "Owner: b"} {
		if err := store.AppendLearnedFragment(ctx, f); err != nil {
			t.Fatalf("AppendLearnedFragment: %v", err)
		}
	}
	fragments, err := store.ListLearnedFragments(ctx)
	if err != nil {
		t.Fatalf("ListLearnedFragments: %v", err)
	}
	if len(fragments) != 2 || fragments[0].Fragment != "Owner: a" || fragments[1].Fragment != "Owner: b" {
		t.Fatalf("unexpected fragments: %+v", fragments)
	}

	if _, ok, err := store.GetState(ctx, "poll_offset"); err != nil || ok {
		t.Fatalf("GetState on empty = ok %v, err %v", ok, err)
	}
	if err := store.SetState(ctx, "poll_offset", "10"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := store.SetState(ctx, "poll_offset", "11"); err != nil {
		t.Fatalf("SetState (update): %v", err)
	}
	value, ok, err := store.GetState(ctx, "poll_offset")
	if err != nil || !ok || value != "11" {
		t.Fatalf("GetState = %q, %v, %v; want 11, true, nil", value, ok, err)
	}
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	t.Parallel()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	store := database.NewStore(db, nil)
	database.CloseDB(db)

	if _, err := store.MarkUpdateProcessed(context.Background(), 1); !errors.Is(err, database.ErrStorageUnavailable) {
		t.Fatalf("MarkUpdateProcessed on closed db = %v, want ErrStorageUnavailable", err)
	}
	if _, err := store.GetRecentHistory(context.Background(), "1", 5); !errors.Is(err, database.ErrStorageUnavailable) {
		t.Fatalf("GetRecentHistory on closed db = %v, want ErrStorageUnavailable", err)
	}
}

func TestRunSQLMaintenance(t *testing.T) {
	t.Parallel()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "maint.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })
	store := database.NewStore(db, nil)
	ctx := context.Background()

	if err := store.SetState(ctx, "poll_offset", "42"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := store.RunSQLMaintenance(ctx); err != nil {
		t.Fatalf("RunSQLMaintenance: %v", err)
	}

	var stats int
	if err := db.GetContext(ctx, &stats, `SELECT COUNT(*) FROM sqlite_master WHERE name = 'sqlite_stat1'`); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if stats != 1 {
		t.Fatal("sqlite_stat1 missing, ANALYZE did not run")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := store.RunSQLMaintenance(cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunSQLMaintenance with cancelled ctx = %v, want context.Canceled", err)
	}
}
