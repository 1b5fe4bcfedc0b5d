package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrStorageUnavailable wraps every failure of the persistence layer.
var ErrStorageUnavailable = errors.New("storage unavailable")

const maxHistoryLimit = 100

// Store defines the persistence operations used by the pipeline.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// MarkUpdateProcessed records updateID and reports whether it was new.
	MarkUpdateProcessed(ctx context.Context, updateID int64) (bool, error)

	// IsUpdateProcessed reports whether updateID was already recorded.
	IsUpdateProcessed(ctx context.Context, updateID int64) (bool, error)

	// CountProcessedUpdates returns the size of the processed set.
	CountProcessedUpdates(ctx context.Context) (int, error)

	// SaveHistoryEntry appends a conversation turn.
	SaveHistoryEntry(ctx context.Context, entry *HistoryEntry) error

	// GetRecentHistory returns up to limit most recent turns, oldest first.
	GetRecentHistory(ctx context.Context, chatID string, limit int) ([]HistoryEntry, error)

	// CountHistory returns how many turns are stored for chatID.
	CountHistory(ctx context.Context, chatID string) (int, error)

	// GetLastSendTime returns the last confirmed send to chatID, zero if none.
	GetLastSendTime(ctx context.Context, chatID string) (time.Time, error)

	// SetLastSendTime upserts the last confirmed send to chatID.
	SetLastSendTime(ctx context.Context, chatID string, at time.Time) error

	// AddBlockedChat records chatID as permanently unreachable.
	AddBlockedChat(ctx context.Context, chatID, reason string) error

	// ListBlockedChats returns every blocked chat.
	ListBlockedChats(ctx context.Context) ([]BlockedChat, error)

	// ClearBlockedChats removes the given chats, or all of them when none are given.
	ClearBlockedChats(ctx context.Context, chatIDs ...string) (int64, error)

	// AppendLearnedFragment persists one learned-context fragment.
	AppendLearnedFragment(ctx context.Context, fragment string) error

	// ListLearnedFragments returns persisted fragments in append order.
	ListLearnedFragments(ctx context.Context) ([]LearnedFragment, error)

	// GetState reads a bot_state value.
	GetState(ctx context.Context, key string) (string, bool, error)

	// SetState upserts a bot_state value.
	SetState(ctx context.Context, key, value string) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore implements Store on top of sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store backed by a connected sqlx.DB.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// withTx runs fn in a transaction that is committed on success and rolled
// back on every other exit path.
func (s *sqlxStore) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction", "op", op, "error", err)
		return unavailable(op, err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "op", op, "error", rollbackErr)
			}
		}
	}()

	if err := fn(tx); err != nil {
		s.logger.ErrorContext(ctx, "Transaction failed", "op", op, "error", err)
		return unavailable(op, err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "op", op, "error", err)
		return unavailable(op, err)
	}
	tx = nil
	return nil
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// MarkUpdateProcessed inserts updateID with INSERT OR IGNORE; the affected
// row count decides whether this caller saw the update first.
func (s *sqlxStore) MarkUpdateProcessed(ctx context.Context, updateID int64) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, "mark update processed", func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO processed_updates (update_id) VALUES (?)`, updateID)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		inserted = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}

	s.logger.DebugContext(ctx, "Marked update processed", "update_id", updateID, "first_seen", inserted)
	return inserted, nil
}

// IsUpdateProcessed reports whether updateID exists in processed_updates.
func (s *sqlxStore) IsUpdateProcessed(ctx context.Context, updateID int64) (bool, error) {
	var found int
	err := s.db.GetContext(ctx, &found,
		`SELECT 1 FROM processed_updates WHERE update_id = ? LIMIT 1`, updateID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error checking processed update", "update_id", updateID, "error", err)
		return false, unavailable("check processed update", err)
	}
	return true, nil
}

// CountProcessedUpdates returns the number of processed update ids.
func (s *sqlxStore) CountProcessedUpdates(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM processed_updates`); err != nil {
		return 0, unavailable("count processed updates", err)
	}
	return n, nil
}

// SaveHistoryEntry validates and inserts a conversation turn.
func (s *sqlxStore) SaveHistoryEntry(ctx context.Context, entry *HistoryEntry) error {
	if entry == nil {
		return errors.New("cannot save nil history entry")
	}
	if entry.ChatID == "" {
		return errors.New("history entry must have a chat_id")
	}
	if !entry.Role.Valid() {
		return fmt.Errorf("history entry has invalid role %q", entry.Role)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	row := historyRow{
		ChatID:    entry.ChatID,
		Role:      string(entry.Role),
		Content:   entry.Content,
		Timestamp: entry.Timestamp.UnixNano(),
	}

	err := s.withTx(ctx, "save history entry", func(tx *sqlx.Tx) error {
		result, err := tx.NamedExecContext(ctx, `
			INSERT INTO chat_history (chat_id, role, content, timestamp)
			VALUES (:chat_id, :role, :content, :timestamp)`, row)
		if err != nil {
			return err
		}
		if id, err := result.LastInsertId(); err == nil {
			entry.ID = id
		} else {
			s.logger.WarnContext(ctx, "Could not retrieve last insert ID after saving history", "chat_id", entry.ChatID, "error", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "History entry saved", "chat_id", entry.ChatID, "role", entry.Role, "entry_id", entry.ID)
	return nil
}

// GetRecentHistory reads the newest limit rows and returns them oldest first.
func (s *sqlxStore) GetRecentHistory(ctx context.Context, chatID string, limit int) ([]HistoryEntry, error) {
	if chatID == "" {
		return nil, errors.New("chat_id cannot be empty")
	}
	if limit <= 0 {
		return []HistoryEntry{}, nil
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var rows []historyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, chat_id, role, content, timestamp
		FROM chat_history
		WHERE chat_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, chatID, limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting recent history", "chat_id", chatID, "limit", limit, "error", err)
		return nil, unavailable("get recent history", err)
	}

	entries := make([]HistoryEntry, len(rows))
	for i, row := range rows {
		entries[len(rows)-1-i] = row.entry()
	}
	return entries, nil
}

// CountHistory returns the number of stored turns for chatID.
func (s *sqlxStore) CountHistory(ctx context.Context, chatID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM chat_history WHERE chat_id = ?`, chatID); err != nil {
		return 0, unavailable("count history", err)
	}
	return n, nil
}

// GetLastSendTime returns the zero time when chatID was never sent to.
func (s *sqlxStore) GetLastSendTime(ctx context.Context, chatID string) (time.Time, error) {
	var nanos int64
	err := s.db.GetContext(ctx, &nanos,
		`SELECT last_message_time FROM chat_timestamps WHERE chat_id = ?`, chatID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error reading last send time", "chat_id", chatID, "error", err)
		return time.Time{}, unavailable("get last send time", err)
	}
	return time.Unix(0, nanos).UTC(), nil
}

// SetLastSendTime upserts the chat's last confirmed send time.
func (s *sqlxStore) SetLastSendTime(ctx context.Context, chatID string, at time.Time) error {
	return s.withTx(ctx, "set last send time", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chat_timestamps (chat_id, last_message_time) VALUES (?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET last_message_time = excluded.last_message_time`,
			chatID, at.UnixNano())
		return err
	})
}

// AddBlockedChat inserts chatID, keeping the original reason if it already exists.
func (s *sqlxStore) AddBlockedChat(ctx context.Context, chatID, reason string) error {
	return s.withTx(ctx, "add blocked chat", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO blocked_chats (chat_id, reason, blocked_at) VALUES (?, ?, ?)`,
			chatID, reason, time.Now().UTC().UnixNano())
		return err
	})
}

// ListBlockedChats returns blocked chats ordered by block time.
func (s *sqlxStore) ListBlockedChats(ctx context.Context) ([]BlockedChat, error) {
	var rows []blockedRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT chat_id, reason, blocked_at FROM blocked_chats ORDER BY blocked_at, chat_id`); err != nil {
		return nil, unavailable("list blocked chats", err)
	}
	chats := make([]BlockedChat, 0, len(rows))
	for _, row := range rows {
		chats = append(chats, BlockedChat{
			ChatID:    row.ChatID,
			Reason:    row.Reason,
			BlockedAt: time.Unix(0, row.BlockedAt).UTC(),
		})
	}
	return chats, nil
}

// ClearBlockedChats deletes the given chats or the whole table.
func (s *sqlxStore) ClearBlockedChats(ctx context.Context, chatIDs ...string) (int64, error) {
	var removed int64
	err := s.withTx(ctx, "clear blocked chats", func(tx *sqlx.Tx) error {
		var (
			result sql.Result
			err    error
		)
		if len(chatIDs) == 0 {
			result, err = tx.ExecContext(ctx, `DELETE FROM blocked_chats`)
		} else {
			query, args, inErr := sqlx.In(`DELETE FROM blocked_chats WHERE chat_id IN (?)`, chatIDs)
			if inErr != nil {
				return inErr
			}
			result, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
		}
		if err != nil {
			return err
		}
		removed, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "Cleared blocked chats", "requested", strings.Join(chatIDs, ","), "removed", removed)
	return removed, nil
}

// AppendLearnedFragment inserts a learned-context fragment.
func (s *sqlxStore) AppendLearnedFragment(ctx context.Context, fragment string) error {
	return s.withTx(ctx, "append learned fragment", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO learned_context (fragment, created_at) VALUES (?, ?)`,
			fragment, time.Now().UTC().UnixNano())
		return err
	})
}

// ListLearnedFragments returns fragments in insertion order.
func (s *sqlxStore) ListLearnedFragments(ctx context.Context) ([]LearnedFragment, error) {
	var rows []learnedRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, fragment, created_at FROM learned_context ORDER BY id`); err != nil {
		return nil, unavailable("list learned fragments", err)
	}
	fragments := make([]LearnedFragment, 0, len(rows))
	for _, row := range rows {
		fragments = append(fragments, LearnedFragment{
			ID:        row.ID,
			Fragment:  row.Fragment,
			CreatedAt: time.Unix(0, row.CreatedAt).UTC(),
		})
	}
	return fragments, nil
}

// GetState reads a bot_state key.
func (s *sqlxStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM bot_state WHERE key = ?`, key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, unavailable("get state", err)
	}
	return value, true, nil
}

// SetState upserts a bot_state key.
func (s *sqlxStore) SetState(ctx context.Context, key, value string) error {
	return s.withTx(ctx, "set state", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bot_state (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

// RunSQLMaintenance executes VACUUM, which SQLite requires outside a
// transaction, then refreshes planner statistics with ANALYZE.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM, ANALYZE)...")
	for _, stmt := range []string{"VACUUM", "ANALYZE"} {
		_, err := s.db.ExecContext(ctx, stmt+";")

		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			s.logger.WarnContext(ctx, stmt+" operation timed out or was cancelled", "error", err)
			return fmt.Errorf("database maintenance (%s) timed out: %w", stmt, err)
		case err != nil:
			s.logger.ErrorContext(ctx, "Database maintenance ("+stmt+") failed", "error", err)
			return unavailable(strings.ToLower(stmt), err)
		}
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM, ANALYZE) completed successfully")
	return nil
}
