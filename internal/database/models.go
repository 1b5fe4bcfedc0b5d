package database

import "time"

// Role identifies who authored a history entry.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleBot
}

// HistoryEntry is one turn of a chat conversation.
type HistoryEntry struct {
	ID        int64
	ChatID    string
	Role      Role
	Content   string
	Timestamp time.Time
}

// BlockedChat is a chat that permanently rejected delivery.
type BlockedChat struct {
	ChatID    string
	Reason    string
	BlockedAt time.Time
}

// LearnedFragment is one persisted piece of owner-taught context.
type LearnedFragment struct {
	ID        int64
	Fragment  string
	CreatedAt time.Time
}

// Rows as stored. Times are unix nanoseconds so ORDER BY is numeric.

type historyRow struct {
	ID        int64  `db:"id"`
	ChatID    string `db:"chat_id"`
	Role      string `db:"role"`
	Content   string `db:"content"`
	Timestamp int64  `db:"timestamp"`
}

func (r historyRow) entry() HistoryEntry {
	return HistoryEntry{
		ID:        r.ID,
		ChatID:    r.ChatID,
		Role:      Role(r.Role),
		Content:   r.Content,
		Timestamp: time.Unix(0, r.Timestamp).UTC(),
	}
}

type blockedRow struct {
	ChatID    string `db:"chat_id"`
	Reason    string `db:"reason"`
	BlockedAt int64  `db:"blocked_at"`
}

type learnedRow struct {
	ID        int64  `db:"id"`
	Fragment  string `db:"fragment"`
	CreatedAt int64  `db:"created_at"`
}
