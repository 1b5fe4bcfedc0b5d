package dispatch

import "time"

// PendingMessage is an outbound reply waiting for the next flush.
type PendingMessage struct {
	ChatID               string
	Text                 string
	BusinessConnectionID string
	EnqueuedAt           time.Time
	Attempts             int
}

// queue is a fixed-capacity FIFO ring. It is not safe for concurrent use.
type queue struct {
	items []PendingMessage
	head  int
	size  int
}

func newQueue(capacity int) *queue {
	return &queue{items: make([]PendingMessage, max(capacity, 1))}
}

func (q *queue) len() int { return q.size }

func (q *queue) full() bool { return q.size == len(q.items) }

// push appends msg, returning false when the queue is full.
func (q *queue) push(msg PendingMessage) bool {
	if q.full() {
		return false
	}
	q.items[(q.head+q.size)%len(q.items)] = msg
	q.size++
	return true
}

// drain removes and returns every queued message in FIFO order.
func (q *queue) drain() []PendingMessage {
	out := make([]PendingMessage, 0, q.size)
	for q.size > 0 {
		out = append(out, q.items[q.head])
		q.items[q.head] = PendingMessage{}
		q.head = (q.head + 1) % len(q.items)
		q.size--
	}
	q.head = 0
	return out
}
