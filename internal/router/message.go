package router

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"
)

// State is a step in the handling of one update.
type State int

const (
	StateReceived State = iota
	StateDedupChecked
	StateClassified
	StateLearned
	StateReplied
	StateIgnored
	StateDispatched
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateDedupChecked:
		return "DEDUP_CHECKED"
	case StateClassified:
		return "CLASSIFIED"
	case StateLearned:
		return "LEARNED"
	case StateReplied:
		return "REPLIED"
	case StateIgnored:
		return "IGNORED"
	case StateDispatched:
		return "DISPATCHED"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
	}
}

// Message is the normalized view of an inbound text-bearing update.
// Privileged marks the business-connection channel.
type Message struct {
	ChatID               string
	SenderID             string
	SenderName           string
	Text                 string
	HasText              bool
	SentAt               time.Time
	Privileged           bool
	BusinessConnectionID string
}

func newMessage(m *models.Message, privileged bool) Message {
	msg := Message{
		ChatID:               strconv.FormatInt(m.Chat.ID, 10),
		Text:                 m.Text,
		HasText:              strings.TrimSpace(m.Text) != "",
		SentAt:               time.Unix(int64(m.Date), 0),
		Privileged:           privileged,
		BusinessConnectionID: m.BusinessConnectionID,
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = m.From.FirstName
	}
	return msg
}

// isStartCommand reports whether text begins with /start, optionally
// addressed as /start@botname.
func isStartCommand(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	return cmd == "/start"
}
