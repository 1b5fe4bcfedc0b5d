package gemini

import (
	"strings"

	"github.com/edgard/supportbot/internal/database"
)

// BuildPrompt assembles the generation prompt: the static business context,
// the learned context, the recent turns as "ROLE: content" lines and the
// user's question.
func BuildPrompt(staticContext, learned string, history []database.HistoryEntry, question string) string {
	var sb strings.Builder
	sb.WriteString(staticContext)
	sb.WriteString("\n")
	sb.WriteString(learned)
	sb.WriteString("\n\nChat History:\n")
	for i, entry := range history {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(strings.ToUpper(string(entry.Role)))
		sb.WriteString(": ")
		sb.WriteString(entry.Content)
	}
	sb.WriteString("\n\nUser question: ")
	sb.WriteString(question)
	return sb.String()
}
