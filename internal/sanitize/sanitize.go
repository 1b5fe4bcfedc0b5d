// Package sanitize renders model output as plain text for chats that do not
// use a parse mode.
package sanitize

import (
	"bytes"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	blockTags  = regexp.MustCompile(`<br\s*/?>|</?p>|</?div>|</?pre>|</?h[1-6]>|</?[ou]l>`)
	listItems  = regexp.MustCompile(`<li>|</li>`)
	blankLines = regexp.MustCompile(`\n\s*\n+`)
)

// Formatter strips markdown and HTML from replies.
type Formatter struct {
	policy   *bluemonday.Policy
	markdown goldmark.Markdown
}

// NewFormatter creates a Formatter that keeps no markup at all.
func NewFormatter() *Formatter {
	return &Formatter{
		policy:   bluemonday.StrictPolicy(),
		markdown: goldmark.New(),
	}
}

// Format returns text with markup removed. Text that renders to nothing is
// returned unchanged.
func (f *Formatter) Format(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}

	var buf bytes.Buffer
	if err := f.markdown.Convert([]byte(text), &buf); err != nil {
		return text
	}

	rendered := blockTags.ReplaceAllString(buf.String(), "\n")
	rendered = listItems.ReplaceAllStringFunc(rendered, func(tag string) string {
		if tag == "<li>" {
			return "- "
		}
		return ""
	})
	plain := f.policy.Sanitize(rendered)
	plain = blankLines.ReplaceAllString(plain, "\n\n")
	plain = strings.TrimSpace(html.UnescapeString(plain))
	if plain == "" {
		return text
	}
	return plain
}
