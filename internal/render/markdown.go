// ABOUTME: Markdown to HTML rendering for message bodies
// ABOUTME: Raw HTML in user input is never passed through

package render

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Markdown renders chat-flavoured markdown: GFM strikethrough, autolinks and
// tables, with single newlines kept as line breaks.
type Markdown struct {
	md goldmark.Markdown
}

// NewMarkdown builds a renderer.
func NewMarkdown() *Markdown {
	return &Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(extension.Strikethrough, extension.Linkify, extension.Table),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// Render converts text to an HTML fragment.
func (m *Markdown) Render(text string) (string, error) {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.String(), nil
}
