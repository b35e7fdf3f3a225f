package core

import "strings"

const (
	DefaultTitleMaxChars = 50
	titleEllipsis        = "..."
)

// DeriveTitle builds a session title from the first user message. Content
// longer than maxChars runes is cut and marked with an ellipsis.
func DeriveTitle(content string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultTitleMaxChars
	}
	trimmed := strings.TrimSpace(content)
	runes := []rune(trimmed)
	if len(runes) <= maxChars {
		return trimmed
	}
	return string(runes[:maxChars]) + titleEllipsis
}
