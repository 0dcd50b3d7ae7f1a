// ABOUTME: Derives a short conversation title from the first customer message
// ABOUTME: Operators see this in the inbox instead of a bare id

package conversation

import (
	"strings"
	"unicode/utf8"
)

const (
	titleMaxWords = 6
	titleMaxRunes = 60
)

// Title returns the first few words of content, or a placeholder for
// media-only and empty messages.
func Title(content string, hasMedia bool) string {
	words := strings.Fields(content)
	if len(words) == 0 {
		if hasMedia {
			return "Shared media"
		}
		return "New conversation"
	}

	truncated := len(words) > titleMaxWords
	if truncated {
		words = words[:titleMaxWords]
	}
	title := strings.Join(words, " ")

	if utf8.RuneCountInString(title) > titleMaxRunes {
		title = string([]rune(title)[:titleMaxRunes])
		title = strings.TrimSpace(title)
		truncated = true
	}
	if truncated {
		title += "…"
	}
	return title
}
