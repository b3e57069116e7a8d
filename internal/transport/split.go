package transport

import (
	"strings"
	"unicode/utf8"
)

// SplitMessage splits text into chunks of at most limit bytes. Split points
// prefer a paragraph break, then a line break, then a space; only when none
// exists inside the window does it hard-cut (at a rune boundary). The
// separator consumed at each soft split is removed from the following chunk.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	rest := text
	for len(rest) > limit {
		window := rest[:limit]

		cut, sep := strings.LastIndex(window, "\n\n"), 2
		if cut <= 0 {
			cut, sep = strings.LastIndex(window, "\n"), 1
		}
		if cut <= 0 {
			cut, sep = strings.LastIndex(window, " "), 1
		}
		if cut <= 0 {
			cut, sep = limit, 0
			for cut > 0 && !utf8.RuneStart(rest[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit // degenerate input, cut anyway
			}
		}

		chunks = append(chunks, rest[:cut])
		rest = rest[cut+sep:]
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// Truncate clamps text to at most limit bytes, cutting at a rune boundary.
func Truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
