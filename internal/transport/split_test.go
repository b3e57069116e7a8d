package transport

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessageShortText(t *testing.T) {
	got := SplitMessage("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("SplitMessage(short) = %q, want [hello]", got)
	}
}

func TestSplitMessagePrefersParagraphBreak(t *testing.T) {
	text := "first paragraph here\n\nsecond paragraph follows after the break"
	got := SplitMessage(text, 40)
	if len(got) != 2 {
		t.Fatalf("SplitMessage returned %d chunks, want 2: %q", len(got), got)
	}
	if got[0] != "first paragraph here" {
		t.Errorf("chunk[0] = %q, want split at paragraph break", got[0])
	}
	if strings.HasPrefix(got[1], "\n") {
		t.Errorf("chunk[1] = %q, leading separator not consumed", got[1])
	}
}

func TestSplitMessageFallsBackToNewlineThenSpace(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		first string
	}{
		{"newline", "alpha beta\ngamma delta epsilon zeta eta", 20, "alpha beta"},
		{"space", "alphabetagamma delta epsilon", 20, "alphabetagamma"},
	}
	for _, tt := range tests {
		got := SplitMessage(tt.text, tt.limit)
		if got[0] != tt.first {
			t.Errorf("%s: chunk[0] = %q, want %q", tt.name, got[0], tt.first)
		}
	}
}

func TestSplitMessageHardCut(t *testing.T) {
	text := strings.Repeat("x", 25)
	got := SplitMessage(text, 10)
	if len(got) != 3 {
		t.Fatalf("SplitMessage returned %d chunks, want 3", len(got))
	}
	if joined := strings.Join(got, ""); joined != text {
		t.Errorf("hard cut lost content: %q", joined)
	}
}

func TestSplitMessageChunksWithinLimit(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("some words in a line that repeats itself\n")
	}
	text := b.String()
	const limit = 120
	for i, chunk := range SplitMessage(text, limit) {
		if len(chunk) > limit {
			t.Errorf("chunk %d has length %d, want <= %d", i, len(chunk), limit)
		}
		if chunk == "" {
			t.Errorf("chunk %d is empty", i)
		}
	}
}

func TestSplitMessageReconstructs(t *testing.T) {
	paras := []string{
		"one short paragraph",
		"another somewhat longer paragraph that says a bit more",
		"a third paragraph to push the text across several chunks",
		"and a final trailer",
	}
	text := strings.Join(paras, "\n\n")
	got := SplitMessage(text, 60)
	if len(got) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(got))
	}
	if rejoined := strings.Join(got, "\n\n"); rejoined != text {
		t.Errorf("rejoined text differs:\n got %q\nwant %q", rejoined, text)
	}
}

func TestSplitMessageRuneBoundary(t *testing.T) {
	text := strings.Repeat("héllo", 10) // multibyte é, no spaces
	for _, chunk := range SplitMessage(text, 13) {
		if !utf8.ValidString(chunk) {
			t.Errorf("chunk %q cut inside a rune", chunk)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "h"}, // é is two bytes; cut backs up
		{"hello", 0, "hello"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.limit); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
	}
}
