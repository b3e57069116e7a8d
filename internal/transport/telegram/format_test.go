package telegram

import (
	"strings"
	"testing"
)

func TestRenderHTMLEscapesPlainText(t *testing.T) {
	got := RenderHTML("a < b & c")
	want := "a &lt; b &amp; c"
	if got != want {
		t.Errorf("RenderHTML() = %q, want %q", got, want)
	}
}

func TestRenderHTMLInlineStyles(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bold", "hello **world**", "hello <b>world</b>"},
		{"italic star", "an *emphasis* here", "an <i>emphasis</i> here"},
		{"italic underscore", "an _emphasis_ here", "an <i>emphasis</i> here"},
		{"underline", "__keep__ this", "<u>keep</u> this"},
		{"strike", "drop ~~that~~", "drop <s>that</s>"},
		{"heading", "# Title\nbody", "<b>Title</b>\nbody"},
		{"snake case untouched", "use snake_case_name here", "use snake_case_name here"},
		{"bullet untouched", "* item one\n* item two", "* item one\n* item two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderHTML(tt.input); got != tt.want {
				t.Errorf("RenderHTML(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRenderHTMLLinkKeepsEscapedURL(t *testing.T) {
	got := RenderHTML("[docs](https://example.com/a?b=1&c=2)")
	want := `<a href="https://example.com/a?b=1&amp;c=2">docs</a>`
	if got != want {
		t.Errorf("RenderHTML() = %q, want %q", got, want)
	}
}

func TestRenderHTMLInlineCodeNotStyled(t *testing.T) {
	got := RenderHTML("run `go build **now**` please")
	want := "run <code>go build **now**</code> please"
	if got != want {
		t.Errorf("RenderHTML() = %q, want %q", got, want)
	}
}

func TestRenderHTMLInlineCodeEscaped(t *testing.T) {
	got := RenderHTML("`a<b`")
	want := "<code>a&lt;b</code>"
	if got != want {
		t.Errorf("RenderHTML() = %q, want %q", got, want)
	}
}

func TestRenderHTMLFencedCodeBlock(t *testing.T) {
	got := RenderHTML("see:\n```go\nfmt.Println(\"hi\")\n```")
	want := "see:\n<pre><code class=\"language-go\">fmt.Println(&#34;hi&#34;)</code></pre>"
	if got != want {
		t.Errorf("RenderHTML() = %q, want %q", got, want)
	}
}

func TestRenderHTMLFencedCodeNoLanguage(t *testing.T) {
	got := RenderHTML("```\nplain code\n```")
	want := "<pre>plain code</pre>"
	if got != want {
		t.Errorf("RenderHTML() = %q, want %q", got, want)
	}
}

func TestRenderHTMLBlockquoteGroupsLines(t *testing.T) {
	got := RenderHTML("> quoted line\n> second\nafter")
	want := "<blockquote>quoted line\nsecond</blockquote>\nafter"
	if got != want {
		t.Errorf("RenderHTML() = %q, want %q", got, want)
	}
}

func TestRenderHTMLTableBecomesPre(t *testing.T) {
	got := RenderHTML("| a | b |\n|---|---|\n| 1 | 2 |")
	want := "<pre>| a | b |\n|---|---|\n| 1 | 2 |</pre>"
	if got != want {
		t.Errorf("RenderHTML() = %q, want %q", got, want)
	}
}

func TestRenderHTMLSingleBarLineStaysProse(t *testing.T) {
	got := RenderHTML("| lonely pipe line")
	if strings.Contains(got, "<pre>") {
		t.Errorf("single |-line should not become a table: %q", got)
	}
}

func TestRenderHTMLCodeInsideProseUntouchedByTables(t *testing.T) {
	input := "Results:\n| col |\n| 5 |\n\nDone **ok**"
	got := RenderHTML(input)
	if !strings.Contains(got, "<pre>| col |\n| 5 |</pre>") {
		t.Errorf("table not wrapped: %q", got)
	}
	if !strings.Contains(got, "<b>ok</b>") {
		t.Errorf("bold after table not rendered: %q", got)
	}
}
