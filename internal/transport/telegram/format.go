package telegram

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
)

// RenderHTML converts markdown-ish agent output to the HTML subset Telegram
// accepts (b, i, u, s, code, pre, a, blockquote). Everything outside a tag
// is HTML-escaped.
func RenderHTML(text string) string {
	// Split into code-fenced blocks vs prose so we don't mangle code.
	parts := strings.Split(text, "```")
	var out strings.Builder
	for i, part := range parts {
		if i%2 == 1 {
			out.WriteString(renderCodeBlock(part))
		} else {
			out.WriteString(renderProse(part))
		}
	}
	return out.String()
}

var (
	// Inline code: `text` → <code>text</code>
	reInlineCode = regexp.MustCompile("`([^`\n]+)`")
	// Links: [text](url) → <a href="url">text</a>
	reLink = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	// Bold: **text** → <b>text</b>
	reBold = regexp.MustCompile(`\*\*(.+?)\*\*`)
	// Underline: __text__ → <u>text</u> (before single-underscore italic)
	reUnderline = regexp.MustCompile(`__(.+?)__`)
	// Italic: *text* (not **) → <i>text</i>
	reItalicStar = regexp.MustCompile(`(^|[^*])\*([^*\n]+)\*`)
	// Italic: _text_ at a word break, so snake_case survives.
	reItalicUnder = regexp.MustCompile(`(^|[\s(])_([^_\n]+)_`)
	// Strikethrough: ~~text~~ → <s>text</s>
	reStrike = regexp.MustCompile(`~~(.+?)~~`)
	// Headings: # Heading → <b>Heading</b>
	reHeading = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
)

func renderProse(s string) string {
	s = html.EscapeString(s)

	// Stash inline code and table blocks so later passes leave them alone.
	var spans []string
	s = reInlineCode.ReplaceAllStringFunc(s, func(m string) string {
		inner := m[1 : len(m)-1]
		return stash(&spans, "<code>"+inner+"</code>")
	})
	s = renderLineBlocks(s, &spans)

	s = reHeading.ReplaceAllString(s, "<b>$1</b>")
	s = reLink.ReplaceAllString(s, `<a href="$2">$1</a>`)
	s = reBold.ReplaceAllString(s, "<b>$1</b>")
	s = reUnderline.ReplaceAllString(s, "<u>$1</u>")
	s = reItalicStar.ReplaceAllString(s, "$1<i>$2</i>")
	s = reItalicUnder.ReplaceAllString(s, "$1<i>$2</i>")
	s = reStrike.ReplaceAllString(s, "<s>$1</s>")

	for i, span := range spans {
		s = strings.Replace(s, placeholder(i), span, 1)
	}
	return s
}

// renderLineBlocks groups quote lines into <blockquote> and table lines into
// <pre>. Runs on escaped text, so quote markers appear as "&gt;".
func renderLineBlocks(s string, spans *[]string) string {
	lines := strings.Split(s, "\n")
	var out []string
	for i := 0; i < len(lines); {
		switch {
		case strings.HasPrefix(lines[i], "&gt;"):
			j := i
			var quoted []string
			for j < len(lines) && strings.HasPrefix(lines[j], "&gt;") {
				quoted = append(quoted, strings.TrimPrefix(strings.TrimPrefix(lines[j], "&gt;"), " "))
				j++
			}
			out = append(out, "<blockquote>"+strings.Join(quoted, "\n")+"</blockquote>")
			i = j
		case strings.HasPrefix(lines[i], "|"):
			j := i
			for j < len(lines) && strings.HasPrefix(lines[j], "|") {
				j++
			}
			if j-i >= 2 {
				// Tables have no HTML equivalent; show them monospaced.
				out = append(out, stash(spans, "<pre>"+strings.Join(lines[i:j], "\n")+"</pre>"))
				i = j
			} else {
				out = append(out, lines[i])
				i++
			}
		default:
			out = append(out, lines[i])
			i++
		}
	}
	return strings.Join(out, "\n")
}

func renderCodeBlock(block string) string {
	lang := ""
	content := block
	if idx := strings.Index(block, "\n"); idx >= 0 {
		first := strings.TrimSpace(block[:idx])
		if first == "" || !strings.ContainsAny(first, " \t`") {
			lang = first
			content = block[idx+1:]
		}
	}
	content = html.EscapeString(strings.TrimRight(content, "\n"))
	if lang != "" {
		return fmt.Sprintf("<pre><code class=\"language-%s\">%s</code></pre>", lang, content)
	}
	return "<pre>" + content + "</pre>"
}

func stash(spans *[]string, rendered string) string {
	*spans = append(*spans, rendered)
	return placeholder(len(*spans) - 1)
}

func placeholder(i int) string {
	return "\x00" + strconv.Itoa(i) + "\x00"
}
