package monitor

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

const (
	crawlMaxArticles   = 10
	crawlMinAnchorRune = 20
	articleClipChars   = 8000
)

// denySubpaths filters navigational links out of blog crawls. Paths are
// matched segment-wise after lowercasing.
var denySubpaths = map[string]struct{}{
	"tag": {}, "tags": {}, "category": {}, "categories": {},
	"author": {}, "authors": {}, "page": {}, "archive": {},
	"about": {}, "contact": {}, "careers": {}, "jobs": {},
	"login": {}, "signup": {}, "register": {}, "subscribe": {},
	"pricing": {}, "privacy": {}, "terms": {}, "legal": {},
	"search": {}, "rss": {}, "feed": {}, "sitemap": {},
}

// crawlBlog fetches a blog index, picks out article links, and concatenates
// the index plus up to ten articles into one document. Individual article
// failures are logged and skipped.
func (f *siteFetcher) crawlBlog(ctx context.Context, indexURL string) (string, error) {
	raw, isHTML, err := f.fetchRaw(ctx, indexURL)
	if err != nil {
		return "", fmt.Errorf("blog index: %w", err)
	}
	if !isHTML {
		// Feeds and markdown indexes monitor fine as a single page.
		return clip(raw, contentMax), nil
	}

	base, err := url.Parse(indexURL)
	if err != nil {
		return "", fmt.Errorf("parse index url: %w", err)
	}

	articles := selectArticleLinks(base, extractLinks(raw), crawlMaxArticles)

	var b strings.Builder
	b.WriteString(clip(htmlToMarkdown(raw), contentMax/2))

	for _, link := range articles {
		content, err := f.fetchPage(ctx, link.Href)
		if err != nil {
			f.logger.Debug("article fetch failed", "url", link.Href, "error", err)
			continue
		}
		b.WriteString("\n\n---\n\n")
		fmt.Fprintf(&b, "# Article: %s\nURL: %s\n\n", link.Text, link.Href)
		b.WriteString(clip(content, articleClipChars))
	}

	return clip(b.String(), contentMax), nil
}

// selectArticleLinks applies the article heuristics: same registrable
// domain, hyphenated slug, long-enough anchor text, no navigational
// subpaths. Href is returned resolved against base, deduplicated, in
// document order.
func selectArticleLinks(base *url.URL, links []pageLink, max int) []pageLink {
	baseDomain := registrableDomain(base.Hostname())
	seen := make(map[string]struct{})
	var out []pageLink

	for _, link := range links {
		if len(out) >= max {
			break
		}
		ref, err := url.Parse(link.Href)
		if err != nil {
			continue
		}
		u := base.ResolveReference(ref)
		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		if registrableDomain(u.Hostname()) != baseDomain {
			continue
		}
		if !strings.Contains(slugOf(u.Path), "-") {
			continue
		}
		if len([]rune(strings.TrimSpace(link.Text))) < crawlMinAnchorRune {
			continue
		}
		if hasDeniedSegment(u.Path) {
			continue
		}

		u.Fragment = ""
		key := u.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, pageLink{Href: key, Text: strings.TrimSpace(link.Text)})
	}
	return out
}

// slugOf returns the last non-empty path segment.
func slugOf(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i] != "" {
			return strings.ToLower(segs[i])
		}
	}
	return ""
}

func hasDeniedSegment(path string) bool {
	for _, seg := range strings.Split(strings.ToLower(strings.Trim(path, "/")), "/") {
		if _, deny := denySubpaths[seg]; deny {
			return true
		}
	}
	return false
}

// twoPartSuffixes cover the common multi-label public suffixes; anything
// else falls back to the last two host labels.
var twoPartSuffixes = map[string]struct{}{
	"co.uk": {}, "org.uk": {}, "ac.uk": {}, "gov.uk": {},
	"com.au": {}, "net.au": {}, "org.au": {},
	"co.jp": {}, "co.kr": {}, "co.in": {}, "com.br": {},
	"github.io": {}, "gitlab.io": {}, "netlify.app": {}, "vercel.app": {},
}

// registrableDomain reduces a hostname to its registrable part, so that
// blog.example.com and www.example.com compare equal.
func registrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	suffix := strings.Join(labels[len(labels)-2:], ".")
	if _, ok := twoPartSuffixes[suffix]; ok {
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return suffix
}
