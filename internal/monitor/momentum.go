package monitor

import (
	"regexp"
	"strconv"
	"strings"
)

// Momentum carries the regex-derived activity signals for one entity and
// the 0–100 score they add up to.
type Momentum struct {
	Stars     int
	Commits   int
	Releases  int
	BlogPosts int
	Score     int
}

var (
	reStars       = regexp.MustCompile(`Stars: (\d+)`)
	reCommitLine  = regexp.MustCompile(`(?m)^- [0-9a-f]{7} \d{4}-\d{2}-\d{2}:`)
	reReleaseLine = regexp.MustCompile(`(?m)^### .+ \(\d{4}-\d{2}-\d{2}\)`)
	reISODate     = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
)

// ComputeMomentum scans an entity's combined snapshot content. blogContent
// holds only the blog-typed resources, so navigation dates on other pages
// do not inflate the post count.
func ComputeMomentum(content, blogContent string) Momentum {
	var m Momentum

	if match := reStars.FindStringSubmatch(content); match != nil {
		m.Stars, _ = strconv.Atoi(match[1])
	}
	m.Commits = len(reCommitLine.FindAllString(content, -1))
	m.Releases = len(reReleaseLine.FindAllString(content, -1))
	m.BlogPosts = countDistinct(reISODate.FindAllString(blogContent, -1))

	m.Score = m.score()
	return m
}

// score is additive: up to 25 points per signal.
func (m Momentum) score() int {
	score := 0

	switch {
	case m.Stars >= 50000:
		score += 25
	case m.Stars >= 10000:
		score += 20
	case m.Stars >= 1000:
		score += 15
	case m.Stars >= 100:
		score += 10
	case m.Stars > 0:
		score += 5
	}

	score += capped(m.Commits*2, 25)
	score += capped(m.Releases*8, 25)
	score += capped(m.BlogPosts*5, 25)

	if score > 100 {
		score = 100
	}
	return score
}

func capped(n, max int) int {
	if n > max {
		return max
	}
	return n
}

func countDistinct(values []string) int {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[strings.TrimSpace(v)] = struct{}{}
	}
	return len(seen)
}
