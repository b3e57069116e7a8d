package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	githubAPIBase    = "https://api.github.com"
	githubTimeout    = 20 * time.Second
	githubReleases   = 5
	githubCommits    = 10
	releaseClipChars = 1000
)

// githubClient renders a repository's current state as one markdown
// document so that pushes, releases and metadata changes all move the
// content hash.
type githubClient struct {
	client *http.Client
	token  string
	base   string
}

func newGitHubClient(token string) *githubClient {
	return &githubClient{
		client: &http.Client{Timeout: githubTimeout},
		token:  token,
		base:   githubAPIBase,
	}
}

type githubRepo struct {
	FullName    string `json:"full_name"`
	Description string `json:"description"`
	Stars       int    `json:"stargazers_count"`
	Forks       int    `json:"forks_count"`
	OpenIssues  int    `json:"open_issues_count"`
	Language    string `json:"language"`
	PushedAt    string `json:"pushed_at"`
}

type githubRelease struct {
	TagName     string `json:"tag_name"`
	Name        string `json:"name"`
	PublishedAt string `json:"published_at"`
	Body        string `json:"body"`
}

type githubCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
			Date string `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

// fetchRepo assembles metadata, recent releases and recent commits into the
// fixed markdown template.
func (g *githubClient) fetchRepo(ctx context.Context, owner, repo string) (string, error) {
	var meta githubRepo
	if err := g.getJSON(ctx, fmt.Sprintf("/repos/%s/%s", owner, repo), &meta); err != nil {
		return "", fmt.Errorf("repo metadata: %w", err)
	}

	var releases []githubRelease
	if err := g.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/releases?per_page=%d", owner, repo, githubReleases), &releases); err != nil {
		// Releases are optional; plenty of repos have none.
		releases = nil
	}

	var commits []githubCommit
	if err := g.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/commits?per_page=%d", owner, repo, githubCommits), &commits); err != nil {
		commits = nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", meta.FullName)
	if meta.Description != "" {
		b.WriteString(meta.Description + "\n\n")
	}
	fmt.Fprintf(&b, "Stars: %d | Forks: %d | Open issues: %d\n", meta.Stars, meta.Forks, meta.OpenIssues)
	if meta.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", meta.Language)
	}
	if meta.PushedAt != "" {
		fmt.Fprintf(&b, "Last push: %s\n", shortDate(meta.PushedAt))
	}

	if len(releases) > 0 {
		b.WriteString("\n## Releases\n")
		for _, r := range releases {
			title := r.Name
			if title == "" {
				title = r.TagName
			}
			fmt.Fprintf(&b, "\n### %s (%s)\n", title, shortDate(r.PublishedAt))
			if body := strings.TrimSpace(r.Body); body != "" {
				b.WriteString(clip(body, releaseClipChars) + "\n")
			}
		}
	}

	if len(commits) > 0 {
		b.WriteString("\n## Recent commits\n")
		for _, c := range commits {
			subject, _, _ := strings.Cut(c.Commit.Message, "\n")
			fmt.Fprintf(&b, "- %s %s: %s (%s)\n",
				shortSHA(c.SHA), shortDate(c.Commit.Author.Date), subject, c.Commit.Author.Name)
		}
	}

	return b.String(), nil
}

func (g *githubClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "megobari-monitor")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("github %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// shortDate trims an RFC 3339 timestamp to its date part.
func shortDate(ts string) string {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.UTC().Format("2006-01-02")
	}
	if len(ts) >= 10 {
		return ts[:10]
	}
	return ts
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
