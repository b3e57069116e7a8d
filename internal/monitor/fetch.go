package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/emakarov/megobari-sub000/internal/store"
)

const (
	pageTimeout    = 30 * time.Second
	stabilizeDelay = 2 * time.Second
	fetchMaxBytes  = 2 << 20 // per page
	contentMax     = 60000   // chars kept per fetched document

	fetchUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Fetcher turns one monitored resource into markdown content.
type Fetcher interface {
	Fetch(ctx context.Context, res *store.Resource) (string, error)
}

// siteFetcher is the production fetcher: GitHub API for repos, deep crawl
// for blogs, single-page extraction for everything else. Pages render in a
// headless browser when one is configured and present; otherwise plain HTTP.
type siteFetcher struct {
	client     *http.Client
	github     *githubClient
	useBrowser bool
	logger     *slog.Logger

	mu         sync.Mutex
	browser    *rod.Browser
	browserErr error
}

// NewFetcher builds the production fetcher. githubToken may be empty;
// unauthenticated GitHub API limits then apply.
func NewFetcher(useBrowser bool, githubToken string, logger *slog.Logger) Fetcher {
	return &siteFetcher{
		client: &http.Client{
			Timeout: pageTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 15 * time.Second,
			},
		},
		github:     newGitHubClient(githubToken),
		useBrowser: useBrowser,
		logger:     logger,
	}
}

func (f *siteFetcher) Fetch(ctx context.Context, res *store.Resource) (string, error) {
	switch {
	case res.ResourceType == store.ResourceRepo && isGitHubURL(res.URL):
		owner, repo, err := splitGitHubPath(res.URL)
		if err != nil {
			return "", err
		}
		return f.github.fetchRepo(ctx, owner, repo)

	case res.ResourceType == store.ResourceBlog:
		return f.crawlBlog(ctx, res.URL)

	default:
		return f.fetchPage(ctx, res.URL)
	}
}

// fetchPage retrieves one URL as cleaned markdown.
func (f *siteFetcher) fetchPage(ctx context.Context, rawURL string) (string, error) {
	html, isHTML, err := f.fetchRaw(ctx, rawURL)
	if err != nil {
		return "", err
	}
	if isHTML {
		return clip(htmlToMarkdown(html), contentMax), nil
	}
	return clip(html, contentMax), nil
}

// fetchRaw returns the page source, preferring a browser render when
// configured. isHTML tells the caller whether markdown conversion applies.
func (f *siteFetcher) fetchRaw(ctx context.Context, rawURL string) (body string, isHTML bool, err error) {
	if f.useBrowser {
		if html, rerr := f.renderPage(ctx, rawURL); rerr == nil {
			return html, true, nil
		} else {
			f.logger.Debug("browser render failed, falling back to http", "url", rawURL, "error", rerr)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", false, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
	if err != nil {
		return "", false, fmt.Errorf("read body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	isHTML = strings.Contains(contentType, "text/html") || strings.Contains(contentType, "application/xhtml")
	return string(raw), isHTML, nil
}

// renderPage loads the URL in a shared headless browser and returns the DOM
// after load plus a short stabilization delay. The browser is launched once
// per process; launch failure sticks so later fetches skip straight to HTTP.
func (f *siteFetcher) renderPage(ctx context.Context, rawURL string) (string, error) {
	browser, err := f.ensureBrowser()
	if err != nil {
		return "", err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: rawURL})
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	if err := page.Context(ctx).Timeout(pageTimeout).WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}
	select {
	case <-time.After(stabilizeDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read dom: %w", err)
	}
	return html, nil
}

func (f *siteFetcher) ensureBrowser() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser != nil {
		return f.browser, nil
	}
	if f.browserErr != nil {
		return nil, f.browserErr
	}

	bin, ok := launcher.LookPath()
	if !ok {
		f.browserErr = fmt.Errorf("no browser binary found")
		return nil, f.browserErr
	}
	controlURL, err := launcher.New().Bin(bin).Headless(true).Launch()
	if err != nil {
		f.browserErr = fmt.Errorf("launch browser: %w", err)
		return nil, f.browserErr
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		f.browserErr = fmt.Errorf("connect browser: %w", err)
		return nil, f.browserErr
	}
	f.browser = browser
	return browser, nil
}

// Close shuts the shared browser down, if one was launched.
func (f *siteFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser == nil {
		return nil
	}
	err := f.browser.Close()
	f.browser = nil
	f.browserErr = fmt.Errorf("browser closed")
	return err
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func isGitHubURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return host == "github.com"
}

// splitGitHubPath extracts owner and repo from a github.com URL.
func splitGitHubPath(rawURL string) (owner, repo string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse repo url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repo url %q lacks owner/name", rawURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
