package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/emakarov/megobari-sub000/internal/agent"
	"github.com/emakarov/megobari-sub000/internal/store"
)

const (
	// reportPayloadMax caps the monitoring data fed to the agent.
	reportPayloadMax = 80000
	// prevReportClip bounds the previous report's contribution.
	prevReportClip = 10000
)

// excerptLadder shrinks per-resource excerpts until the payload fits.
var excerptLadder = []int{1200, 800, 500, 300}

const reportPromptFormat = `You are a competitive-intelligence analyst. Write a markdown report on the "%s" landscape from the monitoring data below.

Structure the report with exactly these sections, in this order:

# %s — Competitive Report
## Executive Summary
## Highlights
## Momentum Ranking
## Pricing Landscape
## Company Profiles
## Open Source Landscape
## Competitive Gap Analysis
## Market Observations
## Action Items

Momentum scores (0-100, additive over stars, commits, releases, posts):
%s
%s
MONITORING DATA:
%s

Write the report now. Be specific; cite names, numbers and dates from the data.`

type resourceReport struct {
	resource store.Resource
	snapshot *store.Snapshot
	digest   *store.Digest
}

type entityReport struct {
	entity    store.Entity
	resources []resourceReport
	momentum  Momentum
}

// GenerateReport synthesizes the competitive report for one topic and
// writes it to <reports-dir>/<topic-slug>.md, returning the path.
func (e *Engine) GenerateReport(ctx context.Context, topicName string) (string, error) {
	topic, err := e.st.GetTopicByName(ctx, topicName)
	if err != nil {
		return "", err
	}
	if topic == nil {
		return "", fmt.Errorf("no topic named %q", topicName)
	}

	reports, err := e.collectEntityReports(ctx, topic.ID)
	if err != nil {
		return "", err
	}
	if len(reports) == 0 {
		return "", fmt.Errorf("topic %q has no entities to report on", topicName)
	}

	payload := renderPayload(reports, excerptLadder[0])
	for _, limit := range excerptLadder[1:] {
		if len(payload) <= reportPayloadMax {
			break
		}
		payload = renderPayload(reports, limit)
	}

	reportPath := ReportFile(e.cfg.ReportsDir(), topic.Name)
	prevBlock := ""
	if prev, err := os.ReadFile(reportPath); err == nil {
		prevBlock = fmt.Sprintf("\nPREVIOUS REPORT (for change tracking):\n%s\n", clip(string(prev), prevReportClip))
	}

	prompt := fmt.Sprintf(reportPromptFormat,
		topic.Name, topic.Name, renderMomentumTable(reports), prevBlock, payload)

	out, err := agent.RunOnce(ctx, e.inv, agent.Options{
		Prompt:     prompt,
		WorkingDir: e.cfg.WorkspacePath(),
	})
	if err != nil {
		return "", fmt.Errorf("report agent run: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("agent returned an empty report")
	}

	if err := os.MkdirAll(e.cfg.ReportsDir(), 0o755); err != nil {
		return "", fmt.Errorf("reports dir: %w", err)
	}
	if err := os.WriteFile(reportPath, []byte(out), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return reportPath, nil
}

// ReportFile returns where a topic's report lives on disk, whether or not
// one has been generated yet. The dashboard uses it to serve saved reports.
func ReportFile(reportsDir, topicName string) string {
	return filepath.Join(reportsDir, slugify(topicName)+".md")
}

func (e *Engine) collectEntityReports(ctx context.Context, topicID int64) ([]entityReport, error) {
	entities, err := e.st.ListEntities(ctx, topicID)
	if err != nil {
		return nil, err
	}

	var reports []entityReport
	for _, ent := range entities {
		resources, err := e.st.ListResources(ctx, ent.ID, 0)
		if err != nil {
			return nil, err
		}

		er := entityReport{entity: ent}
		var all, blog strings.Builder
		for _, res := range resources {
			rr := resourceReport{resource: res}
			if snap, err := e.st.LatestSnapshot(ctx, res.ID); err == nil && snap != nil {
				rr.snapshot = snap
				all.WriteString(snap.ContentMarkdown + "\n")
				if res.ResourceType == store.ResourceBlog {
					blog.WriteString(snap.ContentMarkdown + "\n")
					if d, err := e.st.LatestDigestForResource(ctx, res.ID); err == nil && d != nil {
						rr.digest = d
					}
				}
			}
			er.resources = append(er.resources, rr)
		}
		er.momentum = ComputeMomentum(all.String(), blog.String())
		reports = append(reports, er)
	}
	return reports, nil
}

// renderPayload formats every entity block with the given per-resource
// excerpt limit.
func renderPayload(reports []entityReport, excerptLimit int) string {
	var b strings.Builder
	for _, er := range reports {
		fmt.Fprintf(&b, "\n## %s (%s)\n", er.entity.Name, er.entity.EntityType)
		if er.entity.URL != "" {
			fmt.Fprintf(&b, "URL: %s\n", er.entity.URL)
		}
		for _, rr := range er.resources {
			fmt.Fprintf(&b, "\n### %s — %s\nURL: %s\n", rr.resource.Name, rr.resource.ResourceType, rr.resource.URL)
			if rr.snapshot == nil {
				b.WriteString("(no snapshot yet)\n")
				continue
			}
			if rr.digest != nil {
				fmt.Fprintf(&b, "Recent digest: %s\n", rr.digest.Summary)
			}
			b.WriteString(clip(rr.snapshot.ContentMarkdown, excerptLimit) + "\n")
		}
	}
	return b.String()
}

// renderMomentumTable lists entities by descending score.
func renderMomentumTable(reports []entityReport) string {
	ranked := make([]entityReport, len(reports))
	copy(ranked, reports)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].momentum.Score > ranked[j].momentum.Score
	})

	var b strings.Builder
	for _, er := range ranked {
		m := er.momentum
		fmt.Fprintf(&b, "- %s: %d (stars %d, commits %d, releases %d, posts %d)\n",
			er.entity.Name, m.Score, m.Stars, m.Commits, m.Releases, m.BlogPosts)
	}
	return strings.TrimRight(b.String(), "\n")
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns a topic name into a filesystem-safe file stem.
func slugify(name string) string {
	slug := slugStrip.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "report"
	}
	return slug
}
