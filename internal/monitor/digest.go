package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/emakarov/megobari-sub000/internal/agent"
	"github.com/emakarov/megobari-sub000/internal/store"
)

// digestExcerpt bounds each snapshot's contribution to a digest prompt;
// diffExcerpt bounds the unified diff between them.
const (
	digestExcerpt = 6000
	diffExcerpt   = 4000
)

const changePromptFormat = `A monitored web resource changed. Compare the two versions and describe what changed.

Resource: %s (%s)
URL: %s

PREVIOUS VERSION:
%s

CURRENT VERSION:
%s

UNIFIED DIFF:
%s

Respond with ONLY a JSON object, no prose, no code fences:
{"summary": "<2-3 sentences on what changed and why it matters>", "change_type": "<one of: new_post, price_change, new_release, new_job, new_deal, content_update, new_feature>"}`

const baselinePromptFormat = `This is the first captured snapshot of a monitored web resource. Summarize its current state as a reference point.

Resource: %s (%s)
URL: %s

CONTENT:
%s

Respond with ONLY a JSON object, no prose, no code fences:
{"summary": "<2-3 sentences describing the current state>", "change_type": "baseline"}`

// digestPayload is the strict JSON shape the agent must return.
type digestPayload struct {
	Summary    string `json:"summary"`
	ChangeType string `json:"change_type"`
}

var knownChangeTypes = map[string]struct{}{
	store.ChangeNewPost:       {},
	store.ChangePriceChange:   {},
	store.ChangeNewRelease:    {},
	store.ChangeNewJob:        {},
	store.ChangeNewDeal:       {},
	store.ChangeContentUpdate: {},
	store.ChangeNewFeature:    {},
	store.ChangeBaseline:      {},
}

// summarizeChange asks the agent to describe the diff between the two most
// recent snapshots and stores the digest. Parse failures propagate so the
// caller can skip the digest without failing the check.
func (e *Engine) summarizeChange(ctx context.Context, res *store.Resource, prev, curr *store.Snapshot) (*store.Digest, error) {
	prompt := fmt.Sprintf(changePromptFormat,
		res.Name, res.ResourceType, res.URL,
		clip(prev.ContentMarkdown, digestExcerpt),
		clip(curr.ContentMarkdown, digestExcerpt),
		unifiedDiff(prev.ContentMarkdown, curr.ContentMarkdown),
	)

	payload, err := e.runDigestPrompt(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if _, ok := knownChangeTypes[payload.ChangeType]; !ok || payload.ChangeType == store.ChangeBaseline {
		payload.ChangeType = store.ChangeContentUpdate
	}

	digest := &store.Digest{
		ResourceID: res.ID,
		SnapshotID: curr.ID,
		Summary:    payload.Summary,
		ChangeType: payload.ChangeType,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.st.InsertDigest(ctx, digest); err != nil {
		return nil, err
	}
	return digest, nil
}

// GenerateBaselineDigests writes a baseline digest for every latest snapshot
// that has none yet. Returns how many were written; individual failures are
// logged and skipped.
func (e *Engine) GenerateBaselineDigests(ctx context.Context) (int, error) {
	snaps, err := e.st.LatestSnapshotsWithoutDigest(ctx, 0)
	if err != nil {
		return 0, err
	}

	written := 0
	for i := range snaps {
		snap := &snaps[i]
		res, err := e.st.GetResource(ctx, snap.ResourceID)
		if err != nil || res == nil {
			continue
		}

		prompt := fmt.Sprintf(baselinePromptFormat,
			res.Name, res.ResourceType, res.URL,
			clip(snap.ContentMarkdown, digestExcerpt),
		)
		payload, err := e.runDigestPrompt(ctx, prompt)
		if err != nil {
			e.logger.Warn("baseline digest skipped", "resource", res.Name, "error", err)
			continue
		}

		digest := &store.Digest{
			ResourceID: res.ID,
			SnapshotID: snap.ID,
			Summary:    payload.Summary,
			ChangeType: store.ChangeBaseline,
			CreatedAt:  e.now().UTC(),
		}
		if err := e.st.InsertDigest(ctx, digest); err != nil {
			e.logger.Warn("baseline digest insert failed", "resource", res.Name, "error", err)
			continue
		}
		written++
	}
	return written, nil
}

func (e *Engine) runDigestPrompt(ctx context.Context, prompt string) (*digestPayload, error) {
	out, err := agent.RunOnce(ctx, e.inv, agent.Options{
		Prompt:     prompt,
		WorkingDir: e.cfg.WorkspacePath(),
	})
	if err != nil {
		return nil, fmt.Errorf("digest agent run: %w", err)
	}

	var payload digestPayload
	if err := json.Unmarshal([]byte(stripCodeFences(out)), &payload); err != nil {
		return nil, fmt.Errorf("digest parse: %w", err)
	}
	if payload.Summary == "" {
		return nil, fmt.Errorf("digest without summary")
	}
	return &payload, nil
}

// unifiedDiff renders a compact line diff between two snapshots so the agent
// sees exactly what moved instead of hunting through two full documents.
func unifiedDiff(prev, curr string) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(prev),
		B:        difflib.SplitLines(curr),
		FromFile: "previous",
		ToFile:   "current",
		Context:  3,
	})
	if err != nil || text == "" {
		return "(diff unavailable)"
	}
	return clip(text, diffExcerpt)
}

var fenceEdges = regexp.MustCompile("^```[a-zA-Z0-9]*[ \t]*\n?|\n?```$")

// stripCodeFences removes a wrapping markdown code fence, which agents add
// despite instructions often enough to handle here.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	return strings.TrimSpace(fenceEdges.ReplaceAllString(s, ""))
}
