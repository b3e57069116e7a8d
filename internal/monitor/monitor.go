// Package monitor implements the fetch → hash → diff → summarize → digest →
// notify pipeline over the topic/entity/resource tree, plus baseline digest
// generation and competitive report synthesis.
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emakarov/megobari-sub000/internal/agent"
	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/internal/store"
	"github.com/emakarov/megobari-sub000/internal/tracing"
	"github.com/emakarov/megobari-sub000/internal/transport"
)

// TransportFactory returns a transport bound to a bare chat, for delivering
// digest notifications to telegram subscribers.
type TransportFactory func(chatID int64) transport.Transport

// Engine runs monitor passes. Safe for concurrent use; each sweep fans out
// over resources with a bounded worker group.
type Engine struct {
	cfg          *config.Config
	st           *store.Store
	inv          agent.Invoker
	fetch        Fetcher
	transportFor TransportFactory
	logger       *slog.Logger
	now          func() time.Time
}

// New wires the engine with the production fetcher. transportFor may be nil;
// telegram subscribers are then skipped with a log line.
func New(cfg *config.Config, st *store.Store, inv agent.Invoker, transportFor TransportFactory, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		st:           st,
		inv:          inv,
		fetch:        NewFetcher(cfg.MonitorBrowser(), cfg.GitHubToken(), logger),
		transportFor: transportFor,
		logger:       logger,
		now:          time.Now,
	}
}

// CheckResult reports one resource check.
type CheckResult struct {
	Resource   *store.Resource
	Snapshot   *store.Snapshot
	IsBaseline bool
	HasChanges bool
	// Digest is set when the check produced a change digest.
	Digest *store.Digest
}

// CheckAll sweeps every enabled resource, then notifies subscribers of the
// changes found.
func (e *Engine) CheckAll(ctx context.Context) (checked, changed int, err error) {
	return e.sweep(ctx, 0)
}

// CheckTopic sweeps one topic's enabled resources.
func (e *Engine) CheckTopic(ctx context.Context, topicID int64) (checked, changed int, err error) {
	return e.sweep(ctx, topicID)
}

func (e *Engine) sweep(ctx context.Context, topicID int64) (checked, changed int, err error) {
	resources, err := e.st.EnabledResources(ctx, topicID)
	if err != nil {
		return 0, 0, err
	}
	if len(resources) == 0 {
		return 0, 0, nil
	}

	// entity → topic resolution for digest grouping at notify time.
	entities, err := e.st.ListEntities(ctx, topicID)
	if err != nil {
		return 0, 0, err
	}
	topicOf := make(map[int64]int64, len(entities))
	for _, ent := range entities {
		topicOf[ent.ID] = ent.TopicID
	}

	var mu sync.Mutex
	digestsByTopic := make(map[int64][]store.Digest)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MonitorConcurrency())
	for i := range resources {
		res := resources[i]
		g.Go(func() error {
			result, cerr := e.CheckResource(gctx, &res)
			if cerr != nil {
				// A broken fetch skips this resource; the sweep goes on.
				e.logger.Warn("resource check failed", "resource", res.Name, "url", res.URL, "error", cerr)
				return nil
			}
			mu.Lock()
			checked++
			if result.HasChanges {
				changed++
			}
			if result.Digest != nil {
				tid := topicOf[res.EntityID]
				digestsByTopic[tid] = append(digestsByTopic[tid], *result.Digest)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return checked, changed, err
	}

	e.notifySubscribers(ctx, digestsByTopic)
	return checked, changed, nil
}

// CheckResource runs the pipeline for one resource: fetch, hash, diff
// against the latest snapshot, write a snapshot unconditionally, stamp the
// resource, and on change write an agent digest.
func (e *Engine) CheckResource(ctx context.Context, res *store.Resource) (*CheckResult, error) {
	ctx, span := tracing.StartCheck(ctx, res.URL, res.ResourceType)
	defer span.End()

	result, err := e.checkResource(ctx, res)
	tracing.RecordResult(span, err)
	return result, err
}

func (e *Engine) checkResource(ctx context.Context, res *store.Resource) (*CheckResult, error) {
	content, err := e.fetch.Fetch(ctx, res)
	if err != nil {
		return nil, err
	}

	hash := ContentHash(content)
	prior, err := e.st.LatestSnapshot(ctx, res.ID)
	if err != nil {
		return nil, err
	}

	isBaseline := prior == nil
	hasChanges := !isBaseline && prior.ContentHash != hash
	now := e.now().UTC()

	snap := &store.Snapshot{
		ResourceID:      res.ID,
		ContentHash:     hash,
		ContentMarkdown: content,
		HasChanges:      hasChanges,
		FetchedAt:       now,
	}
	if err := e.st.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	if err := e.st.TouchResourceChecked(ctx, res.ID, now, hasChanges); err != nil {
		return nil, err
	}

	result := &CheckResult{
		Resource:   res,
		Snapshot:   snap,
		IsBaseline: isBaseline,
		HasChanges: hasChanges,
	}

	if hasChanges {
		digest, derr := e.summarizeChange(ctx, res, prior, snap)
		if derr != nil {
			// Digest failures never fail the check; the snapshot is in.
			e.logger.Warn("change digest skipped", "resource", res.Name, "error", derr)
		} else {
			result.Digest = digest
		}
	}
	return result, nil
}

// ContentHash returns the SHA-256 of the content as 64 hex characters.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
