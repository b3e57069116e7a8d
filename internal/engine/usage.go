package engine

import (
	"sort"
	"sync"

	"github.com/emakarov/megobari-sub000/internal/agent"
)

// UsageAggregate accumulates one session's spend since process start.
type UsageAggregate struct {
	SessionName   string  `json:"session_name"`
	CostUSD       float64 `json:"cost_usd"`
	Turns         int     `json:"turns"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	DurationAPIMS int64   `json:"duration_api_ms"`
}

// UsageTracker keeps in-memory per-session aggregates. The busy set
// guarantees one writer per session; the map itself still needs the lock
// for cross-session readers.
type UsageTracker struct {
	mu       sync.RWMutex
	perSession map[string]*UsageAggregate
}

// NewUsageTracker returns an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{perSession: make(map[string]*UsageAggregate)}
}

// Add folds one turn result into the session's aggregate.
func (u *UsageTracker) Add(sessionName string, res *agent.Result) {
	if res == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	agg, ok := u.perSession[sessionName]
	if !ok {
		agg = &UsageAggregate{SessionName: sessionName}
		u.perSession[sessionName] = agg
	}
	agg.CostUSD += res.CostUSD
	agg.Turns++
	agg.InputTokens += res.InputTokens
	agg.OutputTokens += res.OutputTokens
	agg.DurationAPIMS += res.DurationAPIMS
}

// Session returns a copy of one session's aggregate.
func (u *UsageTracker) Session(sessionName string) (UsageAggregate, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	agg, ok := u.perSession[sessionName]
	if !ok {
		return UsageAggregate{SessionName: sessionName}, false
	}
	return *agg, true
}

// All returns copies of every aggregate, sorted by session name.
func (u *UsageTracker) All() []UsageAggregate {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]UsageAggregate, 0, len(u.perSession))
	for _, agg := range u.perSession {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionName < out[j].SessionName })
	return out
}

// Total sums every session's aggregate.
func (u *UsageTracker) Total() UsageAggregate {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var total UsageAggregate
	for _, agg := range u.perSession {
		total.CostUSD += agg.CostUSD
		total.Turns += agg.Turns
		total.InputTokens += agg.InputTokens
		total.OutputTokens += agg.OutputTokens
		total.DurationAPIMS += agg.DurationAPIMS
	}
	return total
}
