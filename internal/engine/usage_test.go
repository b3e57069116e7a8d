package engine

import (
	"testing"

	"github.com/emakarov/megobari-sub000/internal/agent"
)

// TestUsageTrackerFolds verifies per-session accumulation across turns.
func TestUsageTrackerFolds(t *testing.T) {
	u := NewUsageTracker()
	u.Add("work", &agent.Result{CostUSD: 0.25, NumTurns: 3, InputTokens: 100, OutputTokens: 50, DurationAPIMS: 1200})
	u.Add("work", &agent.Result{CostUSD: 0.50, NumTurns: 1, InputTokens: 40, OutputTokens: 10, DurationAPIMS: 300})
	u.Add("play", &agent.Result{CostUSD: 1.00, NumTurns: 2})

	agg, ok := u.Session("work")
	if !ok {
		t.Fatal("Session(work) missing")
	}
	if agg.CostUSD != 0.75 || agg.Turns != 4 {
		t.Errorf("work aggregate = %+v", agg)
	}
	if agg.InputTokens != 140 || agg.OutputTokens != 60 || agg.DurationAPIMS != 1500 {
		t.Errorf("work tokens = %+v", agg)
	}

	if _, ok := u.Session("ghost"); ok {
		t.Error("Session(ghost) should be absent")
	}

	all := u.All()
	if len(all) != 2 || all[0].SessionName != "play" || all[1].SessionName != "work" {
		t.Errorf("All = %+v, want name-sorted pair", all)
	}

	total := u.Total()
	if total.CostUSD != 1.75 || total.Turns != 6 {
		t.Errorf("Total = %+v", total)
	}
}

// TestUsageTrackerSessionCopies verifies the returned aggregate is a copy,
// not a live pointer into the tracker.
func TestUsageTrackerSessionCopies(t *testing.T) {
	u := NewUsageTracker()
	u.Add("work", &agent.Result{CostUSD: 0.25})

	agg, _ := u.Session("work")
	agg.CostUSD = 99

	again, _ := u.Session("work")
	if again.CostUSD != 0.25 {
		t.Errorf("tracker state mutated through copy: %v", again.CostUSD)
	}
}
