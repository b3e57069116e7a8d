package engine

import "testing"

// TestBusySetMutualExclusion verifies a held session rejects a second
// acquire until released.
func TestBusySetMutualExclusion(t *testing.T) {
	b := NewBusySet()

	if !b.TryAcquire("work") {
		t.Fatal("first TryAcquire should succeed")
	}
	if b.TryAcquire("work") {
		t.Error("second TryAcquire should fail while held")
	}
	if !b.TryAcquire("other") {
		t.Error("a different session must not be blocked")
	}
	if !b.Busy("work") {
		t.Error("Busy(work) = false while held")
	}

	b.Release("work")
	if b.Busy("work") {
		t.Error("Busy(work) = true after release")
	}
	if !b.TryAcquire("work") {
		t.Error("TryAcquire should succeed after release")
	}
}

// TestBusySetNames lists held sessions sorted.
func TestBusySetNames(t *testing.T) {
	b := NewBusySet()
	b.TryAcquire("zeta")
	b.TryAcquire("alpha")

	names := b.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("Names = %v, want [alpha zeta]", names)
	}

	b.Release("alpha")
	b.Release("zeta")
	if got := b.Names(); len(got) != 0 {
		t.Errorf("Names after release = %v, want empty", got)
	}
}

// TestBusySetReleaseUnheld verifies releasing an unheld name is harmless.
func TestBusySetReleaseUnheld(t *testing.T) {
	b := NewBusySet()
	b.Release("ghost")
	if b.Busy("ghost") {
		t.Error("ghost should not be busy")
	}
}
