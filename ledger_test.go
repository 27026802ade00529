package pulseboard

import "testing"

func pendingIDs(l *optimisticLedger) []string {
	var ids []string
	for _, e := range l.Pending() {
		ids = append(ids, e.UpdateID)
	}
	return ids
}

func TestLedgerOrderAndIdempotency(t *testing.T) {
	l := newOptimisticLedger()

	wip1, wip2 := 5, 9
	l.Apply("u1", SnapshotPatch{Metrics: &MetricsPatch{WIPCount: &wip1}})
	l.Apply("u2", SnapshotPatch{Suggestions: &[]Suggestion{}})

	if got := pendingIDs(l); len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("expected pending order [u1 u2], got %v", got)
	}

	// Re-applying an id replaces the patch but keeps its position.
	l.Apply("u1", SnapshotPatch{Metrics: &MetricsPatch{WIPCount: &wip2}})
	if l.Size() != 2 {
		t.Fatalf("expected size 2 after re-apply, got %d", l.Size())
	}
	pending := l.Pending()
	if pending[0].UpdateID != "u1" {
		t.Fatalf("expected u1 to keep first position, got %v", pendingIDs(l))
	}
	if got := *pending[0].Patch.Metrics.WIPCount; got != wip2 {
		t.Fatalf("expected replaced patch wipCount=%d, got %d", wip2, got)
	}
}

func TestLedgerRemove(t *testing.T) {
	l := newOptimisticLedger()
	l.Apply("u1", SnapshotPatch{})
	l.Apply("u2", SnapshotPatch{})
	l.Apply("u3", SnapshotPatch{})

	l.Remove("u2")
	if got := pendingIDs(l); len(got) != 2 || got[0] != "u1" || got[1] != "u3" {
		t.Fatalf("expected [u1 u3] after removing u2, got %v", got)
	}

	// Removing an unknown id is a no-op.
	l.Remove("u2")
	l.Remove("never-applied")
	if l.Size() != 2 {
		t.Fatalf("expected size 2, got %d", l.Size())
	}

	l.Remove("u1")
	l.Remove("u3")
	if l.Size() != 0 || len(l.Pending()) != 0 {
		t.Fatal("expected empty ledger after removing everything")
	}
}
