package pulseboard

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

// baseSnapshot returns a fixed snapshot fixture shared across tests.
func baseSnapshot() *FlowSnapshot {
	return &FlowSnapshot{
		Topic: "flow",
		Metrics: FlowMetrics{
			Throughput:        4.2,
			AvgCycleTimeHours: 18.5,
			AvgLeadTimeHours:  41.0,
			FlowEfficiency:    0.35,
			WIPCount:          12,
		},
		Bottlenecks: []Bottleneck{
			{ID: "b1", Stage: "review", Severity: "high", DetectedAt: "2026-08-01T10:00:00Z"},
		},
		Suggestions: []Suggestion{
			{ID: "s1", Title: "Limit review WIP", CreatedAt: "2026-08-01T10:05:00Z"},
			{ID: "s2", Title: "Split oversized tasks", CreatedAt: "2026-08-01T10:06:00Z"},
		},
		GeneratedAt: "2026-08-01T10:10:00Z",
	}
}

func newTestReconciler() *reconciler {
	return &reconciler{
		cache:  newSnapshotCache(time.Minute),
		ledger: newOptimisticLedger(),
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestReconcileDeterminism(t *testing.T) {
	r := newTestReconciler()
	r.ledger.Apply("u1", SnapshotPatch{Suggestions: &[]Suggestion{}})
	wip := 3
	r.ledger.Apply("u2", SnapshotPatch{Metrics: &MetricsPatch{WIPCount: &wip}})

	first := mustJSON(t, r.reconcileSnapshot("flow", baseSnapshot()))
	for i := 0; i < 5; i++ {
		got := mustJSON(t, r.reconcileSnapshot("flow", baseSnapshot()))
		if !bytes.Equal(first, got) {
			t.Fatalf("reconciliation not deterministic on pass %d:\n%s\nvs\n%s", i, first, got)
		}
	}
}

func TestReconcileSnapshotWithPendingPatch(t *testing.T) {
	r := newTestReconciler()

	// Pending patch overrides the snapshot field until removed.
	r.ledger.Apply("u1", SnapshotPatch{Suggestions: &[]Suggestion{}})
	merged := r.reconcileSnapshot("flow", baseSnapshot())
	if len(merged.Suggestions) != 0 {
		t.Fatalf("expected patched merged state to have no suggestions, got %d", len(merged.Suggestions))
	}

	// After removal, the same input reverts to the snapshot's view.
	r.ledger.Remove("u1")
	merged = r.reconcileSnapshot("flow", baseSnapshot())
	if len(merged.Suggestions) != 2 {
		t.Fatalf("expected suggestions restored after remove, got %d", len(merged.Suggestions))
	}
}

func TestOverlayThenRollbackRestoresBase(t *testing.T) {
	base := baseSnapshot()
	eff := 0.9
	patch := SnapshotPatch{
		Metrics:     &MetricsPatch{FlowEfficiency: &eff},
		Bottlenecks: &[]Bottleneck{},
	}

	patched := overlayPending(base, []OptimisticEntry{{UpdateID: "u1", Patch: patch}})
	if patched.Metrics.FlowEfficiency != eff || len(patched.Bottlenecks) != 0 {
		t.Fatal("expected patch to change the merged state immediately")
	}

	restored := overlayPending(base, nil)
	if !reflect.DeepEqual(restored, baseSnapshot()) {
		t.Fatalf("expected rollback to restore the pre-patch state, got %+v", restored)
	}
	// The base itself is never mutated.
	if !reflect.DeepEqual(base, baseSnapshot()) {
		t.Fatal("overlay mutated its base snapshot")
	}
}

func TestPatchReplayLastWinsPerField(t *testing.T) {
	base := baseSnapshot()
	wip1, wip2 := 5, 9
	thr := 7.0

	merged := overlayPending(base, []OptimisticEntry{
		{UpdateID: "u1", Patch: SnapshotPatch{Metrics: &MetricsPatch{WIPCount: &wip1, Throughput: &thr}}},
		{UpdateID: "u2", Patch: SnapshotPatch{Metrics: &MetricsPatch{WIPCount: &wip2}}},
	})
	if merged.Metrics.WIPCount != wip2 {
		t.Fatalf("expected later patch to win wipCount, got %d", merged.Metrics.WIPCount)
	}
	if merged.Metrics.Throughput != thr {
		t.Fatalf("expected untouched field from earlier patch to survive, got %f", merged.Metrics.Throughput)
	}
}

func TestReconcileEventAppliedInReceiptOrder(t *testing.T) {
	r := newTestReconciler()
	r.reconcileSnapshot("flow", baseSnapshot())

	// Deliveries are applied in receipt order even if the server sent
	// them in the other order.
	second := mustJSON(t, Suggestion{ID: "s4", Title: "second sent, first received"})
	first := mustJSON(t, Suggestion{ID: "s3", Title: "first sent, second received"})

	if _, err := r.reconcileEvent("flow", EventSuggestion, second); err != nil {
		t.Fatalf("reconcileEvent: %v", err)
	}
	merged, err := r.reconcileEvent("flow", EventSuggestion, first)
	if err != nil {
		t.Fatalf("reconcileEvent: %v", err)
	}

	got := merged.Suggestions
	if len(got) != 4 || got[2].ID != "s4" || got[3].ID != "s3" {
		t.Fatalf("expected receipt-order append [.. s4 s3], got %+v", got)
	}
}

func TestReconcileEventWithoutBaseSnapshot(t *testing.T) {
	r := newTestReconciler()
	payload := mustJSON(t, Bottleneck{ID: "b9", Stage: "qa"})
	_, err := r.reconcileEvent("flow", EventBottleneck, payload)
	if !errors.Is(err, errNoBaseSnapshot) {
		t.Fatalf("expected errNoBaseSnapshot, got %v", err)
	}
}

func TestReconcileEventMalformedPayload(t *testing.T) {
	r := newTestReconciler()
	r.reconcileSnapshot("flow", baseSnapshot())

	if _, err := r.reconcileEvent("flow", EventBottleneck, json.RawMessage(`{`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
	// The offending delivery is dropped; the cached snapshot is untouched.
	entry := r.cache.Get("flow")
	if len(entry.Snapshot.Bottlenecks) != 1 {
		t.Fatalf("expected cache unchanged after malformed event, got %d bottlenecks", len(entry.Snapshot.Bottlenecks))
	}

	if _, err := r.reconcileEvent("flow", "unknown-kind", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unknown event kind")
	}
}

func TestSnapshotSupersedesEvents(t *testing.T) {
	r := newTestReconciler()
	r.reconcileSnapshot("flow", baseSnapshot())

	payload := mustJSON(t, Bottleneck{ID: "b2", Stage: "deploy", Severity: "low"})
	if _, err := r.reconcileEvent("flow", EventBottleneck, payload); err != nil {
		t.Fatalf("reconcileEvent: %v", err)
	}

	// A later snapshot replaces the event-merged state entirely.
	merged := r.reconcileSnapshot("flow", baseSnapshot())
	if len(merged.Bottlenecks) != 1 || merged.Bottlenecks[0].ID != "b1" {
		t.Fatalf("expected snapshot to supersede merged events, got %+v", merged.Bottlenecks)
	}
}
