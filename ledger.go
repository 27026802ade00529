package pulseboard

import (
	"sync"
	"time"
)

// OptimisticEntry is a locally applied mutation awaiting resolution
// from the server.
type OptimisticEntry struct {
	UpdateID  string
	Patch     SnapshotPatch
	AppliedAt time.Time
}

// optimisticLedger tracks pending optimistic patches in insertion
// order. The caller owns each entry's lifecycle: entries are removed
// only by an explicit Remove (confirmation or rollback) and never time
// out, so a forgotten entry stays visible through the engine's cache
// stats instead of vanishing silently.
type optimisticLedger struct {
	mu      sync.Mutex
	entries map[string]*OptimisticEntry
	order   []string
}

func newOptimisticLedger() *optimisticLedger {
	return &optimisticLedger{
		entries: make(map[string]*OptimisticEntry),
	}
}

// Apply records a patch under the given id. Re-applying an id replaces
// the prior patch in place, keeping its original position in the
// replay order.
func (l *optimisticLedger) Apply(updateID string, patch SnapshotPatch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.entries[updateID]; ok {
		existing.Patch = patch
		existing.AppliedAt = time.Now()
		return
	}
	l.entries[updateID] = &OptimisticEntry{
		UpdateID:  updateID,
		Patch:     patch,
		AppliedAt: time.Now(),
	}
	l.order = append(l.order, updateID)
}

// Remove resolves a pending entry. Removing an unknown id is a no-op.
func (l *optimisticLedger) Remove(updateID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[updateID]; !ok {
		return
	}
	delete(l.entries, updateID)
	for i, id := range l.order {
		if id == updateID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Pending returns copies of the pending entries, oldest first. Replay
// order is oldest-first so a later patch can override fields set by an
// earlier one.
func (l *optimisticLedger) Pending() []OptimisticEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]OptimisticEntry, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.entries[id])
	}
	return out
}

func (l *optimisticLedger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
