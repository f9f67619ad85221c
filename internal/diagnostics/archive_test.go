package diagnostics

import (
	"path/filepath"
	"testing"
	"time"
)

func TestArchiveStoreAndPrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diagnostics.db")
	a, err := OpenArchive(path, 1, nil)
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	defer a.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old := New(Config{})
	old.NotePull(1)
	if err := a.Store(base.Add(-48*time.Hour), old.Snapshot()); err != nil {
		t.Fatalf("Store old: %v", err)
	}

	recent := New(Config{})
	recent.NotePull(2)
	if err := a.Store(base, recent.Snapshot()); err != nil {
		t.Fatalf("Store recent: %v", err)
	}

	pruned, err := a.PruneOlderThan(base)
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned snapshot older than the 1-day retention window, got %d", pruned)
	}
}

func TestArchiveReopenPreservesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diagnostics.db")
	a1, err := OpenArchive(path, 7, nil)
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	snap := New(Config{}).Snapshot()
	if err := a1.Store(time.Now(), snap); err != nil {
		t.Fatalf("Store: %v", err)
	}
	a1.Close()

	a2, err := OpenArchive(path, 7, nil)
	if err != nil {
		t.Fatalf("reopen OpenArchive: %v", err)
	}
	defer a2.Close()
}
