package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestPersistRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "issues.db")

	src := New(10, 4)
	for id := int64(1); id <= 3; id++ {
		src.Add(testIssue(id))
	}
	src.Acknowledge(2)

	p, err := NewPersister(dbPath, src, time.Hour)
	if err != nil {
		t.Fatalf("NewPersister: %v", err)
	}
	if err := p.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	p.Stop()

	dst := New(10, 4)
	p2, err := NewPersister(dbPath, dst, time.Hour)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Stop()

	loaded, err := p2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != 3 {
		t.Fatalf("loaded = %d, want 3", loaded)
	}

	all := dst.All()
	if len(all) != 3 || all[0].ID != 3 || all[2].ID != 1 {
		t.Fatalf("restored order = %v", all)
	}
	snap, ok := dst.ByID(2)
	if !ok || !snap.Acknowledged {
		t.Error("acknowledgement not restored")
	}
	orig, _ := src.ByID(1)
	if !all[2].DetectedAt.Equal(orig.DetectedAt) {
		t.Errorf("timestamp drifted: %v != %v", all[2].DetectedAt, orig.DetectedAt)
	}
}
