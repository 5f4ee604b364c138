package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/logvigil/logvigil/pkg/types"
)

var testBase = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func testIssue(id int64) types.Issue {
	return types.Issue{
		ID:         id,
		ServerName: "web-01",
		FileName:   "/var/log/app.log",
		LineNumber: int(id),
		IssueType:  "Connection",
		Message:    fmt.Sprintf("connection refused #%d", id),
		FullDetail: "connection refused",
		DetectedAt: testBase.Add(time.Duration(id) * time.Minute),
		Severity:   types.SeverityError,
	}
}

func TestAddAndEviction(t *testing.T) {
	s := New(3, 4)
	for id := int64(1); id <= 5; id++ {
		s.Add(testIssue(id))
	}

	all := s.All()
	if len(all) != 3 {
		t.Fatalf("len = %d, want capacity 3", len(all))
	}
	// Newest first; oldest two evicted.
	if all[0].ID != 5 || all[2].ID != 3 {
		t.Errorf("order = %d..%d, want 5..3", all[0].ID, all[2].ID)
	}

	c := s.Counters()
	if c.Lifetime != 5 {
		t.Errorf("lifetime = %d, want 5 (eviction must not decrement)", c.Lifetime)
	}
	if c.Current != 3 {
		t.Errorf("current = %d, want 3", c.Current)
	}
	if c.BySeverity[types.SeverityError] != 5 {
		t.Errorf("severity tally = %d, want 5", c.BySeverity[types.SeverityError])
	}
}

func TestListenersAfterCommit(t *testing.T) {
	s := New(10, 4)

	var seen []int64
	s.Subscribe(func(issue types.Issue) {
		// The issue must already be queryable when the listener fires.
		if _, ok := s.ByID(issue.ID); !ok {
			t.Errorf("issue %d not committed before notification", issue.ID)
		}
		seen = append(seen, issue.ID)
	})

	s.Add(testIssue(1))
	s.Add(testIssue(2))
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("seen = %v", seen)
	}
}

func TestListenerPanicIsolated(t *testing.T) {
	s := New(10, 4)
	s.Subscribe(func(types.Issue) { panic("listener bug") })
	called := false
	s.Subscribe(func(types.Issue) { called = true })

	s.Add(testIssue(1)) // must not panic
	if !called {
		t.Error("panicking listener blocked the next one")
	}
	if s.Len() != 1 {
		t.Error("issue lost to listener panic")
	}
}

func TestListenerCap(t *testing.T) {
	s := New(10, 2)
	id1, ok1 := s.Subscribe(func(types.Issue) {})
	_, ok2 := s.Subscribe(func(types.Issue) {})
	if !ok1 || !ok2 {
		t.Fatal("subscriptions under the cap rejected")
	}
	if _, ok := s.Subscribe(func(types.Issue) {}); ok {
		t.Error("subscription over the cap accepted")
	}

	// Unsubscribing frees the slot for a later consumer.
	if !s.Unsubscribe(id1) {
		t.Fatal("unsubscribe of registered listener failed")
	}
	if _, ok := s.Subscribe(func(types.Issue) {}); !ok {
		t.Error("subscription after unsubscribe rejected")
	}
	if s.Unsubscribe(id1) {
		t.Error("second unsubscribe of same id succeeded")
	}
	if s.Unsubscribe(999) {
		t.Error("unsubscribe of unknown id succeeded")
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	s := New(10, 4)
	var gone, kept int
	idGone, _ := s.Subscribe(func(types.Issue) { gone++ })
	s.Subscribe(func(types.Issue) { kept++ })

	s.Add(testIssue(1))
	if !s.Unsubscribe(idGone) {
		t.Fatal("unsubscribe failed")
	}
	s.Add(testIssue(2))

	if gone != 1 {
		t.Errorf("removed listener fired %d times, want 1", gone)
	}
	if kept != 2 {
		t.Errorf("remaining listener fired %d times, want 2", kept)
	}
}

func TestFind(t *testing.T) {
	s := New(20, 4)
	s.Add(types.Issue{ID: 1, ServerName: "web-01", IssueType: "Connection", Message: "connection refused",
		DetectedAt: testBase, Severity: types.SeverityError})
	s.Add(types.Issue{ID: 2, ServerName: "web-02", IssueType: "OutOfMemory", Message: "heap exhausted",
		DetectedAt: testBase.Add(time.Hour), Severity: types.SeverityCritical})
	s.Add(types.Issue{ID: 3, ServerName: "web-01", IssueType: "SlowQuery", Message: "query took 4s",
		DetectedAt: testBase.Add(2 * time.Hour), Severity: types.SeverityWarning})

	tests := []struct {
		name   string
		filter Filter
		want   []int64
	}{
		{"all", Filter{}, []int64{3, 2, 1}},
		{"by severity", Filter{Severity: types.SeverityCritical}, []int64{2}},
		{"by server", Filter{Server: "web-01"}, []int64{3, 1}},
		{"from", Filter{From: testBase.Add(30 * time.Minute)}, []int64{3, 2}},
		{"to", Filter{To: testBase.Add(30 * time.Minute)}, []int64{1}},
		{"window", Filter{From: testBase.Add(30 * time.Minute), To: testBase.Add(90 * time.Minute)}, []int64{2}},
		{"text query", Filter{Query: "REFUSED"}, []int64{1}},
		{"query on type", Filter{Query: "slowquery"}, []int64{3}},
		{"combined", Filter{Server: "web-01", Severity: types.SeverityWarning}, []int64{3}},
		{"no match", Filter{Server: "web-09"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Find(tt.filter)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("got[%d].ID = %d, want %d", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestRecent(t *testing.T) {
	s := New(10, 4)
	for id := int64(1); id <= 5; id++ {
		s.Add(testIssue(id)) // detected at base+1m .. base+5m
	}
	now := testBase.Add(5 * time.Minute)

	got := s.Recent(2*time.Minute, now)
	if len(got) != 3 || got[0].ID != 5 || got[2].ID != 3 {
		t.Fatalf("recent = %v", got)
	}
	if got := s.Recent(time.Hour, now); len(got) != 5 {
		t.Fatalf("recent over full window = %d", len(got))
	}
	if got := s.Recent(0, now); len(got) != 1 || got[0].ID != 5 {
		t.Fatalf("zero window = %v", got)
	}
}

func TestAcknowledge(t *testing.T) {
	s := New(2, 4)
	s.Add(testIssue(1))
	s.Add(testIssue(2))

	if !s.Acknowledge(1) {
		t.Fatal("acknowledge of stored issue failed")
	}
	if s.Acknowledge(99) {
		t.Error("acknowledge of unknown ID succeeded")
	}

	snap, ok := s.ByID(1)
	if !ok || !snap.Acknowledged {
		t.Error("acknowledged flag not visible")
	}
	if snap2, _ := s.ByID(2); snap2.Acknowledged {
		t.Error("acknowledgement leaked to another issue")
	}

	// Eviction clears the side-table entry so the flag cannot attach to a
	// future issue reusing the slot.
	s.Add(testIssue(3)) // evicts 1
	if s.Acknowledge(1) {
		t.Error("evicted issue still acknowledgeable")
	}
}

func TestClearAcknowledged(t *testing.T) {
	s := New(10, 4)
	for id := int64(1); id <= 4; id++ {
		s.Add(testIssue(id))
	}
	s.Acknowledge(2)
	s.Acknowledge(4)

	if removed := s.ClearAcknowledged(); removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	all := s.All()
	if len(all) != 2 || all[0].ID != 3 || all[1].ID != 1 {
		t.Fatalf("survivors = %v", all)
	}

	// Capacity behavior is intact after compaction.
	for id := int64(5); id <= 14; id++ {
		s.Add(testIssue(id))
	}
	if s.Len() != 10 {
		t.Errorf("len = %d, want capacity 10", s.Len())
	}
}

func TestClearAll(t *testing.T) {
	s := New(10, 4)
	s.Add(testIssue(1))
	s.Add(testIssue(2))
	if removed := s.ClearAll(); removed != 2 {
		t.Fatalf("removed = %d", removed)
	}
	if s.Len() != 0 {
		t.Error("store not empty after clear")
	}
	if c := s.Counters(); c.Lifetime != 2 {
		t.Errorf("lifetime = %d, want 2 preserved", c.Lifetime)
	}
}

func TestTopIssueTypes(t *testing.T) {
	s := New(20, 4)
	add := func(id int64, typ string) {
		iss := testIssue(id)
		iss.IssueType = typ
		s.Add(iss)
	}
	add(1, "Connection")
	add(2, "Connection")
	add(3, "Timeout")
	add(4, "Timeout")
	add(5, "OutOfMemory")

	top := s.TopIssueTypes(2)
	if len(top) != 2 {
		t.Fatalf("len = %d", len(top))
	}
	// Tie between Connection and Timeout broken alphabetically.
	if top[0].IssueType != "Connection" || top[1].IssueType != "Timeout" {
		t.Errorf("top = %v", top)
	}
}

func TestTrend(t *testing.T) {
	s := New(50, 4)
	now := time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)

	nextID := int64(0)
	add := func(at time.Time, sev types.Severity) {
		nextID++
		iss := testIssue(nextID)
		iss.DetectedAt = at
		iss.Severity = sev
		s.Add(iss)
	}
	add(now.Add(-10*time.Minute), types.SeverityError)   // 15:xx bucket
	add(now.Add(-70*time.Minute), types.SeverityError)   // 14:xx bucket
	add(now.Add(-75*time.Minute), types.SeverityWarning) // 14:xx bucket
	add(now.Add(-30*time.Hour), types.SeverityError)     // out of range

	buckets := s.Trend(GranularityHour, 3, now)
	if len(buckets) != 3 {
		t.Fatalf("len = %d, want 3", len(buckets))
	}
	if !buckets[2].Start.Equal(time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)) {
		t.Errorf("newest bucket start = %v", buckets[2].Start)
	}
	if buckets[2].Total != 1 {
		t.Errorf("newest total = %d, want 1", buckets[2].Total)
	}
	if buckets[1].Total != 2 || buckets[1].BySeverity[types.SeverityWarning] != 1 {
		t.Errorf("middle bucket = %+v", buckets[1])
	}
	if buckets[0].Total != 0 {
		t.Errorf("oldest bucket = %+v, want zero-filled", buckets[0])
	}
}

func TestBounds(t *testing.T) {
	s := New(10, 4)
	if _, _, ok := s.Bounds(); ok {
		t.Fatal("empty store reported bounds")
	}
	s.Add(testIssue(2))
	s.Add(testIssue(1)) // out-of-order timestamps
	s.Add(testIssue(3))
	earliest, latest, ok := s.Bounds()
	if !ok {
		t.Fatal("bounds missing")
	}
	if !earliest.Equal(testIssue(1).DetectedAt) || !latest.Equal(testIssue(3).DetectedAt) {
		t.Errorf("bounds = %v .. %v", earliest, latest)
	}
}

func TestConcurrentAddAndQuery(t *testing.T) {
	s := New(100, 4)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Add(testIssue(int64(w*1000 + i)))
				s.Recent(10*time.Minute, time.Now())
				s.Counters()
			}
		}(w)
	}
	wg.Wait()

	c := s.Counters()
	if c.Lifetime != 800 {
		t.Errorf("lifetime = %d, want 800", c.Lifetime)
	}
	if c.Current != 100 {
		t.Errorf("current = %d, want capacity", c.Current)
	}
}
