// Package store keeps detected issues in a bounded in-memory ring and fans
// new arrivals out to registered listeners. All counters and the ring are
// mutated under one lock so a reader never observes an issue without its
// counter update (or the reverse); listeners run after the lock is
// released, so a listener that queries the store sees the issue committed.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/logvigil/logvigil/pkg/logger"
	"github.com/logvigil/logvigil/pkg/types"
)

// UnknownServer labels issues with no server name in the per-server tallies.
const UnknownServer = "Unknown"

// Listener receives each stored issue after it is committed. Listeners run
// synchronously on the caller's goroutine; a panicking listener is logged
// and skipped without affecting the others or the store.
type Listener func(issue types.Issue)

// Snapshot pairs an immutable issue with its store-side state.
type Snapshot struct {
	types.Issue
	Acknowledged bool `json:"acknowledged"`
}

// Counters is a consistent view of the store's tallies.
type Counters struct {
	Lifetime   int64                    `json:"lifetime"`
	Current    int                      `json:"current"`
	BySeverity map[types.Severity]int64 `json:"bySeverity"`
	ByServer   map[string]int64         `json:"byServer"`
	ByType     map[string]int64         `json:"byType"`
}

// Store is a fixed-capacity issue ring with listener fan-out.
type Store struct {
	mu sync.Mutex

	// ring is a circular buffer: head is the index of the oldest issue,
	// count how many slots are live. Insert and evict are O(1).
	ring  []types.Issue
	head  int
	count int

	// acked tracks acknowledgements by issue ID without mutating the
	// stored issues.
	acked map[int64]bool

	lifetime   int64
	bySeverity map[types.Severity]int64
	byServer   map[string]int64
	byType     map[string]int64

	listeners      []listenerEntry
	nextListenerID int64
	maxListeners   int
}

type listenerEntry struct {
	id int64
	fn Listener
}

// New creates a store holding at most maxIssues issues and accepting at
// most maxListeners listeners.
func New(maxIssues, maxListeners int) *Store {
	if maxIssues < 1 {
		maxIssues = 1
	}
	return &Store{
		ring:         make([]types.Issue, maxIssues),
		acked:        make(map[int64]bool),
		bySeverity:   make(map[types.Severity]int64),
		byServer:     make(map[string]int64),
		byType:       make(map[string]int64),
		maxListeners: maxListeners,
	}
}

// Add commits an issue and notifies listeners. The commit (ring insert,
// possible eviction, counter increments) is atomic with respect to every
// query; notification happens after commit.
func (s *Store) Add(issue types.Issue) {
	s.mu.Lock()

	if s.count == len(s.ring) {
		// Evict the oldest. Lifetime and per-key counters are historical
		// tallies and are not decremented.
		evicted := s.ring[s.head]
		delete(s.acked, evicted.ID)
		s.head = (s.head + 1) % len(s.ring)
		s.count--
	}
	s.ring[(s.head+s.count)%len(s.ring)] = issue
	s.count++

	server := issue.ServerName
	if server == "" {
		server = UnknownServer
	}
	s.lifetime++
	s.bySeverity[issue.Severity]++
	s.byServer[server]++
	s.byType[issue.IssueType]++

	listeners := make([]Listener, len(s.listeners))
	for i, e := range s.listeners {
		listeners[i] = e.fn
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		s.notify(fn, issue)
	}
}

func (s *Store) notify(fn Listener, issue types.Issue) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Issue listener panicked: %v", r)
		}
	}()
	fn(issue)
}

// Subscribe registers a listener for future issues and returns its
// registration ID for Unsubscribe. ok is false when the listener cap is
// reached.
func (s *Store) Subscribe(fn Listener) (id int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) >= s.maxListeners {
		logger.Warnf("Listener limit (%d) reached, subscription rejected", s.maxListeners)
		return 0, false
	}
	s.nextListenerID++
	s.listeners = append(s.listeners, listenerEntry{id: s.nextListenerID, fn: fn})
	return s.nextListenerID, true
}

// Unsubscribe removes a listener by registration ID, freeing its slot for a
// later Subscribe. Returns false when the ID is not registered.
func (s *Store) Unsubscribe(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.listeners {
		if e.id == id {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// All returns every stored issue, newest first.
func (s *Store) All() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(func(types.Issue) bool { return true })
}

// ByID returns one issue by ID.
func (s *Store) ByID(id int64) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.count; i++ {
		iss := s.ring[(s.head+i)%len(s.ring)]
		if iss.ID == id {
			return Snapshot{Issue: iss, Acknowledged: s.acked[id]}, true
		}
	}
	return Snapshot{}, false
}

// Filter selects issues; zero-valued fields match everything.
type Filter struct {
	Severity types.Severity
	Server   string
	From     time.Time
	To       time.Time

	// Query is a case-insensitive substring matched against the message
	// and issue type.
	Query string
}

func (f Filter) matches(iss types.Issue) bool {
	if f.Severity != "" && iss.Severity != f.Severity {
		return false
	}
	if f.Server != "" && iss.ServerName != f.Server {
		return false
	}
	if !f.From.IsZero() && iss.DetectedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && iss.DetectedAt.After(f.To) {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(iss.Message), q) &&
			!strings.Contains(strings.ToLower(iss.IssueType), q) {
			return false
		}
	}
	return true
}

// Find returns matching issues, newest first.
func (s *Store) Find(f Filter) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(f.matches)
}

// Recent returns issues detected within the window ending at now, newest
// first.
func (s *Store) Recent(window time.Duration, now time.Time) []Snapshot {
	cutoff := now.Add(-window)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(func(iss types.Issue) bool {
		return !iss.DetectedAt.Before(cutoff)
	})
}

// collectLocked walks the ring newest-first applying a predicate.
func (s *Store) collectLocked(pred func(types.Issue) bool) []Snapshot {
	out := make([]Snapshot, 0, s.count)
	for i := s.count - 1; i >= 0; i-- {
		iss := s.ring[(s.head+i)%len(s.ring)]
		if pred(iss) {
			out = append(out, Snapshot{Issue: iss, Acknowledged: s.acked[iss.ID]})
		}
	}
	return out
}

// Acknowledge marks an issue acknowledged. Returns false when the ID is not
// in the store (never stored, or already evicted).
func (s *Store) Acknowledge(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.count; i++ {
		if s.ring[(s.head+i)%len(s.ring)].ID == id {
			s.acked[id] = true
			return true
		}
	}
	return false
}

// ClearAll empties the ring. Lifetime counters are preserved.
func (s *Store) ClearAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.count
	s.head = 0
	s.count = 0
	s.acked = make(map[int64]bool)
	return removed
}

// ClearAcknowledged removes only acknowledged issues, compacting the ring
// in place and keeping relative order of the survivors.
func (s *Store) ClearAcknowledged() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]types.Issue, 0, s.count)
	removed := 0
	for i := 0; i < s.count; i++ {
		iss := s.ring[(s.head+i)%len(s.ring)]
		if s.acked[iss.ID] {
			delete(s.acked, iss.ID)
			removed++
			continue
		}
		kept = append(kept, iss)
	}
	s.head = 0
	s.count = len(kept)
	copy(s.ring, kept)
	return removed
}

// Counters returns a copy of all tallies.
func (s *Store) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := Counters{
		Lifetime:   s.lifetime,
		Current:    s.count,
		BySeverity: make(map[types.Severity]int64, len(s.bySeverity)),
		ByServer:   make(map[string]int64, len(s.byServer)),
		ByType:     make(map[string]int64, len(s.byType)),
	}
	for k, v := range s.bySeverity {
		c.BySeverity[k] = v
	}
	for k, v := range s.byServer {
		c.ByServer[k] = v
	}
	for k, v := range s.byType {
		c.ByType[k] = v
	}
	return c
}

// Len returns how many issues are currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// TypeCount pairs an issue type with its lifetime tally.
type TypeCount struct {
	IssueType string `json:"issueType"`
	Count     int64  `json:"count"`
}

// TopIssueTypes returns the n most frequent issue types over the store's
// lifetime, ties broken alphabetically for stable output.
func (s *Store) TopIssueTypes(n int) []TypeCount {
	s.mu.Lock()
	out := make([]TypeCount, 0, len(s.byType))
	for t, c := range s.byType {
		out = append(out, TypeCount{IssueType: t, Count: c})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].IssueType < out[j].IssueType
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Bounds returns the detection times of the oldest and newest stored
// issues. ok is false when the store is empty.
func (s *Store) Bounds() (earliest, latest time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return time.Time{}, time.Time{}, false
	}
	earliest = s.ring[s.head].DetectedAt
	latest = earliest
	for i := 1; i < s.count; i++ {
		at := s.ring[(s.head+i)%len(s.ring)].DetectedAt
		if at.Before(earliest) {
			earliest = at
		}
		if at.After(latest) {
			latest = at
		}
	}
	return earliest, latest, true
}
