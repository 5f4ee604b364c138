package store

import (
	"time"

	"github.com/logvigil/logvigil/pkg/types"
)

// TrendBucket is one time slot of a trend series.
type TrendBucket struct {
	Start      time.Time                `json:"start"`
	Total      int64                    `json:"total"`
	BySeverity map[types.Severity]int64 `json:"bySeverity"`
}

// Granularity selects a trend bucket width.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

func (g Granularity) width() time.Duration {
	if g == GranularityDay {
		return 24 * time.Hour
	}
	return time.Hour
}

func (g Granularity) truncate(t time.Time) time.Time {
	if g == GranularityDay {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	}
	return t.Truncate(time.Hour)
}

// Trend returns the newest n buckets ending at now, zero-filled so gaps in
// detection show as empty slots rather than missing entries. Only issues
// currently in the ring contribute; evicted history is gone.
func (s *Store) Trend(g Granularity, n int, now time.Time) []TrendBucket {
	if n < 1 {
		n = 1
	}
	width := g.width()
	newest := g.truncate(now)
	oldest := newest.Add(-time.Duration(n-1) * width)

	buckets := make([]TrendBucket, n)
	for i := range buckets {
		buckets[i] = TrendBucket{
			Start:      oldest.Add(time.Duration(i) * width),
			BySeverity: make(map[types.Severity]int64),
		}
	}

	s.mu.Lock()
	for i := 0; i < s.count; i++ {
		iss := s.ring[(s.head+i)%len(s.ring)]
		slot := g.truncate(iss.DetectedAt)
		if slot.Before(oldest) || slot.After(newest) {
			continue
		}
		idx := int(slot.Sub(oldest) / width)
		buckets[idx].Total++
		buckets[idx].BySeverity[iss.Severity]++
	}
	s.mu.Unlock()

	return buckets
}
