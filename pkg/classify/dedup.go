package classify

import (
	"hash/fnv"
	"regexp"
	"sync"
	"time"

	"github.com/logvigil/logvigil/pkg/types"
)

// fingerprint identifies "the same" issue for deduplication. The message is
// hashed after normalization so variable fragments (timestamps, ids,
// addresses) collapse.
type fingerprint struct {
	server    string
	file      string
	issueType string
	msgHash   uint64
}

// Normalization strips volatile tokens. Order matters: composite tokens
// (dates, UUIDs, hex runs) must be replaced before bare integers.
var (
	normDateRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	normTimeRe = regexp.MustCompile(`\d{2}:\d{2}:\d{2}(?:[.,]\d+)?`)
	normUUIDRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	normAddrRe = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	normHexRe  = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	normIntRe  = regexp.MustCompile(`\d+`)
)

func normalizeMessage(msg string) string {
	msg = normDateRe.ReplaceAllString(msg, "#")
	msg = normTimeRe.ReplaceAllString(msg, "#")
	msg = normUUIDRe.ReplaceAllString(msg, "#")
	msg = normAddrRe.ReplaceAllString(msg, "#")
	msg = normHexRe.ReplaceAllString(msg, "#")
	msg = normIntRe.ReplaceAllString(msg, "#")
	return msg
}

func fingerprintOf(issue types.Issue) fingerprint {
	h := fnv.New64a()
	h.Write([]byte(normalizeMessage(issue.Message)))
	return fingerprint{
		server:    issue.ServerName,
		file:      issue.FileName,
		issueType: issue.IssueType,
		msgHash:   h.Sum64(),
	}
}

// dedupCache is a short-lived fingerprint -> last-seen map. A background
// sweeper evicts entries older than twice the window to bound memory.
type dedupCache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[fingerprint]time.Time
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func newDedupCache(window time.Duration, now func() time.Time) *dedupCache {
	if now == nil {
		now = time.Now
	}
	d := &dedupCache{
		window: window,
		seen:   make(map[fingerprint]time.Time),
		now:    now,
		stop:   make(chan struct{}),
	}
	go d.sweepLoop()
	return d
}

// suppress reports whether the issue repeats a fingerprint seen within the
// window. The last-seen timestamp is refreshed either way, so a sustained
// stream of duplicates keeps being suppressed.
func (d *dedupCache) suppress(issue types.Issue) bool {
	fp := fingerprintOf(issue)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	last, ok := d.seen[fp]
	d.seen[fp] = now
	return ok && now.Sub(last) <= d.window
}

func (d *dedupCache) sweepLoop() {
	interval := d.window
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

// sweep evicts fingerprints not seen within 2x the window.
func (d *dedupCache) sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()

	expiry := d.now().Add(-2 * d.window)
	for fp, last := range d.seen {
		if last.Before(expiry) {
			delete(d.seen, fp)
		}
	}
}

func (d *dedupCache) close() {
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *dedupCache) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
