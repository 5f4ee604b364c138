// Package tracker tails log files by polling byte positions.
//
// Files are picked up at their current end so historical content is never
// replayed, then followed line by line. Rotation and truncation are detected
// by file shrinkage, and every read is bounded in bytes and lines so one
// hot file cannot monopolize a poll cycle.
package tracker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/logvigil/logvigil/pkg/charset"
	"github.com/logvigil/logvigil/pkg/logger"
	"github.com/logvigil/logvigil/pkg/types"
)

// LineHandler receives the complete new lines read from one file during a
// poll cycle. startLine is the 1-based number of the first line in lines.
// The handler runs on the poll goroutine; it must not block for long.
type LineHandler func(serverName, fileName string, lines []string, startLine int)

// StatusFunc receives operational status messages (files registered,
// rotation resyncs, capacity limits). It decouples diagnostics from the
// logging backend; the default forwards to the process logger.
type StatusFunc func(msg string)

// maxInitScan caps how much of a pre-existing file is scanned to establish
// the starting line number. Beyond this the count starts at zero; line
// numbers are diagnostics, not an invariant worth an unbounded read.
const maxInitScan = 32 << 20

type trackedFile struct {
	path     string
	server   string
	decoding charset.Decoding

	// offset is the byte position of the next unread byte. It only ever
	// advances past complete lines, so a partially written final line is
	// re-read on the next cycle.
	offset int64

	// line is the number of the last line consumed (0 when none).
	line int
}

// Stats is a point-in-time snapshot of tracker activity.
type Stats struct {
	TrackedFiles int
	PollCycles   int64
	PollErrors   int64
}

// Tracker polls a set of watch paths and emits new lines to a handler.
type Tracker struct {
	resolver *charset.Resolver
	handler  LineHandler
	status   StatusFunc

	pollInterval    time.Duration
	maxTrackedFiles int
	maxReadBytes    int64
	maxReadLines    int
	filePatterns    []string

	mu    sync.Mutex
	paths []types.WatchPath
	files map[string]*trackedFile

	pollCycles atomic.Int64
	pollErrors atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Tracker from the watch configuration. Paths are discovered
// on the first poll, not here, so a path that does not exist yet is not an
// error.
func New(cfg types.WatchConfig, resolver *charset.Resolver, handler LineHandler) (*Tracker, error) {
	if handler == nil {
		return nil, fmt.Errorf("tracker requires a line handler")
	}
	interval, err := time.ParseDuration(cfg.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid poll interval: %w", err)
	}

	t := &Tracker{
		resolver:        resolver,
		handler:         handler,
		status:          func(msg string) { logger.Infof("%s", msg) },
		pollInterval:    interval,
		maxTrackedFiles: cfg.MaxTrackedFiles,
		maxReadBytes:    cfg.MaxReadBytes,
		maxReadLines:    cfg.MaxReadLines,
		filePatterns:    cfg.FilePatterns,
		paths:           append([]types.WatchPath(nil), cfg.Paths...),
		files:           make(map[string]*trackedFile),
		stopChan:        make(chan struct{}),
	}
	return t, nil
}

// SetStatusFunc replaces the status message sink. Call before Start.
func (t *Tracker) SetStatusFunc(fn StatusFunc) {
	if fn != nil {
		t.status = fn
	}
}

func (t *Tracker) statusf(format string, args ...any) {
	t.status(fmt.Sprintf(format, args...))
}

// Start launches the poll loop.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.run()
	logger.Infof("Tracker started, polling every %s across %d configured paths", t.pollInterval, len(t.paths))
}

// Stop terminates the poll loop and waits for the in-flight cycle.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
	t.wg.Wait()
	logger.Infof("Tracker stopped")
}

func (t *Tracker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	// Immediate first cycle so freshly added files are registered without
	// waiting a full interval.
	t.Poll()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.Poll()
		}
	}
}

// Poll runs one discovery-and-read cycle. It is exported so tests and
// manual rescans can drive cycles deterministically.
func (t *Tracker) Poll() {
	t.pollCycles.Add(1)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.discoverLocked()
	for _, tf := range t.files {
		if err := t.readNewLocked(tf); err != nil {
			t.pollErrors.Add(1)
			logger.Warnf("Poll failed for %s: %v", tf.path, err)
		}
	}
}

// AddPaths appends watch paths at runtime (config reload). Duplicate paths
// are ignored; discovery on the next cycle picks up the new files.
func (t *Tracker) AddPaths(paths []types.WatchPath) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing := make(map[string]bool, len(t.paths))
	for _, p := range t.paths {
		existing[p.Path] = true
	}
	for _, p := range paths {
		if !existing[p.Path] {
			t.paths = append(t.paths, p)
			existing[p.Path] = true
		}
	}
}

// Rescan reconciles the tracked set with the current watch paths outside
// the normal poll cadence: files no longer covered by any watch path are
// dropped (the only way files leave the set), new matches are registered.
func (t *Tracker) Rescan() {
	t.mu.Lock()
	defer t.mu.Unlock()

	covered := make(map[string]bool)
	for _, wp := range t.paths {
		for _, path := range t.expand(wp.Path) {
			covered[path] = true
		}
	}
	for path := range t.files {
		if !covered[path] {
			delete(t.files, path)
			t.statusf("Untracking %s, no longer covered by a watch path", path)
		}
	}
	t.discoverLocked()
}

// Stats returns current counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	tracked := len(t.files)
	t.mu.Unlock()
	return Stats{
		TrackedFiles: tracked,
		PollCycles:   t.pollCycles.Load(),
		PollErrors:   t.pollErrors.Load(),
	}
}

// discoverLocked expands watch paths into concrete files and registers any
// not yet tracked. New files start at their current end.
func (t *Tracker) discoverLocked() {
	capWarned := false
	for _, wp := range t.paths {
		for _, path := range t.expand(wp.Path) {
			if _, ok := t.files[path]; ok {
				continue
			}
			if len(t.files) >= t.maxTrackedFiles {
				if !capWarned {
					logger.Warnf("Tracked file limit (%d) reached, skipping new files including %s", t.maxTrackedFiles, path)
					capWarned = true
				}
				continue
			}
			tf, err := t.initTracked(path, wp)
			if err != nil {
				logger.Warnf("Cannot track %s: %v", path, err)
				continue
			}
			t.files[path] = tf
			t.statusf("Tracking %s (server=%s encoding=%s offset=%d line=%d)",
				path, tf.server, tf.decoding.Mode, tf.offset, tf.line)
		}
	}
}

// expand resolves a watch path to files: a file path yields itself, a
// directory yields entries matching the configured file patterns.
func (t *Tracker) expand(path string) []string {
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if !fi.IsDir() {
		return []string{path}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		logger.Warnf("Cannot list directory %s: %v", path, err)
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if t.matchesPattern(e.Name()) {
			out = append(out, filepath.Join(path, e.Name()))
		}
	}
	return out
}

func (t *Tracker) matchesPattern(name string) bool {
	if len(t.filePatterns) == 0 {
		return true
	}
	for _, pat := range t.filePatterns {
		if ok, err := filepath.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}

func (t *Tracker) initTracked(path string, wp types.WatchPath) (*trackedFile, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	server := wp.ServerName
	if server == "" {
		if host, err := os.Hostname(); err == nil {
			server = host
		} else {
			server = "unknown"
		}
	}

	dec := t.resolver.Resolve(path, charset.ParseMode(wp.Encoding))

	tf := &trackedFile{
		path:     path,
		server:   server,
		decoding: dec,
		offset:   fi.Size(),
	}
	if fi.Size() <= maxInitScan {
		if n, err := countLines(path, dec.NewlineBytes()); err == nil {
			tf.line = n
		}
	}
	return tf, nil
}

// countLines counts line terminators in the raw file so starting line
// numbers line up with what readers of the file would see. For LF-terminated
// encodings CRLF counts once and a bare CR counts on its own, including one
// ending the file.
func countLines(path string, newlines []byte) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	lfMode := len(newlines) == 1 && newlines[0] == '\n'
	count := 0
	pendingCR := false
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		for i := 0; i < n; i++ {
			b := buf[i]
			if pendingCR {
				pendingCR = false
				if b == '\n' {
					count++
					continue
				}
				count++
			}
			if lfMode && b == '\r' {
				pendingCR = true
				continue
			}
			if isNewline(b, newlines) {
				count++
			}
		}
		if err == io.EOF {
			if pendingCR {
				count++
			}
			return count, nil
		}
		if err != nil {
			return count, err
		}
	}
}

func isNewline(b byte, newlines []byte) bool {
	for _, nl := range newlines {
		if b == nl {
			return true
		}
	}
	return false
}

// terminatesLine reports whether raw[i] completes a line. For LF-terminated
// encodings a bare CR also ends a line, but only once the following byte is
// known not to be its LF partner: a CRLF pair counts once at the LF, and a
// CR at the end of the chunk waits for more data.
func terminatesLine(raw []byte, i int, newlines []byte) bool {
	if isNewline(raw[i], newlines) {
		return true
	}
	if raw[i] == '\r' && len(newlines) == 1 && newlines[0] == '\n' {
		return i+1 < len(raw) && raw[i+1] != '\n'
	}
	return false
}

// readNewLocked reads newly appended bytes from one file, consumes through
// the last complete line within the read caps, and hands the decoded lines
// to the handler.
func (t *Tracker) readNewLocked(tf *trackedFile) error {
	fi, err := os.Stat(tf.path)
	if err != nil {
		if os.IsNotExist(err) {
			// Rotated away without a successor yet; keep tracking in case
			// the file reappears.
			logger.Debugf("File %s currently absent", tf.path)
			return nil
		}
		return err
	}

	size := fi.Size()
	if size < tf.offset {
		// Rotation or truncation. Resync to the new end; only bytes appended
		// after the shrink are tailed, same as initial registration.
		t.statusf("File %s shrank (%d -> %d), resyncing to new end", tf.path, tf.offset, size)
		tf.offset = size
		tf.line = 0
		if size <= maxInitScan {
			if n, err := countLines(tf.path, tf.decoding.NewlineBytes()); err == nil {
				tf.line = n
			}
		}
	}
	if size == tf.offset {
		return nil
	}

	f, err := os.Open(tf.path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(tf.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek to %d: %w", tf.offset, err)
	}

	want := size - tf.offset
	if want > t.maxReadBytes {
		want = t.maxReadBytes
	}
	raw := make([]byte, want)
	n, err := io.ReadFull(f, raw)
	if err != nil && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("read: %w", err)
	}
	raw = raw[:n]
	if len(raw) == 0 {
		return nil
	}

	consumed, complete := t.consumable(raw, tf.decoding.NewlineBytes())
	if consumed == 0 {
		// Partial line and room to wait; the writer has not finished it.
		return nil
	}

	text := t.resolver.DecodeChunk(tf.decoding, raw[:consumed])
	if !complete {
		// Oversized single line consumed whole to avoid stalling forever;
		// terminate it so splitting yields exactly one line.
		text = strings.TrimSuffix(text, "\n") + "\n"
	}

	lines := splitLines(text)
	startLine := tf.line + 1
	tf.line += len(lines)
	tf.offset += int64(consumed)

	if len(lines) > 0 {
		t.handler(tf.server, tf.path, lines, startLine)
	}
	return nil
}

// consumable finds how many raw bytes end in a line terminator, respecting
// the per-cycle line cap. Boundary detection happens in the raw byte domain
// so the offset arithmetic is exact for every encoding.
//
// When no terminator exists and the chunk filled the byte cap, the whole
// chunk is consumed as one unterminated line: a single line longer than the
// cap must not wedge the file forever. complete is false in that case.
func (t *Tracker) consumable(raw []byte, newlines []byte) (consumed int, complete bool) {
	count := 0
	for i := range raw {
		if !terminatesLine(raw, i, newlines) {
			continue
		}
		consumed = i + 1
		count++
		if count >= t.maxReadLines {
			return consumed, true
		}
	}
	if consumed > 0 {
		return consumed, true
	}
	if int64(len(raw)) >= t.maxReadBytes {
		return len(raw), false
	}
	return 0, true
}

// splitLines splits normalized text into lines, dropping the empty tail
// that follows a final terminator.
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
