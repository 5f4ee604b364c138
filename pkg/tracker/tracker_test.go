package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/logvigil/logvigil/pkg/charset"
	"github.com/logvigil/logvigil/pkg/types"
)

type captured struct {
	server    string
	file      string
	lines     []string
	startLine int
}

type capture struct {
	batches []captured
}

func (c *capture) handler(server, file string, lines []string, startLine int) {
	c.batches = append(c.batches, captured{server: server, file: file, lines: lines, startLine: startLine})
}

func (c *capture) allLines() []string {
	var out []string
	for _, b := range c.batches {
		out = append(out, b.lines...)
	}
	return out
}

func testWatchConfig(paths ...types.WatchPath) types.WatchConfig {
	return types.WatchConfig{
		Paths:           paths,
		PollInterval:    "1h", // cycles are driven manually via Poll
		MaxTrackedFiles: 10,
		MaxReadBytes:    1 << 20,
		MaxReadLines:    1000,
	}
}

func newTestTracker(t *testing.T, cfg types.WatchConfig, cap *capture) *Tracker {
	t.Helper()
	tr, err := New(cfg, charset.NewResolver(), cap.handler)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("append %s: %v", path, err)
	}
}

func TestTailFromEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, "old line 1\nold line 2\nold line 3\n")

	cap := &capture{}
	tr := newTestTracker(t, testWatchConfig(types.WatchPath{Path: path, ServerName: "web-01"}), cap)

	tr.Poll() // registers the file at its current end
	if len(cap.batches) != 0 {
		t.Fatalf("historical content replayed: %v", cap.batches)
	}

	appendFile(t, path, "new line A\nnew line B\n")
	tr.Poll()

	if len(cap.batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(cap.batches))
	}
	b := cap.batches[0]
	if b.server != "web-01" || b.file != path {
		t.Errorf("origin = %s/%s", b.server, b.file)
	}
	if len(b.lines) != 2 || b.lines[0] != "new line A" || b.lines[1] != "new line B" {
		t.Errorf("lines = %v", b.lines)
	}
	// Three pre-existing lines, so new content starts at line 4.
	if b.startLine != 4 {
		t.Errorf("startLine = %d, want 4", b.startLine)
	}
}

func TestPartialLineNotConsumed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, "")

	cap := &capture{}
	tr := newTestTracker(t, testWatchConfig(types.WatchPath{Path: path}), cap)
	tr.Poll()

	appendFile(t, path, "half a li")
	tr.Poll()
	if len(cap.batches) != 0 {
		t.Fatalf("unterminated line emitted: %v", cap.batches)
	}

	appendFile(t, path, "ne\nnext line\n")
	tr.Poll()
	got := cap.allLines()
	if len(got) != 2 || got[0] != "half a line" || got[1] != "next line" {
		t.Fatalf("lines = %v", got)
	}
}

func TestTruncationResync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, "pre-existing content that is fairly long\n")

	cap := &capture{}
	tr := newTestTracker(t, testWatchConfig(types.WatchPath{Path: path}), cap)
	tr.Poll()

	// Truncate-and-rewrite, as logrotate's copytruncate does. The rewritten
	// content is the new baseline, not replayed.
	writeFile(t, path, "fresh 1\nfresh 2\n")
	tr.Poll()
	if got := cap.allLines(); len(got) != 0 {
		t.Fatalf("rewritten content replayed: %v", got)
	}

	// Appends after the resync are tailed from the new position.
	appendFile(t, path, "fresh 3\n")
	tr.Poll()

	got := cap.allLines()
	if len(got) != 1 || got[0] != "fresh 3" {
		t.Fatalf("post-truncation lines = %v", got)
	}
	// Line numbering reflects the rewritten file content.
	if cap.batches[0].startLine != 3 {
		t.Errorf("startLine = %d, want 3", cap.batches[0].startLine)
	}
}

func TestRemovedFileKeepsTracking(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, "")

	cap := &capture{}
	tr := newTestTracker(t, testWatchConfig(types.WatchPath{Path: path}), cap)
	tr.Poll()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	tr.Poll() // absence is not an error
	if tr.Stats().PollErrors != 0 {
		t.Errorf("absence counted as poll error")
	}

	writeFile(t, path, "reborn\n")
	tr.Poll()
	if got := cap.allLines(); len(got) != 1 || got[0] != "reborn" {
		t.Fatalf("lines after recreation = %v", got)
	}
}

func TestMaxReadLinesCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, "")

	cfg := testWatchConfig(types.WatchPath{Path: path})
	cfg.MaxReadLines = 3

	cap := &capture{}
	tr := newTestTracker(t, cfg, cap)
	tr.Poll()

	var sb strings.Builder
	for i := 1; i <= 7; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	appendFile(t, path, sb.String())

	tr.Poll()
	if got := cap.allLines(); len(got) != 3 || got[2] != "line 3" {
		t.Fatalf("first capped batch = %v", got)
	}
	tr.Poll()
	if got := cap.allLines(); len(got) != 6 {
		t.Fatalf("second capped batch, total = %v", got)
	}
	tr.Poll()
	got := cap.allLines()
	if len(got) != 7 || got[6] != "line 7" {
		t.Fatalf("final batch, total = %v", got)
	}
	if cap.batches[2].startLine != 7 {
		t.Errorf("final startLine = %d, want 7", cap.batches[2].startLine)
	}
}

func TestOversizedLineConsumedWhole(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, "")

	cfg := testWatchConfig(types.WatchPath{Path: path})
	cfg.MaxReadBytes = 64

	cap := &capture{}
	tr := newTestTracker(t, cfg, cap)
	tr.Poll()

	// A single line far larger than the byte cap, never terminated within
	// one chunk. Each full chunk must be consumed to make progress.
	appendFile(t, path, strings.Repeat("x", 100)+"\n")

	tr.Poll()
	if len(cap.batches) != 1 || len(cap.batches[0].lines) != 1 {
		t.Fatalf("first chunk not consumed as one line: %v", cap.batches)
	}
	if n := len(cap.batches[0].lines[0]); n != 64 {
		t.Errorf("consumed %d bytes, want 64", n)
	}

	tr.Poll()
	got := cap.allLines()
	if len(got) != 2 {
		t.Fatalf("remainder not read: %v", got)
	}
	if n := len(got[1]); n != 36 {
		t.Errorf("remainder length = %d, want 36", n)
	}
}

func TestDirectoryDiscovery(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "one.log"), "")
	writeFile(t, filepath.Join(dir, "two.log"), "")
	writeFile(t, filepath.Join(dir, "notes.txt"), "")

	cfg := testWatchConfig(types.WatchPath{Path: dir, ServerName: "batch"})
	cfg.FilePatterns = []string{"*.log"}

	cap := &capture{}
	tr := newTestTracker(t, cfg, cap)
	tr.Poll()

	if got := tr.Stats().TrackedFiles; got != 2 {
		t.Fatalf("tracked files = %d, want 2", got)
	}

	// A file created after startup is discovered on a later cycle and
	// tailed from its beginning since registration catches it at size 0..
	writeFile(t, filepath.Join(dir, "three.log"), "")
	tr.Poll()
	if got := tr.Stats().TrackedFiles; got != 3 {
		t.Fatalf("tracked files after new file = %d, want 3", got)
	}

	appendFile(t, filepath.Join(dir, "three.log"), "hello\n")
	tr.Poll()
	if got := cap.allLines(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("lines = %v", got)
	}
}

func TestMaxTrackedFilesCap(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeFile(t, filepath.Join(dir, fmt.Sprintf("f%d.log", i)), "")
	}

	cfg := testWatchConfig(types.WatchPath{Path: dir})
	cfg.MaxTrackedFiles = 3

	cap := &capture{}
	tr := newTestTracker(t, cfg, cap)
	tr.Poll()

	if got := tr.Stats().TrackedFiles; got != 3 {
		t.Fatalf("tracked files = %d, want cap 3", got)
	}
}

func TestAddPathsAndRescan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "late.log")
	writeFile(t, path, "")

	cap := &capture{}
	tr := newTestTracker(t, testWatchConfig(), cap)
	tr.Poll()
	if got := tr.Stats().TrackedFiles; got != 0 {
		t.Fatalf("tracked files = %d, want 0", got)
	}

	tr.AddPaths([]types.WatchPath{{Path: path, ServerName: "late"}})
	tr.Rescan()
	if got := tr.Stats().TrackedFiles; got != 1 {
		t.Fatalf("tracked files after rescan = %d, want 1", got)
	}

	appendFile(t, path, "added later\n")
	tr.Poll()
	if len(cap.batches) != 1 || cap.batches[0].server != "late" {
		t.Fatalf("batches = %v", cap.batches)
	}

	// Rescan drops files no watch path covers anymore.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	tr.Rescan()
	if got := tr.Stats().TrackedFiles; got != 0 {
		t.Fatalf("tracked files after removal rescan = %d, want 0", got)
	}
}

func TestCRLFNormalization(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "win.log")
	writeFile(t, path, "")

	cap := &capture{}
	tr := newTestTracker(t, testWatchConfig(types.WatchPath{Path: path, Encoding: "utf-8"}), cap)
	tr.Poll()

	appendFile(t, path, "first\r\nsecond\r\n")
	tr.Poll()

	got := cap.allLines()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("lines = %v", got)
	}
}

func TestBareCRTermination(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mac.log")
	writeFile(t, path, "")

	cap := &capture{}
	tr := newTestTracker(t, testWatchConfig(types.WatchPath{Path: path, Encoding: "utf-8"}), cap)
	tr.Poll()

	// CR-terminated lines are consumed as soon as the byte after the CR
	// shows it is not part of a CRLF pair.
	appendFile(t, path, "first\rsecond\rthird\n")
	tr.Poll()

	got := cap.allLines()
	if len(got) != 3 || got[0] != "first" || got[1] != "second" || got[2] != "third" {
		t.Fatalf("lines = %v", got)
	}

	// A trailing CR is ambiguous until the next byte arrives.
	appendFile(t, path, "fourth\r")
	tr.Poll()
	if got := cap.allLines(); len(got) != 3 {
		t.Fatalf("trailing CR consumed early: %v", got)
	}

	appendFile(t, path, "fifth\n")
	tr.Poll()
	got = cap.allLines()
	if len(got) != 5 || got[3] != "fourth" || got[4] != "fifth" {
		t.Fatalf("lines = %v", got)
	}
	if last := cap.batches[len(cap.batches)-1]; last.startLine != 4 {
		t.Errorf("startLine = %d, want 4", last.startLine)
	}
}

func TestCountLinesCRVariants(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"lf", "a\nb\n", 2},
		{"crlf", "a\r\nb\r\n", 2},
		{"bare cr", "a\rb\r", 2},
		{"mixed", "a\rb\r\nc\n", 3},
		{"unterminated tail", "a\nb", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".log")
			writeFile(t, path, tt.content)
			got, err := countLines(path, []byte{'\n'})
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("count = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStatusCallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, "line 1\n")

	cap := &capture{}
	tr := newTestTracker(t, testWatchConfig(types.WatchPath{Path: path, ServerName: "srv"}), cap)

	var messages []string
	tr.SetStatusFunc(func(msg string) { messages = append(messages, msg) })

	tr.Poll()
	if len(messages) != 1 || !strings.Contains(messages[0], "Tracking "+path) {
		t.Fatalf("registration status = %q", messages)
	}

	// Truncation reports a resync.
	writeFile(t, path, "")
	tr.Poll()
	if len(messages) != 2 || !strings.Contains(messages[1], "resyncing") {
		t.Fatalf("resync status = %q", messages)
	}
}

func TestStartStop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, "")

	cfg := testWatchConfig(types.WatchPath{Path: path})
	cfg.PollInterval = "10ms"

	cap := &capture{}
	tr := newTestTracker(t, cfg, cap)
	tr.Start()
	tr.Stop()

	if tr.Stats().PollCycles == 0 {
		t.Error("no poll cycle ran before stop")
	}
	// Stop is idempotent.
	tr.Stop()
}
