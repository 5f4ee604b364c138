package charset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// mockRunner scripts converter availability and conversion results.
type mockRunner struct {
	available bool
	probes    int
	converted int
	fail      bool
}

func (m *mockRunner) Probe() bool {
	m.probes++
	return m.available
}

func (m *mockRunner) Convert(from, to string, raw []byte) ([]byte, error) {
	m.converted++
	if m.fail {
		return nil, errors.New("converter exploded")
	}
	// Behave like iconv EBCDIC -> Latin-1 for code page 037.
	out, err := charmap.CodePage037.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, err
	}
	return charmap.ISO8859_1.NewEncoder().Bytes(out)
}

func ebcdic037(t *testing.T, s string) []byte {
	t.Helper()
	raw, err := charmap.CodePage037.NewEncoder().Bytes([]byte(s))
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return raw
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"", ModeAuto},
		{"utf-8", ModeUTF8},
		{"UTF8", ModeUTF8},
		{"latin-1", ModeISO8859_1},
		{"ebcdic-037", ModeEBCDIC037},
		{"CP1047", ModeEBCDIC1047},
		{"ibm-1140", ModeEBCDIC1140},
		{"klingon", ModeAuto},
	}
	for _, tt := range tests {
		if got := ParseMode(tt.in); got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveConfiguredModes(t *testing.T) {
	runner := &mockRunner{available: true}
	r := NewResolverWithRunner(runner)

	d := r.Resolve("any.log", ModeUTF8)
	if d.Mode != ModeUTF8 || d.External {
		t.Errorf("utf-8 decoding = %+v", d)
	}

	d = r.Resolve("host.log", ModeEBCDIC037)
	if d.Mode != ModeEBCDIC037 || !d.External {
		t.Errorf("ebcdic with converter = %+v", d)
	}

	// Probe result is cached across resolutions.
	r.Resolve("other.log", ModeEBCDIC1047)
	if runner.probes != 1 {
		t.Errorf("probes = %d, want cached single probe", runner.probes)
	}
}

func TestResolveWithoutConverter(t *testing.T) {
	r := NewResolverWithRunner(&mockRunner{available: false})
	d := r.Resolve("host.log", ModeEBCDIC037)
	if d.External {
		t.Error("external conversion selected without a converter")
	}
	if d.Mode != ModeEBCDIC037 {
		t.Errorf("mode = %q", d.Mode)
	}
}

func TestConverterReprobe(t *testing.T) {
	runner := &mockRunner{available: false}
	r := NewResolverWithRunner(runner)

	current := time.Now()
	r.now = func() time.Time { return current }

	if r.Resolve("a.log", ModeEBCDIC037).External {
		t.Fatal("converter reported available")
	}

	// Converter installed later; picked up after the reprobe interval.
	runner.available = true
	if r.Resolve("b.log", ModeEBCDIC037).External {
		t.Fatal("cache ignored")
	}
	current = current.Add(r.reprobeInterval + time.Second)
	if !r.Resolve("c.log", ModeEBCDIC037).External {
		t.Error("availability change not picked up after reprobe interval")
	}
}

func TestDecodeChunkExternal(t *testing.T) {
	runner := &mockRunner{available: true}
	r := NewResolverWithRunner(runner)

	d := r.Resolve("host.log", ModeEBCDIC037)
	got := r.DecodeChunk(d, ebcdic037(t, "ABEND S0C4 at step 3\n"))
	if got != "ABEND S0C4 at step 3\n" {
		t.Errorf("decoded = %q", got)
	}
	if runner.converted != 1 {
		t.Errorf("conversions = %d", runner.converted)
	}
}

func TestDecodeChunkFallbackOnConverterFailure(t *testing.T) {
	runner := &mockRunner{available: true, fail: true}
	r := NewResolverWithRunner(runner)

	d := r.Resolve("host.log", ModeEBCDIC037)
	// The in-process code page decode must carry the chunk.
	got := r.DecodeChunk(d, ebcdic037(t, "JOB FAILED"))
	if got != "JOB FAILED" {
		t.Errorf("fallback decoded = %q", got)
	}
}

func TestDecodeChunkInProcess(t *testing.T) {
	r := NewResolverWithRunner(&mockRunner{available: false})

	if got := r.DecodeChunk(Decoding{Mode: ModeUTF8}, []byte("plain text\n")); got != "plain text\n" {
		t.Errorf("utf-8 = %q", got)
	}

	// ISO-8859-1 high bytes decode to their code points.
	if got := r.DecodeChunk(Decoding{Mode: ModeISO8859_1}, []byte{0xE9, 0x0A}); got != "é\n" {
		t.Errorf("latin-1 = %q", got)
	}

	d := Decoding{Mode: ModeEBCDIC037}
	if got := r.DecodeChunk(d, ebcdic037(t, "HELLO")); got != "HELLO" {
		t.Errorf("in-process ebcdic = %q", got)
	}
}

func TestDecodeChunkNormalizesNewlines(t *testing.T) {
	r := NewResolverWithRunner(&mockRunner{})
	got := r.DecodeChunk(Decoding{Mode: ModeUTF8}, []byte("a\r\nb\rcd\n"))
	if got != "a\nb\nc\nd\n" {
		t.Errorf("normalized = %q", got)
	}
}

func TestNewlineBytes(t *testing.T) {
	if nl := (Decoding{Mode: ModeUTF8}).NewlineBytes(); len(nl) != 1 || nl[0] != '\n' {
		t.Errorf("utf-8 newline bytes = %v", nl)
	}
	nl := (Decoding{Mode: ModeEBCDIC1047}).NewlineBytes()
	if len(nl) != 2 || nl[0] != 0x15 || nl[1] != 0x25 {
		t.Errorf("ebcdic newline bytes = %v", nl)
	}
}

func TestDetectModeEBCDIC(t *testing.T) {
	dir := t.TempDir()

	ebcdicPath := filepath.Join(dir, "mainframe.log")
	raw := ebcdic037(t, "IEF450I JOB05 STEP1 - ABEND=S0C4 REASON=00000000\nIEF375I JOB TERMINATED\n")
	// EBCDIC uses NL (0x15) as its newline; the encoder maps \n to 0x25.
	if err := os.WriteFile(ebcdicPath, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	asciiPath := filepath.Join(dir, "app.log")
	if err := os.WriteFile(asciiPath, []byte("2024-03-10 12:00:00 INFO request completed\nnext line here\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewResolverWithRunner(&mockRunner{available: false})
	if d := r.Resolve(ebcdicPath, ModeAuto); !d.Mode.IsEBCDIC() {
		t.Errorf("EBCDIC file detected as %q", d.Mode)
	}
	if d := r.Resolve(asciiPath, ModeAuto); d.Mode != ModeUTF8 {
		t.Errorf("ASCII file detected as %q", d.Mode)
	}

	// Unreadable or missing files fall back to UTF-8.
	if d := r.Resolve(filepath.Join(dir, "missing.log"), ModeAuto); d.Mode != ModeUTF8 {
		t.Errorf("missing file detected as %q", d.Mode)
	}
}
