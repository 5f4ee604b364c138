// Package charset resolves per-file byte decoding for the tracker.
//
// Plain files decode in-process (UTF-8 or ISO-8859-1). EBCDIC code pages are
// routed through the system iconv tool when available, with an in-process
// code-page fallback so a missing or failing converter never stops tailing.
package charset

import (
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/logvigil/logvigil/pkg/logger"
)

// Mode names a supported decoding. The zero value requests auto-detection.
type Mode string

const (
	ModeAuto       Mode = ""
	ModeUTF8       Mode = "utf-8"
	ModeISO8859_1  Mode = "iso-8859-1"
	ModeEBCDIC037  Mode = "ebcdic-037"  // US/Canada
	ModeEBCDIC500  Mode = "ebcdic-500"  // International
	ModeEBCDIC1047 Mode = "ebcdic-1047" // Unix / z-OS
	ModeEBCDIC1140 Mode = "ebcdic-1140" // Latin-1 with Euro
)

// ParseMode maps a config string to a Mode. Unknown names fall back to
// auto-detection with a warning.
func ParseMode(name string) Mode {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return ModeAuto
	case "utf-8", "utf8":
		return ModeUTF8
	case "iso-8859-1", "latin-1", "latin1":
		return ModeISO8859_1
	case "ebcdic-037", "cp037", "ibm-037":
		return ModeEBCDIC037
	case "ebcdic-500", "cp500", "ibm-500":
		return ModeEBCDIC500
	case "ebcdic-1047", "cp1047", "ibm-1047":
		return ModeEBCDIC1047
	case "ebcdic-1140", "cp1140", "ibm-1140":
		return ModeEBCDIC1140
	default:
		logger.Warnf("Unknown encoding %q, falling back to auto-detection", name)
		return ModeAuto
	}
}

// IsEBCDIC reports whether the mode needs EBCDIC byte conversion before
// line splitting.
func (m Mode) IsEBCDIC() bool {
	switch m {
	case ModeEBCDIC037, ModeEBCDIC500, ModeEBCDIC1047, ModeEBCDIC1140:
		return true
	}
	return false
}

// iconvName returns the converter's name for the code page.
func (m Mode) iconvName() string {
	switch m {
	case ModeEBCDIC037:
		return "IBM-037"
	case ModeEBCDIC500:
		return "IBM-500"
	case ModeEBCDIC1047:
		return "IBM-1047"
	case ModeEBCDIC1140:
		return "IBM-1140"
	}
	return ""
}

func (m Mode) codePage() *charmap.Charmap {
	switch m {
	case ModeEBCDIC037:
		return charmap.CodePage037
	case ModeEBCDIC500:
		return charmap.CodePage037 // closest in-process approximation
	case ModeEBCDIC1047:
		return charmap.CodePage1047
	case ModeEBCDIC1140:
		return charmap.CodePage1140
	}
	return nil
}

// Decoding is the resolved strategy for one file.
type Decoding struct {
	// Mode is the concrete decoding; never ModeAuto after resolution.
	Mode Mode

	// External is true when chunks should be routed through the iconv
	// subprocess. Set only for EBCDIC modes with a usable converter.
	External bool
}

// NewlineBytes returns the raw byte values that terminate lines before
// decoding. EBCDIC uses NL (0x15) and LF (0x25); everything else uses LF.
func (d Decoding) NewlineBytes() []byte {
	if d.Mode.IsEBCDIC() {
		return []byte{0x15, 0x25}
	}
	return []byte{'\n'}
}

// Resolver determines and performs decodings. It is an explicitly
// constructed service instance so tests and multiple watcher configurations
// stay isolated; nothing here is process-global.
type Resolver struct {
	runner ConverterRunner

	mu        sync.Mutex
	available bool
	probed    bool
	probedAt  time.Time

	// reprobeInterval limits how often converter availability is
	// re-checked, so a converter installed after startup is picked up.
	reprobeInterval time.Duration

	now func() time.Time
}

// NewResolver returns a Resolver using the system iconv tool for external
// conversion.
func NewResolver() *Resolver {
	return NewResolverWithRunner(&execConverterRunner{})
}

// NewResolverWithRunner injects a converter runner, for tests.
func NewResolverWithRunner(runner ConverterRunner) *Resolver {
	return &Resolver{
		runner:          runner,
		reprobeInterval: 5 * time.Minute,
		now:             time.Now,
	}
}

// Resolve determines the decoding for one file. A configured mode is used
// as-is; ModeAuto samples the file and applies the detection heuristics.
func (r *Resolver) Resolve(path string, configured Mode) Decoding {
	mode := configured
	if mode == ModeAuto {
		mode = r.detectMode(path)
	}
	d := Decoding{Mode: mode}
	if mode.IsEBCDIC() && r.converterAvailable() {
		d.External = true
	}
	return d
}

// DecodeChunk converts one raw chunk into text. External conversion failures
// fall back to in-process decoding for that chunk only and never propagate:
// a broken converter must not abort the tailing loop.
func (r *Resolver) DecodeChunk(d Decoding, raw []byte) string {
	if len(raw) == 0 {
		return ""
	}

	if d.External {
		converted, err := r.runner.Convert(d.Mode.iconvName(), "ISO8859-1", raw)
		if err == nil {
			return normalizeNewlines(decodeCharmap(charmap.ISO8859_1, converted))
		}
		logger.Warnf("External conversion failed for %s, using in-process fallback: %v", d.Mode, err)
	}

	switch {
	case d.Mode == ModeISO8859_1:
		return normalizeNewlines(decodeCharmap(charmap.ISO8859_1, raw))
	case d.Mode.IsEBCDIC():
		return normalizeNewlines(decodeCharmap(d.Mode.codePage(), raw))
	default:
		// UTF-8 is handled byte-transparently; invalid sequences surface as
		// replacement characters downstream rather than failing the read.
		return normalizeNewlines(string(raw))
	}
}

func decodeCharmap(cm *charmap.Charmap, raw []byte) string {
	var dec *encoding.Decoder = cm.NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		// Single-byte charmaps decode every byte; this is unreachable in
		// practice but the raw bytes are a usable last resort.
		return string(raw)
	}
	return string(out)
}

// normalizeNewlines maps CRLF, bare CR, and NEL (the usual EBCDIC newline
// after conversion) to LF so line splitting sees one terminator.
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\u0085", "\n")
	return s
}

// converterAvailable probes for the external converter, caching the result.
// The cache is refreshed periodically rather than frozen for the process
// lifetime, so installing the tool after startup eventually takes effect.
func (r *Resolver) converterAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.probed && now.Sub(r.probedAt) < r.reprobeInterval {
		return r.available
	}

	available := r.runner.Probe()
	if r.probed && available != r.available {
		logger.Infof("External converter availability changed: %v", available)
	}
	r.available = available
	r.probed = true
	r.probedAt = now
	return available
}

// detectSampleSize bounds how much of a file the heuristics read.
const detectSampleSize = 4096

// detectMode samples the file start and scores EBCDIC likelihood against
// ASCII likelihood. UTF-8 wins unless the EBCDIC score strictly exceeds the
// ASCII score and clears an absolute confidence floor.
func (r *Resolver) detectMode(path string) Mode {
	f, err := os.Open(path)
	if err != nil {
		return ModeUTF8
	}
	defer f.Close()

	buf := make([]byte, detectSampleSize)
	n, err := f.Read(buf)
	if n <= 0 || (err != nil && n == 0) {
		return ModeUTF8
	}
	sample := buf[:n]

	ebcdic := scoreEBCDIC(sample)
	ascii := scoreASCII(sample)

	if ebcdic > ascii && ebcdic > 0.3 {
		logger.Infof("Auto-detected EBCDIC encoding for %s (ebcdic=%.2f ascii=%.2f)", path, ebcdic, ascii)
		return ModeEBCDIC037
	}
	return ModeUTF8
}

// EBCDIC byte classes used by the detector.
func isEBCDICLetter(b byte) bool {
	return (b >= 0x81 && b <= 0x89) || (b >= 0x91 && b <= 0x99) ||
		(b >= 0xA2 && b <= 0xA9) || (b >= 0xC1 && b <= 0xC9) ||
		(b >= 0xD1 && b <= 0xD9) || (b >= 0xE2 && b <= 0xE9)
}

func isEBCDICDigit(b byte) bool { return b >= 0xF0 && b <= 0xF9 }

// scoreEBCDIC combines weighted byte-pattern ratios: 0.4 letter/digit class,
// 0.3 printable (non-control), 0.2 space frequency, 0.1 newline presence.
func scoreEBCDIC(sample []byte) float64 {
	var letters, printable, spaces int
	hasNewline := false
	for _, b := range sample {
		if isEBCDICLetter(b) || isEBCDICDigit(b) {
			letters++
		}
		if b >= 0x40 {
			printable++
		}
		if b == 0x40 { // EBCDIC space
			spaces++
		}
		if b == 0x15 || b == 0x25 {
			hasNewline = true
		}
	}
	n := float64(len(sample))
	score := 0.4*(float64(letters)/n) + 0.3*(float64(printable)/n) + 0.2*(float64(spaces)/n*10)
	if hasNewline {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

// scoreASCII mirrors scoreEBCDIC for the ASCII byte classes.
func scoreASCII(sample []byte) float64 {
	var letters, printable, spaces int
	hasNewline := false
	for _, b := range sample {
		if (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') {
			letters++
		}
		if b >= 0x20 && b <= 0x7E {
			printable++
		}
		if b == ' ' {
			spaces++
		}
		if b == '\n' {
			hasNewline = true
		}
	}
	n := float64(len(sample))
	score := 0.4*(float64(letters)/n) + 0.3*(float64(printable)/n) + 0.2*(float64(spaces)/n*10)
	if hasNewline {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

