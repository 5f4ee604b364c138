// Package types defines the core data model and configuration for Log Vigil.
package types

import (
	"time"
)

// Severity classifies how serious a detected issue is.
type Severity string

const (
	// SeverityWarning covers degraded-but-working conditions (slow queries,
	// deprecations, retries).
	SeverityWarning Severity = "WARNING"

	// SeverityError covers failed operations (connection failures, timeouts,
	// I/O and SQL errors).
	SeverityError Severity = "ERROR"

	// SeverityException covers application exceptions with stack traces.
	SeverityException Severity = "EXCEPTION"

	// SeverityCritical covers conditions that threaten the process or host
	// (OOM, deadlock, segfault, disk full).
	SeverityCritical Severity = "CRITICAL"
)

// severityRanks orders severities for display, least to most severe.
var severityRanks = map[Severity]int{
	SeverityWarning:   0,
	SeverityError:     1,
	SeverityException: 2,
	SeverityCritical:  3,
}

// Rank returns the display ordering of the severity, ascending from WARNING
// to CRITICAL. Unknown severities rank below WARNING.
func (s Severity) Rank() int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	_, ok := severityRanks[s]
	return ok
}

// ParseSeverity maps a free-form level name to a Severity. It accepts the
// canonical names plus common log-level aliases (FATAL/SEVERE -> CRITICAL,
// WARN -> WARNING). The second return value is false when the name maps to
// nothing severe enough to report.
func ParseSeverity(name string) (Severity, bool) {
	switch normalizeLevel(name) {
	case "FATAL", "CRITICAL", "SEVERE":
		return SeverityCritical, true
	case "EXCEPTION":
		return SeverityException, true
	case "ERROR", "ERR":
		return SeverityError, true
	case "WARN", "WARNING":
		return SeverityWarning, true
	default:
		return "", false
	}
}

func normalizeLevel(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c == ' ' || c == '\t' {
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

// Issue is a single detected problem. All fields are immutable after
// classification; acknowledgement state is owned by the issue store, not the
// record itself.
type Issue struct {
	// ID is process-unique and never reused.
	ID int64 `json:"id"`

	// ServerName is the logical source label of the watch path the issue
	// came from. Empty for unlabeled paths.
	ServerName string `json:"serverName,omitempty"`

	// FileName is the absolute path of the originating log file.
	FileName string `json:"fileName"`

	// LineNumber is the 1-based starting line of the entry within the file.
	// For multi-line entries it points at the triggering line.
	LineNumber int `json:"lineNumber"`

	// IssueType is a short classifier tag: an exception class simple name, a
	// custom rule's issue type, or a heuristic category such as "Timeout".
	IssueType string `json:"issueType"`

	// Message is the human-readable summary taken from the first content
	// line, stripped of timestamp and level prefixes.
	Message string `json:"message"`

	// FullDetail is the complete captured text including context lines and
	// any absorbed stack trace.
	FullDetail string `json:"fullDetail"`

	// DetectedAt is the wall-clock time of classification, not the time
	// embedded in the log line.
	DetectedAt time.Time `json:"detectedAt"`

	// Severity is assigned once at classification. Elevation (for example
	// EXCEPTION -> CRITICAL on an OOM marker) happens before the record is
	// constructed, never afterwards.
	Severity Severity `json:"severity"`
}
