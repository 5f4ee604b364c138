package classify

import (
	"encoding/json"
	"strings"

	"github.com/logvigil/logvigil/pkg/types"
)

// Candidate key names tried in order when pulling fields out of a
// JSON-structured log entry. Different logging frameworks disagree on naming;
// the first present key wins.
var (
	jsonLevelKeys   = []string{"level", "severity", "log.level", "loglevel", "lvl"}
	jsonMessageKeys = []string{"message", "msg", "text", "log"}
	jsonErrorKeys   = []string{"exception", "error", "err", "error.message"}
	jsonStackKeys   = []string{"stack_trace", "stacktrace", "stackTrace", "stack", "exception.stacktrace"}
)

// jsonEntry is the classified content of one JSON log line.
type jsonEntry struct {
	severity types.Severity
	typ      string
	message  string
	detail   string
}

// parseJSONLine attempts to classify a JSON-structured log line.
//
// Returns (entry, true, true) when the line produced an issue,
// (zero, true, false) when the line is JSON but its level is below reporting
// threshold (the line is consumed, no issue), and (zero, false, false) when
// the line is not a JSON log entry at all and normal pattern classification
// should proceed.
func parseJSONLine(line string) (jsonEntry, bool, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return jsonEntry{}, false, false
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return jsonEntry{}, false, false
	}

	level, ok := firstString(obj, jsonLevelKeys)
	if !ok {
		// A JSON object without a level-like key is not a log entry.
		return jsonEntry{}, false, false
	}

	severity, ok := types.ParseSeverity(level)
	if !ok {
		// INFO/DEBUG and friends: consume the line, emit nothing.
		return jsonEntry{}, true, false
	}

	message, _ := firstString(obj, jsonMessageKeys)
	errText, _ := firstString(obj, jsonErrorKeys)
	stack, _ := firstString(obj, jsonStackKeys)

	typ := ""
	if errText != "" {
		if m := exceptionClassRe.FindStringSubmatch(errText); m != nil {
			typ = m[1]
		}
	}
	if typ == "" {
		typ = defaultTypeForSeverity(severity)
	}

	if message == "" {
		message = errText
	}
	if message == "" {
		message = trimmed
	}

	parts := []string{message}
	if errText != "" && errText != message {
		parts = append(parts, errText)
	}
	if stack != "" {
		parts = append(parts, stack)
	}

	return jsonEntry{
		severity: severity,
		typ:      typ,
		message:  message,
		detail:   strings.Join(parts, "\n"),
	}, true, true
}

// firstString returns the first present key whose value renders as a
// non-empty string. Nested objects are probed for message/class/type fields
// so wrapped error objects still yield text.
func firstString(obj map[string]interface{}, keys []string) (string, bool) {
	for _, key := range keys {
		val, ok := obj[key]
		if !ok {
			continue
		}
		switch v := val.(type) {
		case string:
			if v != "" {
				return v, true
			}
		case map[string]interface{}:
			for _, inner := range []string{"message", "class", "type"} {
				if s, ok := v[inner].(string); ok && s != "" {
					return s, true
				}
			}
		}
	}
	return "", false
}

func defaultTypeForSeverity(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "Critical"
	case types.SeverityException:
		return "Exception"
	case types.SeverityError:
		return "Error"
	default:
		return "Warning"
	}
}
