package classify

import "regexp"

// Stack-trace shape detection is kept as pure predicates so the absorption
// logic in the classifier can be tested in isolation.

var (
	// Frame lines: "    at com.example.Foo.bar(Foo.java:42)"
	stackFrameRe = regexp.MustCompile(`^\s+at \S+.*\(.*\)\s*$`)

	// Chained causes: "Caused by: java.io.IOException: ..."
	causedByRe = regexp.MustCompile(`^\s*Caused by: `)

	// Elided frames: "\t... 17 more"
	elidedRe = regexp.MustCompile(`^\s*\.\.\. \d+ more\s*$`)

	// Suppressed exceptions inside try-with-resources traces.
	suppressedRe = regexp.MustCompile(`^\s*Suppressed: `)

	// Python trace members: tab/space indented "File \"x.py\", line 3, in f"
	pyFrameRe = regexp.MustCompile(`^\s+File ".*", line \d+`)

	// Go panic frames: "main.crash(0x0?)" followed by "\t/src/main.go:12".
	goFrameLocRe = regexp.MustCompile(`^\s+\S+\.go:\d+`)

	timestampedRe = regexp.MustCompile(
		`^(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}` + // ISO date-time
			`|\d{2}:\d{2}:\d{2}` + // bare time
			`|[A-Z][a-z]{2} [ 0-9]\d \d{2}:\d{2}:\d{2})`) // syslog
)

// IsStackFrame reports whether the line has the shape of a stack-trace
// member: an indented frame, a Caused by / Suppressed marker, or an elided
// frame count. Such lines are always absorbed into the active issue and do
// not count against any context budget.
func IsStackFrame(line string) bool {
	if line == "" {
		return false
	}
	return stackFrameRe.MatchString(line) ||
		causedByRe.MatchString(line) ||
		elidedRe.MatchString(line) ||
		suppressedRe.MatchString(line) ||
		pyFrameRe.MatchString(line) ||
		goFrameLocRe.MatchString(line)
}

// IsTimestamped reports whether the line starts with a log timestamp. A
// timestamped line marks the start of a new entry and halts context
// absorption.
func IsTimestamped(line string) bool {
	return timestampedRe.MatchString(line)
}
