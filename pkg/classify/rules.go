package classify

import (
	"regexp"

	"github.com/logvigil/logvigil/pkg/logger"
	"github.com/logvigil/logvigil/pkg/types"
)

// Rule is a compiled severity pattern with the issue type it assigns.
type Rule struct {
	re        *regexp.Regexp
	issueType string
}

// CustomRule is a compiled user-defined rule. Custom rules are evaluated in
// configured order before the built-in severity libraries.
type CustomRule struct {
	Name         string
	Severity     types.Severity
	IssueType    string
	MessageGroup int
	re           *regexp.Regexp
}

// RuleSet holds all compiled patterns for one classifier configuration.
// Replaced wholesale on config reload; never mutated in place.
type RuleSet struct {
	exclusion []*regexp.Regexp
	custom    []CustomRule
	critical  []Rule
	exception []Rule
	errors    []Rule
	warnings  []Rule
}

// builtinPattern pairs a regex source with the issue type it produces.
type builtinPattern struct {
	expr      string
	issueType string
}

// builtinCriticalPatterns are severe conditions that threaten the process or
// host regardless of the log level they were emitted at.
var builtinCriticalPatterns = []builtinPattern{
	{`(?i)\bOutOfMemoryError\b`, "OutOfMemory"},
	{`(?i)\bout of memory\b`, "OutOfMemory"},
	{`(?i)\boom-killer\b|\bOOM killer\b|Killed process \d+`, "OutOfMemory"},
	{`(?i)\bStackOverflowError\b`, "StackOverflow"},
	{`(?i)deadlock (detected|found)|\bDeadlock found\b`, "Deadlock"},
	{`(?i)\bsegmentation fault\b|\bsegfault\b|\bSIGSEGV\b`, "Segfault"},
	{`(?i)no space left on device|\bdisk full\b|file system is full`, "DiskFull"},
	{`(?i)certificate (has |had )?expired`, "CertificateExpired"},
	{`(?i)\bkernel panic\b`, "KernelPanic"},
	{`(?i)(data|index|table|page) corruption|\bcorrupted\b.*(block|index|segment)`, "Corruption"},
	{`(?i)too many open files`, "FileHandleExhausted"},
	{`(?i)\bVirtualMachineError\b|\bInternalError\b`, "VMError"},
	{`(?i)database is (down|unreachable)|all (connections|nodes) (failed|down)`, "Outage"},
}

// builtinErrorPatterns cover common failed operations: connections, timeouts,
// resources, I/O, SQL, HTTP status failures, authentication.
var builtinErrorPatterns = []builtinPattern{
	{`(?i)connection refused`, "Connection"},
	{`(?i)connection reset by peer`, "Connection"},
	{`(?i)connection (closed|aborted) unexpectedly`, "Connection"},
	{`(?i)failed to connect|could not connect|unable to connect`, "Connection"},
	{`(?i)connection timed out|connect timeout`, "Timeout"},
	{`(?i)(read|write|request|operation|lock wait) timed? ?out`, "Timeout"},
	{`(?i)\btimeout (exceeded|expired|waiting)`, "Timeout"},
	{`(?i)no route to host|network is unreachable|host is down`, "Network"},
	{`(?i)name or service not known|unknown host|could not resolve`, "DNS"},
	{`(?i)too many connections|connection pool (exhausted|timeout)`, "Resource"},
	{`(?i)cannot allocate memory|resource temporarily unavailable`, "Resource"},
	{`(?i)\bSQLException\b|\bSQL (error|state)\b`, "SQL"},
	{`\bORA-\d{4,5}\b`, "SQL"},
	{`(?i)transaction (was )?rolled back|rollback (failed|occurred)`, "SQL"},
	{`(?i)duplicate (key|entry)|constraint violat`, "SQL"},
	{`(?i)\bI/O error\b|\bIOException\b`, "IO"},
	{`(?i)broken pipe`, "IO"},
	{`(?i)no such file or directory|file not found`, "IO"},
	{`(?i)permission denied|access (is )?denied`, "Auth"},
	{`(?i)authentication fail|invalid credentials|login fail`, "Auth"},
	{`(?i)\bunauthorized\b|\bforbidden\b`, "Auth"},
	{`(?i)(status( code)?|HTTP(/\d\.\d)?)[ :]+5\d\d\b`, "HTTP"},
	{`(?i)(status( code)?|HTTP(/\d\.\d)?)[ :]+4\d\d\b`, "HTTP"},
	{`(?i)internal server error|service unavailable|bad gateway`, "HTTP"},
	{`(?i)(TLS|SSL) (handshake )?(error|failure|failed)`, "TLS"},
}

// builtinWarningPatterns cover degraded-but-working conditions.
var builtinWarningPatterns = []builtinPattern{
	{`(?i)slow query|query took \d+`, "SlowQuery"},
	{`(?i)\bdeprecat(ed|ion)\b`, "Deprecation"},
	{`(?i)\bretry(ing)?\b.*(attempt|\d+ of \d+|in \d+)`, "Retry"},
	{`(?i)will retry|scheduling retry`, "Retry"},
	{`(?i)(near|approaching|at \d{2,3}%( of)?) capacity`, "Capacity"},
	{`(?i)\b9[0-9]% (full|used)\b|almost full`, "Capacity"},
	{`(?i)high (memory|cpu|heap) (usage|pressure)`, "Capacity"},
	{`(?i)connection pool.*(low|running out|nearly)`, "Capacity"},
	{`(?i)\bthrottl(ed|ing)\b`, "Throttle"},
	{`(?i)falling back|fallback to`, "Fallback"},
	{`(?i)\bstale (connection|data|cache|lock)\b`, "Stale"},
	{`(?i)clock skew|time drift`, "ClockSkew"},
	{`(?i)queue (is )?(full|backed up|backlog)`, "Backlog"},
	{`(?i)GC (pause|overhead)|long garbage collection`, "GC"},
	{`(?i)certificate.*expires? (soon|in \d+)`, "CertificateExpiring"},
	{`(?i)dropped \d+ (message|event|packet)s?`, "Drop"},
}

// builtinExceptionPatterns recognize exception report lines. The classifier
// extracts the class simple name separately via exceptionClassRe.
var builtinExceptionPatterns = []builtinPattern{
	{`(?:[A-Za-z_$][A-Za-z0-9_$]*\.)+[A-Z][A-Za-z0-9_$]*(?:Exception|Error)\b`, ""},
	{`\b[A-Z][A-Za-z0-9_$]*(?:Exception|Error)(?::|\b.*\bat )`, ""},
	{`^Traceback \(most recent call last\)`, "PythonTraceback"},
	{`^panic: `, "Panic"},
}

// exceptionClassRe pulls the simple class name out of an exception line.
var exceptionClassRe = regexp.MustCompile(`([A-Z][A-Za-z0-9_$]*(?:Exception|Error))\b`)

// elevationRe marks exception text that is elevated to CRITICAL.
var elevationRe = regexp.MustCompile(`OutOfMemory|StackOverflow|VirtualMachineError|InternalError`)

// CompileRuleSet compiles the configured and built-in patterns into an
// ordered rule set. A pattern that fails to compile is logged and dropped; it
// never aborts compilation of the remaining rules.
func CompileRuleSet(cfg types.RulesConfig) *RuleSet {
	rs := &RuleSet{}

	for _, expr := range cfg.ExclusionPatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			logger.Warnf("Dropping invalid exclusion pattern %q: %v", expr, err)
			continue
		}
		rs.exclusion = append(rs.exclusion, re)
	}

	for _, rc := range cfg.CustomRules {
		rule, err := compileCustomRule(rc)
		if err != nil {
			logger.Warnf("Dropping invalid custom rule %q: %v", rc.Name, err)
			continue
		}
		rs.custom = append(rs.custom, rule)
	}

	// Configured patterns are checked before the built-in library within each
	// severity so operator rules take precedence on ties.
	rs.critical = compileConfigured(cfg.CriticalPatterns, "Critical")
	rs.exception = compileConfigured(cfg.ExceptionPatterns, "")
	rs.errors = compileConfigured(cfg.ErrorPatterns, "Error")
	rs.warnings = compileConfigured(cfg.WarningPatterns, "Warning")

	if cfg.UseBuiltinPatterns() {
		rs.critical = append(rs.critical, compileBuiltins(builtinCriticalPatterns)...)
		rs.exception = append(rs.exception, compileBuiltins(builtinExceptionPatterns)...)
		rs.errors = append(rs.errors, compileBuiltins(builtinErrorPatterns)...)
		rs.warnings = append(rs.warnings, compileBuiltins(builtinWarningPatterns)...)
	}

	return rs
}

func compileCustomRule(rc types.CustomRuleConfig) (CustomRule, error) {
	re, err := regexp.Compile(rc.Pattern)
	if err != nil {
		return CustomRule{}, err
	}
	severity, ok := types.ParseSeverity(rc.Severity)
	if !ok {
		severity = types.SeverityError
	}
	issueType := rc.IssueType
	if issueType == "" {
		issueType = rc.Name
	}
	return CustomRule{
		Name:         rc.Name,
		Severity:     severity,
		IssueType:    issueType,
		MessageGroup: rc.MessageGroup,
		re:           re,
	}, nil
}

func compileConfigured(exprs []string, issueType string) []Rule {
	rules := make([]Rule, 0, len(exprs))
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			logger.Warnf("Dropping invalid pattern %q: %v", expr, err)
			continue
		}
		rules = append(rules, Rule{re: re, issueType: issueType})
	}
	return rules
}

func compileBuiltins(patterns []builtinPattern) []Rule {
	rules := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		// Built-in patterns are compile-tested; MustCompile documents that.
		rules = append(rules, Rule{re: regexp.MustCompile(p.expr), issueType: p.issueType})
	}
	return rules
}

// excluded reports whether any exclusion pattern matches the line.
func (rs *RuleSet) excluded(line string) bool {
	for _, re := range rs.exclusion {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// matchCustom returns the first custom rule found in the line, in configured
// order. Matching is a substring search, not a full-line match.
func (rs *RuleSet) matchCustom(line string) *CustomRule {
	for i := range rs.custom {
		if rs.custom[i].re.MatchString(line) {
			return &rs.custom[i]
		}
	}
	return nil
}

func matchFirst(rules []Rule, line string) *Rule {
	for i := range rules {
		if rules[i].re.MatchString(line) {
			return &rules[i]
		}
	}
	return nil
}

// extractMessage applies the custom rule's capture group to the line,
// falling back to the whole line when the group is absent or out of range.
func (cr *CustomRule) extractMessage(line string) string {
	if cr.MessageGroup <= 0 {
		return line
	}
	m := cr.re.FindStringSubmatch(line)
	if m == nil || cr.MessageGroup >= len(m) {
		return line
	}
	return m[cr.MessageGroup]
}
