// Package classify turns raw log lines into severity-tagged issues.
//
// Rule evaluation order per line, first match wins: blank skip, exclusion,
// JSON log entries, custom rules, critical, exception, error, warning.
// Multi-line stack traces and context lines are absorbed into the triggering
// issue; repeats inside the dedup window are suppressed.
package classify

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/logvigil/logvigil/pkg/logger"
	"github.com/logvigil/logvigil/pkg/types"
)

// Options tune classifier behavior beyond the rule configuration.
type Options struct {
	// DedupWindow suppresses repeated fingerprints inside the window.
	// Zero disables deduplication.
	DedupWindow time.Duration

	// NewID generates process-unique issue IDs. Defaults to a snowflake
	// node.
	NewID func() int64

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

// Classifier owns the compiled rule set and the dedup cache. Safe for
// concurrent use; ReplaceRules swaps the rule set wholesale.
type Classifier struct {
	mu            sync.RWMutex
	rules         *RuleSet
	contextBefore int
	linesAfter    int
	parseJSON     bool
	dedup         *dedupCache

	newID func() int64
	now   func() time.Time

	suppressed atomic.Int64
}

// New compiles the configured rules and returns a ready classifier.
// Patterns that fail to compile are logged and dropped.
func New(cfg types.RulesConfig, opts Options) *Classifier {
	c := &Classifier{
		rules:         CompileRuleSet(cfg),
		contextBefore: cfg.ContextLinesBefore,
		linesAfter:    cfg.LinesAfter,
		parseJSON:     cfg.ParseJSONLogs,
		newID:         opts.NewID,
		now:           opts.Now,
	}
	if c.newID == nil {
		c.newID = defaultIDGenerator()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.Dedup.IsEnabled() && opts.DedupWindow > 0 {
		c.dedup = newDedupCache(opts.DedupWindow, c.now)
	}
	return c
}

// ReplaceRules swaps the rule set wholesale from a new configuration.
// The dedup cache is rebuilt when the window changed; accumulated
// fingerprints are dropped in that case.
func (c *Classifier) ReplaceRules(cfg types.RulesConfig, dedupWindow time.Duration) {
	rules := CompileRuleSet(cfg)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = rules
	c.contextBefore = cfg.ContextLinesBefore
	c.linesAfter = cfg.LinesAfter
	c.parseJSON = cfg.ParseJSONLogs

	wantDedup := cfg.Dedup.IsEnabled() && dedupWindow > 0
	switch {
	case wantDedup && c.dedup == nil:
		c.dedup = newDedupCache(dedupWindow, c.now)
	case wantDedup && c.dedup.window != dedupWindow:
		c.dedup.close()
		c.dedup = newDedupCache(dedupWindow, c.now)
	case !wantDedup && c.dedup != nil:
		c.dedup.close()
		c.dedup = nil
	}
}

// Close stops the dedup sweeper.
func (c *Classifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dedup != nil {
		c.dedup.close()
		c.dedup = nil
	}
}

// SuppressedCount returns how many issues deduplication has swallowed since
// construction.
func (c *Classifier) SuppressedCount() int64 {
	return c.suppressed.Load()
}

// Classify runs the ordered rule evaluation over a batch of raw lines and
// returns the issues produced, in increasing line-number order.
// startLine is the 1-based file line number of lines[0].
func (c *Classifier) Classify(serverName, fileName string, lines []string, startLine int) []types.Issue {
	c.mu.RLock()
	rules := c.rules
	contextBefore := c.contextBefore
	linesAfter := c.linesAfter
	parseJSON := c.parseJSON
	dedup := c.dedup
	c.mu.RUnlock()

	var issues []types.Issue

	i := 0
	for i < len(lines) {
		line := lines[i]

		if strings.TrimSpace(line) == "" {
			i++
			continue
		}
		if rules.excluded(line) {
			i++
			continue
		}

		if parseJSON {
			if entry, consumed, emit := parseJSONLine(line); consumed {
				if emit {
					issue := c.buildIssue(serverName, fileName, startLine+i,
						entry.severity, entry.typ, entry.message, entry.detail)
					issues = c.emit(issues, issue, dedup)
				}
				// JSON issues never absorb following lines as context.
				i++
				continue
			}
		}

		if cr := rules.matchCustom(line); cr != nil {
			issue := c.buildIssue(serverName, fileName, startLine+i,
				cr.Severity, cr.IssueType, cr.extractMessage(line), line)
			issues = c.emit(issues, issue, dedup)
			i++
			continue
		}

		if r := matchFirst(rules.critical, line); r != nil {
			detail, consumed := absorbCriticalContext(lines, i, linesAfter)
			detail = prependContext(lines, i, contextBefore, detail)
			issue := c.buildIssue(serverName, fileName, startLine+i,
				types.SeverityCritical, r.issueType, stripPrefix(line), detail)
			issues = c.emit(issues, issue, dedup)
			i += consumed
			continue
		}

		if r := matchFirst(rules.exception, line); r != nil {
			detail, consumed := absorbStackTrace(lines, i)
			severity := types.SeverityException
			if elevationRe.MatchString(detail) {
				severity = types.SeverityCritical
			}
			detail = prependContext(lines, i, contextBefore, detail)
			issue := c.buildIssue(serverName, fileName, startLine+i,
				severity, exceptionType(r, line), stripPrefix(line), detail)
			issues = c.emit(issues, issue, dedup)
			i += consumed
			continue
		}

		if r := matchFirst(rules.errors, line); r != nil {
			detail := prependContext(lines, i, contextBefore, line)
			issue := c.buildIssue(serverName, fileName, startLine+i,
				types.SeverityError, r.issueType, stripPrefix(line), detail)
			issues = c.emit(issues, issue, dedup)
			i++
			continue
		}

		if r := matchFirst(rules.warnings, line); r != nil {
			detail := prependContext(lines, i, contextBefore, line)
			issue := c.buildIssue(serverName, fileName, startLine+i,
				types.SeverityWarning, r.issueType, stripPrefix(line), detail)
			issues = c.emit(issues, issue, dedup)
			i++
			continue
		}

		i++
	}

	return issues
}

func (c *Classifier) buildIssue(server, file string, lineNumber int,
	severity types.Severity, issueType, message, detail string) types.Issue {
	if issueType == "" {
		issueType = defaultTypeForSeverity(severity)
	}
	return types.Issue{
		ID:         c.newID(),
		ServerName: server,
		FileName:   file,
		LineNumber: lineNumber,
		IssueType:  issueType,
		Message:    strings.TrimSpace(message),
		FullDetail: detail,
		DetectedAt: c.now(),
		Severity:   severity,
	}
}

// emit applies the dedup filter after whichever rule fired.
func (c *Classifier) emit(issues []types.Issue, issue types.Issue, dedup *dedupCache) []types.Issue {
	if dedup != nil && dedup.suppress(issue) {
		c.suppressed.Add(1)
		logger.Debugf("Suppressed duplicate issue %s/%s within dedup window", issue.IssueType, issue.FileName)
		return issues
	}
	return append(issues, issue)
}

// absorbCriticalContext greedily absorbs lines after a critical trigger.
// Stack-trace-shaped lines are always included and free; non-timestamped
// free-text lines consume the budget; a timestamped line or a blank halts
// absorption. Returns the combined detail and how many lines were consumed
// including the trigger.
func absorbCriticalContext(lines []string, start, budget int) (string, int) {
	detail := []string{lines[start]}
	j := start + 1
	for j < len(lines) {
		next := lines[j]
		if IsStackFrame(next) {
			detail = append(detail, next)
			j++
			continue
		}
		if IsTimestamped(next) || strings.TrimSpace(next) == "" {
			break
		}
		if budget <= 0 {
			break
		}
		detail = append(detail, next)
		budget--
		j++
	}
	return strings.Join(detail, "\n"), j - start
}

// absorbStackTrace absorbs strictly contiguous stack-trace-shaped lines
// following an exception trigger. Free text ends absorption immediately.
func absorbStackTrace(lines []string, start int) (string, int) {
	detail := []string{lines[start]}
	j := start + 1
	for j < len(lines) && IsStackFrame(lines[j]) {
		detail = append(detail, lines[j])
		j++
	}
	return strings.Join(detail, "\n"), j - start
}

// prependContext puts up to n immediately preceding raw lines in front of
// the detail. Best-effort: only lines present in the current batch are
// available. Does not affect the issue's line number.
func prependContext(lines []string, start, n int, detail string) string {
	if n <= 0 || start == 0 {
		return detail
	}
	from := start - n
	if from < 0 {
		from = 0
	}
	ctx := strings.Join(lines[from:start], "\n")
	if ctx == "" {
		return detail
	}
	return ctx + "\n" + detail
}

// exceptionType resolves the issue type for an exception match: the class
// simple name when one is present, otherwise the rule's own type.
func exceptionType(r *Rule, line string) string {
	if m := exceptionClassRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return r.issueType
}

// Prefix stripping for issue messages: drop a leading timestamp, thread tag,
// and level token so the summary starts at the content.
var (
	tsPrefixRe = regexp.MustCompile(
		`^(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?` +
			`|[A-Z][a-z]{2} [ 0-9]\d \d{2}:\d{2}:\d{2}` +
			`|\d{2}:\d{2}:\d{2}(?:[.,]\d+)?)\s*`)
	threadPrefixRe = regexp.MustCompile(`^\[[^\]]*\]\s*`)
	levelPrefixRe  = regexp.MustCompile(`^\[?(TRACE|DEBUG|INFO|WARN|WARNING|ERROR|SEVERE|FATAL|CRITICAL)\]?\s*[-:]?\s*`)
)

func stripPrefix(line string) string {
	s := strings.TrimSpace(line)
	s = tsPrefixRe.ReplaceAllString(s, "")
	s = threadPrefixRe.ReplaceAllString(s, "")
	s = levelPrefixRe.ReplaceAllString(s, "")
	if s == "" {
		return strings.TrimSpace(line)
	}
	return strings.TrimSpace(s)
}

// Default issue ID generation: a single snowflake node for the process.
var (
	idNode     *snowflake.Node
	idFallback atomic.Int64
	idOnce     sync.Once
)

func defaultIDGenerator() func() int64 {
	idOnce.Do(func() {
		node, err := snowflake.NewNode(1)
		if err != nil {
			logger.Errorf("Failed to initialize snowflake ID node, using sequential IDs: %v", err)
			return
		}
		idNode = node
	})
	if idNode == nil {
		return func() int64 { return idFallback.Add(1) }
	}
	return func() int64 { return idNode.Generate().Int64() }
}
