// Package types defines configuration types for Log Vigil.
package types

import (
	"fmt"
	"os"
	"regexp"
	"time"
)

// Package-level defaults
const (
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultLogOutput       = "stdout"
	DefaultPollInterval    = "2s"
	DefaultDedupWindow     = "5s"
	DefaultFilePattern     = "*.log"
	DefaultMaxIssues       = 500
	DefaultMaxListeners    = 32
	DefaultMaxTrackedFiles = 200
	DefaultMaxReadBytes    = 4 * 1024 * 1024
	DefaultMaxReadLines    = 5000
	DefaultContextBefore   = 0
	DefaultLinesAfter      = 10
	DefaultHTTPPort        = 8080
	DefaultHTTPBindAddress = "0.0.0.0"
	DefaultReadTimeout     = "15s"
	DefaultWriteTimeout    = "0s" // SSE streams must not be cut off
	DefaultFlushInterval   = "1m"
	DefaultDebounce        = "500ms"
	DefaultStatsInterval   = "10s"

	MinPollInterval = 100 * time.Millisecond
	MinDedupWindow  = 1 * time.Second
	MaxDedupWindow  = 1 * time.Hour
)

// Valid log configuration values
var (
	validLogLevels = map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	validLogFormats = map[string]bool{"json": true, "text": true}
	validLogOutputs = map[string]bool{"stdout": true, "stderr": true, "file": true}
)

// Config is the top-level configuration structure.
type Config struct {
	// Settings contains global configuration such as logging.
	Settings GlobalSettings `json:"settings" yaml:"settings"`

	// Watch configures the file tracker.
	Watch WatchConfig `json:"watch" yaml:"watch"`

	// Rules configures the pattern classifier.
	Rules RulesConfig `json:"rules" yaml:"rules"`

	// Store configures the in-memory issue store and optional persistence.
	Store StoreConfig `json:"store" yaml:"store"`

	// Server configures the HTTP/SSE serving layer.
	Server ServerConfig `json:"server" yaml:"server"`

	// Reload configures configuration hot reload.
	Reload ReloadConfig `json:"reload,omitempty" yaml:"reload,omitempty"`
}

// GlobalSettings contains global configuration settings.
type GlobalSettings struct {
	LogLevel  string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	LogFormat string `json:"logFormat,omitempty" yaml:"logFormat,omitempty"`
	LogOutput string `json:"logOutput,omitempty" yaml:"logOutput,omitempty"`
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
}

// WatchPath is a single watched location: a directory (listed each poll,
// non-recursive) or a single file.
type WatchPath struct {
	// Path is the directory or file to watch.
	Path string `json:"path" yaml:"path"`

	// ServerName labels issues from this path. Optional.
	ServerName string `json:"serverName,omitempty" yaml:"serverName,omitempty"`

	// Encoding overrides byte decoding for files under this path. One of
	// utf-8, iso-8859-1, ebcdic-037, ebcdic-500, ebcdic-1047, ebcdic-1140.
	// Empty means auto-detect.
	Encoding string `json:"encoding,omitempty" yaml:"encoding,omitempty"`
}

// WatchConfig configures the file tracker.
type WatchConfig struct {
	Paths []WatchPath `json:"paths" yaml:"paths"`

	// FilePatterns are glob patterns matched against file names in watched
	// directories (not applied to single-file watch paths).
	FilePatterns []string `json:"filePatterns,omitempty" yaml:"filePatterns,omitempty"`

	// PollInterval is how often the tracker scans for new content.
	PollInterval string `json:"pollInterval,omitempty" yaml:"pollInterval,omitempty"`

	// MaxTrackedFiles caps how many files the tracker will follow. Newly
	// discovered files beyond the cap are skipped until a rescan.
	MaxTrackedFiles int `json:"maxTrackedFiles,omitempty" yaml:"maxTrackedFiles,omitempty"`

	// MaxReadBytes bounds how many new bytes a single poll reads per file.
	MaxReadBytes int64 `json:"maxReadBytes,omitempty" yaml:"maxReadBytes,omitempty"`

	// MaxReadLines bounds how many lines a single poll hands to the
	// classifier per file.
	MaxReadLines int `json:"maxReadLines,omitempty" yaml:"maxReadLines,omitempty"`
}

// CustomRuleConfig is a user-defined classification rule. Rules are evaluated
// in configured order before the built-in severity patterns.
type CustomRuleConfig struct {
	Name     string `json:"name" yaml:"name"`
	Pattern  string `json:"pattern" yaml:"pattern"`
	Severity string `json:"severity" yaml:"severity"`

	// IssueType tags matching issues. Defaults to the rule name.
	IssueType string `json:"issueType,omitempty" yaml:"issueType,omitempty"`

	// MessageGroup selects a regex capture group for the issue message.
	// Zero means the whole line.
	MessageGroup int `json:"messageGroup,omitempty" yaml:"messageGroup,omitempty"`
}

// DedupConfig configures time-windowed deduplication.
type DedupConfig struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Window  string `json:"window,omitempty" yaml:"window,omitempty"`
}

// RulesConfig configures the pattern classifier.
type RulesConfig struct {
	// Pattern lists per severity, merged with the built-in libraries unless
	// UseBuiltins is explicitly false.
	ExclusionPatterns []string `json:"exclusionPatterns,omitempty" yaml:"exclusionPatterns,omitempty"`
	CriticalPatterns  []string `json:"criticalPatterns,omitempty" yaml:"criticalPatterns,omitempty"`
	ExceptionPatterns []string `json:"exceptionPatterns,omitempty" yaml:"exceptionPatterns,omitempty"`
	ErrorPatterns     []string `json:"errorPatterns,omitempty" yaml:"errorPatterns,omitempty"`
	WarningPatterns   []string `json:"warningPatterns,omitempty" yaml:"warningPatterns,omitempty"`

	// UseBuiltins merges the built-in pattern libraries with the configured
	// lists. Defaults to true.
	UseBuiltins *bool `json:"useBuiltins,omitempty" yaml:"useBuiltins,omitempty"`

	CustomRules []CustomRuleConfig `json:"customRules,omitempty" yaml:"customRules,omitempty"`

	// ContextLinesBefore prepends raw preceding lines to issue detail.
	ContextLinesBefore int `json:"contextLinesBefore,omitempty" yaml:"contextLinesBefore,omitempty"`

	// LinesAfter is the context budget absorbed after a critical trigger.
	// Stack-trace-shaped lines do not count against it.
	LinesAfter int `json:"linesAfter,omitempty" yaml:"linesAfter,omitempty"`

	// ParseJSONLogs enables JSON-structured log entry classification.
	ParseJSONLogs bool `json:"parseJsonLogs,omitempty" yaml:"parseJsonLogs,omitempty"`

	Dedup DedupConfig `json:"dedup,omitempty" yaml:"dedup,omitempty"`
}

// PersistenceConfig configures best-effort SQLite snapshots of the store.
type PersistenceConfig struct {
	Enabled       bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path          string `json:"path,omitempty" yaml:"path,omitempty"`
	FlushInterval string `json:"flushInterval,omitempty" yaml:"flushInterval,omitempty"`
}

// StoreConfig configures the issue store.
type StoreConfig struct {
	// MaxIssues bounds the ring buffer; the oldest issue is evicted on
	// overflow.
	MaxIssues int `json:"maxIssues,omitempty" yaml:"maxIssues,omitempty"`

	// MaxListeners caps listener registrations.
	MaxListeners int `json:"maxListeners,omitempty" yaml:"maxListeners,omitempty"`

	Persistence PersistenceConfig `json:"persistence,omitempty" yaml:"persistence,omitempty"`
}

// ServerConfig configures the HTTP serving layer.
type ServerConfig struct {
	Enabled       *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	BindAddress   string `json:"bindAddress,omitempty" yaml:"bindAddress,omitempty"`
	Port          int    `json:"port,omitempty" yaml:"port,omitempty"`
	ReadTimeout   string `json:"readTimeout,omitempty" yaml:"readTimeout,omitempty"`
	WriteTimeout  string `json:"writeTimeout,omitempty" yaml:"writeTimeout,omitempty"`
	StatsInterval string `json:"statsInterval,omitempty" yaml:"statsInterval,omitempty"`
}

// ReloadConfig configures configuration hot reload.
type ReloadConfig struct {
	Enabled          bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	DebounceInterval string `json:"debounceInterval,omitempty" yaml:"debounceInterval,omitempty"`
}

// ApplyDefaults fills in unset fields with package defaults.
func (c *Config) ApplyDefaults() {
	if c.Settings.LogLevel == "" {
		c.Settings.LogLevel = DefaultLogLevel
	}
	if c.Settings.LogFormat == "" {
		c.Settings.LogFormat = DefaultLogFormat
	}
	if c.Settings.LogOutput == "" {
		c.Settings.LogOutput = DefaultLogOutput
	}
	if c.Watch.PollInterval == "" {
		c.Watch.PollInterval = DefaultPollInterval
	}
	if len(c.Watch.FilePatterns) == 0 {
		c.Watch.FilePatterns = []string{DefaultFilePattern}
	}
	if c.Watch.MaxTrackedFiles == 0 {
		c.Watch.MaxTrackedFiles = DefaultMaxTrackedFiles
	}
	if c.Watch.MaxReadBytes == 0 {
		c.Watch.MaxReadBytes = DefaultMaxReadBytes
	}
	if c.Watch.MaxReadLines == 0 {
		c.Watch.MaxReadLines = DefaultMaxReadLines
	}
	if c.Rules.LinesAfter == 0 {
		c.Rules.LinesAfter = DefaultLinesAfter
	}
	if c.Rules.Dedup.Window == "" {
		c.Rules.Dedup.Window = DefaultDedupWindow
	}
	if c.Store.MaxIssues == 0 {
		c.Store.MaxIssues = DefaultMaxIssues
	}
	if c.Store.MaxListeners == 0 {
		c.Store.MaxListeners = DefaultMaxListeners
	}
	if c.Store.Persistence.FlushInterval == "" {
		c.Store.Persistence.FlushInterval = DefaultFlushInterval
	}
	if c.Server.BindAddress == "" {
		c.Server.BindAddress = DefaultHTTPBindAddress
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultHTTPPort
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.StatsInterval == "" {
		c.Server.StatsInterval = DefaultStatsInterval
	}
	if c.Reload.DebounceInterval == "" {
		c.Reload.DebounceInterval = DefaultDebounce
	}
}

// Validate checks the configuration for errors. Pattern and custom-rule
// compilation problems are deliberately NOT validated here: the classifier
// drops bad entries with a log line so the rest of the rule set still loads.
func (c *Config) Validate() error {
	if !validLogLevels[c.Settings.LogLevel] {
		return fmt.Errorf("invalid logLevel %q", c.Settings.LogLevel)
	}
	if !validLogFormats[c.Settings.LogFormat] {
		return fmt.Errorf("invalid logFormat %q: must be json or text", c.Settings.LogFormat)
	}
	if !validLogOutputs[c.Settings.LogOutput] {
		return fmt.Errorf("invalid logOutput %q: must be stdout, stderr, or file", c.Settings.LogOutput)
	}
	if c.Settings.LogOutput == "file" && c.Settings.LogFile == "" {
		return fmt.Errorf("logFile must be set when logOutput is file")
	}

	if len(c.Watch.Paths) == 0 {
		return fmt.Errorf("at least one watch path must be configured")
	}
	for i, wp := range c.Watch.Paths {
		if wp.Path == "" {
			return fmt.Errorf("watch.paths[%d]: path cannot be empty", i)
		}
		if !ValidateServerName(wp.ServerName) {
			return fmt.Errorf("watch.paths[%d]: invalid serverName %q", i, wp.ServerName)
		}
	}

	interval, err := c.PollInterval()
	if err != nil {
		return fmt.Errorf("invalid pollInterval: %w", err)
	}
	if interval < MinPollInterval {
		return fmt.Errorf("pollInterval %v below minimum %v", interval, MinPollInterval)
	}

	if c.Rules.Dedup.IsEnabled() {
		window, err := c.DedupWindow()
		if err != nil {
			return fmt.Errorf("invalid dedup window: %w", err)
		}
		if window < MinDedupWindow || window > MaxDedupWindow {
			return fmt.Errorf("dedup window must be between %v and %v, got %v",
				MinDedupWindow, MaxDedupWindow, window)
		}
	}

	if c.Watch.MaxTrackedFiles < 1 {
		return fmt.Errorf("maxTrackedFiles must be positive, got %d", c.Watch.MaxTrackedFiles)
	}
	if c.Store.MaxIssues < 1 {
		return fmt.Errorf("maxIssues must be positive, got %d", c.Store.MaxIssues)
	}
	if c.Rules.ContextLinesBefore < 0 {
		return fmt.Errorf("contextLinesBefore cannot be negative")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Store.Persistence.Enabled && c.Store.Persistence.Path == "" {
		return fmt.Errorf("persistence path must be set when persistence is enabled")
	}

	return nil
}

// SubstituteEnvVars expands ${VAR} references in path-valued fields. Raw
// config data is also expanded before parsing; this pass covers values built
// programmatically.
func (c *Config) SubstituteEnvVars() {
	for i := range c.Watch.Paths {
		c.Watch.Paths[i].Path = os.ExpandEnv(c.Watch.Paths[i].Path)
	}
	c.Settings.LogFile = os.ExpandEnv(c.Settings.LogFile)
	c.Store.Persistence.Path = os.ExpandEnv(c.Store.Persistence.Path)
}

// Interval accessors. Intervals are stored as duration strings in the config
// file and parsed on demand; ApplyDefaults guarantees they are non-empty.

// PollInterval returns the tracker poll interval.
func (c *Config) PollInterval() (time.Duration, error) {
	return time.ParseDuration(c.Watch.PollInterval)
}

// DedupWindow returns the deduplication window.
func (c *Config) DedupWindow() (time.Duration, error) {
	return time.ParseDuration(c.Rules.Dedup.Window)
}

// FlushInterval returns the persistence flush interval.
func (c *Config) FlushInterval() (time.Duration, error) {
	return time.ParseDuration(c.Store.Persistence.FlushInterval)
}

// IsEnabled reports whether dedup is on. Defaults to true when unset.
func (d DedupConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// UseBuiltinPatterns reports whether the built-in libraries are merged in.
// Defaults to true when unset.
func (r RulesConfig) UseBuiltinPatterns() bool {
	return r.UseBuiltins == nil || *r.UseBuiltins
}

// IsEnabled reports whether the HTTP server is on. Defaults to true.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// serverNamePattern restricts labels to something safe for URLs and metrics.
var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]*$`)

// ValidateServerName reports whether a watch path server label is usable.
func ValidateServerName(name string) bool {
	return serverNamePattern.MatchString(name)
}
