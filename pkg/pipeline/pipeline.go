// Package pipeline assembles the monitoring components: tracked files feed
// the classifier, detected issues land in the store, and the serving layer
// reads from there. It also owns hot reload and graceful shutdown ordering.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/logvigil/logvigil/pkg/charset"
	"github.com/logvigil/logvigil/pkg/classify"
	"github.com/logvigil/logvigil/pkg/logger"
	"github.com/logvigil/logvigil/pkg/metrics"
	"github.com/logvigil/logvigil/pkg/reload"
	"github.com/logvigil/logvigil/pkg/server"
	"github.com/logvigil/logvigil/pkg/store"
	"github.com/logvigil/logvigil/pkg/tracker"
	"github.com/logvigil/logvigil/pkg/types"
	"github.com/logvigil/logvigil/pkg/util"
)

// Pipeline owns the component graph for one configuration.
type Pipeline struct {
	configPath string
	cfg        *types.Config

	classifier *classify.Classifier
	tracker    *tracker.Tracker
	store      *store.Store
	metrics    *metrics.Metrics
	persister  *store.Persister
	server     *server.Server
	watcher    *reload.ConfigWatcher

	startedAt time.Time
	stopCh    chan struct{}
	status    func(msg string)

	// Last values mirrored into the Prometheus counters, so the periodic
	// sync adds only the delta since the previous pass.
	seenPollCycles int64
	seenPollErrors int64
	seenSuppressed int64
}

// New wires all components from the loaded configuration. Nothing runs
// until Start.
func New(cfg *types.Config, configPath string) (*Pipeline, error) {
	p := &Pipeline{
		configPath: configPath,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		status:     func(msg string) { logger.Infof("%s", msg) },
	}

	m, err := metrics.New("logvigil")
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	p.metrics = m

	dedupWindow := time.Duration(0)
	if cfg.Rules.Dedup.IsEnabled() {
		if dedupWindow, err = cfg.DedupWindow(); err != nil {
			return nil, fmt.Errorf("invalid dedup window: %w", err)
		}
	}
	p.classifier = classify.New(cfg.Rules, classify.Options{DedupWindow: dedupWindow})

	p.store = store.New(cfg.Store.MaxIssues, cfg.Store.MaxListeners)
	p.store.Subscribe(func(issue types.Issue) {
		m.IssuesTotal.WithLabelValues(string(issue.Severity), issue.ServerName).Inc()
		m.StoredIssues.Set(float64(p.store.Len()))
	})

	if cfg.Store.Persistence.Enabled {
		flushInterval, err := cfg.FlushInterval()
		if err != nil {
			return nil, fmt.Errorf("invalid flush interval: %w", err)
		}
		p.persister, err = store.NewPersister(cfg.Store.Persistence.Path, p.store, flushInterval)
		if err != nil {
			return nil, err
		}
		loaded, err := p.persister.Load()
		if err != nil {
			logger.Warnf("Loading persisted issues failed: %v", err)
		} else if loaded > 0 {
			logger.Infof("Restored %d issues from %s", loaded, cfg.Store.Persistence.Path)
		}
	}

	p.tracker, err = tracker.New(cfg.Watch, charset.NewResolver(), p.handleLines)
	if err != nil {
		return nil, err
	}

	if cfg.Server.IsEnabled() {
		p.server, err = server.New(server.Options{
			Config:  cfg.Server,
			Store:   p.store,
			Metrics: m,
			StatsFn: p.stats,
		})
		if err != nil {
			return nil, fmt.Errorf("create server: %w", err)
		}
	}

	return p, nil
}

// SetStatusFunc routes operational status messages from the pipeline and
// its tracker to fn instead of the process logger. Call before Start.
func (p *Pipeline) SetStatusFunc(fn func(msg string)) {
	if fn == nil {
		return
	}
	p.status = fn
	p.tracker.SetStatusFunc(tracker.StatusFunc(fn))
}

// handleLines is the tracker's line handler: classify, then commit.
func (p *Pipeline) handleLines(serverName, fileName string, lines []string, startLine int) {
	p.metrics.LinesTotal.Add(float64(len(lines)))
	for _, issue := range p.classifier.Classify(serverName, fileName, lines, startLine) {
		p.store.Add(issue)
	}
}

// stats assembles the serving layer's statistics payload.
func (p *Pipeline) stats() server.Stats {
	ts := p.tracker.Stats()
	return server.Stats{
		StartedAt:     p.startedAt,
		UptimeSeconds: time.Since(p.startedAt).Seconds(),
		Tracker:       ts,
		Suppressed:    p.classifier.SuppressedCount(),
		Issues:        p.store.Counters(),
		TopIssueTypes: p.store.TopIssueTypes(10),
	}
}

// Start launches all components and, when enabled, the config watcher.
func (p *Pipeline) Start() error {
	p.startedAt = time.Now()

	if p.persister != nil {
		p.persister.Start()
	}
	p.tracker.Start()
	if p.server != nil {
		p.server.Start()
	}

	if p.cfg.Reload.Enabled {
		debounce := 500 * time.Millisecond
		if p.cfg.Reload.DebounceInterval != "" {
			if d, err := time.ParseDuration(p.cfg.Reload.DebounceInterval); err == nil {
				debounce = d
			}
		}
		watcher, err := reload.NewConfigWatcher(p.configPath, debounce)
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		changes, err := watcher.Start()
		if err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		p.watcher = watcher
		go p.handleReloads(changes)
	}

	go p.refreshGauges()

	p.status("Pipeline started")
	return nil
}

// refreshGauges mirrors tracker and classifier counters into the Prometheus
// collectors on a fixed cadence. The sources keep their own atomics; only
// the delta since the last pass is added here.
func (p *Pipeline) refreshGauges() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.syncMetrics()
		}
	}
}

func (p *Pipeline) syncMetrics() {
	ts := p.tracker.Stats()
	p.metrics.TrackedFiles.Set(float64(ts.TrackedFiles))
	p.metrics.StoredIssues.Set(float64(p.store.Len()))

	if d := ts.PollCycles - p.seenPollCycles; d > 0 {
		p.metrics.PollCyclesTotal.Add(float64(d))
		p.seenPollCycles = ts.PollCycles
	}
	if d := ts.PollErrors - p.seenPollErrors; d > 0 {
		p.metrics.PollErrorsTotal.Add(float64(d))
		p.seenPollErrors = ts.PollErrors
	}
	if suppressed := p.classifier.SuppressedCount(); suppressed > p.seenSuppressed {
		p.metrics.SuppressedTotal.Add(float64(suppressed - p.seenSuppressed))
		p.seenSuppressed = suppressed
	}
}

func (p *Pipeline) handleReloads(changes <-chan struct{}) {
	for {
		select {
		case <-p.stopCh:
			return
		case <-changes:
			if err := p.applyReload(); err != nil {
				logger.Errorf("Configuration reload failed, keeping previous configuration: %v", err)
			}
		}
	}
}

// applyReload reloads the config file and applies the hot-applicable parts:
// classification rules, the dedup window, and newly added watch paths.
// Structural settings (ports, store capacity, intervals) need a restart and
// are logged when they differ.
func (p *Pipeline) applyReload() error {
	cfg, err := util.LoadConfig(p.configPath)
	if err != nil {
		return err
	}

	dedupWindow := time.Duration(0)
	if cfg.Rules.Dedup.IsEnabled() {
		if dedupWindow, err = cfg.DedupWindow(); err != nil {
			return fmt.Errorf("invalid dedup window: %w", err)
		}
	}
	p.classifier.ReplaceRules(cfg.Rules, dedupWindow)
	p.tracker.AddPaths(cfg.Watch.Paths)
	p.tracker.Rescan()

	if cfg.Server.Port != p.cfg.Server.Port {
		logger.Warnf("Server port change (%d -> %d) requires a restart", p.cfg.Server.Port, cfg.Server.Port)
	}
	if cfg.Store.MaxIssues != p.cfg.Store.MaxIssues {
		logger.Warnf("Store capacity change (%d -> %d) requires a restart", p.cfg.Store.MaxIssues, cfg.Store.MaxIssues)
	}

	p.cfg = cfg
	p.status(fmt.Sprintf("Configuration reloaded from %s", p.configPath))
	return nil
}

// Stop shuts components down in reverse dependency order: stop intake
// first, then flush, then the serving layer.
func (p *Pipeline) Stop(ctx context.Context) {
	close(p.stopCh)

	if p.watcher != nil {
		p.watcher.Stop()
	}
	p.tracker.Stop()
	p.classifier.Close()
	if p.persister != nil {
		p.persister.Stop()
	}
	if p.server != nil {
		if err := p.server.Stop(ctx); err != nil {
			logger.Warnf("HTTP server shutdown: %v", err)
		}
	}
	p.status("Pipeline stopped")
}
