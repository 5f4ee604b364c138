// Package server exposes the HTTP API: issue queries, acknowledgement,
// statistics, trends, a live event stream, Prometheus metrics, and health
// probes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/logvigil/logvigil/pkg/logger"
	"github.com/logvigil/logvigil/pkg/metrics"
	"github.com/logvigil/logvigil/pkg/store"
	"github.com/logvigil/logvigil/pkg/tracker"
	"github.com/logvigil/logvigil/pkg/types"
)

// Stats is the payload of GET /api/v1/stats and the periodic stats event on
// the stream.
type Stats struct {
	StartedAt     time.Time         `json:"startedAt"`
	UptimeSeconds float64           `json:"uptimeSeconds"`
	Tracker       tracker.Stats     `json:"tracker"`
	Suppressed    int64             `json:"suppressed"`
	Issues        store.Counters    `json:"issues"`
	TopIssueTypes []store.TypeCount `json:"topIssueTypes"`
}

// Options wires the server's dependencies.
type Options struct {
	Config  types.ServerConfig
	Store   *store.Store
	Metrics *metrics.Metrics

	// StatsFn produces the current pipeline statistics.
	StatsFn func() Stats
}

// Server is the HTTP serving layer.
type Server struct {
	cfg     types.ServerConfig
	store   *store.Store
	metrics *metrics.Metrics
	statsFn func() Stats
	broker  *broker

	httpServer    *http.Server
	statsInterval time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// ready flips once the listener is up; /readyz reports it.
	mu    sync.Mutex
	ready bool
}

// New builds the server and registers its routes. The store subscription
// for the event stream happens here so issues committed after New are
// streamed.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("server requires a store")
	}
	if opts.StatsFn == nil {
		return nil, fmt.Errorf("server requires a stats source")
	}

	statsInterval, err := time.ParseDuration(opts.Config.StatsInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid stats interval: %w", err)
	}
	readTimeout, err := time.ParseDuration(opts.Config.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read timeout: %w", err)
	}
	writeTimeout, err := time.ParseDuration(opts.Config.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write timeout: %w", err)
	}

	s := &Server{
		cfg:           opts.Config,
		store:         opts.Store,
		metrics:       opts.Metrics,
		statsFn:       opts.StatsFn,
		statsInterval: statsInterval,
		stopChan:      make(chan struct{}),
	}
	s.broker = newBroker(func(n int) {
		if s.metrics != nil {
			s.metrics.SSEClients.Set(float64(n))
		}
	})

	if _, ok := opts.Store.Subscribe(s.broker.IssueListener); !ok {
		return nil, fmt.Errorf("store rejected event stream subscription")
	}

	addr := fmt.Sprintf("%s:%d", opts.Config.BindAddress, opts.Config.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
		// WriteTimeout stays zero by default: the event stream holds
		// connections open indefinitely.
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s, nil
}

// Handler returns the route tree, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/v1/issues", s.handleIssues)
	mux.HandleFunc("/api/v1/issues/", s.handleIssueByID)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/trends", s.handleTrends)
	mux.HandleFunc("/api/v1/stream", s.handleStream)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	return s.logRequests(mux)
}

// logRequests logs each request at debug with method, path, status, and
// duration.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the event stream working through the logging wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start begins serving and launches the periodic stats publisher.
func (s *Server) Start() {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger.Infof("HTTP server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("HTTP server failed: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.publishStats()
}

func (s *Server) publishStats() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.broker.Publish("stats", s.statsFn())
		}
	}
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopChan) })
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	logger.Infof("HTTP server stopped")
	return err
}
