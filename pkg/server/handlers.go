package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/logvigil/logvigil/pkg/logger"
	"github.com/logvigil/logvigil/pkg/store"
	"github.com/logvigil/logvigil/pkg/types"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// issuePage is the paged list response.
type issuePage struct {
	Issues []store.Snapshot `json:"issues"`
	Page   int              `json:"page"`
	Size   int              `json:"size"`
	Total  int              `json:"total"`
}

// handleIssues lists issues, newest first, with optional filters and
// paging. recent=N shortcuts to the issues of the last N minutes, unpaged.
func (s *Server) handleIssues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()

	if recent := q.Get("recent"); recent != "" {
		n, err := strconv.Atoi(recent)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid recent minutes")
			return
		}
		window := time.Duration(n) * time.Minute
		writeJSON(w, http.StatusOK, map[string]any{"issues": s.store.Recent(window, time.Now())})
		return
	}

	filter := store.Filter{
		Server: q.Get("server"),
		Query:  q.Get("q"),
	}
	if sev := q.Get("severity"); sev != "" {
		parsed := types.Severity(strings.ToUpper(sev))
		if !parsed.Valid() {
			writeError(w, http.StatusBadRequest, "invalid severity")
			return
		}
		filter.Severity = parsed
	}
	var err error
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from time")
		return
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to time")
		return
	}

	page, size, err := parsePaging(q.Get("page"), q.Get("size"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	matched := s.store.Find(filter)
	total := len(matched)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, issuePage{
		Issues: matched[start:end],
		Page:   page,
		Size:   size,
		Total:  total,
	})
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parsePaging(pageRaw, sizeRaw string) (page, size int, err error) {
	page, size = 1, defaultPageSize
	if pageRaw != "" {
		if page, err = strconv.Atoi(pageRaw); err != nil || page < 1 {
			return 0, 0, errBadPaging
		}
	}
	if sizeRaw != "" {
		if size, err = strconv.Atoi(sizeRaw); err != nil || size < 1 {
			return 0, 0, errBadPaging
		}
		if size > maxPageSize {
			size = maxPageSize
		}
	}
	return page, size, nil
}

var errBadPaging = errors.New("invalid paging parameters")

// handleIssueByID serves everything under /api/v1/issues/: single issue
// lookup, acknowledgement, and the clear operation.
func (s *Server) handleIssueByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/issues/")

	if rest == "clear" {
		s.handleClear(w, r)
		return
	}

	idPart, action := rest, ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		idPart, action = rest[:i], rest[i+1:]
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid issue id")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		snap, ok := s.store.ByID(id)
		if !ok {
			writeError(w, http.StatusNotFound, "issue not found")
			return
		}
		writeJSON(w, http.StatusOK, snap)

	case action == "ack" && r.Method == http.MethodPost:
		if !s.store.Acknowledge(id) {
			writeError(w, http.StatusNotFound, "issue not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true, "id": id})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleClear removes issues: all of them, or only acknowledged ones when
// ?acknowledged=true.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var removed int
	if r.URL.Query().Get("acknowledged") == "true" {
		removed = s.store.ClearAcknowledged()
	} else {
		removed = s.store.ClearAll()
	}
	logger.Infof("Cleared %d issues via API", removed)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.statsFn())
}

const (
	defaultTrendBuckets = 24
	maxTrendBuckets     = 744 // 31 days of hours
)

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()

	granularity := store.GranularityHour
	switch q.Get("granularity") {
	case "", "hour":
	case "day":
		granularity = store.GranularityDay
	default:
		writeError(w, http.StatusBadRequest, "invalid granularity")
		return
	}

	buckets := defaultTrendBuckets
	if raw := q.Get("buckets"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxTrendBuckets {
			writeError(w, http.StatusBadRequest, "invalid bucket count")
			return
		}
		buckets = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"granularity": granularity,
		"buckets":     s.store.Trend(granularity, buckets, time.Now()),
	})
}
