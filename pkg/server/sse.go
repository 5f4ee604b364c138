package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/logvigil/logvigil/pkg/logger"
	"github.com/logvigil/logvigil/pkg/types"
)

// sseClient is one connected event-stream consumer. Events are dropped, not
// queued unboundedly, when the client cannot keep up.
type sseClient struct {
	ch chan sseEvent
}

type sseEvent struct {
	name string
	data any
}

// broker fans store events out to SSE clients. It subscribes once to the
// issue store and multiplexes to however many clients are connected.
type broker struct {
	mu      sync.Mutex
	clients map[*sseClient]bool

	onCount func(int)
}

func newBroker(onCount func(int)) *broker {
	return &broker{
		clients: make(map[*sseClient]bool),
		onCount: onCount,
	}
}

// Publish sends an event to every connected client, dropping it for clients
// whose buffers are full.
func (b *broker) Publish(name string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.ch <- sseEvent{name: name, data: data}:
		default:
		}
	}
}

// IssueListener adapts the broker to the store's listener contract.
func (b *broker) IssueListener(issue types.Issue) {
	b.Publish("issue", issue)
}

func (b *broker) add() *sseClient {
	c := &sseClient{ch: make(chan sseEvent, 64)}
	b.mu.Lock()
	b.clients[c] = true
	n := len(b.clients)
	b.mu.Unlock()
	if b.onCount != nil {
		b.onCount(n)
	}
	return c
}

func (b *broker) remove(c *sseClient) {
	b.mu.Lock()
	delete(b.clients, c)
	n := len(b.clients)
	b.mu.Unlock()
	if b.onCount != nil {
		b.onCount(n)
	}
}

// handleStream serves the event stream: an initial ping, then issue and
// stats events as they occur, with keepalive pings.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	setSSEHeaders(w)

	client := s.broker.add()
	defer s.broker.remove(client)

	sseWrite(w, "ping", "ready")
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case <-keepalive.C:
			sseWrite(w, "ping", time.Now().UTC().Format(time.RFC3339))
			flusher.Flush()
		case ev := <-client.ch:
			sseWrite(w, ev.name, ev.data)
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
}

func sseWrite(w http.ResponseWriter, event string, data any) {
	if event != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", event)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", marshalPayload(data))
}

func marshalPayload(data any) []byte {
	switch v := data.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	out, err := json.Marshal(data)
	if err != nil {
		logger.Errorf("Marshal SSE payload: %v", err)
		return []byte(`{}`)
	}
	return out
}
