package telemetry

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Stats is one telemetry point describing stream health.
type Stats struct {
	Timestamp      time.Time `json:"timestamp"`
	BlocksReceived uint64    `json:"blocksReceived"`
	Overflows      uint64    `json:"overflows"`
	SamplesOut     uint64    `json:"samplesOut"`
	BufferedBlocks int       `json:"bufferedBlocks"`
	SampleRateHz   uint32    `json:"sampleRateHz"`
	PeakDBFS       float64   `json:"peakDbfs"`
}

// Reporter captures telemetry updates.
type Reporter interface {
	Report(Stats)
}

// MultiReporter fans out telemetry to multiple destinations.
type MultiReporter []Reporter

// Report forwards the sample to each configured reporter.
func (m MultiReporter) Report(stats Stats) {
	for _, r := range m {
		if r != nil {
			r.Report(stats)
		}
	}
}

const defaultHistoryLimit = 500

// Hub stores recent stats and fans out live updates to subscribers.
type Hub struct {
	mu          sync.RWMutex
	history     []Stats
	limit       int
	subscribers map[chan Stats]struct{}
}

// NewHub builds a hub keeping up to limit historical entries.
func NewHub(limit int) *Hub {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Hub{
		limit:       limit,
		subscribers: make(map[chan Stats]struct{}),
	}
}

// Report implements Reporter and records a new stats point.
func (h *Hub) Report(stats Stats) {
	if stats.Timestamp.IsZero() {
		stats.Timestamp = time.Now()
	}
	h.mu.Lock()
	h.history = append(h.history, stats)
	if len(h.history) > h.limit {
		h.history = h.history[len(h.history)-h.limit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- stats:
		default:
		}
	}
	h.mu.Unlock()
}

// History returns a copy of stored stats.
func (h *Hub) History() []Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Stats, len(h.history))
	copy(out, h.history)
	return out
}

// Latest returns the most recent stats point, if any.
func (h *Hub) Latest() (Stats, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.history) == 0 {
		return Stats{}, false
	}
	return h.history[len(h.history)-1], true
}

// Subscribe registers a listener for live updates. The returned cancel
// func removes the subscription and closes the channel.
func (h *Hub) Subscribe() (chan Stats, func()) {
	ch := make(chan Stats, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) handleHistory(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.History())
}

func (h *Hub) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats, ok := h.Latest()
	if !ok {
		http.Error(w, "no stats recorded yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// send existing history for immediate display
	for _, stats := range h.History() {
		writeEvent(w, stats)
	}
	flusher.Flush()

	for {
		select {
		case stats, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, stats)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, stats Stats) {
	payload, _ := json.Marshal(stats)
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}
