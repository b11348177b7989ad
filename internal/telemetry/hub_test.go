package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func point(blocks uint64) Stats {
	return Stats{
		Timestamp:      time.Date(2025, 6, 1, 12, 0, int(blocks), 0, time.UTC),
		BlocksReceived: blocks,
		SampleRateHz:   5_000_000,
		PeakDBFS:       -42.5,
	}
}

func TestHubHistoryLimit(t *testing.T) {
	h := NewHub(3)
	for i := uint64(1); i <= 5; i++ {
		h.Report(point(i))
	}

	history := h.History()
	if len(history) != 3 {
		t.Fatalf("history length %d, want 3", len(history))
	}
	for i, stats := range history {
		if want := uint64(3 + i); stats.BlocksReceived != want {
			t.Fatalf("history[%d] has blocks %d, want %d", i, stats.BlocksReceived, want)
		}
	}

	latest, ok := h.Latest()
	if !ok || latest.BlocksReceived != 5 {
		t.Fatalf("Latest returned (%v, %v), want newest point", latest.BlocksReceived, ok)
	}
}

func TestHubLatestEmpty(t *testing.T) {
	h := NewHub(0)
	if _, ok := h.Latest(); ok {
		t.Fatal("Latest reported a point on an empty hub")
	}
}

func TestHubFillsZeroTimestamp(t *testing.T) {
	h := NewHub(10)
	h.Report(Stats{BlocksReceived: 1})
	latest, _ := h.Latest()
	if latest.Timestamp.IsZero() {
		t.Fatal("reported point kept a zero timestamp")
	}
}

func TestHubSubscribe(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()

	h.Report(point(1))
	select {
	case stats := <-ch:
		if stats.BlocksReceived != 1 {
			t.Fatalf("subscriber received blocks %d, want 1", stats.BlocksReceived)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the update")
	}

	cancel()
	if _, open := <-ch; open {
		t.Fatal("cancel did not close the subscription channel")
	}
	// Reporting after cancel must not panic on the removed channel.
	h.Report(point(2))
}

func TestMultiReporterFanOut(t *testing.T) {
	var a, b recordingReporter
	m := MultiReporter{&a, nil, &b}
	m.Report(point(7))

	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("fan-out delivered %d and %d points, want 1 each", len(a.got), len(b.got))
	}
	if a.got[0].BlocksReceived != 7 {
		t.Fatalf("reporter saw blocks %d, want 7", a.got[0].BlocksReceived)
	}
}

type recordingReporter struct {
	got []Stats
}

func (r *recordingReporter) Report(stats Stats) { r.got = append(r.got, stats) }

func TestHandleStats(t *testing.T) {
	h := NewHub(10)

	rec := httptest.NewRecorder()
	h.handleStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("empty hub returned status %d, want 404", rec.Code)
	}

	h.Report(point(9))
	rec = httptest.NewRecorder()
	h.handleStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	var got Stats
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if got.BlocksReceived != 9 || got.SampleRateHz != 5_000_000 {
		t.Fatalf("unexpected stats payload: %+v", got)
	}
}

func TestHandleHistory(t *testing.T) {
	h := NewHub(10)
	h.Report(point(1))
	h.Report(point(2))

	rec := httptest.NewRecorder()
	h.handleHistory(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	var got []Stats
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(got) != 2 || got[1].BlocksReceived != 2 {
		t.Fatalf("unexpected history payload: %+v", got)
	}
}
