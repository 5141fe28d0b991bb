package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aurora-ops/aurora-gateway/internal/backend"
	"github.com/aurora-ops/aurora-gateway/internal/bus"
	"github.com/aurora-ops/aurora-gateway/internal/cache"
	"github.com/aurora-ops/aurora-gateway/internal/vizsync"
	"github.com/aurora-ops/aurora-gateway/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeUpstream simulates the analysis backend: an incident list, one
// snapshot per incident, and a push channel for live updates.
type fakeUpstream struct {
	mu        sync.Mutex
	incidents []models.Incident
	snapshots map[string]*models.Snapshot
	listErr   int // if non-zero, ListIncidents fails with this status
	pushCh    chan models.StreamEvent
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		snapshots: make(map[string]*models.Snapshot),
		pushCh:    make(chan models.StreamEvent, 8),
	}
}

func (f *fakeUpstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /incidents", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.listErr != 0 {
			w.WriteHeader(f.listErr)
			_, _ = w.Write([]byte(`{"error":"backend unavailable"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": f.incidents})
	})
	mux.HandleFunc("GET /incidents/{id}/visualization", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		snap := f.snapshots[r.PathValue("id")]
		f.mu.Unlock()
		if snap == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": snap})
	})
	mux.HandleFunc("GET /incidents/{id}/visualization/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: {\"type\":\"connected\"}\n\n")
		fl.Flush()
		for {
			select {
			case ev := <-f.pushCh:
				payload, _ := json.Marshal(ev)
				_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
				fl.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	return mux
}

type testGateway struct {
	ts       *httptest.Server
	upstream *fakeUpstream
	events   *bus.Bus
}

func newTestGateway(t *testing.T, opts Options) *testGateway {
	t.Helper()

	upstream := newFakeUpstream()
	upstreamServer := httptest.NewServer(upstream.handler())
	t.Cleanup(upstreamServer.Close)

	client := backend.New(upstreamServer.URL, backend.WithTimeout(2*time.Second))
	events := bus.New(testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry := vizsync.NewRegistry(ctx, func(incidentID string) *vizsync.Watcher {
		sub := backend.NewSubscriber(client, testLogger(), 10*time.Millisecond, 50*time.Millisecond)
		w := vizsync.New(incidentID, client, sub, testLogger())
		w.OnApply = func(snap models.Snapshot) {
			events.Publish(bus.Event{
				Channel: bus.ChanSnapshotApplied,
				Payload: bus.SnapshotApplied{IncidentID: incidentID, Version: snap.Version, Snapshot: snap},
			})
		}
		return w
	})

	s := New(client, registry, events, testLogger(), ":0", opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &testGateway{ts: ts, upstream: upstream, events: events}
}

func testSnap(version int64) *models.Snapshot {
	return &models.Snapshot{
		Nodes:       []models.InfraNode{{ID: "svc-a", Label: "api", Type: "service", Status: models.StatusFailed}},
		Edges:       []models.InfraEdge{},
		AffectedIDs: []string{"svc-a"},
		Version:     version,
		UpdatedAt:   time.Unix(version, 0).UTC(),
	}
}

func TestHealthz(t *testing.T) {
	gw := newTestGateway(t, Options{})
	resp, err := http.Get(gw.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	gw := newTestGateway(t, Options{APIToken: "sesame"})

	resp, err := http.Get(gw.ts.URL + "/api/v1/incidents")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without token: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, gw.ts.URL+"/api/v1/incidents", nil)
	req.Header.Set("Authorization", "Bearer sesame")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token: status = %d, want 200", resp.StatusCode)
	}

	// Healthz stays open.
	resp2, err := http.Get(gw.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close() //nolint:errcheck // test cleanup
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp2.StatusCode)
	}
}

func TestIncidentListCached(t *testing.T) {
	mem := cache.NewMemory()
	defer mem.Close() //nolint:errcheck // test cleanup
	gw := newTestGateway(t, Options{Cache: mem, CacheTTL: time.Minute})

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	gw.upstream.mu.Lock()
	gw.upstream.incidents = []models.Incident{{ID: "inc-1", Title: "db outage", Status: "investigating", UpdatedAt: t0, CreatedAt: t0}}
	gw.upstream.mu.Unlock()

	resp, err := http.Get(gw.ts.URL + "/api/v1/incidents")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"inc-1"`) {
		t.Errorf("body = %s", body)
	}

	// Second request is served from cache.
	resp, err = http.Get(gw.ts.URL + "/api/v1/incidents")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.Header.Get("X-Cache") != "hit" {
		t.Errorf("X-Cache = %q, want hit", resp.Header.Get("X-Cache"))
	}

	// Upstream failure falls back to the cached copy rather than
	// erroring: stale-but-present beats blank.
	gw.upstream.mu.Lock()
	gw.upstream.listErr = http.StatusServiceUnavailable
	gw.upstream.mu.Unlock()
	mem.Set(context.Background(), "incidents:list", body, 25*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	resp, err = http.Get(gw.ts.URL + "/api/v1/incidents")
	if err != nil {
		t.Fatal(err)
	}
	stale, _ := io.ReadAll(resp.Body)
	resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 from stale cache", resp.StatusCode)
	}
	if resp.Header.Get("X-Cache") != "stale" {
		t.Errorf("X-Cache = %q, want stale", resp.Header.Get("X-Cache"))
	}
	if !strings.Contains(string(stale), `"inc-1"`) {
		t.Errorf("stale body = %s", stale)
	}
}

func TestVisualizationProxy(t *testing.T) {
	gw := newTestGateway(t, Options{})
	gw.upstream.mu.Lock()
	gw.upstream.snapshots["inc-1"] = testSnap(3)
	gw.upstream.mu.Unlock()

	resp, err := http.Get(gw.ts.URL + "/api/v1/incidents/inc-1/visualization")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	var payload struct {
		Data *models.Snapshot `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Data == nil || payload.Data.Version != 3 {
		t.Errorf("data = %+v", payload.Data)
	}
}

func TestVisualizationNotFoundIsEmptyState(t *testing.T) {
	gw := newTestGateway(t, Options{})

	resp, err := http.Get(gw.ts.URL + "/api/v1/incidents/inc-x/visualization")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for missing visualization", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatal(err)
	}
	if data, present := payload["data"]; !present || data != nil {
		t.Errorf("body = %s, want data: null", body)
	}
}

func TestStreamFanout(t *testing.T) {
	gw := newTestGateway(t, Options{})
	gw.upstream.mu.Lock()
	gw.upstream.snapshots["inc-1"] = testSnap(3)
	gw.upstream.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		gw.ts.URL+"/api/v1/incidents/inc-1/visualization/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	events := make(chan models.StreamEvent, 8)
	go func() {
		br := bufio.NewReader(resp.Body)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var ev models.StreamEvent
			if json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev) == nil {
				events <- ev
			}
		}
	}()

	expect := func(want models.StreamEvent) {
		t.Helper()
		select {
		case ev := <-events:
			if ev != want {
				t.Fatalf("event = %+v, want %+v", ev, want)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for stream event")
		}
	}

	expect(models.StreamEvent{Type: models.StreamEventConnected})
	expect(models.StreamEvent{Type: models.StreamEventUpdate, Version: 3})

	// A new upstream version propagates through the shared watcher.
	gw.upstream.mu.Lock()
	gw.upstream.snapshots["inc-1"] = testSnap(4)
	gw.upstream.mu.Unlock()
	gw.upstream.pushCh <- models.StreamEvent{Type: models.StreamEventUpdate, Version: 4}

	expect(models.StreamEvent{Type: models.StreamEventUpdate, Version: 4})
}

func TestSecurityHeaders(t *testing.T) {
	gw := newTestGateway(t, Options{})
	resp, err := http.Get(gw.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestStats(t *testing.T) {
	gw := newTestGateway(t, Options{})
	resp, err := http.Get(gw.ts.URL + "/api/v1/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if _, ok := stats["watched_incidents"]; !ok {
		t.Errorf("stats = %+v, want watched_incidents", stats)
	}
}
