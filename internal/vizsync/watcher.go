package vizsync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aurora-ops/aurora-gateway/internal/backend"
	"github.com/aurora-ops/aurora-gateway/pkg/models"
)

// SnapshotFetcher performs the authoritative pull of an incident's
// current snapshot. A (nil, nil) return means no snapshot exists yet.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, incidentID string) (*models.Snapshot, error)
}

// StreamSource delivers live update notifications for one incident
// until ctx is canceled.
type StreamSource interface {
	Run(ctx context.Context, incidentID string, cb backend.StreamCallbacks)
}

// Watcher holds the latest known snapshot for one incident and keeps
// it current: it performs an initial reconciliation fetch, subscribes
// to the live update stream, and on each update notification pulls the
// full snapshot again, but only when the notified version is strictly
// newer than what is held and no fetch is already in flight.
//
// The held version never decreases. A fetched snapshot with a version
// at or below the held one is discarded, which makes out-of-order
// completion of overlapping fetches harmless. Dropped notifications
// self-heal: the next push, or the next mount, fetches again.
type Watcher struct {
	incidentID string
	fetcher    SnapshotFetcher
	stream     StreamSource
	logger     *slog.Logger

	// OnApply, if set, is called with a copy of each accepted
	// snapshot. It runs on the watcher's goroutines; implementations
	// must not block.
	OnApply func(models.Snapshot)

	// OnConnState, if set, observes live-stream connectivity.
	OnConnState func(connected bool)

	mu        sync.Mutex
	snapshot  *models.Snapshot
	version   int64
	connected bool
	fetching  bool
	lastErr   error
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a watcher for the given incident. Call Start to begin
// synchronizing and Close to tear down.
func New(incidentID string, fetcher SnapshotFetcher, stream StreamSource, logger *slog.Logger) *Watcher {
	return &Watcher{
		incidentID: incidentID,
		fetcher:    fetcher,
		stream:     stream,
		logger:     logger.With("incidentID", incidentID),
		done:       make(chan struct{}),
	}
}

// Start performs the initial fetch and opens the live stream. It
// returns after the initial fetch completes; the stream keeps running
// in the background until Close or ctx cancellation.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.reconcile(ctx)

	go func() {
		defer close(w.done)
		w.stream.Run(ctx, w.incidentID, backend.StreamCallbacks{
			OnEvent:       func(ev models.StreamEvent) { w.handleEvent(ctx, ev) },
			OnStateChange: w.setConnected,
		})
	}()
}

// Close tears down the live stream exactly once and prevents any
// in-flight fetch from mutating state afterwards.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

// handleEvent processes one live-stream message. Handshake notices are
// ignored; update notifications trigger at most one outstanding fetch.
func (w *Watcher) handleEvent(ctx context.Context, ev models.StreamEvent) {
	if ev.Type != models.StreamEventUpdate {
		return
	}

	w.mu.Lock()
	if w.closed || ev.Version <= w.version || w.fetching {
		stale := ev.Version <= w.version
		w.mu.Unlock()
		if stale {
			w.logger.Debug("ignoring stale update notification", "notified", ev.Version)
		}
		return
	}
	w.fetching = true
	w.mu.Unlock()

	go func() {
		w.fetchAndApply(ctx)
		w.mu.Lock()
		w.fetching = false
		w.mu.Unlock()
	}()
}

// reconcile runs a fetch under the in-flight guard. Used for the
// initial load where the guard cannot already be held.
func (w *Watcher) reconcile(ctx context.Context) {
	w.mu.Lock()
	if w.closed || w.fetching {
		w.mu.Unlock()
		return
	}
	w.fetching = true
	w.mu.Unlock()

	w.fetchAndApply(ctx)

	w.mu.Lock()
	w.fetching = false
	w.mu.Unlock()
}

// fetchAndApply fetches the snapshot and applies it if newer. The
// caller must hold the in-flight guard.
func (w *Watcher) fetchAndApply(ctx context.Context) {
	snap, err := w.fetcher.FetchSnapshot(ctx, w.incidentID)

	w.mu.Lock()
	if w.closed {
		// Torn down while the fetch was outstanding; drop the result.
		w.mu.Unlock()
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			w.lastErr = err
			w.logger.Error("snapshot fetch failed", "error", err)
		}
		w.mu.Unlock()
		return
	}
	w.lastErr = nil
	if snap == nil {
		// No snapshot exists yet; a valid empty state, not an error.
		w.mu.Unlock()
		return
	}
	if snap.Version <= w.version {
		held := w.version
		w.mu.Unlock()
		w.logger.Debug("discarding stale snapshot", "fetched", snap.Version, "held", held)
		return
	}
	w.snapshot = snap
	w.version = snap.Version
	onApply := w.OnApply
	w.mu.Unlock()

	w.logger.Info("applied snapshot", "version", snap.Version,
		"nodes", len(snap.Nodes), "edges", len(snap.Edges))
	if onApply != nil {
		onApply(*snap)
	}
}

func (w *Watcher) setConnected(connected bool) {
	w.mu.Lock()
	if w.closed && connected {
		w.mu.Unlock()
		return
	}
	changed := w.connected != connected
	w.connected = connected
	cb := w.OnConnState
	w.mu.Unlock()

	if changed && cb != nil {
		cb(connected)
	}
}

// Snapshot returns a copy of the held snapshot, or nil when none has
// been applied yet.
func (w *Watcher) Snapshot() *models.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.snapshot == nil {
		return nil
	}
	snap := *w.snapshot
	return &snap
}

// Version returns the held snapshot version, 0 when nothing is held.
func (w *Watcher) Version() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

// Connected reports whether the live stream is currently established.
// A false value does not invalidate the held snapshot; stale-but-
// present beats blank.
func (w *Watcher) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Err returns the most recent fetch error, or nil. It is cleared by
// the next successful fetch.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}
