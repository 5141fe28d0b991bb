package incidents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aurora-ops/aurora-gateway/internal/alert"
	"github.com/aurora-ops/aurora-gateway/internal/bus"
	"github.com/aurora-ops/aurora-gateway/pkg/models"
)

// Lister fetches the incident list from the upstream backend.
type Lister interface {
	ListIncidents(ctx context.Context) ([]models.Incident, error)
}

// Refresher keeps a current copy of the incident list without visible
// flicker: a refresh that changes nothing keeps the previously held
// slice, so consumers relying on identity for memoization see the same
// reference. Only membership changes or a watched-field change on a
// shared record swap the list.
type Refresher struct {
	lister   Lister
	events   *bus.Bus
	alerter  alert.Alerter
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	held    []models.Incident
	lastErr error
	running bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a refresher. alerter may be nil to disable status-change
// alerts; events may be nil to disable bus publication.
func New(lister Lister, events *bus.Bus, alerter alert.Alerter, interval time.Duration, logger *slog.Logger) *Refresher {
	return &Refresher{
		lister:   lister,
		events:   events,
		alerter:  alerter,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the periodic refresh loop, with one immediate refresh.
// Call Stop to terminate.
func (r *Refresher) Start(ctx context.Context) {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.logger.Info("incident refresher started", "interval", r.interval.String())
		if err := r.Refresh(ctx); err != nil {
			r.logger.Error("initial incident refresh failed", "error", err)
		}

		for {
			select {
			case <-ticker.C:
				if r.isRunning() {
					r.logger.Info("skipping refresh, previous one still running")
					continue
				}
				if err := r.Refresh(ctx); err != nil {
					r.logger.Error("incident refresh failed", "error", err)
				}
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the refresh loop and waits for it to finish.
func (r *Refresher) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Refresher) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Refresh fetches the list once and applies the silent-refresh policy.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	fetched, err := r.lister.ListIncidents(ctx)

	r.mu.Lock()
	if err != nil {
		r.lastErr = err
		r.mu.Unlock()
		return fmt.Errorf("refreshing incidents: %w", err)
	}
	r.lastErr = nil
	if fetched == nil {
		fetched = []models.Incident{}
	}
	current := r.held
	// The first successful refresh always commits, even when empty, so
	// a nil held list means "never refreshed" rather than "no incidents".
	if current != nil && !changed(current, fetched) {
		r.mu.Unlock()
		return nil
	}
	r.held = fetched
	r.mu.Unlock()

	r.logger.Info("incident list updated", "count", len(fetched))
	if r.events != nil {
		r.events.Publish(bus.Event{
			Channel: bus.ChanIncidentsUpdated,
			Payload: bus.IncidentsUpdated{Incidents: fetched},
		})
	}
	r.notifyTransitions(ctx, current, fetched)
	return nil
}

// changed reports whether the fetched list differs from the current
// one in membership or in any watched field of a shared record.
func changed(current, fetched []models.Incident) bool {
	if len(current) != len(fetched) {
		return true
	}
	byID := make(map[string]models.Incident, len(current))
	for _, inc := range current {
		byID[inc.ID] = inc
	}
	for _, inc := range fetched {
		prev, ok := byID[inc.ID]
		if !ok {
			return true
		}
		if !prev.Equivalent(inc) {
			return true
		}
	}
	return false
}

// notifyTransitions emits an alert for every incident whose status
// moved since the previous list.
func (r *Refresher) notifyTransitions(ctx context.Context, previous, fetched []models.Incident) {
	if r.alerter == nil {
		return
	}
	byID := make(map[string]models.Incident, len(previous))
	for _, inc := range previous {
		byID[inc.ID] = inc
	}
	for _, inc := range fetched {
		prev, seen := byID[inc.ID]
		if seen && prev.Status == inc.Status {
			continue
		}
		if !seen && inc.Status == "" {
			continue
		}
		ev := alert.Event{
			Source:     "incident-refresh",
			EventType:  "status_change",
			Severity:   inc.Severity,
			IncidentID: inc.ID,
			Message:    statusMessage(prev, inc, seen),
			Timestamp:  time.Now(),
		}
		if err := r.alerter.Send(ctx, ev); err != nil {
			r.logger.Warn("sending status alert", "incidentID", inc.ID, "error", err)
		}
	}
}

func statusMessage(prev, inc models.Incident, seen bool) string {
	if !seen {
		return fmt.Sprintf("incident %s (%s) appeared with status %s", inc.ID, inc.Title, inc.Status)
	}
	return fmt.Sprintf("incident %s (%s) moved from %s to %s", inc.ID, inc.Title, prev.Status, inc.Status)
}

// Incidents returns the currently held list. Callers must not mutate
// it; an unchanged upstream list keeps the same slice across calls.
func (r *Refresher) Incidents() []models.Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held
}

// Err returns the most recent refresh error, cleared by the next
// successful refresh.
func (r *Refresher) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}
