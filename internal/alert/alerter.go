package alert

import (
	"context"
	"time"
)

// Event represents an alert event sent to alerting backends.
type Event struct {
	Source     string    `json:"source"`
	EventType  string    `json:"event_type"`
	Severity   string    `json:"severity"`
	IncidentID string    `json:"incident_id"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`

	// Impact carries snapshot-derived counts when present.
	Impact *Impact `json:"impact,omitempty"`
}

// Impact summarizes the blast radius reported by a snapshot.
type Impact struct {
	FailedNodes   int `json:"failed_nodes"`
	AffectedNodes int `json:"affected_nodes"`
}

// Alerter defines the interface for sending alert events.
type Alerter interface {
	// Name returns the alerter identifier.
	Name() string

	// Send dispatches an event to the alerting backend.
	Send(ctx context.Context, event Event) error
}

// Multi sends events to multiple alerters.
type Multi struct {
	alerters []Alerter
}

// NewMulti creates a multi-alerter that dispatches to all backends.
func NewMulti(alerters ...Alerter) *Multi {
	return &Multi{alerters: alerters}
}

// Name returns "multi".
func (m *Multi) Name() string {
	return "multi"
}

// Send dispatches the event to all configured alerters.
func (m *Multi) Send(ctx context.Context, event Event) error {
	var lastErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, event); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
