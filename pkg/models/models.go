package models

import "time"

// NodeStatus represents the health state of an infrastructure node.
type NodeStatus string

// Node status constants as reported by the analysis backend.
const (
	StatusHealthy       NodeStatus = "healthy"
	StatusDegraded      NodeStatus = "degraded"
	StatusFailed        NodeStatus = "failed"
	StatusInvestigating NodeStatus = "investigating"
	StatusUnknown       NodeStatus = "unknown"
)

// EdgeType represents the kind of relationship between two nodes.
type EdgeType string

// Edge type constants for relationships in a visualization.
const (
	EdgeDependency    EdgeType = "dependency"
	EdgeCommunication EdgeType = "communication"
	EdgeCausation     EdgeType = "causation"
	EdgeHosts         EdgeType = "hosts"
)

// InfraNode is one infrastructure asset in an incident visualization.
// Type is an open tag ("service", "database", "pod", ...) assigned by
// the backend; ParentID groups a node under another for display only.
type InfraNode struct {
	ID       string     `json:"id"`
	Label    string     `json:"label"`
	Type     string     `json:"type"`
	Status   NodeStatus `json:"status"`
	ParentID string     `json:"parentId,omitempty"`
}

// InfraEdge is a directed relationship between two nodes. Source and
// Target reference node IDs; referential integrity is the backend's
// concern and is not enforced here.
type InfraEdge struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Label  string   `json:"label,omitempty"`
	Type   EdgeType `json:"type"`
}

// Snapshot is the versioned graph representation of an incident's
// infrastructure state. Version is assigned by the backend and is the
// sole ordering authority; UpdatedAt is informational only.
type Snapshot struct {
	Nodes       []InfraNode `json:"nodes"`
	Edges       []InfraEdge `json:"edges"`
	RootCauseID string      `json:"rootCauseId,omitempty"`
	AffectedIDs []string    `json:"affectedIds"`
	Version     int64       `json:"version"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// FailedNodeCount returns how many nodes are in the failed state.
func (s *Snapshot) FailedNodeCount() int {
	n := 0
	for _, node := range s.Nodes {
		if node.Status == StatusFailed {
			n++
		}
	}
	return n
}

// Incident is the list-view record for one incident.
type Incident struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Status         string     `json:"status"`
	InternalStatus string     `json:"internalStatus,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	Severity       string     `json:"severity,omitempty"`
	AnalyzedAt     *time.Time `json:"analyzedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Equivalent reports whether two incident records are identical in the
// fields the list view renders. Records that compare equivalent must
// not trigger a visible refresh.
func (i Incident) Equivalent(other Incident) bool {
	if i.ID != other.ID ||
		i.Status != other.Status ||
		i.InternalStatus != other.InternalStatus ||
		i.Summary != other.Summary {
		return false
	}
	if (i.AnalyzedAt == nil) != (other.AnalyzedAt == nil) {
		return false
	}
	if i.AnalyzedAt != nil && !i.AnalyzedAt.Equal(*other.AnalyzedAt) {
		return false
	}
	return i.UpdatedAt.Equal(other.UpdatedAt)
}

// Stream event type constants for the visualization live stream.
const (
	StreamEventConnected = "connected"
	StreamEventUpdate    = "update"
)

// StreamEvent is one message on an incident's live update stream. An
// update event carries only the new version number, never the snapshot
// itself; the client pulls the full snapshot separately.
type StreamEvent struct {
	Type    string `json:"type"`
	Version int64  `json:"version,omitempty"`
}
