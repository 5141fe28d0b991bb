package archive

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aurora-ops/aurora-gateway/pkg/models"
)

// ExportJSON renders a snapshot as indented JSON.
func ExportJSON(snap *models.Snapshot) (string, error) {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ExportYAML renders a snapshot as YAML.
func ExportYAML(snap *models.Snapshot) (string, error) {
	b, err := yaml.Marshal(snap)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ExportDOT renders a snapshot in Graphviz DOT format, highlighting
// the root cause and failed nodes.
func ExportDOT(snap *models.Snapshot) string {
	var b strings.Builder
	b.WriteString("digraph aurora {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box, style=filled];\n\n")

	for _, n := range snap.Nodes {
		color := statusColor(n.Status)
		if n.ID == snap.RootCauseID {
			color = "orangered"
		}
		label := fmt.Sprintf("%s\\n(%s)", n.Label, n.Type)
		b.WriteString(fmt.Sprintf("  %q [label=%q, fillcolor=%q];\n", n.ID, label, color))
	}

	b.WriteString("\n")

	for _, e := range snap.Edges {
		b.WriteString(fmt.Sprintf("  %q -> %q [label=%q];\n", e.Source, e.Target, e.Type))
	}

	b.WriteString("}\n")
	return b.String()
}

func statusColor(status models.NodeStatus) string {
	switch status {
	case models.StatusHealthy:
		return "palegreen"
	case models.StatusDegraded:
		return "gold"
	case models.StatusFailed:
		return "lightcoral"
	case models.StatusInvestigating:
		return "lightskyblue"
	default:
		return "lightgray"
	}
}
