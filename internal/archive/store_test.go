package archive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aurora-ops/aurora-gateway/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir() + "/archive.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func archSnap(version int64) models.Snapshot {
	return models.Snapshot{
		Nodes: []models.InfraNode{
			{ID: "svc-a", Label: "api", Type: "service", Status: models.StatusFailed},
			{ID: "db-1", Label: "orders-db", Type: "database", Status: models.StatusDegraded},
		},
		Edges:       []models.InfraEdge{{Source: "svc-a", Target: "db-1", Type: models.EdgeDependency}},
		RootCauseID: "db-1",
		AffectedIDs: []string{"svc-a", "db-1"},
		Version:     version,
		UpdatedAt:   time.Unix(1700000000+version, 0).UTC(),
	}
}

func TestRecordAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, "inc-1", archSnap(3)); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, "inc-1", archSnap(4)); err != nil {
		t.Fatal(err)
	}

	snap, err := s.Load(ctx, "inc-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 3 || snap.RootCauseID != "db-1" {
		t.Errorf("snapshot = %+v", snap)
	}

	// Version 0 loads the newest.
	latest, err := s.Load(ctx, "inc-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version != 4 {
		t.Errorf("latest version = %d, want 4", latest.Version)
	}
}

func TestRecordIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, "inc-1", archSnap(3)); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, "inc-1", archSnap(3)); err != nil {
		t.Fatal(err)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestLoadNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), "inc-1", 99)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for v := int64(1); v <= 3; v++ {
		if err := s.Record(ctx, "inc-1", archSnap(v)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Record(ctx, "inc-2", archSnap(9)); err != nil {
		t.Fatal(err)
	}

	entries, err := s.List(ctx, "inc-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Version != 3 {
		t.Errorf("newest first: entries[0].Version = %d, want 3", entries[0].Version)
	}
	if entries[0].Nodes != 2 || entries[0].Edges != 1 {
		t.Errorf("counts = %d nodes, %d edges", entries[0].Nodes, entries[0].Edges)
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, "inc-1", archSnap(1)); err != nil {
		t.Fatal(err)
	}

	// Nothing is old enough yet.
	n, err := s.Prune(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("pruned %d, want 0", n)
	}

	// Everything is older than a negative cutoff in the future.
	n, err = s.Prune(ctx, -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
}

func TestExportFormats(t *testing.T) {
	snap := archSnap(3)

	jsonOut, err := ExportJSON(&snap)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(jsonOut, `"version": 3`) {
		t.Errorf("json output missing version: %s", jsonOut)
	}

	yamlOut, err := ExportYAML(&snap)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(yamlOut, "version: 3") {
		t.Errorf("yaml output missing version: %s", yamlOut)
	}

	dot := ExportDOT(&snap)
	if !strings.Contains(dot, `"svc-a" -> "db-1"`) {
		t.Errorf("dot output missing edge: %s", dot)
	}
	if !strings.Contains(dot, "orangered") {
		t.Error("dot output should highlight the root cause")
	}
}
