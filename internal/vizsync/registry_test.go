package vizsync

import (
	"context"
	"sync"
	"testing"
)

func TestRegistrySharesWatchers(t *testing.T) {
	var mu sync.Mutex
	created := 0

	reg := NewRegistry(context.Background(), func(incidentID string) *Watcher {
		mu.Lock()
		created++
		mu.Unlock()
		return New(incidentID,
			&fakeFetcher{responses: []fetchResponse{{snap: snapV(1)}}},
			newFakeStream(), testLogger())
	})

	w1, release1 := reg.Acquire("inc-1")
	w2, release2 := reg.Acquire("inc-1")
	wOther, releaseOther := reg.Acquire("inc-2")

	if w1 != w2 {
		t.Error("same incident must share one watcher")
	}
	if w1 == wOther {
		t.Error("different incidents must not share a watcher")
	}
	mu.Lock()
	if created != 2 {
		t.Errorf("created %d watchers, want 2", created)
	}
	mu.Unlock()

	stats := reg.Stats()
	if len(stats) != 2 {
		t.Errorf("stats = %+v, want 2 entries", stats)
	}
	if stats["inc-1"] != 1 {
		t.Errorf("stats[inc-1] = %d, want 1", stats["inc-1"])
	}

	release1()
	release1() // double release is a no-op
	if len(reg.Stats()) != 2 {
		t.Error("watcher closed while a reference remained")
	}

	release2()
	releaseOther()
	if len(reg.Stats()) != 0 {
		t.Errorf("stats = %+v, want empty after all releases", reg.Stats())
	}
}

func TestRegistryRestartsAfterFullRelease(t *testing.T) {
	reg := NewRegistry(context.Background(), func(incidentID string) *Watcher {
		return New(incidentID,
			&fakeFetcher{responses: []fetchResponse{{snap: snapV(2)}}},
			newFakeStream(), testLogger())
	})

	w1, release := reg.Acquire("inc-1")
	if w1.Version() != 2 {
		t.Fatalf("version = %d, want 2", w1.Version())
	}
	release()

	// A fresh acquire after the last release starts a new watcher.
	w2, release2 := reg.Acquire("inc-1")
	defer release2()
	if w2 == w1 {
		t.Error("released watcher was resurrected")
	}
	if w2.Version() != 2 {
		t.Errorf("new watcher version = %d, want 2", w2.Version())
	}
}
