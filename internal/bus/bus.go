package bus

import (
	"log/slog"
	"sync"

	"github.com/aurora-ops/aurora-gateway/pkg/models"
)

// Channel names an event topic. Payload shapes are fixed per channel
// so subscribers know statically what they receive.
type Channel string

const (
	// ChanIncidentsUpdated carries IncidentsUpdated payloads whenever
	// the refresher accepts a new incident list.
	ChanIncidentsUpdated Channel = "incidents.updated"

	// ChanSnapshotApplied carries SnapshotApplied payloads whenever a
	// watcher accepts a newer visualization snapshot.
	ChanSnapshotApplied Channel = "snapshot.applied"

	// ChanStreamState carries StreamState payloads on live-stream
	// connectivity transitions.
	ChanStreamState Channel = "stream.state"
)

// IncidentsUpdated is the payload on ChanIncidentsUpdated.
type IncidentsUpdated struct {
	Incidents []models.Incident
}

// SnapshotApplied is the payload on ChanSnapshotApplied.
type SnapshotApplied struct {
	IncidentID string
	Version    int64
	Snapshot   models.Snapshot
}

// StreamState is the payload on ChanStreamState.
type StreamState struct {
	IncidentID string
	Connected  bool
}

// Event is one published message.
type Event struct {
	Channel Channel
	Payload any
}

// Subscription is a registered listener on one channel. Receive from C
// and call Cancel when done; C is closed after Cancel returns.
type Subscription struct {
	C      <-chan Event
	bus    *Bus
	ch     chan Event
	target Channel
	once   sync.Once
}

// Cancel removes the subscription and closes C. Safe to call twice.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// Bus is an in-process publish/subscribe hub with named channels.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event, which is logged at warn. Every channel's payloads describe
// current state rather than deltas, so a missed event is healed by the
// next one.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[Channel]map[*Subscription]struct{}
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[Channel]map[*Subscription]struct{}),
	}
}

// Subscribe registers a listener on one channel with the given buffer
// size (minimum 1).
func (b *Bus) Subscribe(channel Channel, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, bus: b, ch: ch, target: channel}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[channel] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Publish delivers the event to every current subscriber of its
// channel without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[ev.Channel] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber", "channel", string(ev.Channel))
		}
	}
}

// SubscriberCount returns the number of listeners on a channel.
func (b *Bus) SubscriberCount(channel Channel) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.target]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.target)
		}
	}
}
