package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/i5heu/citynet/pkg/metrics"
	"github.com/i5heu/citynet/pkg/routing"
	"github.com/i5heu/citynet/pkg/wire"
)

// EventKind names a registry event.
type EventKind uint8 // A

const (
	EventJoined EventKind = iota + 1
	EventLeft
	EventTopologyUpdated
	EventRelayed
	EventBroadcast
)

func (k EventKind) String() string { // A
	switch k {
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	case EventTopologyUpdated:
		return "topology_updated"
	case EventRelayed:
		return "relayed"
	case EventBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Event is delivered to observers.
type Event struct { // A
	Kind    EventKind
	City    string
	Message string
	At      time.Time
	// Relay is set for EventRelayed.
	Relay *RelayReport
	// Topology is set for EventTopologyUpdated.
	Topology *routing.LoadResult
}

// Subscribe returns a channel of registry events and a cancel function.
// Events are dropped for a subscriber whose buffer is full.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) { // A
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	r.obsMu.Lock()
	id := r.nextObsID
	r.nextObsID++
	r.observers[id] = ch
	r.obsMu.Unlock()

	cancel := func() {
		r.obsMu.Lock()
		defer r.obsMu.Unlock()
		if _, ok := r.observers[id]; ok {
			delete(r.observers, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (r *Registry) emit(ev Event) { // A
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, ch := range r.observers {
		select {
		case ch <- ev:
		default:
			metrics.DroppedEventsTotal.Inc()
		}
	}
}

// NotifyTopology tells observers and every connection about a reload.
func (r *Registry) NotifyTopology(ctx context.Context, res *routing.LoadResult) { // A
	r.emit(Event{Kind: EventTopologyUpdated, Topology: res})
	r.broadcastExcept(ctx, wire.System{
		Event: wire.EventTopologyUpdated,
		Message: fmt.Sprintf("topology updated: %d cities, %d MST edges, %d components",
			res.Cities, len(res.MSTEdges), res.Components),
		Timestamp: time.Now(),
	}, "")
}
