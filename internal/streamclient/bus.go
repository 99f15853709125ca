package streamclient

import (
	"sync"
	"sync/atomic"

	"github.com/rustdash/relay-plane/internal/model"
)

type subscriber struct {
	ch       chan model.Event
	serverID string
}

// Bus fans decoded events out to listeners by kind. Delivery never blocks
// the stream reader; a listener with a full buffer misses the event.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	byKind  map[model.EventKind]map[int]*subscriber
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{byKind: make(map[model.EventKind]map[int]*subscriber)}
}

// Subscribe listens for one kind. An empty kind receives every event.
func (b *Bus) Subscribe(kind model.EventKind, buf int) (<-chan model.Event, func()) {
	return b.subscribe(kind, "", buf)
}

// SubscribeServer is Subscribe restricted to events routed for serverID.
func (b *Bus) SubscribeServer(kind model.EventKind, serverID string, buf int) (<-chan model.Event, func()) {
	return b.subscribe(kind, serverID, buf)
}

func (b *Bus) subscribe(kind model.EventKind, serverID string, buf int) (<-chan model.Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	sub := &subscriber{ch: make(chan model.Event, buf), serverID: serverID}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.byKind[kind] == nil {
		b.byKind[kind] = make(map[int]*subscriber)
	}
	b.byKind[kind][id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.byKind[kind], id)
			if len(b.byKind[kind]) == 0 {
				delete(b.byKind, kind)
			}
			close(sub.ch)
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

func (b *Bus) publish(ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.deliverLocked(b.byKind[ev.Kind], ev)
	if ev.Kind != "" {
		b.deliverLocked(b.byKind[""], ev)
	}
}

func (b *Bus) deliverLocked(subs map[int]*subscriber, ev model.Event) {
	for _, sub := range subs {
		if sub.serverID != "" && sub.serverID != ev.ServerID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts deliveries skipped because a listener was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
