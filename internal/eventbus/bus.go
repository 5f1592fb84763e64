package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish never blocks on channel subscribers.
//   - Channel subscribers use buffered channels; slow ones drop events.
//   - Handlers registered with Listen run synchronously inside Publish and
//     see every event exactly once.
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Handler receives events synchronously. It must not block and must not
// publish back into the same bus.
type Handler func(e Event)

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Listen(fn Handler) (unsubscribe func())
	Dropped() uint64
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{
		subs:     map[uint64]chan Event{},
		handlers: map[uint64]Handler{},
	}
}

type memBus struct {
	mu       sync.RWMutex
	subs     map[uint64]chan Event
	handlers map[uint64]Handler
	seq      atomic.Uint64
	dropped  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot so Publish doesn't hold locks while delivering.
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(e)
	}

	for _, ch := range chs {
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from the send-on-closed panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) Listen(fn Handler) func() {
	if fn == nil {
		return func() {}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.handlers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many channel deliveries were skipped because a
// subscriber buffer was full.
func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
