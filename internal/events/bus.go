package events

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Bus fans events out to subscribers. Publish never blocks. Safe for
// concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	dropped atomic.Uint64
	onDrop  func(Kind)
}

type subscriber struct {
	ch    chan Event
	kinds []Kind // empty means all
	once  sync.Once
}

func (s *subscriber) close() { s.once.Do(func() { close(s.ch) }) }

func (s *subscriber) wants(k Kind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, k)
}

// BusOption is a functional option for [NewBus].
type BusOption func(*Bus)

// WithDropHook registers fn to be called for every dropped event. fn runs on
// the publishing goroutine and must not block.
func WithDropHook(fn func(Kind)) BusOption {
	return func(b *Bus) { b.onDrop = fn }
}

// NewBus returns an empty Bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{subs: make(map[uint64]*subscriber)}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a subscriber with a buffer of size buf receiving the
// given kinds (all kinds when none are given). The returned cancel function
// unregisters the subscriber and closes the channel; it is idempotent.
// Subscribing to a closed bus returns an already closed channel.
func (b *Bus) Subscribe(buf int, kinds ...Kind) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	s := &subscriber{ch: make(chan Event, buf), kinds: slices.Clone(kinds)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.close()
		return s.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.close()
	}
	return s.ch, cancel
}

// Close closes every subscriber channel and turns later Publish calls into
// no-ops. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.close()
	}
}

// Publish delivers e to every interested subscriber whose buffer has room.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(e.Kind)
			}
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of events dropped on full buffers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
