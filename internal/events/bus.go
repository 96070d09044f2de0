package events

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("events")

// DefaultBuffer is the per-subscriber channel capacity used when Subscribe
// is given zero.
const DefaultBuffer = 128

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
	closed     bool

	history *History
}

// NewBus returns a bus keeping the last historySize events for replay.
func NewBus(historySize int) *Bus {
	return &Bus{
		listeners: make(map[chan Event]struct{}),
		history:   NewHistory(historySize),
	}
}

// Publish delivers e to every subscriber.
func (b *Bus) Publish(e Event) {
	b.history.push(e)

	b.listenerMu.RLock()
	defer b.listenerMu.RUnlock()
	for ch := range b.listeners {
		select {
		case ch <- e:
		default:
			log.Warnf("EVENTS: subscriber full, dropped %s", e.Name())
		}
	}
}

// Subscribe returns a channel receiving every later event and a cancel
// function that closes it.
func (b *Bus) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = DefaultBuffer
	}
	ch := make(chan Event, buf)

	b.listenerMu.Lock()
	if b.closed {
		b.listenerMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.listeners[ch] = struct{}{}
	b.listenerMu.Unlock()

	cancel := func() {
		b.listenerMu.Lock()
		if _, ok := b.listeners[ch]; ok {
			delete(b.listeners, ch)
			close(ch)
		}
		b.listenerMu.Unlock()
	}
	return ch, cancel
}

// History returns the recent events, oldest first.
func (b *Bus) History() []Event {
	return b.history.Snapshot()
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	for ch := range b.listeners {
		close(ch)
	}
	b.listeners = nil
	b.closed = true
}

// On runs fn for every later event of type T until the returned cancel is
// called. fn runs on its own goroutine, one event at a time.
func On[T Event](b *Bus, fn func(T)) func() {
	ch, cancel := b.Subscribe(0)
	go func() {
		for e := range ch {
			if t, ok := e.(T); ok {
				fn(t)
			}
		}
	}()
	return cancel
}
