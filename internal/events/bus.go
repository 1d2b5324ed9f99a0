package events

import "sync"

// HandlerFunc receives every published event; handlers switch on the
// concrete type and ignore what they don't care about.
type HandlerFunc func(Event)

// Bus is a synchronous in-process fan-out. Handlers run on the publisher's
// goroutine in subscription order, so a handler that does slow work should
// hand off internally. There is no global state: each engine instance owns
// its bus.
type Bus struct {
	mu       sync.RWMutex
	handlers []HandlerFunc
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h HandlerFunc) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish delivers the event to every subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	hs := b.handlers
	b.mu.RUnlock()
	for _, h := range hs {
		h(e)
	}
}
