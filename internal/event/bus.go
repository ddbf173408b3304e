package event

import (
	"sync"

	"github.com/google/uuid"

	"tickflow/logger"
)

// Listener receives committed events. Listeners must not block: heavy
// consumers enqueue into their own buffers and return.
type Listener func(Event)

// Bus is the process-wide publish point for ledger-committed events. Publish
// runs synchronously in the committing goroutine, so events of a single
// aggregate reach every listener in commit order.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	log       *logger.Log
}

func NewBus() *Bus {
	return &Bus{
		listeners: make(map[string]Listener),
		log:       logger.GetLogger(),
	}
}

// Subscribe registers a listener and returns its registration id.
func (b *Bus) Subscribe(fn Listener) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.listeners[id] = fn
	b.mu.Unlock()

	b.log.WithComponent("event_bus").WithFields(logger.Fields{
		"listener_id": id,
	}).Debug("listener registered")
	return id
}

// Unsubscribe removes a previously registered listener. Unknown ids are
// ignored so teardown paths can be retried safely.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.listeners, id)
	b.mu.Unlock()
}

// Publish delivers the event to every registered listener.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// ListenerCount reports the number of registered listeners.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
