package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tickflow/internal/event"
	"tickflow/logger"
)

// Membership is the slice of the subscription ledger a dispatcher consults.
// It is re-checked on every event rather than cached, so a session's
// subscription changes take effect on the next delivery.
type Membership interface {
	IsSubscribed(sessionID, symbol string) bool
}

// Dispatcher fans committed PriceUpdated events out to one client session.
// A bus listener enqueues matching events; a background drain loop yields
// them on Updates until the context is cancelled or Close is called.
type Dispatcher struct {
	id       string
	clientID string

	bus        *event.Bus
	listenerID string
	subs       Membership
	queue      *Queue
	out        chan Update
	interval   time.Duration

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	log       *logger.Entry
}

// NewDispatcher registers the bus listener and starts the drain loop. The
// dispatcher's lifetime is bounded by ctx; Close is still required to
// deregister the listener deterministically.
func NewDispatcher(ctx context.Context, clientID string, bus *event.Bus, subs Membership, queueSize int, drainInterval time.Duration) *Dispatcher {
	if drainInterval <= 0 {
		drainInterval = 100 * time.Millisecond
	}
	id := uuid.NewString()

	d := &Dispatcher{
		id:       id,
		clientID: clientID,
		bus:      bus,
		subs:     subs,
		queue:    NewQueue("stream:"+id, queueSize),
		out:      make(chan Update),
		interval: drainInterval,
		done:     make(chan struct{}),
		log: logger.GetLogger().WithComponent("stream_dispatcher").WithFields(logger.Fields{
			"dispatcher_id": id,
			"session_id":    clientID,
		}),
	}

	dctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.listenerID = bus.Subscribe(d.onEvent)
	go d.drain(dctx)

	d.log.Info("stream dispatcher started")
	return d
}

// ID is the dispatcher's registration id, also used as its queue name.
func (d *Dispatcher) ID() string { return d.id }

// Updates is the delivery channel the transport reads. It is closed when
// the drain loop exits.
func (d *Dispatcher) Updates() <-chan Update { return d.out }

// onEvent runs on the publisher's goroutine and must not block.
func (d *Dispatcher) onEvent(ev event.Event) {
	pu, ok := ev.(event.PriceUpdated)
	if !ok {
		return
	}
	if !d.subs.IsSubscribed(d.clientID, pu.Symbol) {
		return
	}

	u := Update{
		Symbol:    pu.Symbol,
		Price:     pu.Display,
		Numeric:   pu.Price,
		Timestamp: pu.Timestamp,
	}
	if !pu.Change.IsZero() {
		u.Change = pu.Change.String()
	}
	if d.queue.Push(u) {
		logger.IncrementFanout()
	}
}

// drain moves buffered updates to the transport. When the queue is empty it
// sleeps for the drain interval instead of spinning; cancellation wins over
// a pending delivery.
func (d *Dispatcher) drain(ctx context.Context) {
	defer close(d.done)
	defer close(d.out)

	idle := time.NewTimer(d.interval)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		u, ok := d.queue.Pop()
		if !ok {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.interval)
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case d.out <- u:
		}
	}
}

// Close deregisters the bus listener, stops the drain loop and waits for it
// to finish. Safe to call more than once.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.bus.Unsubscribe(d.listenerID)
		d.cancel()
		<-d.done
		d.queue.Forget()
		d.log.Info("stream dispatcher closed")
	})
}
