// Package stream delivers committed price events to connected clients. Each
// client session owns a Dispatcher that filters bus events against the
// session's live subscription set and drains matches to the transport
// through a bounded queue.
package stream

import (
	"time"

	"github.com/shopspring/decimal"

	"tickflow/logger"
)

// Update is one delivery record handed to the transport. Price carries the
// raw display text exactly as observed at the source; Numeric is the parsed
// value the ledger stored.
type Update struct {
	Symbol    string          `json:"symbol"`
	Price     string          `json:"price"`
	Numeric   decimal.Decimal `json:"numeric"`
	Change    string          `json:"change,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Queue is a session's bounded outbound buffer. Push never blocks: when the
// buffer is full the update is dropped and counted against the queue name,
// so a stalled client cannot back-pressure the bus.
type Queue struct {
	name string
	ch   chan Update
}

func NewQueue(name string, size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{name: name, ch: make(chan Update, size)}
}

func (q *Queue) Push(u Update) bool {
	select {
	case q.ch <- u:
		logger.RecordQueueMessage(q.name, false)
		return true
	default:
		logger.RecordQueueMessage(q.name, true)
		return false
	}
}

// Pop removes the oldest buffered update without blocking.
func (q *Queue) Pop() (Update, bool) {
	select {
	case u := <-q.ch:
		return u, true
	default:
		return Update{}, false
	}
}

func (q *Queue) Len() int { return len(q.ch) }

// Forget drops the queue's stats entry once the session is gone.
func (q *Queue) Forget() { logger.ForgetQueue(q.name) }
