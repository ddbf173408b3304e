package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is a ledger-committed fact carried by the Bus. The concrete types
// form two closed sums, one per aggregate: SubscriptionEvent and PriceEvent.
type Event interface {
	EventType() string
}

// SubscriptionEvent is the closed sum of subscription ledger events.
type SubscriptionEvent interface {
	Event
	isSubscriptionEvent()
}

// PriceEvent is the closed sum of price ledger events.
type PriceEvent interface {
	Event
	isPriceEvent()
}

// TickerSubscribed records a session joining a symbol's subscriber set.
type TickerSubscribed struct {
	SessionID string
	Symbol    string
	Timestamp time.Time
}

// TickerUnsubscribed records a session leaving a symbol's subscriber set.
type TickerUnsubscribed struct {
	SessionID string
	Symbol    string
	Timestamp time.Time
}

// ConnectionEstablished records a price feed coming up for a stream.
type ConnectionEstablished struct {
	Symbol    string
	Exchange  string
	Timestamp time.Time
}

// ConnectionLost records a price feed going down for a stream.
type ConnectionLost struct {
	Symbol    string
	Exchange  string
	Reason    string
	Timestamp time.Time
}

// PriceUpdated records an observed price sample. Display preserves the raw
// formatted text from the source (including thousands separators) while
// Price carries the parsed value.
type PriceUpdated struct {
	Symbol    string
	Exchange  string
	Price     decimal.Decimal
	Display   string
	Change    decimal.Decimal
	Volume    decimal.Decimal
	HasVolume bool
	Timestamp time.Time
}

func (TickerSubscribed) EventType() string      { return "TickerSubscribed" }
func (TickerUnsubscribed) EventType() string    { return "TickerUnsubscribed" }
func (ConnectionEstablished) EventType() string { return "ConnectionEstablished" }
func (ConnectionLost) EventType() string        { return "ConnectionLost" }
func (PriceUpdated) EventType() string          { return "PriceUpdated" }

func (TickerSubscribed) isSubscriptionEvent()   {}
func (TickerUnsubscribed) isSubscriptionEvent() {}

func (ConnectionEstablished) isPriceEvent() {}
func (ConnectionLost) isPriceEvent()        {}
func (PriceUpdated) isPriceEvent()          {}
