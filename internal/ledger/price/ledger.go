// Package price implements the event-sourced price ledger: one aggregate
// per (symbol, exchange) stream recording connection state and a bounded
// price history.
package price

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tickflow/internal/event"
	"tickflow/logger"
)

var (
	// ErrAlreadyDisconnected rejects a LoseConnection command for a stream
	// that is not connected. Connection loss must reflect an actual
	// transition, unlike the idempotent subscription commands.
	ErrAlreadyDisconnected = errors.New("connection already lost")

	// ErrUnknownCommand marks a programming error in command dispatch.
	ErrUnknownCommand = errors.New("unknown price command")
)

// StreamID is the aggregate key for a (symbol, exchange) price stream.
func StreamID(symbol, exchange string) string {
	return symbol + "_" + exchange
}

// ParseDisplay converts a source-formatted price string to its decimal
// value. Thousands separators are stripped before conversion, so
// "115,730.65" parses to 115730.65.
func ParseDisplay(display string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(display), ",", "")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("empty price string")
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", display, err)
	}
	return d, nil
}

// Command is the closed sum of price ledger commands.
type Command interface {
	isCommand()
	streamID() string
}

type EstablishConnection struct {
	Symbol   string
	Exchange string
}

type UpdatePrice struct {
	Symbol    string
	Exchange  string
	Price     decimal.Decimal
	Display   string
	Volume    decimal.Decimal
	HasVolume bool
}

type LoseConnection struct {
	Symbol   string
	Exchange string
	Reason   string
}

func (EstablishConnection) isCommand() {}
func (UpdatePrice) isCommand()         {}
func (LoseConnection) isCommand()      {}

func (c EstablishConnection) streamID() string { return StreamID(c.Symbol, c.Exchange) }
func (c UpdatePrice) streamID() string         { return StreamID(c.Symbol, c.Exchange) }
func (c LoseConnection) streamID() string      { return StreamID(c.Symbol, c.Exchange) }

// Entry is one committed sample in a stream's bounded history.
type Entry struct {
	Price     decimal.Decimal
	Display   string
	Change    decimal.Decimal
	Volume    decimal.Decimal
	HasVolume bool
	Timestamp time.Time
}

// State is the replay-derived state of one price stream. Streams are never
// deleted, only marked disconnected.
type State struct {
	Symbol          string
	Exchange        string
	CurrentPrice    decimal.Decimal
	CurrentDisplay  string
	PreviousPrice   decimal.Decimal
	Change          decimal.Decimal
	LastUpdate      time.Time
	History         []Entry
	IsConnected     bool
	ConnectionCount int
	TotalUpdates    int
}

func (s *State) clone() *State {
	if s == nil {
		return nil
	}
	next := *s
	next.History = make([]Entry, len(s.History))
	copy(next.History, s.History)
	return &next
}

// decide maps a command and current state to the events to commit as one
// atomic result. An UpdatePrice against a disconnected stream yields
// ConnectionEstablished followed by PriceUpdated in a single commit.
func (l *Ledger) decide(cmd Command, state *State, now time.Time) ([]event.PriceEvent, error) {
	switch c := cmd.(type) {
	case EstablishConnection:
		return []event.PriceEvent{event.ConnectionEstablished{
			Symbol:    c.Symbol,
			Exchange:  c.Exchange,
			Timestamp: now,
		}}, nil

	case UpdatePrice:
		change := decimal.Zero
		if l.computeChange && state != nil && state.TotalUpdates > 0 {
			change = c.Price.Sub(state.CurrentPrice)
		}
		updated := event.PriceUpdated{
			Symbol:    c.Symbol,
			Exchange:  c.Exchange,
			Price:     c.Price,
			Display:   c.Display,
			Change:    change,
			Volume:    c.Volume,
			HasVolume: c.HasVolume,
			Timestamp: now,
		}
		if state == nil || !state.IsConnected {
			return []event.PriceEvent{
				event.ConnectionEstablished{Symbol: c.Symbol, Exchange: c.Exchange, Timestamp: now},
				updated,
			}, nil
		}
		return []event.PriceEvent{updated}, nil

	case LoseConnection:
		if state == nil || !state.IsConnected {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyDisconnected, c.streamID())
		}
		return []event.PriceEvent{event.ConnectionLost{
			Symbol:    c.Symbol,
			Exchange:  c.Exchange,
			Reason:    c.Reason,
			Timestamp: now,
		}}, nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// Evolve applies one committed event to the state, evicting the oldest
// history entry beyond historyLimit. It is pure for a fixed limit.
func Evolve(state *State, ev event.PriceEvent, historyLimit int) *State {
	switch e := ev.(type) {
	case event.ConnectionEstablished:
		next := state.clone()
		if next == nil {
			next = &State{Symbol: e.Symbol, Exchange: e.Exchange}
		}
		next.IsConnected = true
		next.ConnectionCount++
		return next

	case event.PriceUpdated:
		if state == nil {
			return state
		}
		next := state.clone()
		next.PreviousPrice = next.CurrentPrice
		next.CurrentPrice = e.Price
		next.CurrentDisplay = e.Display
		next.Change = e.Change
		next.LastUpdate = e.Timestamp
		next.History = append(next.History, Entry{
			Price:     e.Price,
			Display:   e.Display,
			Change:    e.Change,
			Volume:    e.Volume,
			HasVolume: e.HasVolume,
			Timestamp: e.Timestamp,
		})
		if historyLimit > 0 && len(next.History) > historyLimit {
			next.History = append([]Entry(nil), next.History[len(next.History)-historyLimit:]...)
		}
		next.TotalUpdates++
		return next

	case event.ConnectionLost:
		if state == nil {
			return state
		}
		next := state.clone()
		next.IsConnected = false
		return next

	default:
		return state
	}
}

// Replay folds a full event history into a state, starting from absent.
func Replay(events []event.PriceEvent, historyLimit int) *State {
	var state *State
	for _, ev := range events {
		state = Evolve(state, ev, historyLimit)
	}
	return state
}

// Result is the structured outcome of a committed price command.
type Result struct {
	StreamID  string
	NewEvents []event.PriceEvent
	State     *State
}

type stream struct {
	mu      sync.Mutex
	history []event.PriceEvent
	state   *State
}

// Ledger is the price ledger over all (symbol, exchange) streams.
type Ledger struct {
	mu      sync.RWMutex
	streams map[string]*stream

	historyLimit  int
	computeChange bool

	bus *event.Bus
	log *logger.Log
	now func() time.Time
}

// NewLedger creates a price ledger. historyLimit bounds each stream's
// retained history; computeChange enables per-update delta computation.
func NewLedger(bus *event.Bus, historyLimit int, computeChange bool) *Ledger {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &Ledger{
		streams:       make(map[string]*stream),
		historyLimit:  historyLimit,
		computeChange: computeChange,
		bus:           bus,
		log:           logger.GetLogger(),
		now:           time.Now,
	}
}

func (l *Ledger) stream(id string) *stream {
	l.mu.RLock()
	st, ok := l.streams[id]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.streams[id]; ok {
		return st
	}
	st = &stream{}
	l.streams[id] = st
	return st
}

// Execute runs a command and publishes the committed events in commit
// order. Rejections (AlreadyDisconnected, unknown command) leave the
// aggregate untouched and publish nothing.
func (l *Ledger) Execute(cmd Command) (Result, error) {
	if cmd == nil {
		return Result{}, fmt.Errorf("%w: <nil>", ErrUnknownCommand)
	}
	id := cmd.streamID()
	st := l.stream(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	events, err := l.decide(cmd, st.state, l.now().UTC())
	if err != nil {
		// AlreadyDisconnected is routine on teardown paths, so keep this
		// at debug.
		l.log.WithComponent("price_ledger").WithError(err).WithFields(logger.Fields{
			"stream": id,
		}).Debug("command rejected")
		return Result{StreamID: id}, err
	}

	for _, ev := range events {
		st.history = append(st.history, ev)
		st.state = Evolve(st.state, ev, l.historyLimit)
	}
	logger.IncrementPriceCommit()

	result := Result{
		StreamID:  id,
		NewEvents: events,
		State:     st.state.clone(),
	}

	if l.bus != nil {
		for _, ev := range events {
			l.bus.Publish(ev)
		}
	}
	return result, nil
}

// Establish marks the stream connected.
func (l *Ledger) Establish(symbol, exchange string) (Result, error) {
	return l.Execute(EstablishConnection{Symbol: symbol, Exchange: exchange})
}

// Update commits a price sample, auto-establishing the connection when the
// stream is absent or disconnected.
func (l *Ledger) Update(cmd UpdatePrice) (Result, error) {
	return l.Execute(cmd)
}

// Lose marks the stream disconnected. Losing an already-disconnected
// stream fails with ErrAlreadyDisconnected.
func (l *Ledger) Lose(symbol, exchange, reason string) (Result, error) {
	return l.Execute(LoseConnection{Symbol: symbol, Exchange: exchange, Reason: reason})
}

// CurrentState returns a snapshot of the stream's state, nil when the
// stream has never seen an event.
func (l *Ledger) CurrentState(symbol, exchange string) *State {
	st := l.stream(StreamID(symbol, exchange))
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state.clone()
}

// Events returns a copy of the stream's full event history.
func (l *Ledger) Events(symbol, exchange string) []event.PriceEvent {
	st := l.stream(StreamID(symbol, exchange))
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]event.PriceEvent, len(st.history))
	copy(out, st.history)
	return out
}

// SymbolSummary is a condensed view of one stream for health reporting.
type SymbolSummary struct {
	CurrentPrice   decimal.Decimal `json:"current_price"`
	CurrentDisplay string          `json:"current_display"`
	Change         decimal.Decimal `json:"change"`
	LastUpdate     time.Time       `json:"last_update"`
	TotalUpdates   int             `json:"total_updates"`
	IsConnected    bool            `json:"is_connected"`
	RecentHistory  []Entry         `json:"recent_history"`
}

// Summary condenses the named symbols' streams on one exchange. Symbols
// with no stream are omitted. Recent history is capped at the last 10
// entries.
func (l *Ledger) Summary(symbols []string, exchange string) map[string]SymbolSummary {
	out := make(map[string]SymbolSummary)
	for _, sym := range symbols {
		state := l.CurrentState(sym, exchange)
		if state == nil {
			continue
		}
		recent := state.History
		if len(recent) > 10 {
			recent = recent[len(recent)-10:]
		}
		out[sym] = SymbolSummary{
			CurrentPrice:   state.CurrentPrice,
			CurrentDisplay: state.CurrentDisplay,
			Change:         state.Change,
			LastUpdate:     state.LastUpdate,
			TotalUpdates:   state.TotalUpdates,
			IsConnected:    state.IsConnected,
			RecentHistory:  recent,
		}
	}
	return out
}
