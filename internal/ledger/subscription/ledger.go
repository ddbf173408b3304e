// Package subscription implements the event-sourced subscription ledger:
// one aggregate per symbol recording the set of subscribed sessions. Current
// state is always derivable by replaying the aggregate's event history.
package subscription

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tickflow/internal/event"
	"tickflow/logger"
)

// ErrUnknownCommand marks a programming error: a command type the decide
// function does not know. It is never returned for valid API usage.
var ErrUnknownCommand = errors.New("unknown subscription command")

// Command is the closed sum of subscription ledger commands.
type Command interface {
	isCommand()
}

// SubscribeTicker adds a session to a symbol's subscriber set.
type SubscribeTicker struct {
	SessionID string
	Symbol    string
}

// UnsubscribeTicker removes a session from a symbol's subscriber set.
type UnsubscribeTicker struct {
	SessionID string
	Symbol    string
}

func (SubscribeTicker) isCommand()   {}
func (UnsubscribeTicker) isCommand() {}

// State is the replay-derived state of one symbol's subscription aggregate.
// A nil *State means the aggregate is absent, which is meaningful on its
// own: the last subscriber has left and ingestion must be torn down.
type State struct {
	Symbol       string
	Subscribers  map[string]struct{}
	CreatedAt    time.Time
	LastActivity time.Time
}

// SubscriberCount returns the size of the subscriber set, 0 for absent.
func (s *State) SubscriberCount() int {
	if s == nil {
		return 0
	}
	return len(s.Subscribers)
}

// Has reports whether the session is in the subscriber set.
func (s *State) Has(sessionID string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Subscribers[sessionID]
	return ok
}

func (s *State) clone() *State {
	if s == nil {
		return nil
	}
	subs := make(map[string]struct{}, len(s.Subscribers))
	for id := range s.Subscribers {
		subs[id] = struct{}{}
	}
	return &State{
		Symbol:       s.Symbol,
		Subscribers:  subs,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}

// decide maps a command and the current state to the events to commit.
// Duplicate subscribes and unmatched unsubscribes are no-op successes that
// produce no events.
func decide(cmd Command, state *State, now time.Time) ([]event.SubscriptionEvent, error) {
	switch c := cmd.(type) {
	case SubscribeTicker:
		if state.Has(c.SessionID) {
			return nil, nil
		}
		return []event.SubscriptionEvent{event.TickerSubscribed{
			SessionID: c.SessionID,
			Symbol:    c.Symbol,
			Timestamp: now,
		}}, nil

	case UnsubscribeTicker:
		if !state.Has(c.SessionID) {
			return nil, nil
		}
		return []event.SubscriptionEvent{event.TickerUnsubscribed{
			SessionID: c.SessionID,
			Symbol:    c.Symbol,
			Timestamp: now,
		}}, nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// Evolve applies one committed event to the state. It is pure: replaying a
// full history from nil reproduces the live aggregate exactly.
func Evolve(state *State, ev event.SubscriptionEvent) *State {
	switch e := ev.(type) {
	case event.TickerSubscribed:
		next := state.clone()
		if next == nil {
			next = &State{
				Symbol:      e.Symbol,
				Subscribers: make(map[string]struct{}),
				CreatedAt:   e.Timestamp,
			}
		}
		next.Subscribers[e.SessionID] = struct{}{}
		next.LastActivity = e.Timestamp
		return next

	case event.TickerUnsubscribed:
		if state == nil {
			return nil
		}
		next := state.clone()
		delete(next.Subscribers, e.SessionID)
		// Absence, not emptiness, signals teardown to the caller.
		if len(next.Subscribers) == 0 {
			return nil
		}
		next.LastActivity = e.Timestamp
		return next

	default:
		return state
	}
}

// Replay folds a full event history into a state, starting from absent.
func Replay(events []event.SubscriptionEvent) *State {
	var state *State
	for _, ev := range events {
		state = Evolve(state, ev)
	}
	return state
}

// Result is the structured outcome of a committed subscription command.
type Result struct {
	Symbol    string
	NewEvents []event.SubscriptionEvent
	State     *State
}

// stream holds one symbol's aggregate. Its mutex is the single-writer gate:
// commands for a symbol serialize here while other symbols proceed.
type stream struct {
	mu      sync.Mutex
	history []event.SubscriptionEvent
	state   *State
}

// Ledger is the subscription ledger over all symbols.
type Ledger struct {
	mu      sync.RWMutex
	streams map[string]*stream

	sessionMu sync.RWMutex
	sessions  map[string]map[string]struct{}

	bus *event.Bus
	log *logger.Log
	now func() time.Time
}

func NewLedger(bus *event.Bus) *Ledger {
	return &Ledger{
		streams:  make(map[string]*stream),
		sessions: make(map[string]map[string]struct{}),
		bus:      bus,
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

func (l *Ledger) stream(symbol string) *stream {
	l.mu.RLock()
	st, ok := l.streams[symbol]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.streams[symbol]; ok {
		return st
	}
	st = &stream{}
	l.streams[symbol] = st
	return st
}

// Execute runs a command through decide/evolve and publishes the committed
// events. Commits for one symbol are serialized; the bus sees them in
// commit order.
func (l *Ledger) Execute(cmd Command) (Result, error) {
	var symbol string
	switch c := cmd.(type) {
	case SubscribeTicker:
		symbol = c.Symbol
	case UnsubscribeTicker:
		symbol = c.Symbol
	default:
		return Result{}, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}

	st := l.stream(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	events, err := decide(cmd, st.state, l.now().UTC())
	if err != nil {
		l.log.WithComponent("subscription_ledger").WithError(err).WithFields(logger.Fields{
			"symbol": symbol,
		}).Error("command rejected")
		return Result{Symbol: symbol}, err
	}

	for _, ev := range events {
		st.history = append(st.history, ev)
		st.state = Evolve(st.state, ev)
		l.updateSessionCache(ev)
	}

	result := Result{
		Symbol:    symbol,
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

// Subscribe adds the session to the symbol's subscriber set. Subscribing
// twice is a no-op success with zero new events.
func (l *Ledger) Subscribe(sessionID, symbol string) (Result, error) {
	return l.Execute(SubscribeTicker{SessionID: sessionID, Symbol: symbol})
}

// Unsubscribe removes the session from the symbol's subscriber set. It is
// never an error for the session to be absent.
func (l *Ledger) Unsubscribe(sessionID, symbol string) (Result, error) {
	return l.Execute(UnsubscribeTicker{SessionID: sessionID, Symbol: symbol})
}

func (l *Ledger) updateSessionCache(ev event.SubscriptionEvent) {
	l.sessionMu.Lock()
	defer l.sessionMu.Unlock()

	switch e := ev.(type) {
	case event.TickerSubscribed:
		set, ok := l.sessions[e.SessionID]
		if !ok {
			set = make(map[string]struct{})
			l.sessions[e.SessionID] = set
		}
		set[e.Symbol] = struct{}{}
	case event.TickerUnsubscribed:
		if set, ok := l.sessions[e.SessionID]; ok {
			delete(set, e.Symbol)
			if len(set) == 0 {
				delete(l.sessions, e.SessionID)
			}
		}
	}
}

// StateOf returns a snapshot of the symbol's aggregate, nil when absent.
func (l *Ledger) StateOf(symbol string) *State {
	st := l.stream(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state.clone()
}

// Events returns a copy of the symbol's full event history.
func (l *Ledger) Events(symbol string) []event.SubscriptionEvent {
	st := l.stream(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]event.SubscriptionEvent, len(st.history))
	copy(out, st.history)
	return out
}

// SymbolInfo summarises one active symbol for health reporting.
type SymbolInfo struct {
	SubscriberCount int
	Subscribers     []string
}

// ActiveSymbolsWithCounts lists symbols whose aggregates are present,
// with their subscriber sets.
func (l *Ledger) ActiveSymbolsWithCounts() map[string]SymbolInfo {
	l.mu.RLock()
	streams := make(map[string]*stream, len(l.streams))
	for sym, st := range l.streams {
		streams[sym] = st
	}
	l.mu.RUnlock()

	out := make(map[string]SymbolInfo)
	for sym, st := range streams {
		st.mu.Lock()
		state := st.state
		if state.SubscriberCount() > 0 {
			subs := make([]string, 0, len(state.Subscribers))
			for id := range state.Subscribers {
				subs = append(subs, id)
			}
			sort.Strings(subs)
			out[sym] = SymbolInfo{SubscriberCount: len(subs), Subscribers: subs}
		}
		st.mu.Unlock()
	}
	return out
}

// SessionsFor returns the sessions subscribed to the symbol.
func (l *Ledger) SessionsFor(symbol string) []string {
	state := l.StateOf(symbol)
	if state == nil {
		return nil
	}
	out := make([]string, 0, len(state.Subscribers))
	for id := range state.Subscribers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SubscriptionsOf returns the symbols a session is currently subscribed to.
func (l *Ledger) SubscriptionsOf(sessionID string) []string {
	l.sessionMu.RLock()
	defer l.sessionMu.RUnlock()
	set, ok := l.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// IsSubscribed reports whether the session is subscribed to the symbol.
func (l *Ledger) IsSubscribed(sessionID, symbol string) bool {
	l.sessionMu.RLock()
	defer l.sessionMu.RUnlock()
	set, ok := l.sessions[sessionID]
	if !ok {
		return false
	}
	_, ok = set[symbol]
	return ok
}

// HasSubscribers reports whether the symbol's aggregate is present and
// non-empty.
func (l *Ledger) HasSubscribers(symbol string) bool {
	return l.StateOf(symbol).SubscriberCount() > 0
}
