// Package service is the boundary API of the engine. It composes the two
// ledgers, the event bus, the ingestion controller and the fan-out
// dispatchers into one explicit context object built at process start.
package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"tickflow/config"
	"tickflow/internal/event"
	"tickflow/internal/ingest"
	"tickflow/internal/ledger/price"
	"tickflow/internal/ledger/subscription"
	"tickflow/internal/source"
	"tickflow/internal/stream"
	"tickflow/logger"
)

// ErrInvalidSymbol rejects malformed symbols before any ledger is touched.
var ErrInvalidSymbol = errors.New("invalid symbol")

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{3,15}$`)

// NormalizeSymbol trims and upper-cases the input and enforces the symbol
// format rule.
func NormalizeSymbol(raw string) (string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolPattern.MatchString(symbol) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	return symbol, nil
}

// SubscribeResult is the structured outcome of a subscribe or unsubscribe
// call. Accepted stays true for idempotent no-ops; it is false only on
// validation or ingestion-start failure.
type SubscribeResult struct {
	Accepted bool   `json:"accepted"`
	Symbol   string `json:"symbol"`
	Message  string `json:"message"`
}

// IngestionStatus compares the subscription ledger with the live ingestion
// sessions. Missing symbols have subscribers but no session; extra sessions
// have no subscribers left.
type IngestionStatus struct {
	Tracking []string `json:"tracking"`
	Missing  []string `json:"missing"`
	Extra    []string `json:"extra"`
}

// Health is the HealthCheck response.
type Health struct {
	Healthy       bool            `json:"healthy"`
	ActiveSymbols []string        `json:"active_symbols"`
	Ingestion     IngestionStatus `json:"ingestion"`
}

// Service owns every shared component. Build one per process and pass it by
// reference; there is no package-level state.
type Service struct {
	cfg    *config.Config
	log    *logger.Log
	bus    *event.Bus
	subs   *subscription.Ledger
	prices *price.Ledger
	ingest *ingest.Controller
}

// New wires the components together. src is the price feed implementation
// chosen by the caller.
func New(cfg *config.Config, src source.PriceSource) *Service {
	bus := event.NewBus()
	subs := subscription.NewLedger(bus)
	prices := price.NewLedger(bus, cfg.Engine.HistoryLimit, cfg.Engine.ComputeChange)
	ctrl := ingest.NewController(ingest.FromConfig(cfg.Engine), src, prices, subs.HasSubscribers)

	return &Service{
		cfg:    cfg,
		log:    logger.GetLogger(),
		bus:    bus,
		subs:   subs,
		prices: prices,
		ingest: ctrl,
	}
}

// Start launches the ingestion controller. The service itself has no
// background work of its own.
func (s *Service) Start(ctx context.Context) error {
	return s.ingest.Start(ctx)
}

// Stop tears down every ingestion session and waits for the watchers.
func (s *Service) Stop() {
	s.ingest.Stop()
}

// Bus exposes the event bus for read-only consumers such as dashboards.
func (s *Service) Bus() *event.Bus { return s.bus }

// Prices exposes the price ledger for read-side queries.
func (s *Service) Prices() *price.Ledger { return s.prices }

// Subscribe records the session's interest in the symbol and makes sure an
// ingestion session exists for it. A repeat subscribe is a no-op success.
// If ingestion cannot be started the ledger entry is compensated and the
// result carries accepted=false.
func (s *Service) Subscribe(ctx context.Context, sessionID, rawSymbol string) SubscribeResult {
	symbol, err := NormalizeSymbol(rawSymbol)
	if err != nil {
		return SubscribeResult{Accepted: false, Symbol: strings.TrimSpace(rawSymbol), Message: err.Error()}
	}

	log := s.log.WithComponent("service").WithFields(logger.Fields{
		"session_id": sessionID,
		"symbol":     symbol,
	})

	res, err := s.subs.Subscribe(sessionID, symbol)
	if err != nil {
		log.WithError(err).Error("subscribe command failed")
		return SubscribeResult{Accepted: false, Symbol: symbol, Message: err.Error()}
	}

	if err := s.ingest.EnsureStarted(ctx, symbol); err != nil {
		// Roll the ledger entry back so a failed symbol leaves no trace,
		// but only if this call created it.
		if len(res.NewEvents) > 0 {
			if _, uerr := s.subs.Unsubscribe(sessionID, symbol); uerr != nil {
				log.WithError(uerr).Error("compensation failed")
			}
		}
		log.WithError(err).Warn("subscribe rejected, ingestion could not start")
		return SubscribeResult{Accepted: false, Symbol: symbol, Message: fmt.Sprintf("could not start ingestion: %v", err)}
	}

	if len(res.NewEvents) == 0 {
		return SubscribeResult{Accepted: true, Symbol: symbol, Message: "already subscribed"}
	}
	log.Info("session subscribed")
	return SubscribeResult{Accepted: true, Symbol: symbol, Message: "subscribed"}
}

// Unsubscribe removes the session's interest. When the last subscriber
// leaves, the symbol's ingestion session is released. Unsubscribing a
// session that was never subscribed succeeds with zero events.
func (s *Service) Unsubscribe(_ context.Context, sessionID, rawSymbol string) SubscribeResult {
	symbol, err := NormalizeSymbol(rawSymbol)
	if err != nil {
		return SubscribeResult{Accepted: false, Symbol: strings.TrimSpace(rawSymbol), Message: err.Error()}
	}

	res, err := s.subs.Unsubscribe(sessionID, symbol)
	if err != nil {
		s.log.WithComponent("service").WithError(err).Error("unsubscribe command failed")
		return SubscribeResult{Accepted: false, Symbol: symbol, Message: err.Error()}
	}

	if len(res.NewEvents) == 0 {
		return SubscribeResult{Accepted: true, Symbol: symbol, Message: "not subscribed"}
	}
	if res.State == nil {
		// Last subscriber left; free the feed.
		s.ingest.Release(symbol)
	}
	s.log.WithComponent("service").WithFields(logger.Fields{
		"session_id": sessionID,
		"symbol":     symbol,
	}).Info("session unsubscribed")
	return SubscribeResult{Accepted: true, Symbol: symbol, Message: "unsubscribed"}
}

// HealthCheck reconciles the subscription ledger against the live
// ingestion sessions.
func (s *Service) HealthCheck() Health {
	active := s.subs.ActiveSymbolsWithCounts()
	tracking := s.ingest.Tracking()

	tracked := make(map[string]struct{}, len(tracking))
	for _, sym := range tracking {
		tracked[sym] = struct{}{}
	}

	var missing, extra []string
	activeSymbols := make([]string, 0, len(active))
	for sym := range active {
		activeSymbols = append(activeSymbols, sym)
		if _, ok := tracked[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	for _, sym := range tracking {
		if _, ok := active[sym]; !ok {
			extra = append(extra, sym)
		}
	}
	sort.Strings(activeSymbols)
	sort.Strings(missing)
	sort.Strings(extra)

	return Health{
		Healthy:       len(missing) == 0 && len(extra) == 0,
		ActiveSymbols: activeSymbols,
		Ingestion: IngestionStatus{
			Tracking: tracking,
			Missing:  missing,
			Extra:    extra,
		},
	}
}

// StreamUpdates opens a fan-out dispatcher for the session. The returned
// dispatcher delivers price updates for whatever the session is subscribed
// to, re-derived on every event; the caller must Close it when done.
func (s *Service) StreamUpdates(ctx context.Context, sessionID string) *stream.Dispatcher {
	return stream.NewDispatcher(ctx, sessionID, s.bus, s.subs,
		s.cfg.Channels.QueueBuffer, s.cfg.Channels.DrainInterval)
}

// Subscriptions lists the session's current symbols, sorted.
func (s *Service) Subscriptions(sessionID string) []string {
	return s.subs.SubscriptionsOf(sessionID)
}

// View renders the read-side summary for the session's subscribed symbols.
func (s *Service) View(sessionID string) map[string]price.SymbolSummary {
	return s.prices.Summary(s.subs.SubscriptionsOf(sessionID), s.cfg.Engine.Exchange)
}
