// Package sim implements a simulated PriceSource: a per-symbol random walk
// driven by a ticker. It backs development mode and exercises the full
// ingestion path without a network feed.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/internal/source"
	"tickflow/logger"
)

const (
	defaultTickInterval = time.Second
	defaultStartPrice   = 100.0
)

// Source fabricates feed sessions. Symbols listed in Reject fail Open with
// ErrSymbolNotFound, which lets tests and demos drive the start-failure
// path.
type Source struct {
	cfg    config.SimSourceConfig
	log    *logger.Log
	mu     sync.Mutex
	reject map[string]struct{}
}

func New(cfg config.SimSourceConfig) *Source {
	return &Source{
		cfg:    cfg,
		log:    logger.GetLogger(),
		reject: make(map[string]struct{}),
	}
}

// Reject marks a symbol as unresolvable on this source.
func (s *Source) Reject(symbol string) {
	s.mu.Lock()
	s.reject[symbol] = struct{}{}
	s.mu.Unlock()
}

func (s *Source) Open(_ context.Context, symbol string) (source.Handle, error) {
	s.mu.Lock()
	_, rejected := s.reject[symbol]
	s.mu.Unlock()
	if rejected {
		return nil, fmt.Errorf("%w: %s", source.ErrSymbolNotFound, symbol)
	}

	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	start := s.cfg.StartPrice
	if start <= 0 {
		start = defaultStartPrice
	}

	h := &handle{
		symbol: symbol,
		price:  start,
		rng:    rand.New(rand.NewSource(int64(hashSymbol(symbol)))),
		notify: make(chan struct{}, 1),
		dead:   make(chan struct{}),
	}
	h.latest = &source.Sample{Symbol: symbol, Display: formatPrice(h.price), Time: time.Now().UTC()}

	go h.walk(interval)

	s.log.WithComponent("sim_source").WithFields(logger.Fields{
		"symbol":   symbol,
		"interval": interval.String(),
	}).Debug("simulated feed session opened")
	return h, nil
}

func hashSymbol(symbol string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(symbol); i++ {
		h ^= uint32(symbol[i])
		h *= 16777619
	}
	return h
}

// formatPrice renders a walk value the way display feeds do, with comma
// thousands separators and two decimals.
func formatPrice(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	dot := strings.Index(s, ".")
	intPart, frac := s[:dot], s[dot:]

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String() + frac
}

type handle struct {
	symbol string
	rng    *rand.Rand
	price  float64

	mu     sync.Mutex
	latest *source.Sample

	notify    chan struct{}
	dead      chan struct{}
	closeOnce sync.Once
}

func (h *handle) Symbol() string { return h.symbol }

func (h *handle) walk(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.dead:
			return
		case <-ticker.C:
			// Step by up to ±0.5% per tick
			h.price *= 1 + (h.rng.Float64()-0.5)/100
			sample := &source.Sample{
				Symbol:  h.symbol,
				Display: formatPrice(h.price),
				Time:    time.Now().UTC(),
			}
			h.mu.Lock()
			h.latest = sample
			h.mu.Unlock()

			select {
			case h.notify <- struct{}{}:
			default:
			}
		}
	}
}

func (h *handle) ReadCurrentPrice(_ context.Context) (*source.Sample, error) {
	if !h.Alive() {
		return nil, source.ErrHandleClosed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	sample := *h.latest
	return &sample, nil
}

func (h *handle) WaitForChange(ctx context.Context, last string, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		h.mu.Lock()
		current := h.latest
		h.mu.Unlock()
		if current != nil && current.Display != last {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-h.dead:
			return false, source.ErrHandleClosed
		case <-timer.C:
			return false, nil
		case <-h.notify:
		}
	}
}

func (h *handle) Alive() bool {
	select {
	case <-h.dead:
		return false
	default:
		return true
	}
}

func (h *handle) Close() error {
	h.closeOnce.Do(func() { close(h.dead) })
	return nil
}
