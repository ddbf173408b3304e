// Package ws implements the PriceSource capability over an exchange
// websocket ticker feed. One connection serves one symbol; the ingestion
// controller owns reconnects, so a dead connection simply marks the handle
// unusable.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickflow/config"
	"tickflow/internal/source"
	"tickflow/logger"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultValidateTimeout  = 5 * time.Second
)

// Source opens per-symbol websocket ticker sessions.
type Source struct {
	cfg config.WSSourceConfig
	log *logger.Log
}

func New(cfg config.WSSourceConfig) *Source {
	return &Source{cfg: cfg, log: logger.GetLogger()}
}

type tickerPayload struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

// Open dials the feed for one symbol and validates that it serves real
// data: the first ticker frame must arrive within the validate timeout,
// otherwise the symbol is treated as not found.
func (s *Source) Open(ctx context.Context, symbol string) (source.Handle, error) {
	handshake := s.cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	validate := s.cfg.ValidateTimeout
	if validate <= 0 {
		validate = defaultValidateTimeout
	}

	url := fmt.Sprintf("%s/%s@miniTicker", strings.TrimRight(s.cfg.URL, "/"), strings.ToLower(symbol))
	dialer := websocket.Dialer{HandshakeTimeout: handshake}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	h := &handle{
		symbol: symbol,
		conn:   conn,
		notify: make(chan struct{}, 1),
		dead:   make(chan struct{}),
		log:    s.log.WithComponent("ws_source").WithFields(logger.Fields{"symbol": symbol}),
	}

	first, err := h.awaitFirstFrame(ctx, validate)
	if err != nil {
		conn.Close()
		return nil, err
	}
	h.setLatest(first)

	go h.readLoop()

	h.log.WithFields(logger.Fields{"price": first.Display}).Info("feed session validated")
	return h, nil
}

type handle struct {
	symbol string
	conn   *websocket.Conn
	log    *logger.Entry

	mu     sync.Mutex
	latest *source.Sample

	notify    chan struct{}
	dead      chan struct{}
	closeOnce sync.Once
}

func (h *handle) Symbol() string { return h.symbol }

// awaitFirstFrame reads frames until a ticker payload arrives. A feed that
// stays silent for the whole validation window does not resolve the
// symbol.
func (h *handle) awaitFirstFrame(ctx context.Context, timeout time.Duration) (*source.Sample, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = h.conn.SetReadDeadline(deadline)
	defer h.conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %s (%v)", source.ErrSymbolNotFound, h.symbol, err)
		}
		sample, ok := h.parseFrame(data)
		if ok {
			return sample, nil
		}
	}
}

func (h *handle) parseFrame(data []byte) (*source.Sample, bool) {
	var payload tickerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, false
	}
	if payload.Close == "" {
		return nil, false
	}
	return &source.Sample{
		Symbol:  h.symbol,
		Display: payload.Close,
		Time:    time.Now().UTC(),
	}, true
}

func (h *handle) readLoop() {
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			h.markDead()
			return
		}
		sample, ok := h.parseFrame(data)
		if !ok {
			continue
		}
		h.setLatest(sample)
	}
}

func (h *handle) setLatest(sample *source.Sample) {
	h.mu.Lock()
	changed := h.latest == nil || h.latest.Display != sample.Display
	h.latest = sample
	h.mu.Unlock()

	if changed {
		select {
		case h.notify <- struct{}{}:
		default:
		}
	}
}

func (h *handle) markDead() {
	h.closeOnce.Do(func() {
		close(h.dead)
		h.conn.Close()
	})
}

func (h *handle) ReadCurrentPrice(_ context.Context) (*source.Sample, error) {
	if !h.Alive() {
		return nil, source.ErrHandleClosed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return nil, nil
	}
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
	h.markDead()
	return nil
}
