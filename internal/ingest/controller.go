// Package ingest owns the per-symbol ingestion lifecycle: at most one live
// PriceSource session per symbol, started when the first subscriber
// arrives, restarted while subscribers remain, torn down when the last one
// leaves. Observed samples are committed to the price ledger, which is the
// only fan-out path; nothing calls back into this package from dispatch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tickflow/config"
	"tickflow/internal/ledger/price"
	"tickflow/internal/retry"
	"tickflow/internal/source"
	"tickflow/logger"
)

// ErrNotStarted reports use of a controller before Start.
var ErrNotStarted = errors.New("ingestion controller not started")

// SessionState is the lifecycle state of one symbol's ingestion session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateStarting
	StateActive
	StateRestarting
)

func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateRestarting:
		return "restarting"
	default:
		return "idle"
	}
}

// Options bound the controller's retry, polling and teardown behaviour.
type Options struct {
	Exchange      string
	StartAttempts int
	StartBackoff  time.Duration
	RestartWait   time.Duration
	WatchTimeout  time.Duration
	PollInterval  time.Duration
	TeardownGrace time.Duration
}

// FromConfig maps the engine configuration onto controller options.
func FromConfig(cfg config.EngineConfig) Options {
	return Options{
		Exchange:      cfg.Exchange,
		StartAttempts: cfg.StartAttempts,
		StartBackoff:  cfg.StartBackoff,
		RestartWait:   cfg.RestartWait,
		WatchTimeout:  cfg.WatchTimeout,
		PollInterval:  cfg.PollInterval,
		TeardownGrace: cfg.TeardownGrace,
	}
}

func (o *Options) applyDefaults() {
	if o.Exchange == "" {
		o.Exchange = "BINANCE"
	}
	if o.StartAttempts <= 0 {
		o.StartAttempts = 3
	}
	if o.StartBackoff <= 0 {
		o.StartBackoff = 500 * time.Millisecond
	}
	if o.RestartWait <= 0 {
		o.RestartWait = 5 * time.Second
	}
	if o.WatchTimeout <= 0 {
		o.WatchTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.TeardownGrace <= 0 {
		o.TeardownGrace = time.Second
	}
}

// Controller coordinates ingestion sessions across symbols.
type Controller struct {
	opts           Options
	src            source.PriceSource
	prices         *price.Ledger
	hasSubscribers func(symbol string) bool
	log            *logger.Log

	mu       sync.Mutex
	sessions map[string]*session

	rootCtx    context.Context
	rootCancel context.CancelFunc
	started    bool
	wg         sync.WaitGroup
}

// NewController wires the controller to its collaborators. hasSubscribers
// consults the subscription ledger; the controller itself never mutates it.
func NewController(opts Options, src source.PriceSource, prices *price.Ledger, hasSubscribers func(string) bool) *Controller {
	opts.applyDefaults()
	return &Controller{
		opts:           opts,
		src:            src,
		prices:         prices,
		hasSubscribers: hasSubscribers,
		log:            logger.GetLogger(),
		sessions:       make(map[string]*session),
	}
}

// Start anchors the watch tasks to ctx. Watchers derive their lifetime
// from it, not from the subscribe call that happened to trigger them.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("ingestion controller already started")
	}
	c.rootCtx, c.rootCancel = context.WithCancel(ctx)
	c.started = true
	return nil
}

// Stop cancels every watch task and waits for them to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.rootCancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	c.log.WithComponent("ingest_controller").Info("ingestion controller stopped")
}

type session struct {
	symbol string

	mu       sync.Mutex
	state    SessionState
	handle   source.Handle
	last     string
	cancel   context.CancelFunc
	startErr error
	done     chan struct{}
	doneOnce sync.Once
	// ready is closed once the start phase has resolved either way, so
	// subscribers that arrived mid-start can share the outcome.
	ready     chan struct{}
	readyOnce sync.Once
}

func (s *session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) currentState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) currentHandle() source.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *session) lastObserved() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *session) setLastObserved(v string) {
	s.mu.Lock()
	s.last = v
	s.mu.Unlock()
}

func (s *session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// resolveStart records the start outcome and wakes every subscriber
// waiting on it.
func (s *session) resolveStart(err error) {
	s.readyOnce.Do(func() {
		s.mu.Lock()
		s.startErr = err
		s.mu.Unlock()
		close(s.ready)
	})
}

func (s *session) startOutcome() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startErr
}

// healthy reports whether the session still owns the symbol: a fresh start
// must wait for anything else to finish tearing down.
func (s *session) healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStarting, StateRestarting:
		return true
	case StateActive:
		return s.handle != nil && s.handle.Alive()
	default:
		return false
	}
}

// EnsureStarted opens and validates a feed session for the symbol unless a
// healthy one already exists (concurrent subscribers reuse it). Validation
// failures are retried per the start policy; after the final attempt the
// error is returned so the caller can compensate its ledger entry. Callers
// that arrive while another start is still validating wait for that start
// and share its outcome, so a failed start fails every waiting subscriber.
func (c *Controller) EnsureStarted(ctx context.Context, symbol string) error {
	var s *session
	for {
		c.mu.Lock()
		if !c.started {
			c.mu.Unlock()
			return ErrNotStarted
		}
		existing, ok := c.sessions[symbol]
		if !ok {
			s = &session{
				symbol: symbol,
				state:  StateStarting,
				done:   make(chan struct{}),
				ready:  make(chan struct{}),
			}
			c.sessions[symbol] = s
			c.mu.Unlock()
			break
		}
		if existing.currentState() == StateStarting {
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-existing.ready:
			}
			if err := existing.startOutcome(); err != nil {
				return err
			}
			// Start succeeded or was torn down mid-flight; re-evaluate.
			continue
		}
		if existing.healthy() {
			c.mu.Unlock()
			c.log.WithComponent("ingest_controller").WithFields(logger.Fields{
				"symbol": symbol,
				"state":  existing.currentState().String(),
			}).Debug("reusing ingestion session")
			return nil
		}
		c.mu.Unlock()
		// Stale session: let its teardown finish before a fresh start.
		c.Release(symbol)
	}

	log := c.log.WithComponent("ingest_controller").WithFields(logger.Fields{"symbol": symbol})

	var handle source.Handle
	err := retry.Do(ctx, retry.Policy{
		Attempts: c.opts.StartAttempts,
		Delay:    c.opts.StartBackoff,
		OnRetry: func(attempt int, err error) {
			log.WithError(err).WithFields(logger.Fields{
				"attempt":      attempt,
				"max_attempts": c.opts.StartAttempts,
			}).Warn("feed session validation failed")
		},
	}, func(ctx context.Context) error {
		var openErr error
		handle, openErr = c.src.Open(ctx, symbol)
		return openErr
	})
	if err != nil {
		startErr := fmt.Errorf("start ingestion for %s: %w", symbol, err)
		c.mu.Lock()
		if c.sessions[symbol] == s {
			delete(c.sessions, symbol)
		}
		c.mu.Unlock()
		s.resolveStart(startErr)
		s.finish()
		return startErr
	}

	c.mu.Lock()
	if !c.started {
		if c.sessions[symbol] == s {
			delete(c.sessions, symbol)
		}
		c.mu.Unlock()
		handle.Close()
		s.resolveStart(ErrNotStarted)
		s.finish()
		return ErrNotStarted
	}
	if c.sessions[symbol] != s || s.currentState() == StateIdle {
		// Released while validating; the subscriber is gone.
		c.mu.Unlock()
		handle.Close()
		s.resolveStart(nil)
		s.finish()
		return nil
	}
	wctx, cancel := context.WithCancel(c.rootCtx)
	s.mu.Lock()
	s.handle = handle
	s.state = StateActive
	s.cancel = cancel
	s.mu.Unlock()
	c.wg.Add(1)
	c.mu.Unlock()

	go c.watch(wctx, s)
	s.resolveStart(nil)

	log.Info("ingestion session active")
	return nil
}

// Release tears the symbol's session down: cancel the watch task, close
// the handle, remove the record. It blocks until the teardown completes or
// the grace period expires, so the symbol is free for a fresh start.
func (c *Controller) Release(symbol string) {
	c.mu.Lock()
	s, ok := c.sessions[symbol]
	c.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.state = StateIdle
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	select {
	case <-s.done:
	case <-time.After(c.opts.TeardownGrace):
		c.log.WithComponent("ingest_controller").WithFields(logger.Fields{
			"symbol": symbol,
			"grace":  c.opts.TeardownGrace.String(),
		}).Warn("teardown grace period exceeded")
	}

	if h := s.currentHandle(); h != nil {
		h.Close()
	}

	c.mu.Lock()
	if c.sessions[symbol] == s {
		delete(c.sessions, symbol)
	}
	c.mu.Unlock()

	c.log.WithComponent("ingest_controller").WithFields(logger.Fields{
		"symbol": symbol,
	}).Info("ingestion session released")
}

// watch is the background task of one session. It paces iterations at the
// poll interval, waits for changes with a bounded timeout, commits each
// observed sample to the price ledger, and runs the restart policy when
// the handle dies while subscribers remain.
func (c *Controller) watch(ctx context.Context, s *session) {
	defer c.wg.Done()
	defer s.finish()

	log := c.log.WithComponent("ingest_watcher").WithFields(logger.Fields{"symbol": s.symbol})
	limiter := rate.NewLimiter(rate.Every(c.opts.PollInterval), 1)

	for ctx.Err() == nil {
		handle := s.currentHandle()
		if handle == nil || !handle.Alive() {
			if !c.hasSubscribers(s.symbol) {
				log.Info("feed gone and no subscribers remain, stopping watcher")
				break
			}
			if err := c.restart(ctx, s); err != nil {
				if ctx.Err() != nil {
					break
				}
				log.WithError(err).Warn("feed session restart failed")
				if retry.Sleep(ctx, c.opts.RestartWait) != nil {
					break
				}
			}
			continue
		}

		if limiter.Wait(ctx) != nil {
			break
		}

		changed, err := handle.WaitForChange(ctx, s.lastObserved(), c.opts.WatchTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if !errors.Is(err, source.ErrHandleClosed) {
				log.WithError(err).Warn("transient wait error")
			}
			continue
		}
		if !changed {
			// Bounded wait elapsed with no change; not an error.
			continue
		}

		sample, err := handle.ReadCurrentPrice(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, source.ErrHandleClosed) {
				log.WithError(err).Warn("transient read error")
			}
			continue
		}
		if sample == nil {
			continue
		}

		s.setLastObserved(sample.Display)
		value, err := price.ParseDisplay(sample.Display)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"sample": sample.Display}).Warn("unparseable sample")
			continue
		}

		if _, err := c.prices.Update(price.UpdatePrice{
			Symbol:   s.symbol,
			Exchange: c.opts.Exchange,
			Price:    value,
			Display:  sample.Display,
		}); err != nil {
			log.WithError(err).Error("price commit failed")
		}
	}

	if h := s.currentHandle(); h != nil {
		h.Close()
	}
	if _, err := c.prices.Lose(s.symbol, c.opts.Exchange, "ingestion stopped"); err != nil && !errors.Is(err, price.ErrAlreadyDisconnected) {
		log.WithError(err).Warn("could not mark connection lost")
	}
	log.Info("watcher stopped")
}

// restart re-opens and re-validates the feed for a session whose handle
// died, keeping the same watch task identity.
func (c *Controller) restart(ctx context.Context, s *session) error {
	s.setState(StateRestarting)

	if _, err := c.prices.Lose(s.symbol, c.opts.Exchange, "source crashed"); err != nil && !errors.Is(err, price.ErrAlreadyDisconnected) {
		return err
	}

	handle, err := c.src.Open(ctx, s.symbol)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateIdle {
		// Torn down while we were reopening.
		s.mu.Unlock()
		handle.Close()
		return nil
	}
	old := s.handle
	s.handle = handle
	s.state = StateActive
	s.last = ""
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if _, err := c.prices.Establish(s.symbol, c.opts.Exchange); err != nil {
		return err
	}

	c.log.WithComponent("ingest_watcher").WithFields(logger.Fields{
		"symbol": s.symbol,
	}).Info("feed session restarted")
	return nil
}

// SessionStatus describes one ingestion session for health reporting.
type SessionStatus struct {
	Symbol     string `json:"symbol"`
	State      string `json:"state"`
	LastSample string `json:"last_sample,omitempty"`
}

// Tracking lists symbols with a live (non-idle) ingestion session.
func (c *Controller) Tracking() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for sym, s := range c.sessions {
		if s.currentState() != StateIdle {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// Status snapshots every live session.
func (c *Controller) Status() map[string]SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]SessionStatus, len(c.sessions))
	for sym, s := range c.sessions {
		s.mu.Lock()
		out[sym] = SessionStatus{Symbol: sym, State: s.state.String(), LastSample: s.last}
		s.mu.Unlock()
	}
	return out
}

// IsActive reports whether the symbol has a healthy ingestion session.
func (c *Controller) IsActive(symbol string) bool {
	c.mu.Lock()
	s, ok := c.sessions[symbol]
	c.mu.Unlock()
	return ok && s.healthy()
}
