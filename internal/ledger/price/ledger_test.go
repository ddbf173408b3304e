package price

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"tickflow/internal/event"
)

func mustParse(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := ParseDisplay(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

func TestParseDisplayStripsSeparators(t *testing.T) {
	got := mustParse(t, "115,730.65")
	want := decimal.RequireFromString("115730.65")
	if !got.Equal(want) {
		t.Fatalf("parsed %s, want %s", got, want)
	}

	if _, err := ParseDisplay(""); err == nil {
		t.Fatalf("empty string should fail")
	}
	if _, err := ParseDisplay("n/a"); err == nil {
		t.Fatalf("non-numeric string should fail")
	}
}

func TestUpdateWhileDisconnectedAutoConnects(t *testing.T) {
	l := NewLedger(event.NewBus(), 100, false)

	res, err := l.Update(UpdatePrice{
		Symbol:   "BTCUSD",
		Exchange: "BINANCE",
		Price:    mustParse(t, "115,730.65"),
		Display:  "115,730.65",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(res.NewEvents) != 2 {
		t.Fatalf("expected 2 events in one commit, got %d", len(res.NewEvents))
	}
	if res.NewEvents[0].EventType() != "ConnectionEstablished" || res.NewEvents[1].EventType() != "PriceUpdated" {
		t.Fatalf("unexpected event pair: %s, %s", res.NewEvents[0].EventType(), res.NewEvents[1].EventType())
	}

	state := res.State
	if !state.IsConnected || state.ConnectionCount != 1 || state.TotalUpdates != 1 {
		t.Fatalf("unexpected state: %+v", state)
	}
	if !state.CurrentPrice.Equal(decimal.RequireFromString("115730.65")) {
		t.Fatalf("numeric price lost: %s", state.CurrentPrice)
	}
	if state.CurrentDisplay != "115,730.65" {
		t.Fatalf("display string not preserved: %q", state.CurrentDisplay)
	}
}

func TestUpdateWhileConnectedSingleEvent(t *testing.T) {
	l := NewLedger(event.NewBus(), 100, false)
	l.Establish("BTCUSD", "BINANCE")

	res, err := l.Update(UpdatePrice{Symbol: "BTCUSD", Exchange: "BINANCE", Price: decimal.NewFromInt(10), Display: "10"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(res.NewEvents) != 1 {
		t.Fatalf("expected 1 event, got %d", len(res.NewEvents))
	}

	res, _ = l.Update(UpdatePrice{Symbol: "BTCUSD", Exchange: "BINANCE", Price: decimal.NewFromInt(11), Display: "11"})
	state := res.State
	if !state.PreviousPrice.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("previous price not shifted: %s", state.PreviousPrice)
	}
	if !state.CurrentPrice.Equal(decimal.NewFromInt(11)) {
		t.Fatalf("current price wrong: %s", state.CurrentPrice)
	}
	if state.TotalUpdates != 2 {
		t.Fatalf("total updates wrong: %d", state.TotalUpdates)
	}
}

func TestLoseConnectionWhenAlreadyDisconnected(t *testing.T) {
	l := NewLedger(event.NewBus(), 100, false)

	if _, err := l.Lose("BTCUSD", "BINANCE", "test"); !errors.Is(err, ErrAlreadyDisconnected) {
		t.Fatalf("expected ErrAlreadyDisconnected for absent stream, got %v", err)
	}

	l.Establish("BTCUSD", "BINANCE")
	if _, err := l.Lose("BTCUSD", "BINANCE", "feed died"); err != nil {
		t.Fatalf("first lose should succeed: %v", err)
	}
	if _, err := l.Lose("BTCUSD", "BINANCE", "again"); !errors.Is(err, ErrAlreadyDisconnected) {
		t.Fatalf("second lose should be rejected, got %v", err)
	}

	// Rejection leaves history untouched
	if got := len(l.Events("BTCUSD", "BINANCE")); got != 2 {
		t.Fatalf("expected 2 events after rejection, got %d", got)
	}
}

func TestBoundedHistoryFIFO(t *testing.T) {
	l := NewLedger(event.NewBus(), 100, false)

	for i := 0; i < 150; i++ {
		_, err := l.Update(UpdatePrice{
			Symbol:   "BTCUSD",
			Exchange: "BINANCE",
			Price:    decimal.NewFromInt(int64(i)),
			Display:  fmt.Sprintf("%d", i),
		})
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	state := l.CurrentState("BTCUSD", "BINANCE")
	if len(state.History) != 100 {
		t.Fatalf("history length %d, want 100", len(state.History))
	}
	// Oldest evicted first: entry 0 is sample 50
	if !state.History[0].Price.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("oldest entry is %s, want 50", state.History[0].Price)
	}
	if !state.History[99].Price.Equal(decimal.NewFromInt(149)) {
		t.Fatalf("newest entry is %s, want 149", state.History[99].Price)
	}
	if state.TotalUpdates != 150 {
		t.Fatalf("total updates %d, want 150", state.TotalUpdates)
	}
}

func TestReplayDeterminism(t *testing.T) {
	l := NewLedger(event.NewBus(), 100, true)

	l.Update(UpdatePrice{Symbol: "ETHUSD", Exchange: "BINANCE", Price: decimal.NewFromInt(100), Display: "100"})
	l.Update(UpdatePrice{Symbol: "ETHUSD", Exchange: "BINANCE", Price: decimal.NewFromInt(105), Display: "105"})
	l.Lose("ETHUSD", "BINANCE", "restart")
	l.Update(UpdatePrice{Symbol: "ETHUSD", Exchange: "BINANCE", Price: decimal.NewFromInt(103), Display: "103"})

	live := l.CurrentState("ETHUSD", "BINANCE")
	replayed := Replay(l.Events("ETHUSD", "BINANCE"), 100)

	if !replayed.CurrentPrice.Equal(live.CurrentPrice) ||
		!replayed.PreviousPrice.Equal(live.PreviousPrice) ||
		!replayed.Change.Equal(live.Change) ||
		replayed.IsConnected != live.IsConnected ||
		replayed.ConnectionCount != live.ConnectionCount ||
		replayed.TotalUpdates != live.TotalUpdates ||
		len(replayed.History) != len(live.History) {
		t.Fatalf("replayed state differs:\nreplayed %+v\nlive %+v", replayed, live)
	}
}

func TestComputeChangeConfigurable(t *testing.T) {
	on := NewLedger(event.NewBus(), 100, true)
	on.Update(UpdatePrice{Symbol: "AAA", Exchange: "BINANCE", Price: decimal.NewFromInt(100), Display: "100"})
	res, _ := on.Update(UpdatePrice{Symbol: "AAA", Exchange: "BINANCE", Price: decimal.NewFromInt(107), Display: "107"})
	if !res.State.Change.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected change 7, got %s", res.State.Change)
	}

	off := NewLedger(event.NewBus(), 100, false)
	off.Update(UpdatePrice{Symbol: "AAA", Exchange: "BINANCE", Price: decimal.NewFromInt(100), Display: "100"})
	res, _ = off.Update(UpdatePrice{Symbol: "AAA", Exchange: "BINANCE", Price: decimal.NewFromInt(107), Display: "107"})
	if !res.State.Change.IsZero() {
		t.Fatalf("expected zero change when disabled, got %s", res.State.Change)
	}
}

func TestSummary(t *testing.T) {
	l := NewLedger(event.NewBus(), 100, false)
	for i := 0; i < 15; i++ {
		l.Update(UpdatePrice{Symbol: "BTCUSD", Exchange: "BINANCE", Price: decimal.NewFromInt(int64(i)), Display: fmt.Sprintf("%d", i)})
	}

	sum := l.Summary([]string{"BTCUSD", "NOPE"}, "BINANCE")
	if len(sum) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(sum))
	}
	s := sum["BTCUSD"]
	if len(s.RecentHistory) != 10 {
		t.Fatalf("recent history capped at 10, got %d", len(s.RecentHistory))
	}
	if s.TotalUpdates != 15 || !s.IsConnected {
		t.Fatalf("unexpected summary: %+v", s)
	}
}
