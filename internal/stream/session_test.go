package stream

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tickflow/internal/event"
)

type staticMembership map[string]bool

func (m staticMembership) IsSubscribed(_, symbol string) bool { return m[symbol] }

func publishUpdate(bus *event.Bus, symbol, display string) {
	price, _ := decimal.NewFromString("1")
	bus.Publish(event.PriceUpdated{
		Symbol:    symbol,
		Exchange:  "BINANCE",
		Price:     price,
		Display:   display,
		Timestamp: time.Now(),
	})
}

func TestDispatcherDeliversSubscribedSymbols(t *testing.T) {
	bus := event.NewBus()
	d := NewDispatcher(context.Background(), "sess-1", bus, staticMembership{"BTCUSDT": true}, 16, 5*time.Millisecond)
	defer d.Close()

	publishUpdate(bus, "BTCUSDT", "115,730.65")
	publishUpdate(bus, "ETHUSDT", "4,220.10")
	publishUpdate(bus, "BTCUSDT", "115,731.00")

	var got []Update
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case u, ok := <-d.Updates():
			if !ok {
				t.Fatal("updates channel closed early")
			}
			got = append(got, u)
		case <-timeout:
			t.Fatalf("timed out with %d updates", len(got))
		}
	}

	if got[0].Symbol != "BTCUSDT" || got[1].Symbol != "BTCUSDT" {
		t.Fatalf("unsubscribed symbol leaked through: %+v", got)
	}
	if got[0].Price != "115,730.65" {
		t.Fatalf("display text not preserved, got %q", got[0].Price)
	}
	if got[0].Numeric.String() != "1" {
		t.Fatalf("unexpected numeric value %s", got[0].Numeric)
	}
	if got[1].Price != "115,731.00" {
		t.Fatal("per-symbol delivery order violated")
	}
}

func TestDispatcherIgnoresNonPriceEvents(t *testing.T) {
	bus := event.NewBus()
	d := NewDispatcher(context.Background(), "sess-1", bus, staticMembership{"BTCUSDT": true}, 16, 5*time.Millisecond)
	defer d.Close()

	bus.Publish(event.TickerSubscribed{SessionID: "sess-1", Symbol: "BTCUSDT", Timestamp: time.Now()})
	publishUpdate(bus, "BTCUSDT", "100.00")

	select {
	case u := <-d.Updates():
		if u.Price != "100.00" {
			t.Fatalf("expected the price update, got %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("price update never delivered")
	}
}

func TestDispatcherCloseDeregistersListener(t *testing.T) {
	bus := event.NewBus()
	d := NewDispatcher(context.Background(), "sess-1", bus, staticMembership{"BTCUSDT": true}, 16, 5*time.Millisecond)

	if bus.ListenerCount() != 1 {
		t.Fatalf("expected one registered listener, got %d", bus.ListenerCount())
	}

	d.Close()
	d.Close() // idempotent

	if bus.ListenerCount() != 0 {
		t.Fatalf("listener still registered after close, count %d", bus.ListenerCount())
	}

	select {
	case _, ok := <-d.Updates():
		if ok {
			t.Fatal("unexpected update after close")
		}
	case <-time.After(time.Second):
		t.Fatal("updates channel not closed")
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue("test-queue", 2)
	defer q.Forget()

	for i := 0; i < 5; i++ {
		q.Push(Update{Symbol: "BTCUSDT"})
	}
	if q.Len() != 2 {
		t.Fatalf("expected a full queue of 2, got %d", q.Len())
	}
	if _, ok := q.Pop(); !ok {
		t.Fatal("expected a buffered update")
	}
	if _, ok := q.Pop(); !ok {
		t.Fatal("expected a second buffered update")
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("queue should be empty")
	}
}
