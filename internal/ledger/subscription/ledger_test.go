package subscription

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"tickflow/internal/event"
)

func TestSubscribeIdempotent(t *testing.T) {
	l := NewLedger(event.NewBus())

	first, err := l.Subscribe("s1", "AAAUSD")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if len(first.NewEvents) != 1 {
		t.Fatalf("expected 1 event, got %d", len(first.NewEvents))
	}

	second, err := l.Subscribe("s1", "AAAUSD")
	if err != nil {
		t.Fatalf("duplicate subscribe should succeed: %v", err)
	}
	if len(second.NewEvents) != 0 {
		t.Fatalf("duplicate subscribe emitted %d events", len(second.NewEvents))
	}
	if second.State.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", second.State.SubscriberCount())
	}
	if got := len(l.Events("AAAUSD")); got != 1 {
		t.Fatalf("history should hold exactly 1 event, got %d", got)
	}
}

func TestUnsubscribeNeverSubscribed(t *testing.T) {
	l := NewLedger(event.NewBus())

	res, err := l.Unsubscribe("ghost", "BTCUSD")
	if err != nil {
		t.Fatalf("unsubscribe of unknown session should succeed: %v", err)
	}
	if len(res.NewEvents) != 0 {
		t.Fatalf("expected no events, got %d", len(res.NewEvents))
	}
	if res.State != nil {
		t.Fatalf("aggregate should stay absent")
	}
}

func TestLastUnsubscribeCollapsesToAbsent(t *testing.T) {
	l := NewLedger(event.NewBus())

	if _, err := l.Subscribe("s1", "ETHUSD"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := l.Subscribe("s2", "ETHUSD"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	res, err := l.Unsubscribe("s1", "ETHUSD")
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if res.State.SubscriberCount() != 1 {
		t.Fatalf("expected 1 remaining subscriber, got %d", res.State.SubscriberCount())
	}

	res, err = l.Unsubscribe("s2", "ETHUSD")
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if res.State != nil {
		t.Fatalf("state should collapse to absent, got %+v", res.State)
	}
	if l.HasSubscribers("ETHUSD") {
		t.Fatalf("symbol should report no subscribers")
	}
	if _, ok := l.ActiveSymbolsWithCounts()["ETHUSD"]; ok {
		t.Fatalf("symbol should not be listed as active")
	}
}

func TestReplayDeterminism(t *testing.T) {
	l := NewLedger(event.NewBus())

	l.Subscribe("s1", "SOLUSD")
	l.Subscribe("s2", "SOLUSD")
	l.Unsubscribe("s1", "SOLUSD")
	l.Subscribe("s3", "SOLUSD")

	replayed := Replay(l.Events("SOLUSD"))
	live := l.StateOf("SOLUSD")

	if !reflect.DeepEqual(replayed.Subscribers, live.Subscribers) {
		t.Fatalf("replayed subscribers %v != live %v", replayed.Subscribers, live.Subscribers)
	}
	if replayed.CreatedAt != live.CreatedAt || replayed.LastActivity != live.LastActivity {
		t.Fatalf("replayed timestamps differ from live state")
	}
}

func TestSessionCache(t *testing.T) {
	l := NewLedger(event.NewBus())

	l.Subscribe("s1", "BTCUSD")
	l.Subscribe("s1", "ETHUSD")
	l.Subscribe("s2", "BTCUSD")

	got := l.SubscriptionsOf("s1")
	want := []string{"BTCUSD", "ETHUSD"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("subscriptions of s1: got %v want %v", got, want)
	}
	if !l.IsSubscribed("s2", "BTCUSD") || l.IsSubscribed("s2", "ETHUSD") {
		t.Fatalf("unexpected membership for s2")
	}

	l.Unsubscribe("s1", "BTCUSD")
	l.Unsubscribe("s1", "ETHUSD")
	if subs := l.SubscriptionsOf("s1"); subs != nil {
		t.Fatalf("expected empty subscriptions, got %v", subs)
	}

	sessions := l.SessionsFor("BTCUSD")
	if !reflect.DeepEqual(sessions, []string{"s2"}) {
		t.Fatalf("sessions for BTCUSD: %v", sessions)
	}
}

func TestUnknownCommand(t *testing.T) {
	l := NewLedger(event.NewBus())
	if _, err := l.Execute(nil); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestConcurrentSubscribeSingleEvent(t *testing.T) {
	l := NewLedger(event.NewBus())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Subscribe("s1", "BTCUSD")
		}()
	}
	wg.Wait()

	if got := len(l.Events("BTCUSD")); got != 1 {
		t.Fatalf("expected exactly 1 TickerSubscribed event, got %d", got)
	}
	if l.StateOf("BTCUSD").SubscriberCount() != 1 {
		t.Fatalf("expected subscriber count 1")
	}
}

func TestBusReceivesCommittedEvents(t *testing.T) {
	bus := event.NewBus()
	var published []event.Event
	bus.Subscribe(func(ev event.Event) { published = append(published, ev) })

	l := NewLedger(bus)
	l.Subscribe("s1", "BTCUSD")
	l.Subscribe("s1", "BTCUSD")
	l.Unsubscribe("s1", "BTCUSD")

	if len(published) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(published))
	}
	if published[0].EventType() != "TickerSubscribed" || published[1].EventType() != "TickerUnsubscribed" {
		t.Fatalf("unexpected publish order")
	}
}
