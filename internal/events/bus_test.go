package events

import "testing"

func TestGroupNames(t *testing.T) {
	if g := AccountGroup("abc"); g != "account_abc" {
		t.Errorf("account group = %s", g)
	}
	if g := PricesGroup("abc", "EURUSD"); g != "prices_abc_EURUSD" {
		t.Errorf("prices group = %s", g)
	}
	if g := CandlesGroup("abc", "EURUSD", "M5"); g != "candles_abc_EURUSD_M5" {
		t.Errorf("candles group = %s", g)
	}
}

func TestPublishFanOut(t *testing.T) {
	bus := NewBus()
	g := PricesGroup("a", "EURUSD")

	ch1, unsub1 := bus.Subscribe(g, 1)
	ch2, unsub2 := bus.Subscribe(g, 1)
	defer unsub2()

	bus.Publish(g, "tick")
	if v := <-ch1; v != "tick" {
		t.Errorf("ch1 got %v", v)
	}
	if v := <-ch2; v != "tick" {
		t.Errorf("ch2 got %v", v)
	}

	unsub1()
	if _, ok := <-ch1; ok {
		t.Error("unsubscribed channel not closed")
	}
	if n := bus.SubscriberCount(g); n != 1 {
		t.Errorf("subscriber count = %d", n)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	bus := NewBus()
	g := AccountGroup("a")
	ch, unsub := bus.Subscribe(g, 1)
	defer unsub()

	bus.Publish(g, 1)
	bus.Publish(g, 2) // buffer full, must not block

	if v := <-ch; v != 1 {
		t.Errorf("got %v", v)
	}
	select {
	case v := <-ch:
		t.Errorf("dropped message delivered: %v", v)
	default:
	}
}

func TestPublishToEmptyGroup(t *testing.T) {
	bus := NewBus()
	bus.Publish(AccountGroup("nobody"), "x") // must not panic
	if n := bus.SubscriberCount(AccountGroup("nobody")); n != 0 {
		t.Errorf("count = %d", n)
	}
}
