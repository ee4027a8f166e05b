package bus

import (
	"testing"
	"time"

	"github.com/derivkit/derivws/core/events"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := New(8)
	defer b.Close()

	_, chA, cancelA := b.Subscribe()
	_, chB, cancelB := b.Subscribe()
	defer cancelA()
	defer cancelB()

	b.Publish(events.Event{Name: events.Connect, ConnectionID: 0})

	for _, ch := range []<-chan events.Event{chA, chB} {
		select {
		case evt := <-ch:
			if evt.Name != events.Connect {
				t.Fatalf("unexpected event %q", evt.Name)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	b := New(1)
	defer b.Close()

	_, ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(events.Event{Name: events.Send})
	b.Publish(events.Event{Name: events.Message}) // dropped, buffer full

	evt := <-ch
	if evt.Name != events.Send {
		t.Fatalf("expected first event, got %q", evt.Name)
	}
	select {
	case evt := <-ch:
		t.Fatalf("expected overflow drop, got %q", evt.Name)
	default:
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	b := New(4)
	defer b.Close()

	_, ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}

	// Publishing after cancel must not panic.
	b.Publish(events.Event{Name: events.Close})
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	b := New(4)
	_, ch, cancel := b.Subscribe()
	defer cancel()

	b.Close()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after bus close")
	}

	_, ch2, _ := b.Subscribe()
	if _, ok := <-ch2; ok {
		t.Fatal("subscribe after close must return a closed channel")
	}
}
