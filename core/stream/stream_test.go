package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/derivkit/derivws/core/schema"
)

func collect(ch <-chan schema.Message, n int, timeout time.Duration) []schema.Message {
	out := make([]schema.Message, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestSourceFansOutToAllSubscribers(t *testing.T) {
	src := New()
	chA, cancelA := src.Subscribe()
	chB, cancelB := src.Subscribe()
	defer cancelA()
	defer cancelB()

	var wg sync.WaitGroup
	var gotA, gotB []schema.Message
	wg.Add(2)
	go func() { defer wg.Done(); gotA = collect(chA, 2, time.Second) }()
	go func() { defer wg.Done(); gotB = collect(chB, 2, time.Second) }()

	src.Next(schema.Message{"n": float64(1)})
	src.Next(schema.Message{"n": float64(2)})
	wg.Wait()

	if len(gotA) != 2 || len(gotB) != 2 {
		t.Fatalf("expected both subscribers to see 2 values, got %d and %d", len(gotA), len(gotB))
	}
	if gotA[0]["n"] != float64(1) || gotA[1]["n"] != float64(2) {
		t.Fatalf("subscriber A saw out-of-order values: %v", gotA)
	}
}

func TestSourceBuffersEmissionsBeforeFirstSubscriber(t *testing.T) {
	src := New()
	src.Next(schema.Message{"seq": float64(1)})
	src.Next(schema.Message{"seq": float64(2)})

	ch, cancel := src.Subscribe()
	defer cancel()

	got := collect(ch, 2, time.Second)
	if len(got) != 2 {
		t.Fatalf("expected buffered emissions to replay, got %d", len(got))
	}
	if got[0]["seq"] != float64(1) || got[1]["seq"] != float64(2) {
		t.Fatalf("replay out of order: %v", got)
	}
}

func TestSourceCompleteClosesChannels(t *testing.T) {
	src := New()
	ch, cancel := src.Subscribe()
	defer cancel()

	src.Complete()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after complete")
		}
	case <-time.After(time.Second):
		t.Fatal("channel did not close after complete")
	}
	if !src.Done() {
		t.Fatal("source must be done after complete")
	}
	if src.Err() != nil {
		t.Fatalf("unexpected terminal error: %v", src.Err())
	}
}

func TestSourceFailSurfacesError(t *testing.T) {
	src := New()
	boom := errors.New("boom")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	var got error
	go func() {
		defer close(done)
		_, got = First(ctx, src)
	}()

	src.Fail(boom)
	<-done

	if !errors.Is(got, boom) {
		t.Fatalf("expected First to surface terminal error, got %v", got)
	}
}

func TestFirstReturnsFirstEmission(t *testing.T) {
	src := New()
	go src.Next(schema.Message{"msg_type": "ping"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := First(ctx, src)
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if msg.MsgType() != "ping" {
		t.Fatalf("unexpected first value: %v", msg)
	}
}

func TestFirstHonorsContext(t *testing.T) {
	src := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := First(ctx, src)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestSharedRefcountTeardown(t *testing.T) {
	origin := New()
	var torn int
	var mu sync.Mutex
	shared := Share(origin, Hooks{OnEmpty: func() {
		mu.Lock()
		torn++
		mu.Unlock()
	}})

	_, cancelA := shared.Subscribe()
	_, cancelB := shared.Subscribe()
	if shared.Subscribers() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", shared.Subscribers())
	}

	cancelA()
	cancelA() // idempotent
	mu.Lock()
	if torn != 0 {
		mu.Unlock()
		t.Fatal("teardown fired while subscribers remain")
	}
	mu.Unlock()

	cancelB()
	mu.Lock()
	defer mu.Unlock()
	if torn != 1 {
		t.Fatalf("expected exactly one teardown, got %d", torn)
	}
}

func TestSharedForwardsOriginEmissions(t *testing.T) {
	origin := New()
	shared := Share(origin, Hooks{})

	chA, cancelA := shared.Subscribe()
	chB, cancelB := shared.Subscribe()
	defer cancelA()
	defer cancelB()

	var wg sync.WaitGroup
	var gotA, gotB []schema.Message
	wg.Add(2)
	go func() { defer wg.Done(); gotA = collect(chA, 1, time.Second) }()
	go func() { defer wg.Done(); gotB = collect(chB, 1, time.Second) }()

	origin.Next(schema.Message{"tick": float64(42)})
	wg.Wait()

	if len(gotA) != 1 || len(gotB) != 1 {
		t.Fatalf("expected each consumer to see the emission once, got %d and %d", len(gotA), len(gotB))
	}
}

func TestSharedOnFirstRunsBeforeDelivery(t *testing.T) {
	origin := New()
	firstSeen := make(chan schema.Message, 1)
	shared := Share(origin, Hooks{OnFirst: func(msg schema.Message) {
		firstSeen <- msg
	}})

	ch, cancel := shared.Subscribe()
	defer cancel()

	go origin.Next(schema.Message{"subscription": map[string]any{"id": "abc"}})

	select {
	case msg := <-ch:
		select {
		case hooked := <-firstSeen:
			if id, _ := hooked.SubscriptionID(); id != "abc" {
				t.Fatalf("hook saw wrong message: %v", hooked)
			}
		default:
			t.Fatal("OnFirst must run before the value reaches consumers")
		}
		if id, _ := msg.SubscriptionID(); id != "abc" {
			t.Fatalf("consumer saw wrong message: %v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("emission never delivered")
	}
}

func TestSharedOnFailPropagates(t *testing.T) {
	origin := New()
	failed := make(chan error, 1)
	shared := Share(origin, Hooks{OnFail: func(err error) { failed <- err }})

	boom := errors.New("boom")
	origin.Fail(boom)

	select {
	case err := <-failed:
		if !errors.Is(err, boom) {
			t.Fatalf("OnFail saw %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnFail never fired")
	}
	deadline := time.Now().Add(time.Second)
	for !shared.Done() {
		if time.Now().After(deadline) {
			t.Fatal("shared stream never terminated")
		}
		time.Sleep(time.Millisecond)
	}
	if !errors.Is(shared.Err(), boom) {
		t.Fatalf("shared terminal error = %v", shared.Err())
	}
}

func TestSharedPropagatesOriginCompletion(t *testing.T) {
	origin := New()
	shared := Share(origin, Hooks{})
	ch, cancel := shared.Subscribe()
	defer cancel()

	origin.Complete()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed consumer channel after origin completion")
		}
	case <-time.After(time.Second):
		t.Fatal("consumer channel did not close")
	}
}
