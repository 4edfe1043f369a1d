package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeRunSucceeded, Data: 42})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeRunSucceeded || e.Data != 42 {
				t.Fatalf("subscriber %d got %+v", i, e)
			}
			if e.Time.IsZero() {
				t.Fatalf("subscriber %d: publish should stamp the time", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeRunStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	// The buffered event is intact; the rest were dropped.
	if e := <-ch; e.Type != TypeRunStarted {
		t.Fatalf("got %+v", e)
	}
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)

	unsub()
	unsub() // second call is a no-op

	// Sending to an unsubscribed (closed) channel must not panic Publish.
	b.Publish(Event{Type: TypeOrderPlaced})

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestNilBusPublishIsSafe(t *testing.T) {
	var b *Bus
	b.Publish(Event{Type: TypeRunFailed}) // must not panic
}
