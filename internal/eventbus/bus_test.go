package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestBus_Fanout(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TopicJobCreated, Data: "payload"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TopicJobCreated || ev.Data != "payload" {
				t.Fatalf("subscriber %d got %+v", i, ev)
			}
			if ev.Time.IsZero() {
				t.Fatal("publish time not stamped")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full, must not block

	ev := <-ch
	if ev.Type != "a" {
		t.Fatalf("first event = %q", ev.Type)
	}
	select {
	case ev := <-ch:
		t.Fatalf("dropped event delivered: %+v", ev)
	default:
	}
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Publishing after (or racing with) an unsubscribe must not panic.
	b.Publish(Event{Type: "x"})
}

func TestReplicatingContext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if IsReplicating(ctx) {
		t.Fatal("plain context marked replicating")
	}
	if !IsReplicating(WithReplicating(ctx)) {
		t.Fatal("marker lost")
	}
	if IsReplicating(nil) {
		t.Fatal("nil context marked replicating")
	}
}
