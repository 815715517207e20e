package fanout

import (
	"testing"
	"time"
)

func TestPublishReachesOnlySubscribedChannel(t *testing.T) {
	r := NewRouter(8)
	a := r.Attach("sess-a")
	b := r.Attach("sess-b")
	r.Subscribe(a, "org:1:decisions")
	r.Subscribe(b, "org:2:decisions")

	r.Publish(NewEvent("org:1:decisions", map[string]string{"id": "d1"}))

	select {
	case evt := <-a.C():
		if evt.Channel != "org:1:decisions" {
			t.Fatalf("unexpected channel %s", evt.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber a never received the event")
	}
	select {
	case evt := <-b.C():
		t.Fatalf("subscriber b must not receive org:1 events, got %+v", evt)
	default:
	}
}

func TestOverflowDetachesOnlySlowSubscriber(t *testing.T) {
	r := NewRouter(1)
	var overflowed []string
	r.OnOverflow = func(id string) { overflowed = append(overflowed, id) }

	slow := r.Attach("slow")
	fast := r.Attach("fast")
	r.Subscribe(slow, "org:1:decisions")
	r.Subscribe(fast, "org:1:decisions")

	r.Publish(NewEvent("org:1:decisions", nil))
	// slow never drains; second publish overflows its queue of 1.
	<-fast.C()
	r.Publish(NewEvent("org:1:decisions", nil))

	if len(overflowed) != 1 || overflowed[0] != "slow" {
		t.Fatalf("expected slow to overflow, got %v", overflowed)
	}
	if r.SubscriberCount("org:1:decisions") != 1 {
		t.Fatalf("expected 1 remaining subscriber, got %d", r.SubscriberCount("org:1:decisions"))
	}
	// fast still gets the second event.
	select {
	case <-fast.C():
	case <-time.After(time.Second):
		t.Fatal("fast subscriber starved by slow one")
	}
	// slow's queue is closed after draining the buffered event.
	<-slow.C()
	if _, ok := <-slow.C(); ok {
		t.Fatal("slow subscriber channel should be closed")
	}
}

func TestReattachReplacesSubscriber(t *testing.T) {
	r := NewRouter(4)
	first := r.Attach("sess-1")
	r.Subscribe(first, "org:1:decisions")
	second := r.Attach("sess-1")
	r.Subscribe(second, "org:1:decisions")

	if _, ok := <-first.C(); ok {
		t.Fatal("first attachment should be closed on reattach")
	}
	r.Publish(NewEvent("org:1:decisions", nil))
	select {
	case <-second.C():
	case <-time.After(time.Second):
		t.Fatal("second attachment never received the event")
	}
	if r.SubscriberCount("org:1:decisions") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", r.SubscriberCount("org:1:decisions"))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRouter(4)
	sub := r.Attach("sess-1")
	r.Subscribe(sub, "org:1:decisions", "org:1:approvals")
	r.Unsubscribe(sub, "org:1:decisions")

	r.Publish(NewEvent("org:1:decisions", nil))
	select {
	case evt := <-sub.C():
		t.Fatalf("unexpected delivery after unsubscribe: %+v", evt)
	default:
	}

	got := r.Channels(sub)
	if len(got) != 1 || got[0] != "org:1:approvals" {
		t.Fatalf("unexpected channel set %v", got)
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	r := NewRouter(4)
	sub := r.Attach("sess-1")
	r.Subscribe(sub, "org:1:decisions")
	r.Detach(sub)
	r.Detach(sub)
	r.Publish(NewEvent("org:1:decisions", nil))
	if r.SubscriberCount("org:1:decisions") != 0 {
		t.Fatal("expected no subscribers after detach")
	}
}
