package events

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertEmpty(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case e, ok := <-ch:
		if ok {
			t.Errorf("unexpected event %+v", e)
		}
	default:
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceScheduler, Kind: KindTaskFired})
	b.Emit(SourceInsight, KindDelivered, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestEmit_StampsAndFansOut(t *testing.T) {
	b := New()
	a, c := b.Subscribe(4), b.Subscribe(4)
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	before := time.Now()
	b.Emit(SourceInsight, KindDelivered, map[string]any{"label": "daily"})

	for _, ch := range []<-chan Event{a, c} {
		got := recv(t, ch)
		if got.Source != SourceInsight || got.Kind != KindDelivered {
			t.Errorf("event = %+v", got)
		}
		if got.Data["label"] != "daily" {
			t.Errorf("label = %v", got.Data["label"])
		}
		if got.Timestamp.Before(before) {
			t.Errorf("timestamp %v not stamped", got.Timestamp)
		}
	}
}

func TestPublish_KeepsExplicitTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	at := time.Date(2026, 10, 19, 5, 30, 0, 0, time.UTC)
	b.Publish(Event{Timestamp: at, Source: SourceSession, Kind: KindSessionState})
	if got := recv(t, ch); !got.Timestamp.Equal(at) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, at)
	}
}

func TestSubscribe_SourceFilter(t *testing.T) {
	b := New()
	insight := b.Subscribe(8, SourceInsight)
	authOrSession := b.Subscribe(8, SourceAuth, SourceSession)
	all := b.Subscribe(8)
	defer func() {
		for _, ch := range []<-chan Event{insight, authOrSession, all} {
			b.Unsubscribe(ch)
		}
	}()

	b.Emit(SourceScheduler, KindTaskFired, nil)
	b.Emit(SourceAuth, KindTokenCleared, nil)
	b.Emit(SourceInsight, KindDeliveryFailed, nil)

	if got := recv(t, insight); got.Kind != KindDeliveryFailed {
		t.Errorf("insight subscriber got %s", got.Kind)
	}
	assertEmpty(t, insight)

	if got := recv(t, authOrSession); got.Kind != KindTokenCleared {
		t.Errorf("auth subscriber got %s", got.Kind)
	}
	assertEmpty(t, authOrSession)

	for _, want := range []string{KindTaskFired, KindTokenCleared, KindDeliveryFailed} {
		if got := recv(t, all); got.Kind != want {
			t.Errorf("unfiltered subscriber got %s, want %s", got.Kind, want)
		}
	}
}

func TestPublish_DropsWhenFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := recv(t, ch); got.Kind != "first" {
		t.Errorf("got kind %q, want first", got.Kind)
	}
	assertEmpty(t, ch)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1)
	if _, ok := <-ch1; ok {
		t.Error("channel open after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}

	b.Unsubscribe(ch2)
	b.Publish(Event{Source: SourceAuth, Kind: KindTokenAcquired})
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	const publishers = 10
	const perPublisher = 100

	ch := b.Subscribe(64)
	drained := make(chan struct{})
	go func() {
		for range ch {
		}
		close(drained)
	}()

	var wg sync.WaitGroup
	for i := range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range perPublisher {
				b.Emit(SourceScheduler, KindTaskComplete, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Unsubscribe(b.Subscribe(1, SourceInsight))
		}()
	}

	wg.Wait()
	b.Unsubscribe(ch)
	<-drained
}
