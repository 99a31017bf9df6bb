package eventbus

import (
	"testing"
	"time"

	"github.com/ry-ops/taskguard/internal/model"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(model.Event{Kind: model.EventWorkerRegistered, SubjectID: "w1"})

	select {
	case ev := <-sub.Events():
		if ev.SubjectID != "w1" {
			t.Fatalf("got subject %s, want w1", ev.SubjectID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribersEachReceiveEvents(t *testing.T) {
	b := New(4)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Close()
	defer s2.Close()

	b.Publish(model.Event{Kind: model.EventTaskAdmitted, SubjectID: "t1"})

	for _, sub := range []*Subscription{s1, s2} {
		select {
		case ev := <-sub.Events():
			if ev.SubjectID != "t1" {
				t.Fatalf("got subject %s, want t1", ev.SubjectID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSlowSubscriberKeepsNewestEventInsteadOfBlockingPublish(t *testing.T) {
	b := New(1) // capacity of exactly one forces the drop path on the second publish
	sub := b.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		b.Publish(model.Event{Kind: model.EventTaskAdmitted, SubjectID: "first"})
		b.Publish(model.Event{Kind: model.EventTaskAdmitted, SubjectID: "second"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}

	ev := <-sub.Events()
	if ev.Kind != model.EventTaskAdmitted || ev.SubjectID != "second" {
		t.Fatalf("expected the newest event to survive the drop, got %+v", ev)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	sub.Close()

	b.Publish(model.Event{Kind: model.EventWorkerRegistered, SubjectID: "w1"})

	_, ok := <-sub.Events()
	if ok {
		t.Fatal("expected channel closed after Close")
	}
}
