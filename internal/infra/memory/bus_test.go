package memory

import (
	"context"
	"testing"
	"time"

	"tournament-service/internal/domain"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, cancelA, _ := bus.Subscribe(context.Background())
	defer cancelA()
	b, cancelB, _ := bus.Subscribe(context.Background())
	defer cancelB()

	ev := domain.Event{Topic: domain.TopicTournamentStatusChanged, TournamentID: "t-1"}
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range []<-chan domain.Event{a, b} {
		select {
		case got := <-ch:
			if got != ev {
				t.Fatalf("unexpected event %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestBusDropsOldestForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	ch, cancel, _ := bus.Subscribe(context.Background())
	defer cancel()

	for i := 0; i < busBuffer+5; i++ {
		_ = bus.Publish(context.Background(), domain.Event{Topic: domain.TopicAttemptProgressChanged, TournamentID: "t-1", StudentID: string(rune('a' + i%26))})
	}
	if len(ch) != busBuffer {
		t.Fatalf("expected full buffer, got %d", len(ch))
	}
}

func TestBusSubscriptionEndsWithContext(t *testing.T) {
	bus := NewBus()
	ctx, cancelCtx := context.WithCancel(context.Background())
	ch, cancel, _ := bus.Subscribe(ctx)
	defer cancel()

	cancelCtx()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed")
	}
	// publishing after close must not panic
	_ = bus.Publish(context.Background(), domain.Event{Topic: domain.TopicTournamentStatusChanged})
}
