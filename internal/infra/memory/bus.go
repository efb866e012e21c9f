package memory

import (
	"context"
	"sync"

	"tournament-service/internal/domain"
)

const busBuffer = 64

// Bus fans invalidation events out to in-process subscribers. A slow
// subscriber loses its oldest pending event rather than blocking publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan domain.Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan domain.Event]struct{})}
}

func (b *Bus) Publish(_ context.Context, ev domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
	return nil
}

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Subscribe returns a channel of events. The caller must invoke cancel; the
// subscription also ends when ctx is done.
func (b *Bus) Subscribe(ctx context.Context) (<-chan domain.Event, func(), error) {
	ch := make(chan domain.Event, busBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			close(ch)
			b.mu.Unlock()
			close(stop)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return ch, cancel, nil
}
