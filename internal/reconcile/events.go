package reconcile

import (
	"context"

	"tournament-service/internal/domain"
)

// ForTournament forwards the events of in that concern tournament id. The
// returned channel closes when ctx ends or in closes.
func ForTournament(ctx context.Context, in <-chan domain.Event, id string) <-chan domain.Event {
	out := make(chan domain.Event, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				if ev.TournamentID != id {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
