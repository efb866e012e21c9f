package registration

import (
	"context"
	"errors"
	"testing"
	"time"

	"tournament-service/internal/clock"
	"tournament-service/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeBackend struct {
	regs     map[string]domain.Registration
	err      error
	calls    int
	capacity int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{regs: map[string]domain.Registration{}, capacity: -1}
}

func (f *fakeBackend) Register(_ context.Context, tournamentID, studentID string) (domain.Registration, error) {
	f.calls++
	if f.err != nil {
		return domain.Registration{}, f.err
	}
	if _, ok := f.regs[studentID]; ok {
		return domain.Registration{}, domain.ErrAlreadyRegistered
	}
	if f.capacity >= 0 && len(f.regs) >= f.capacity {
		return domain.Registration{}, domain.ErrCapacityFull
	}
	reg := domain.Registration{ID: "r-" + studentID, StudentID: studentID, TournamentID: tournamentID, RegisteredAt: t0}
	f.regs[studentID] = reg
	return reg, nil
}

func (f *fakeBackend) GetRegistration(_ context.Context, _ string, studentID string) (domain.Registration, error) {
	reg, ok := f.regs[studentID]
	if !ok {
		return domain.Registration{}, domain.ErrNotRegistered
	}
	return reg, nil
}

type countingRefresher struct{ ids []string }

func (c *countingRefresher) Trigger(id string) { c.ids = append(c.ids, id) }

func openTournament() domain.Tournament {
	return domain.Tournament{
		ID:                "t-1",
		RegistrationStart: t0,
		RegistrationEnd:   t0.Add(time.Hour),
		ExamStart:         t0.Add(2 * time.Hour),
		ExamEnd:           t0.Add(3 * time.Hour),
		DurationMinutes:   60,
		Status:            domain.StatusUpcoming,
		IsFree:            true,
	}
}

func newGate(b Backend, at time.Time, r Refresher) *Gate {
	return NewGate(Config{Backend: b, Clock: clock.NewFake(at), Refresher: r})
}

func TestRegisterInsideWindowRefreshesSnapshot(t *testing.T) {
	backend := newFakeBackend()
	refresher := &countingRefresher{}
	gate := newGate(backend, t0.Add(30*time.Minute), refresher)

	reg, err := gate.Register(context.Background(), openTournament(), domain.Participant{StudentID: "s1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.StudentID != "s1" || reg.TournamentID != "t-1" {
		t.Fatalf("unexpected registration %+v", reg)
	}
	if len(refresher.ids) != 1 || refresher.ids[0] != "t-1" {
		t.Fatalf("expected one snapshot refresh, got %v", refresher.ids)
	}
}

func TestRegisterOutsideWindowNeverCallsBackend(t *testing.T) {
	backend := newFakeBackend()
	for _, at := range []time.Duration{-time.Minute, 90 * time.Minute, 2*time.Hour + 5*time.Minute} {
		gate := newGate(backend, t0.Add(at), nil)
		_, err := gate.Register(context.Background(), openTournament(), domain.Participant{StudentID: "s1"})
		if !errors.Is(err, domain.ErrWindowClosed) {
			t.Fatalf("at %v expected window closed, got %v", at, err)
		}
	}
	if backend.calls != 0 {
		t.Fatalf("expected no backend calls, got %d", backend.calls)
	}
}

func TestRegisterRequiresEntitlementForPaidTournament(t *testing.T) {
	tour := openTournament()
	tour.IsFree = false
	gate := newGate(newFakeBackend(), t0.Add(time.Minute), nil)

	if _, err := gate.Register(context.Background(), tour, domain.Participant{StudentID: "s1"}); !errors.Is(err, domain.ErrEntitlementRequired) {
		t.Fatalf("expected entitlement error, got %v", err)
	}
	if _, err := gate.Register(context.Background(), tour, domain.Participant{StudentID: "s1", HasActivePlan: true}); err != nil {
		t.Fatalf("expected paid plan to register, got %v", err)
	}
}

func TestDuplicateRegistrationResolvesToExisting(t *testing.T) {
	backend := newFakeBackend()
	gate := newGate(backend, t0.Add(time.Minute), nil)
	ctx := context.Background()
	p := domain.Participant{StudentID: "s1"}

	first, err := gate.Register(ctx, openTournament(), p)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := gate.Register(ctx, openTournament(), p)
	if err != nil {
		t.Fatalf("duplicate register should resolve, got %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same registration, got %s vs %s", first.ID, second.ID)
	}
}

func TestRegisteredParticipantAfterWindowResolvesToExisting(t *testing.T) {
	backend := newFakeBackend()
	ctx := context.Background()
	p := domain.Participant{StudentID: "s1"}

	first, err := newGate(backend, t0.Add(time.Minute), nil).Register(ctx, openTournament(), p)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	late := newGate(backend, t0.Add(90*time.Minute), nil)
	again, err := late.Register(ctx, openTournament(), p)
	if err != nil {
		t.Fatalf("registered participant after close should resolve, got %v", err)
	}
	if again.ID != first.ID || backend.calls != 1 {
		t.Fatalf("expected existing %s without a new call, got %s after %d calls", first.ID, again.ID, backend.calls)
	}
	if _, err := late.Register(ctx, openTournament(), domain.Participant{StudentID: "s2"}); !errors.Is(err, domain.ErrWindowClosed) {
		t.Fatalf("unregistered participant after close: %v", err)
	}
}

func TestCapacityFullFromSnapshotAndBackend(t *testing.T) {
	ctx := context.Background()
	tour := openTournament()
	limit := 1
	tour.MaxParticipants = &limit
	tour.RegisteredCount = 1

	backend := newFakeBackend()
	gate := newGate(backend, t0.Add(time.Minute), nil)
	if _, err := gate.Register(ctx, tour, domain.Participant{StudentID: "s2"}); !errors.Is(err, domain.ErrCapacityFull) {
		t.Fatalf("expected capacity full from snapshot, got %v", err)
	}

	// A stale snapshot still reports room; the backend is authoritative.
	tour.RegisteredCount = 0
	backend.capacity = 0
	refresher := &countingRefresher{}
	gate = newGate(backend, t0.Add(time.Minute), refresher)
	_, err := gate.Register(ctx, tour, domain.Participant{StudentID: "s2"})
	if !errors.Is(err, domain.ErrCapacityFull) || domain.Classify(err) != domain.KindCapacity {
		t.Fatalf("expected capacity full from backend, got %v", err)
	}
	if len(refresher.ids) != 1 {
		t.Fatalf("expected refresh after capacity rejection")
	}
}

func TestIsRegistered(t *testing.T) {
	backend := newFakeBackend()
	gate := newGate(backend, t0.Add(time.Minute), nil)
	ctx := context.Background()
	p := domain.Participant{StudentID: "s1"}

	if ok, err := gate.IsRegistered(ctx, "t-1", p); err != nil || ok {
		t.Fatalf("expected unregistered, got %v %v", ok, err)
	}
	_, _ = gate.Register(ctx, openTournament(), p)
	if ok, err := gate.IsRegistered(ctx, "t-1", p); err != nil || !ok {
		t.Fatalf("expected registered, got %v %v", ok, err)
	}
}
