package punish

import (
	"errors"
	"testing"
	"time"
)

func TestSchedulerFiresOnce(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler()
	s.WithClock(clock)

	fired := 0
	if err := s.Schedule(KindMute, "g1", "u1", time.Minute, func() { fired++ }); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if deadline, ok := s.Pending(KindMute, "g1", "u1"); !ok || !deadline.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("unexpected pending deadline %v %v", deadline, ok)
	}

	clock.Advance(30 * time.Second)
	if fired != 0 {
		t.Fatalf("fired early")
	}
	clock.Advance(30 * time.Second)
	if fired != 1 {
		t.Fatalf("expected one firing, got %d", fired)
	}
	if s.Len() != 0 {
		t.Fatalf("expected slot released")
	}
}

func TestSchedulerCancelWinsLostStopRace(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler()
	s.WithClock(clock)

	fired := false
	_ = s.Schedule(KindMute, "g1", "u1", time.Minute, func() { fired = true })
	if !s.Cancel(KindMute, "g1", "u1") {
		t.Fatalf("expected cancel to find the timer")
	}
	if s.Cancel(KindMute, "g1", "u1") {
		t.Fatalf("second cancel should report nothing")
	}

	// run the callback as if Stop lost the race
	clock.timers[0].fn()
	if fired {
		t.Fatalf("cancelled timer acted")
	}
}

func TestSchedulerReplaceKeepsNewest(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler()
	s.WithClock(clock)

	var got []string
	_ = s.Schedule(KindSuspension, "g1", "u1", time.Minute, func() { got = append(got, "old") })
	_ = s.Schedule(KindSuspension, "g1", "u1", 2*time.Minute, func() { got = append(got, "new") })

	clock.timers[0].fn()
	clock.Advance(2 * time.Minute)
	if len(got) != 1 || got[0] != "new" {
		t.Fatalf("unexpected firings %v", got)
	}
}

func TestSchedulerCancelAllScopedToGuildAndKind(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler()
	s.WithClock(clock)

	noop := func() {}
	_ = s.Schedule(KindMute, "g1", "u1", time.Minute, noop)
	_ = s.Schedule(KindMute, "g1", "u2", time.Minute, noop)
	_ = s.Schedule(KindMute, "g2", "u1", time.Minute, noop)
	_ = s.Schedule(KindSuspension, "g1", "u3", time.Minute, noop)

	users := s.CancelAll(KindMute, "g1")
	if len(users) != 2 {
		t.Fatalf("expected two cancelled, got %v", users)
	}
	if s.Len() != 2 {
		t.Fatalf("expected two remaining, got %d", s.Len())
	}
}

func TestSchedulerRejectsUnrepresentableDelay(t *testing.T) {
	s := NewScheduler()
	s.WithClock(newFakeClock())
	err := s.Schedule(KindMute, "g1", "u1", time.Duration(MaxDuration+1)*time.Millisecond, func() {})
	if !errors.Is(err, ErrDurationTooLong) {
		t.Fatalf("expected ErrDurationTooLong, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("nothing should be armed")
	}
}
