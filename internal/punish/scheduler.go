package punish

import (
	"fmt"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

type realTimer struct{ t *time.Timer }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

func (t realTimer) Stop() bool { return t.t.Stop() }

type Kind string

const (
	KindMute       Kind = "mute"
	KindSuspension Kind = "suspension"
)

func (k Kind) Valid() bool {
	return k == KindMute || k == KindSuspension
}

type slotKey struct {
	guildID string
	userID  string
}

type slot struct {
	id       uint64
	timer    Timer
	deadline time.Time
}

// Scheduler owns the pending punishment timers of this process, one per
// (kind, guild, member). A callback only runs if its slot is still the one
// registered when it fires.
type Scheduler struct {
	mu    sync.Mutex
	clock Clock
	seq   uint64
	slots map[Kind]map[slotKey]*slot
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		clock: realClock{},
		slots: make(map[Kind]map[slotKey]*slot),
	}
}

func (s *Scheduler) WithClock(clock Clock) {
	s.clock = clock
}

func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Schedule arms fire to run after delay, replacing any pending timer for the
// same member. Callers must not pass delays above MaxDuration.
func (s *Scheduler) Schedule(kind Kind, guildID, userID string, delay time.Duration, fire func()) error {
	if delay > time.Duration(MaxDuration)*time.Millisecond {
		return fmt.Errorf("%w: %s", ErrDurationTooLong, delay)
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := s.slots[kind]
	if byKey == nil {
		byKey = make(map[slotKey]*slot)
		s.slots[kind] = byKey
	}
	key := slotKey{guildID: guildID, userID: userID}
	if existing := byKey[key]; existing != nil {
		existing.timer.Stop()
	}

	s.seq++
	id := s.seq
	entry := &slot{id: id, deadline: s.clock.Now().Add(delay)}
	byKey[key] = entry
	entry.timer = s.clock.AfterFunc(delay, func() {
		if !s.release(kind, key, id) {
			return
		}
		fire()
	})
	return nil
}

// Cancel stops the member's pending timer and reports whether one existed.
func (s *Scheduler) Cancel(kind Kind, guildID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := slotKey{guildID: guildID, userID: userID}
	entry := s.slots[kind][key]
	if entry == nil {
		return false
	}
	entry.timer.Stop()
	delete(s.slots[kind], key)
	return true
}

// CancelAll stops every pending timer of kind in the guild and returns the
// affected member IDs.
func (s *Scheduler) CancelAll(kind Kind, guildID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []string
	for key, entry := range s.slots[kind] {
		if key.guildID != guildID {
			continue
		}
		entry.timer.Stop()
		delete(s.slots[kind], key)
		users = append(users, key.userID)
	}
	return users
}

// Pending returns the deadline of the member's timer, if armed.
func (s *Scheduler) Pending(kind Kind, guildID, userID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.slots[kind][slotKey{guildID: guildID, userID: userID}]
	if entry == nil {
		return time.Time{}, false
	}
	return entry.deadline, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, byKey := range s.slots {
		n += len(byKey)
	}
	return n
}

// Stop disarms every timer. Persisted punishments are left alone and
// rescheduled by the next recovery.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, byKey := range s.slots {
		for _, entry := range byKey {
			entry.timer.Stop()
		}
		delete(s.slots, kind)
	}
}

func (s *Scheduler) release(kind Kind, key slotKey, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.slots[kind][key]
	if entry == nil || entry.id != id {
		return false
	}
	delete(s.slots[kind], key)
	return true
}
