package line

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// tickInterval is how often display updates are emitted for armed lines
const tickInterval = time.Second

// Scheduler maintains one live countdown per killed line. Remaining time
// is always recomputed from the wall clock against the stored deadline,
// never decremented, so timers stay correct across restarts and snapshot
// imports with stale kill timestamps.
type Scheduler struct {
	clock    clockwork.Clock
	duration func() time.Duration
	expire   func(lineID int)
	onTick   func(lineID int, remaining time.Duration)

	mu        sync.Mutex
	timers    map[int]clockwork.Timer
	deadlines map[int]time.Time

	ctx context.Context
}

// NewScheduler creates a scheduler. duration is read at arm time so a
// global mode switch (normal vs test duration) applies to new kills
// without touching already-armed lines. expire is invoked exactly once
// per armed line when its deadline elapses.
func NewScheduler(clock clockwork.Clock, duration func() time.Duration, expire func(lineID int), onTick func(lineID int, remaining time.Duration)) *Scheduler {
	return &Scheduler{
		clock:     clock,
		duration:  duration,
		expire:    expire,
		onTick:    onTick,
		timers:    make(map[int]clockwork.Timer),
		deadlines: make(map[int]time.Time),
		ctx:       context.Background(),
	}
}

// Start launches the display tick loop, which runs until ctx is
// cancelled. Timer goroutines armed after Start are bound to the same ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := s.clock.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("scheduler tick loop stopped")
			return
		case <-ticker.Chan():
			s.emitTicks()
		}
	}
}

// Arm schedules expiry for a line killed at killedAt, replacing any
// existing timer for that line. If the deadline has already passed (a
// restored snapshot or a remote change with an old kill time), expire
// fires immediately instead of arming.
func (s *Scheduler) Arm(lineID int, killedAt time.Time) {
	deadline := killedAt.Add(s.duration())
	wait := deadline.Sub(s.clock.Now())
	if wait <= 0 {
		s.Disarm(lineID)
		log.Debug().Int("line", lineID).Time("deadline", deadline).Msg("deadline already passed, expiring immediately")
		s.expire(lineID)
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	timer := s.clock.NewTimer(wait)
	if existing, ok := s.timers[lineID]; ok {
		stopAndDrainTimer(existing)
	}
	s.timers[lineID] = timer
	s.deadlines[lineID] = deadline
	s.mu.Unlock()

	go func() {
		select {
		case <-timer.Chan():
			s.remove(lineID, timer)
			s.expire(lineID)
		case <-ctx.Done():
			stopAndDrainTimer(timer)
			s.remove(lineID, timer)
		}
	}()

	log.Debug().
		Int("line", lineID).
		Time("deadline", deadline).
		Dur("wait", wait).
		Msg("armed respawn timer")
}

// Disarm cancels the timer for a line, if any
func (s *Scheduler) Disarm(lineID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[lineID]; ok {
		stopAndDrainTimer(timer)
		delete(s.timers, lineID)
		delete(s.deadlines, lineID)
		log.Debug().Int("line", lineID).Msg("disarmed respawn timer")
	}
}

// Deadline returns the live deadline for a line, if one is armed
func (s *Scheduler) Deadline(lineID int) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deadlines[lineID]
	return d, ok
}

// remove drops a timer entry only if it is still the registered timer;
// a re-arm may have replaced it between fire and cleanup.
func (s *Scheduler) remove(lineID int, timer clockwork.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.timers[lineID]; ok && current == timer {
		delete(s.timers, lineID)
		delete(s.deadlines, lineID)
	}
}

func (s *Scheduler) emitTicks() {
	if s.onTick == nil {
		return
	}

	now := s.clock.Now()
	s.mu.Lock()
	type tick struct {
		lineID    int
		remaining time.Duration
	}
	ticks := make([]tick, 0, len(s.deadlines))
	for lineID, deadline := range s.deadlines {
		if remaining := deadline.Sub(now); remaining > 0 {
			ticks = append(ticks, tick{lineID, remaining})
		}
	}
	s.mu.Unlock()

	for _, t := range ticks {
		s.onTick(t.lineID, t.remaining)
	}
}

// stopAndDrainTimer safely stops a timer and drains its channel to
// prevent goroutine leaks, per the time.Timer.Stop() documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

// FormatRemaining renders a countdown as hours:minutes:seconds
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
