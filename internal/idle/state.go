package idle

import "time"

// state is the data the controller goroutine owns. Nothing else touches it.
type state struct {
	active   int
	deadline time.Time // zero when no suspend is pending
	gen      uint64

	armed       uint64
	fired       uint64
	failed      uint64
	lastSuspend time.Time
}

// onStart counts a new session and reports whether a pending deadline was
// dropped.
func (s *state) onStart() bool {
	s.active++
	if s.deadline.IsZero() {
		return false
	}
	s.clearDeadline()
	return true
}

// onEnd counts a finished session and reports whether the count reached
// zero. Ending more sessions than were started is a programming error.
func (s *state) onEnd() bool {
	if s.active == 0 {
		panic("idle: session end without a matching start")
	}
	s.active--
	return s.active == 0
}

func (s *state) arm(now time.Time, timeout time.Duration) (uint64, time.Time) {
	s.gen++
	s.armed++
	s.deadline = now.Add(timeout)
	return s.gen, s.deadline
}

func (s *state) clearDeadline() {
	s.gen++
	s.deadline = time.Time{}
}

// expired reports whether a timer of generation gen should suspend the
// backend, and consumes the deadline if so.
func (s *state) expired(gen uint64) bool {
	if gen != s.gen || s.deadline.IsZero() || s.active != 0 {
		return false
	}
	s.deadline = time.Time{}
	return true
}

func (s *state) recordSuspend(at time.Time, err error) {
	s.fired++
	if err != nil {
		s.failed++
		return
	}
	s.lastSuspend = at
}

func (s *state) snapshot() Snapshot {
	snap := Snapshot{
		Active:         s.active,
		DeadlinesArmed: s.armed,
		SuspendsFired:  s.fired,
		SuspendErrors:  s.failed,
	}
	if !s.deadline.IsZero() {
		d := s.deadline
		snap.Deadline = &d
	}
	if !s.lastSuspend.IsZero() {
		t := s.lastSuspend
		snap.LastSuspend = &t
	}
	return snap
}
