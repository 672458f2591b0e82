// Package server supervises the backend game server: launching it, pausing
// or stopping it when the proxy reports it idle, and bringing it back when a
// player connects.
package server

import (
	"sort"
	"sync"
	"time"

	"github.com/slumber-project/slumber/internal/events"
)

// BackendState tracks the backend's lifecycle status and counters. It is
// safe for concurrent use.
type BackendState struct {
	mu sync.RWMutex

	Status          events.BackendStatus
	StatusChangedAt time.Time
	PID             int
	StartedAt       time.Time
	SuspendedAt     time.Time

	Suspends  int
	Resumes   int
	Crashes   int
	LastError string

	// Total time spent suspended, not counting the current suspension.
	SuspendedFor time.Duration

	// From the console: players currently in game and how long the last
	// startup took.
	Players     map[string]time.Time
	LastStartup time.Duration
}

// NewBackendState creates a BackendState in the stopped status.
func NewBackendState() *BackendState {
	return &BackendState{
		Status:          events.BackendStopped,
		StatusChangedAt: time.Now(),
		Players:         make(map[string]time.Time),
	}
}

// SetStatus records a transition and returns the previous status.
func (s *BackendState) SetStatus(status events.BackendStatus) events.BackendStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.Status
	if old == status {
		return old
	}
	now := time.Now()
	switch {
	case status == events.BackendSuspended:
		s.Suspends++
		s.SuspendedAt = now
	case old == events.BackendSuspended:
		s.Resumes++
		s.SuspendedFor += now.Sub(s.SuspendedAt)
		s.SuspendedAt = time.Time{}
	}
	if status == events.BackendStarting && old == events.BackendStopped {
		s.StartedAt = now
	}
	if status == events.BackendStopped {
		clear(s.Players)
	}
	s.Status = status
	s.StatusChangedAt = now
	return old
}

// GetStatus returns the current status.
func (s *BackendState) GetStatus() events.BackendStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

// SetPID records the process ID of the running backend (0 when none).
func (s *BackendState) SetPID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PID = pid
}

// RecordCrash counts an unexpected exit.
func (s *BackendState) RecordCrash(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Crashes++
	s.LastError = msg
}

// RecordError stores the most recent lifecycle error.
func (s *BackendState) RecordError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastError = msg
}

// PlayerJoined records a join seen on the console.
func (s *BackendState) PlayerJoined(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Players[name] = at
}

// PlayerLeft records a leave seen on the console.
func (s *BackendState) PlayerLeft(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Players, name)
}

// RecordStartup stores how long the backend reported its startup took.
func (s *BackendState) RecordStartup(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastStartup = d
}

// Snapshot returns a read-only copy of the current state.
func (s *BackendState) Snapshot() BackendSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suspendedFor := s.SuspendedFor
	if s.Status == events.BackendSuspended {
		suspendedFor += time.Since(s.SuspendedAt)
	}
	players := make([]string, 0, len(s.Players))
	for name := range s.Players {
		players = append(players, name)
	}
	sort.Strings(players)

	return BackendSnapshot{
		Status:          s.Status,
		StatusChangedAt: s.StatusChangedAt,
		PID:             s.PID,
		StartedAt:       s.StartedAt,
		Suspends:        s.Suspends,
		Resumes:         s.Resumes,
		Crashes:         s.Crashes,
		LastError:       s.LastError,
		SuspendedSec:    suspendedFor.Seconds(),
		Players:         players,
		StartupSec:      s.LastStartup.Seconds(),
	}
}

// BackendSnapshot is an immutable snapshot of a BackendState.
type BackendSnapshot struct {
	Status          events.BackendStatus `json:"status"`
	StatusChangedAt time.Time            `json:"status_changed_at"`
	PID             int                  `json:"pid"`
	StartedAt       time.Time            `json:"started_at"`
	Suspends        int                  `json:"suspends"`
	Resumes         int                  `json:"resumes"`
	Crashes         int                  `json:"crashes"`
	LastError       string               `json:"last_error,omitempty"`
	SuspendedSec    float64              `json:"suspended_seconds"`
	CPUPercent      float64              `json:"cpu_percent"`
	MemoryMB        float64              `json:"memory_mb"`
	Players         []string             `json:"players"`
	StartupSec      float64              `json:"startup_seconds,omitempty"`
}
