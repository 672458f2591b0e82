// Package idle decides when the backend may be suspended. A single goroutine
// owns the count of active sessions and the pending suspend deadline; every
// other goroutine talks to it over one ordered channel.
package idle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slumber-project/slumber/internal/events"
	"github.com/slumber-project/slumber/internal/util"
)

// ErrStopped is returned by queries made after Run has returned.
var ErrStopped = errors.New("idle controller stopped")

// ErrSessionsActive is returned by SuspendNow while sessions are open.
var ErrSessionsActive = errors.New("sessions are active")

// Suspender is the part of the backend supervisor the controller drives.
type Suspender interface {
	Suspend(ctx context.Context) error
}

// Options configures a Controller.
type Options struct {
	// Timeout is how long the session count must stay at zero before the
	// backend is suspended.
	Timeout time.Duration
	// ArmOnStart arms the deadline as soon as Run starts, so a backend that
	// nobody ever joins is still suspended.
	ArmOnStart bool
	// SuspendTimeout bounds a single Suspend call. Zero means 30s.
	SuspendTimeout time.Duration
	// Bus receives idle_armed, idle_cancelled and suspend_requested events.
	// May be nil.
	Bus *events.EventBus
}

// Snapshot is a point-in-time copy of the controller's state.
type Snapshot struct {
	Active         int        `json:"active_sessions"`
	Deadline       *time.Time `json:"suspend_deadline,omitempty"`
	DeadlinesArmed uint64     `json:"deadlines_armed"`
	SuspendsFired  uint64     `json:"suspends_fired"`
	SuspendErrors  uint64     `json:"suspend_errors"`
	LastSuspend    *time.Time `json:"last_suspend,omitempty"`
}

type msgKind int

const (
	msgStart msgKind = iota
	msgEnd
	msgExpired
	msgSnapshot
	msgSuspendNow
)

type message struct {
	kind msgKind
	gen  uint64
	ack  chan struct{}
	snap chan Snapshot
	err  chan error
}

// Controller is the idle-suspend actor. Create it with New and start it
// with Run; Begin, Snapshot and SuspendNow may be called from any goroutine.
type Controller struct {
	opts      Options
	suspender Suspender
	inbox     chan message
	done      chan struct{}
	runOnce   sync.Once
	logger    zerolog.Logger

	// Owned by the Run goroutine.
	st    state
	timer *time.Timer
}

// New creates a Controller that calls s.Suspend after opts.Timeout of idleness.
func New(s Suspender, opts Options) *Controller {
	if opts.SuspendTimeout <= 0 {
		opts.SuspendTimeout = 30 * time.Second
	}
	return &Controller{
		opts:      opts,
		suspender: s,
		inbox:     make(chan message, 64),
		done:      make(chan struct{}),
		logger:    util.ComponentLogger("idle"),
	}
}

// Begin records the start of a session and returns the function that
// records its end. Begin returns once the start has been counted, so a
// suspend already in progress finishes before the caller goes on to wake the
// backend. The returned end is safe to call more than once; only the first
// call counts. If the controller is not running, Begin counts nothing and
// returns a no-op.
func (c *Controller) Begin(ctx context.Context) (end func()) {
	ack := make(chan struct{})
	select {
	case c.inbox <- message{kind: msgStart, ack: ack}:
	case <-c.done:
		return func() {}
	case <-ctx.Done():
		return func() {}
	}

	// The loop acks every start it receives before it can exit.
	select {
	case <-ack:
	case <-c.done:
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			select {
			case c.inbox <- message{kind: msgEnd}:
			case <-c.done:
			}
		})
	}
}

// Hold runs fn counted as a session. A backend woken by hand inside fn is
// therefore suspended again once it has been idle for the timeout.
func (c *Controller) Hold(ctx context.Context, fn func(context.Context) error) error {
	end := c.Begin(ctx)
	defer end()
	return fn(ctx)
}

// Snapshot returns the controller's current state.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case c.inbox <- message{kind: msgSnapshot, snap: reply}:
	case <-c.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-c.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// SuspendNow suspends the backend immediately if no session is active.
func (c *Controller) SuspendNow(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case c.inbox <- message{kind: msgSuspendNow, err: reply}:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Run processes events until ctx is cancelled. It must be called exactly once.
func (c *Controller) Run(ctx context.Context) {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		panic("idle: Run called twice")
	}
	defer close(c.done)
	defer c.stopTimer()

	c.logger.Info().
		Dur("timeout", c.opts.Timeout).
		Bool("arm_on_start", c.opts.ArmOnStart).
		Msg("idle controller started")

	if c.opts.ArmOnStart {
		c.arm(ctx, time.Now())
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Int("active", c.st.active).Msg("idle controller stopped")
			return
		case m := <-c.inbox:
			c.handle(ctx, m)
		}
	}
}

func (c *Controller) handle(ctx context.Context, m message) {
	switch m.kind {
	case msgStart:
		hadDeadline := c.st.onStart()
		close(m.ack)
		if hadDeadline {
			c.stopTimer()
			c.logger.Debug().Int("active", c.st.active).Msg("suspend deadline cancelled")
			c.emit(ctx, events.EventIdleCancelled, events.IdlePayload{Active: c.st.active})
		}

	case msgEnd:
		if c.st.onEnd() {
			c.arm(ctx, time.Now())
		}

	case msgExpired:
		if !c.st.expired(m.gen) {
			return
		}
		idleFor := c.opts.Timeout
		c.logger.Info().Dur("idle_for", idleFor).Msg("idle timeout reached, suspending backend")
		err := c.suspend(ctx)
		payload := events.SuspendRequestedPayload{IdleFor: idleFor}
		if err != nil {
			payload.Err = err.Error()
		}
		c.emit(ctx, events.EventSuspendRequested, payload)

	case msgSnapshot:
		m.snap <- c.st.snapshot()

	case msgSuspendNow:
		if c.st.active > 0 {
			m.err <- fmt.Errorf("%w: %d", ErrSessionsActive, c.st.active)
			return
		}
		c.stopTimer()
		c.st.clearDeadline()
		c.logger.Info().Msg("suspending backend on request")
		m.err <- c.suspend(ctx)
	}
}

func (c *Controller) suspend(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, c.opts.SuspendTimeout)
	defer cancel()

	err := c.suspender.Suspend(sctx)
	c.st.recordSuspend(time.Now(), err)
	if err != nil {
		c.logger.Error().Err(err).Msg("backend suspend failed")
	}
	return err
}

// arm starts the suspend timer. Expiry is delivered back through the inbox
// tagged with the deadline's generation so a stale timer is ignored.
func (c *Controller) arm(ctx context.Context, now time.Time) {
	c.stopTimer()
	gen, deadline := c.st.arm(now, c.opts.Timeout)
	c.timer = time.AfterFunc(c.opts.Timeout, func() {
		select {
		case c.inbox <- message{kind: msgExpired, gen: gen}:
		case <-c.done:
		}
	})

	c.logger.Debug().Time("deadline", deadline).Msg("suspend deadline armed")
	c.emit(ctx, events.EventIdleArmed, events.IdlePayload{Deadline: deadline})
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if c.opts.Bus == nil {
		return
	}
	c.opts.Bus.Emit(ctx, events.Event{Type: t, Source: "idle", Payload: payload})
}

// ActiveSessions returns the live session count, or 0 if the controller
// cannot answer.
func (c *Controller) ActiveSessions(ctx context.Context) int {
	s, err := c.Snapshot(ctx)
	if err != nil {
		return 0
	}
	return s.Active
}
