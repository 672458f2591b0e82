package idle

import (
	"context"

	"github.com/slumber-project/slumber/internal/events"
)

// Waker brings the backend up for a manual resume.
type Waker interface {
	Wake(ctx context.Context) error
}

// HandleCommands answers cmd_suspend_backend and cmd_resume_backend events
// from the bus. Emit them with EmitSync to get the result back.
func (c *Controller) HandleCommands(bus *events.EventBus, w Waker) {
	bus.Subscribe("idle_commands", func(ctx context.Context, e events.Event) error {
		switch e.Type {
		case events.EventSuspendBackend:
			return c.SuspendNow(ctx)
		case events.EventResumeBackend:
			return c.Hold(ctx, w.Wake)
		}
		return nil
	}, events.EventSuspendBackend, events.EventResumeBackend)
}
