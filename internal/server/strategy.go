package server

import (
	"context"
	"fmt"

	"github.com/slumber-project/slumber/internal/config"
)

// Process is the slice of ProcessManager a suspend strategy drives.
type Process interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Continue(ctx context.Context) error
	IsRunning() bool
	PID() int
}

// Strategy is a technique for taking an idle backend offline and bringing
// it back.
type Strategy interface {
	Name() string
	Suspend(ctx context.Context, p Process) error
	Resume(ctx context.Context, p Process) error
}

// NewStrategy returns the strategy for a config suspend mode.
func NewStrategy(mode string) (Strategy, error) {
	switch mode {
	case config.SuspendPause, "":
		return pauseStrategy{}, nil
	case config.SuspendStop:
		return stopStrategy{}, nil
	case config.SuspendNone:
		return noneStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown suspend mode %q", mode)
	}
}

// pauseStrategy freezes the process in memory. Resuming is instant and
// keeps the world loaded.
type pauseStrategy struct{}

func (pauseStrategy) Name() string { return config.SuspendPause }

func (pauseStrategy) Suspend(ctx context.Context, p Process) error {
	return p.Pause(ctx)
}

func (pauseStrategy) Resume(ctx context.Context, p Process) error {
	if !p.IsRunning() {
		return p.Start(ctx)
	}
	return p.Continue(ctx)
}

// stopStrategy shuts the server down and starts it again on resume.
type stopStrategy struct{}

func (stopStrategy) Name() string { return config.SuspendStop }

func (stopStrategy) Suspend(ctx context.Context, p Process) error {
	return p.Stop(ctx)
}

func (stopStrategy) Resume(ctx context.Context, p Process) error {
	if p.IsRunning() {
		return nil
	}
	return p.Start(ctx)
}

// noneStrategy leaves the process alone; the proxy only records idleness.
type noneStrategy struct{}

func (noneStrategy) Name() string { return config.SuspendNone }

func (noneStrategy) Suspend(context.Context, Process) error { return nil }

func (noneStrategy) Resume(ctx context.Context, p Process) error {
	if !p.IsRunning() {
		return p.Start(ctx)
	}
	return nil
}
