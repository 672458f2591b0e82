package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slumber-project/slumber/internal/config"
	"github.com/slumber-project/slumber/internal/events"
	"github.com/slumber-project/slumber/internal/util"
)

// ErrBackendNotReady is returned by Wake when the backend does not accept
// connections within the ready timeout.
var ErrBackendNotReady = errors.New("backend did not become ready")

// ErrUnmanaged is returned for operations that need a process the proxy
// did not launch.
var ErrUnmanaged = errors.New("backend is not managed by the proxy")

// Backend supervises the game server behind the proxy. All lifecycle
// operations are serialized; readiness checks are not.
type Backend struct {
	mu       sync.Mutex
	cfg      config.BackendConfig
	proc     Process         // nil when the backend is started by someone else
	pm       *ProcessManager // set when proc is a real OS process
	strategy Strategy
	state    *BackendState
	bus      *events.EventBus
	logger   zerolog.Logger

	pollInterval time.Duration
	probeTimeout time.Duration
}

// NewBackend creates a supervisor for cfg. When cfg is managed, the backend
// process is launched as `java -jar <server file> <arguments>`.
func NewBackend(cfg config.BackendConfig, bus *events.EventBus) (*Backend, error) {
	strategy, err := NewStrategy(cfg.SuspendMode)
	if err != nil {
		return nil, err
	}

	b := newBackend(cfg, nil, strategy, bus)
	if cfg.Managed() {
		pcfg := JavaProcessConfig(cfg.JavaPath, cfg.ServerFile, cfg.Arguments, cfg.WorkDirectory, cfg.ForwardOutput)
		pcfg.OnLine = b.handleConsoleLine
		pm := NewProcessManager(pcfg)
		pm.OnExit(b.handleExit)
		b.proc = pm
		b.pm = pm
	}
	return b, nil
}

// handleConsoleLine tracks players and startup time from console output.
func (b *Backend) handleConsoleLine(line string) {
	cl := ParseConsoleLine(line)
	switch cl.Kind {
	case ConsoleStarted:
		b.state.RecordStartup(cl.Startup)
		b.logger.Info().Dur("startup", cl.Startup).Msg("backend finished starting")
	case ConsoleJoined:
		b.state.PlayerJoined(cl.Player, time.Now())
		b.logger.Info().Str("player", cl.Player).Msg("player joined")
	case ConsoleLeft:
		b.state.PlayerLeft(cl.Player)
		b.logger.Info().Str("player", cl.Player).Msg("player left")
	case ConsoleChat:
		b.logger.Debug().Str("player", cl.Player).Str("message", cl.Message).Msg("chat")
	}
}

func newBackend(cfg config.BackendConfig, proc Process, strategy Strategy, bus *events.EventBus) *Backend {
	return &Backend{
		cfg:          cfg,
		proc:         proc,
		strategy:     strategy,
		state:        NewBackendState(),
		bus:          bus,
		logger:       util.ComponentLogger("backend").With().Str("addr", cfg.Addr()).Logger(),
		pollInterval: 250 * time.Millisecond,
		probeTimeout: time.Second,
	}
}

// Managed reports whether the proxy owns the backend process.
func (b *Backend) Managed() bool {
	return b.proc != nil
}

// Mode returns the configured suspend strategy name.
func (b *Backend) Mode() string {
	return b.strategy.Name()
}

// Addr returns the backend's host:port.
func (b *Backend) Addr() string {
	return b.cfg.Addr()
}

// Spawn launches the backend process. For an unmanaged backend it only
// marks the backend as starting so the first readiness probe can promote it.
func (b *Backend) Spawn(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.proc == nil {
		b.logger.Info().Msg("backend is unmanaged, waiting for it to accept connections")
		b.setStatus(ctx, events.BackendStarting)
		return nil
	}
	if b.proc.IsRunning() {
		return nil
	}

	if err := b.proc.Start(ctx); err != nil {
		b.state.RecordError(err.Error())
		return fmt.Errorf("failed to spawn backend: %w", err)
	}
	b.state.SetPID(b.proc.PID())
	b.setStatus(ctx, events.BackendStarting)
	return nil
}

// Suspend takes the backend offline with the configured strategy.
func (b *Backend) Suspend(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := b.state.GetStatus()
	switch {
	case b.proc == nil:
		b.logger.Info().Msg("backend is unmanaged, not suspending")
		return nil
	case b.strategy.Name() == config.SuspendNone:
		b.logger.Info().Msg("suspend mode is none, leaving backend running")
		return nil
	case status == events.BackendSuspended:
		return nil
	case !b.proc.IsRunning():
		b.logger.Debug().Str("status", status.String()).Msg("backend not running, nothing to suspend")
		return nil
	}

	b.logger.Info().Str("mode", b.strategy.Name()).Msg("suspending backend")
	if b.strategy.Name() == config.SuspendStop {
		b.setStatus(ctx, events.BackendStopping)
	}

	sctx := ctx
	if b.strategy.Name() == config.SuspendStop && b.cfg.StopTimeoutSec > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, b.cfg.StopTimeout())
		defer cancel()
	}

	if err := b.strategy.Suspend(sctx, b.proc); err != nil {
		b.state.RecordError(err.Error())
		if status != b.state.GetStatus() {
			b.setStatus(ctx, status)
		}
		return fmt.Errorf("failed to suspend backend: %w", err)
	}
	b.setStatus(ctx, events.BackendSuspended)
	return nil
}

// Resume brings a suspended or exited backend back. It returns once the
// process is running; use Wake to also wait for readiness.
func (b *Backend) Resume(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.proc == nil {
		return nil
	}

	status := b.state.GetStatus()
	if status != events.BackendSuspended && b.proc.IsRunning() {
		return nil
	}

	b.logger.Info().Str("mode", b.strategy.Name()).Str("from", status.String()).Msg("resuming backend")
	if err := b.strategy.Resume(ctx, b.proc); err != nil {
		b.state.RecordError(err.Error())
		return fmt.Errorf("failed to resume backend: %w", err)
	}
	b.state.SetPID(b.proc.PID())
	b.setStatus(ctx, events.BackendStarting)
	return nil
}

// IsReady reports whether the backend accepts TCP connections. A suspended
// backend is never ready: the kernel would still complete the handshake.
func (b *Backend) IsReady(ctx context.Context) bool {
	if b.state.GetStatus() == events.BackendSuspended {
		return false
	}

	dctx, cancel := context.WithTimeout(ctx, b.probeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", b.cfg.Addr())
	if err != nil {
		return false
	}
	conn.Close()

	b.mu.Lock()
	if b.state.GetStatus() == events.BackendStarting || b.proc == nil {
		b.setStatus(ctx, events.BackendReady)
	}
	b.mu.Unlock()
	return true
}

// Wake resumes the backend if needed and waits until it accepts
// connections or the ready timeout passes.
func (b *Backend) Wake(ctx context.Context) error {
	if err := b.Resume(ctx); err != nil {
		return err
	}
	if b.IsReady(ctx) {
		return nil
	}

	timeout := b.cfg.ReadyTimeout()
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wctx.Done():
			return fmt.Errorf("%w after %v", ErrBackendNotReady, time.Since(started).Round(time.Millisecond))
		case <-ticker.C:
			if b.IsReady(wctx) {
				b.logger.Info().Dur("waited", time.Since(started)).Msg("backend ready")
				return nil
			}
		}
	}
}

// Stop shuts the backend down for good (proxy shutdown).
func (b *Backend) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.proc == nil || !b.proc.IsRunning() {
		b.setStatus(ctx, events.BackendStopped)
		return nil
	}

	b.setStatus(ctx, events.BackendStopping)
	sctx, cancel := context.WithTimeout(ctx, b.cfg.StopTimeout())
	defer cancel()

	err := b.proc.Stop(sctx)
	b.state.SetPID(0)
	b.setStatus(ctx, events.BackendStopped)
	return err
}

// SendCommand writes a line to the backend's console.
func (b *Backend) SendCommand(line string) error {
	if b.pm == nil {
		return ErrUnmanaged
	}
	return b.pm.SendCommand(line)
}

// Status returns the current lifecycle status.
func (b *Backend) Status() events.BackendStatus {
	return b.state.GetStatus()
}

// Snapshot returns the backend state with current resource usage.
func (b *Backend) Snapshot() BackendSnapshot {
	snap := b.state.Snapshot()
	if b.pm != nil && snap.Status != events.BackendSuspended {
		if cpu, mem, err := b.pm.Usage(); err == nil {
			snap.CPUPercent = cpu
			snap.MemoryMB = mem
		}
	}
	return snap
}

// handleExit runs when the managed process exits. Exits the supervisor did
// not ask for are crashes.
func (b *Backend) handleExit(pid, exitCode int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.proc == nil || b.proc.PID() != pid {
		return
	}

	switch b.state.GetStatus() {
	case events.BackendStopping, events.BackendStopped, events.BackendSuspended:
		return
	}

	msg := fmt.Sprintf("exit code %d", exitCode)
	if err != nil {
		msg = err.Error()
	}
	b.logger.Error().Int("pid", pid).Int("exit_code", exitCode).Msg("backend exited unexpectedly")
	b.state.RecordCrash(msg)
	b.state.SetPID(0)

	ctx := context.Background()
	b.setStatus(ctx, events.BackendStopped)
	b.emit(ctx, events.EventBackendCrashed, events.BackendCrashedPayload{
		PID:      pid,
		ExitCode: exitCode,
		Err:      msg,
	})
}

// setStatus must be called with b.mu held.
func (b *Backend) setStatus(ctx context.Context, status events.BackendStatus) {
	old := b.state.SetStatus(status)
	if old == status {
		return
	}
	b.logger.Info().Str("from", old.String()).Str("to", status.String()).Msg("backend status changed")
	b.emit(ctx, events.EventBackendStateChanged, events.BackendStatePayload{
		Previous: old,
		Current:  status,
		PID:      b.state.Snapshot().PID,
	})
}

func (b *Backend) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if b.bus == nil {
		return
	}
	b.bus.Emit(ctx, events.Event{Type: t, Source: "backend", Payload: payload})
}
