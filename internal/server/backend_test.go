package server

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/slumber-project/slumber/internal/config"
	"github.com/slumber-project/slumber/internal/events"
)

type fakeProcess struct {
	mu      sync.Mutex
	running bool
	paused  bool
	pid     int
	calls   []string
	failOn  string
}

func (f *fakeProcess) record(call string) error {
	f.calls = append(f.calls, call)
	if f.failOn == call {
		return errors.New(call + " failed")
	}
	return nil
}

func (f *fakeProcess) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("start"); err != nil {
		return err
	}
	f.running = true
	f.pid++
	return nil
}

func (f *fakeProcess) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("stop"); err != nil {
		return err
	}
	f.running = false
	return nil
}

func (f *fakeProcess) Pause(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("pause"); err != nil {
		return err
	}
	f.paused = true
	return nil
}

func (f *fakeProcess) Continue(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("continue"); err != nil {
		return err
	}
	f.paused = false
	return nil
}

func (f *fakeProcess) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeProcess) PID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pid
}

func (f *fakeProcess) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// listenBackend starts a TCP listener standing in for the game server and
// returns a config pointing at it.
func listenBackend(t *testing.T, mode string) config.BackendConfig {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	cfg := config.DefaultConfig().Backend
	cfg.Address = host
	cfg.Port = p
	cfg.SuspendMode = mode
	cfg.ReadyTimeoutSec = 2
	return cfg
}

func newTestBackend(t *testing.T, cfg config.BackendConfig, proc Process) *Backend {
	t.Helper()
	strategy, err := NewStrategy(cfg.SuspendMode)
	if err != nil {
		t.Fatal(err)
	}
	b := newBackend(cfg, proc, strategy, nil)
	b.pollInterval = 10 * time.Millisecond
	return b
}

func TestPauseModeLifecycle(t *testing.T) {
	ctx := context.Background()
	proc := &fakeProcess{}
	b := newTestBackend(t, listenBackend(t, config.SuspendPause), proc)

	if err := b.Spawn(ctx); err != nil {
		t.Fatal(err)
	}
	if b.Status() != events.BackendStarting {
		t.Fatalf("status after spawn = %s", b.Status())
	}
	if !b.IsReady(ctx) || b.Status() != events.BackendReady {
		t.Fatalf("not ready: %s", b.Status())
	}

	if err := b.Suspend(ctx); err != nil {
		t.Fatal(err)
	}
	if b.Status() != events.BackendSuspended || !proc.paused {
		t.Fatalf("after suspend: status=%s paused=%v", b.Status(), proc.paused)
	}
	if b.IsReady(ctx) {
		t.Fatal("suspended backend reported ready")
	}

	// A second suspend is a no-op.
	if err := b.Suspend(ctx); err != nil {
		t.Fatal(err)
	}

	if err := b.Wake(ctx); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if b.Status() != events.BackendReady || proc.paused {
		t.Fatalf("after wake: status=%s paused=%v", b.Status(), proc.paused)
	}

	want := []string{"start", "pause", "continue"}
	if got := proc.Calls(); len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("calls = %v, want %v", got, want)
	}

	snap := b.Snapshot()
	if snap.Suspends != 1 || snap.Resumes != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStopModeRespawns(t *testing.T) {
	ctx := context.Background()
	proc := &fakeProcess{}
	b := newTestBackend(t, listenBackend(t, config.SuspendStop), proc)

	if err := b.Spawn(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Suspend(ctx); err != nil {
		t.Fatal(err)
	}
	if proc.IsRunning() || b.Status() != events.BackendSuspended {
		t.Fatalf("after suspend: running=%v status=%s", proc.IsRunning(), b.Status())
	}

	if err := b.Wake(ctx); err != nil {
		t.Fatal(err)
	}
	if !proc.IsRunning() || proc.PID() != 2 {
		t.Fatalf("backend not respawned: running=%v pid=%d", proc.IsRunning(), proc.PID())
	}
}

func TestNoneModeLeavesBackendRunning(t *testing.T) {
	ctx := context.Background()
	proc := &fakeProcess{}
	b := newTestBackend(t, listenBackend(t, config.SuspendNone), proc)

	b.Spawn(ctx)
	b.IsReady(ctx)
	if err := b.Suspend(ctx); err != nil {
		t.Fatal(err)
	}
	if b.Status() != events.BackendReady {
		t.Fatalf("status = %s, want ready", b.Status())
	}
	if calls := proc.Calls(); len(calls) != 1 {
		t.Fatalf("calls = %v", calls)
	}
}

func TestSuspendFailureKeepsStatus(t *testing.T) {
	ctx := context.Background()
	proc := &fakeProcess{failOn: "pause"}
	b := newTestBackend(t, listenBackend(t, config.SuspendPause), proc)

	b.Spawn(ctx)
	b.IsReady(ctx)
	if err := b.Suspend(ctx); err == nil {
		t.Fatal("expected error")
	}
	if b.Status() != events.BackendReady {
		t.Fatalf("status = %s", b.Status())
	}
	if b.Snapshot().LastError == "" {
		t.Fatal("error not recorded")
	}
}

func TestUnmanagedBackend(t *testing.T) {
	ctx := context.Background()
	cfg := listenBackend(t, config.SuspendPause)
	b := newTestBackend(t, cfg, nil)

	if b.Managed() {
		t.Fatal("backend without a process should be unmanaged")
	}
	if err := b.Spawn(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Suspend(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Wake(ctx); err != nil {
		t.Fatal(err)
	}
	if b.Status() != events.BackendReady {
		t.Fatalf("status = %s", b.Status())
	}
	if err := b.SendCommand("say hi"); !errors.Is(err, ErrUnmanaged) {
		t.Fatalf("SendCommand err = %v", err)
	}
}

func TestWakeTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	cfg := config.DefaultConfig().Backend
	cfg.Address = "127.0.0.1"
	cfg.Port = addr.Port
	cfg.ReadyTimeoutSec = 1
	b := newTestBackend(t, cfg, nil)

	start := time.Now()
	if err := b.Wake(context.Background()); !errors.Is(err, ErrBackendNotReady) {
		t.Fatalf("err = %v, want ErrBackendNotReady", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("Wake ignored the ready timeout")
	}
}

func TestUnexpectedExitIsCrash(t *testing.T) {
	ctx := context.Background()
	bus := events.NewEventBus()
	defer bus.Stop()

	crashed := make(chan events.BackendCrashedPayload, 1)
	bus.Subscribe("test", func(ctx context.Context, e events.Event) error {
		crashed <- e.Payload.(events.BackendCrashedPayload)
		return nil
	}, events.EventBackendCrashed)

	proc := &fakeProcess{}
	b := newTestBackend(t, listenBackend(t, config.SuspendPause), proc)
	b.bus = bus
	b.Spawn(ctx)
	b.IsReady(ctx)

	// An exit from an older process is ignored.
	b.handleExit(proc.PID()+7, 1, nil)
	if b.Status() != events.BackendReady {
		t.Fatalf("stale exit changed status to %s", b.Status())
	}

	proc.running = false
	b.handleExit(proc.PID(), 137, nil)
	if b.Status() != events.BackendStopped || b.Snapshot().Crashes != 1 {
		t.Fatalf("after crash: %+v", b.Snapshot())
	}
	select {
	case p := <-crashed:
		if p.ExitCode != 137 {
			t.Fatalf("payload = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("crash event not emitted")
	}

	// The next wake restarts it.
	if err := b.Wake(ctx); err != nil {
		t.Fatal(err)
	}
	if !proc.IsRunning() {
		t.Fatal("crashed backend not restarted on wake")
	}
}

func TestExpectedExitIsNotCrash(t *testing.T) {
	ctx := context.Background()
	proc := &fakeProcess{}
	b := newTestBackend(t, listenBackend(t, config.SuspendStop), proc)
	b.Spawn(ctx)
	b.Suspend(ctx)

	b.handleExit(proc.PID(), 0, nil)
	if b.Snapshot().Crashes != 0 {
		t.Fatal("exit during suspend counted as a crash")
	}
}

func TestNewStrategy(t *testing.T) {
	for _, mode := range []string{config.SuspendPause, config.SuspendStop, config.SuspendNone} {
		s, err := NewStrategy(mode)
		if err != nil || s.Name() != mode {
			t.Fatalf("NewStrategy(%q) = %v, %v", mode, s, err)
		}
	}
	if _, err := NewStrategy("hibernate"); err == nil {
		t.Fatal("unknown mode accepted")
	}
}

func TestConsoleTracksPlayers(t *testing.T) {
	b := newTestBackend(t, config.DefaultConfig().Backend, nil)

	b.handleConsoleLine(`[10:00:00] [Server thread/INFO]: Done (12.25s)! For help, type "help"`)
	b.handleConsoleLine("[10:00:05] [Server thread/INFO]: Steve joined the game")
	b.handleConsoleLine("[10:00:06] [Server thread/INFO]: Alex joined the game")
	b.handleConsoleLine("[10:01:00] [Server thread/INFO]: Steve left the game")

	snap := b.Snapshot()
	if len(snap.Players) != 1 || snap.Players[0] != "Alex" {
		t.Fatalf("players = %v", snap.Players)
	}
	if snap.StartupSec != 12.25 {
		t.Fatalf("startup = %v", snap.StartupSec)
	}

	// a stopped backend has nobody online
	b.state.SetStatus(events.BackendStarting)
	b.state.SetStatus(events.BackendStopped)
	if players := b.Snapshot().Players; len(players) != 0 {
		t.Fatalf("players after stop = %v", players)
	}
}
