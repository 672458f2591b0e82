package cli

import (
	"bytes"
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slumber-project/slumber/internal/config"
	"github.com/slumber-project/slumber/internal/db"
	"github.com/slumber-project/slumber/internal/events"
	"github.com/slumber-project/slumber/internal/idle"
	"github.com/slumber-project/slumber/internal/network"
	"github.com/slumber-project/slumber/internal/server"
)

type fakeBackend struct {
	sent []string
}

func (f *fakeBackend) Snapshot() server.BackendSnapshot {
	return server.BackendSnapshot{Status: events.BackendSuspended, PID: 4242, Suspends: 3}
}

func (f *fakeBackend) SendCommand(line string) error {
	f.sent = append(f.sent, line)
	return nil
}

func (f *fakeBackend) Mode() string { return config.SuspendPause }
func (f *fakeBackend) Addr() string { return "127.0.0.1:25575" }

type fakeController struct{}

func (fakeController) Snapshot(ctx context.Context) (idle.Snapshot, error) {
	d := time.Now().Add(time.Minute)
	return idle.Snapshot{Active: 0, Deadline: &d}, nil
}

type fakeProxy struct{}

func (fakeProxy) Stats() network.Stats                  { return network.Stats{Accepted: 7} }
func (fakeProxy) Registry() *network.ConnectionRegistry { return network.NewConnectionRegistry() }

type fakeHistory struct{}

func (fakeHistory) RecentSessions(ctx context.Context, limit int) ([]db.SessionRecord, error) {
	start := time.Now().Add(-time.Hour)
	return []db.SessionRecord{{
		ID:         "0123456789abcdef",
		RemoteAddr: "203.0.113.9:50000",
		StartedAt:  start,
		EndedAt:    start.Add(30 * time.Minute),
		BytesUp:    2048,
		Reason:     events.EndClientClosed,
	}}, nil
}

func newTestCLI(input string) (*CLI, *bytes.Buffer, *fakeBackend, *events.EventBus) {
	out := &bytes.Buffer{}
	backend := &fakeBackend{}
	bus := events.NewEventBus()
	c := NewCLI(config.DefaultConfig(), bus, Deps{
		Backend:    backend,
		Controller: fakeController{},
		Proxy:      fakeProxy{},
		History:    fakeHistory{},
	}, strings.NewReader(input), out)
	return c, out, backend, bus
}

func TestStatusTable(t *testing.T) {
	c, out, _, _ := newTestCLI("")
	c.handleLine(context.Background(), "status")

	for _, want := range []string{"suspended", "4242", "pause", "Accepted 7", "127.0.0.1:25575"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestSessionsTable(t *testing.T) {
	c, out, _, _ := newTestCLI("")
	c.handleLine(context.Background(), "sessions 5")

	for _, want := range []string{"01234567", "client_closed", "30m0s", "2.0 KiB"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	c.handleLine(context.Background(), "sessions zero")
	if !strings.Contains(out.String(), "Error: invalid count") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestSuspendReportsHandlerError(t *testing.T) {
	c, out, _, bus := newTestCLI("")
	bus.Subscribe("test", func(ctx context.Context, e events.Event) error {
		return idle.ErrSessionsActive
	}, events.EventSuspendBackend)

	c.handleLine(context.Background(), "suspend")
	if !strings.Contains(out.String(), "Error: sessions are active") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestResumeEmitsCommand(t *testing.T) {
	c, out, _, bus := newTestCLI("")
	var resumed atomic.Bool
	bus.Subscribe("test", func(ctx context.Context, e events.Event) error {
		resumed.Store(true)
		return nil
	}, events.EventResumeBackend)

	c.handleLine(context.Background(), "wake")
	if !resumed.Load() || !strings.Contains(out.String(), "Backend resumed") {
		t.Fatalf("resumed = %v output = %q", resumed.Load(), out.String())
	}
}

func TestConsoleCommands(t *testing.T) {
	c, out, backend, _ := newTestCLI("")
	ctx := context.Background()

	c.handleLine(ctx, "say hello   world")
	c.handleLine(ctx, "cmd whitelist add steve")
	c.handleLine(ctx, "say")

	if len(backend.sent) != 2 || backend.sent[0] != "say hello world" || backend.sent[1] != "whitelist add steve" {
		t.Fatalf("sent = %q", backend.sent)
	}
	if !strings.Contains(out.String(), "usage: say") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestStartRunsUntilInputEnds(t *testing.T) {
	c, out, _, bus := newTestCLI("help\nbogus\n\nquit\n")
	var shutdown atomic.Bool
	bus.Subscribe("test", func(ctx context.Context, e events.Event) error {
		shutdown.Store(true)
		return nil
	}, events.EventShutdown)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return at end of input")
	}
	bus.Wait()

	if !shutdown.Load() {
		t.Fatal("quit did not emit shutdown")
	}
	if !strings.Contains(out.String(), "Unknown command: 'bogus'") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{100, "100 B"},
		{1536, "1.5 KiB"},
		{3 * 1024 * 1024, "3.0 MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
