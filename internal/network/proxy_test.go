package network

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slumber-project/slumber/internal/config"
	"github.com/slumber-project/slumber/internal/events"
	"github.com/slumber-project/slumber/internal/idle"
	"github.com/slumber-project/slumber/internal/protocol"
)

// callLog records the order collaborators were called in.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeSessions struct {
	log    *callLog
	begins atomic.Int32
	ends   atomic.Int32
}

func (f *fakeSessions) Begin(ctx context.Context) func() {
	f.begins.Add(1)
	f.log.add("begin")
	var once sync.Once
	return func() {
		once.Do(func() {
			f.ends.Add(1)
			f.log.add("end")
		})
	}
}

type fakeWaker struct {
	log   *callLog
	err   error
	calls atomic.Int32
}

func (f *fakeWaker) Wake(ctx context.Context) error {
	f.calls.Add(1)
	f.log.add("wake")
	return f.err
}

type echoStatus struct{}

func (echoStatus) Response(ctx context.Context, proto int32) (protocol.StatusResponse, error) {
	doc := protocol.StatusJSON{
		Version:     protocol.Version{Name: "1.19.4", Protocol: proto},
		Players:     protocol.Players{Max: 100},
		Description: protocol.Description{Text: "test"},
	}
	b, err := json.Marshal(doc)
	return protocol.StatusResponse{JSON: string(b)}, err
}

type harness struct {
	proxy    *Proxy
	addr     string
	sessions *fakeSessions
	waker    *fakeWaker
	calls    *callLog
	cancel   context.CancelFunc
}

func testOptions(backendPort int) Options {
	return Options{
		Proxy: config.ProxyConfig{
			ListenAddress:       "127.0.0.1",
			MaxConnections:      64,
			HandshakeTimeoutSec: 5,
		},
		Backend: config.BackendConfig{
			Address:        "127.0.0.1",
			Port:           backendPort,
			DialTimeoutSec: 1,
		},
		Status: echoStatus{},
	}
}

func startProxy(t *testing.T, opts Options) *harness {
	t.Helper()
	calls := &callLog{}
	h := &harness{calls: calls}
	if opts.Sessions == nil {
		h.sessions = &fakeSessions{log: calls}
		opts.Sessions = h.sessions
	}
	if opts.Waker == nil {
		h.waker = &fakeWaker{log: calls}
		opts.Waker = h.waker
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	h.addr = ln.Addr().String()
	h.proxy = NewProxy(opts)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	served := make(chan struct{})
	go func() {
		defer close(served)
		h.proxy.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Error("proxy did not stop")
		}
	})
	return h
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", h.addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func frameBytes(t *testing.T, p protocol.Packet) []byte {
	t.Helper()
	payload, err := protocol.Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := protocol.WriteFrame(&buf, payload); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func handshake(next protocol.State) protocol.Handshake {
	return protocol.Handshake{
		ProtocolVersion: 762,
		ServerAddress:   "localhost",
		ServerPort:      25565,
		NextState:       next,
	}
}

// readStatusResponse reads one frame and returns the JSON of a StatusResponse.
func readStatusResponse(t *testing.T, r *bufio.Reader) protocol.StatusJSON {
	t.Helper()
	frame, err := protocol.ReadFrame(r)
	if err != nil {
		t.Fatalf("reading status response: %v", err)
	}
	body := bytes.NewReader(frame.Payload)
	id, err := protocol.ReadVarint(body)
	if err != nil || id != protocol.PktStatusResponse {
		t.Fatalf("packet id = %d, %v", id, err)
	}
	n, err := protocol.ReadVarint(body)
	if err != nil {
		t.Fatal(err)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(body, raw); err != nil {
		t.Fatal(err)
	}

	var doc protocol.StatusJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("invalid status JSON %q: %v", raw, err)
	}
	return doc
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("connection was not closed by the proxy")
		}
		return
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func unusedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestStatusAndPingAnsweredLocally(t *testing.T) {
	h := startProxy(t, testOptions(unusedPort(t)))
	conn := h.dial(t)
	r := bufio.NewReader(conn)

	var out []byte
	out = append(out, frameBytes(t, handshake(protocol.StateStatus))...)
	out = append(out, frameBytes(t, protocol.StatusRequest{})...)
	if _, err := conn.Write(out); err != nil {
		t.Fatal(err)
	}

	doc := readStatusResponse(t, r)
	if doc.Version.Protocol != 762 {
		t.Fatalf("protocol = %d, want the client's 762", doc.Version.Protocol)
	}

	if _, err := conn.Write(frameBytes(t, protocol.PingRequest{Payload: 0x0102030405060708})); err != nil {
		t.Fatal(err)
	}
	frame, err := protocol.ReadFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 1, 2, 3, 4, 5, 6, 7, 8}
	if !bytes.Equal(frame.Payload, want) {
		t.Fatalf("pong = % x, want % x", frame.Payload, want)
	}

	if h.waker.calls.Load() != 0 || h.sessions.begins.Load() != 0 {
		t.Fatal("status exchange touched the backend or the session count")
	}
	waitFor(t, "stats", func() bool {
		stats := h.proxy.Stats()
		return stats.StatusServed == 1 && stats.PingsAnswered == 1
	})
}

func TestPingBeforeHandshakeClosesConnection(t *testing.T) {
	h := startProxy(t, testOptions(unusedPort(t)))
	conn := h.dial(t)

	conn.Write(frameBytes(t, protocol.PingRequest{Payload: 1}))
	expectClosed(t, conn)
	waitFor(t, "protocol error count", func() bool { return h.proxy.Stats().ProtocolErrors == 1 })
}

func TestLoginTunnelsToBackend(t *testing.T) {
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()

	login := frameBytes(t, handshake(protocol.StateLogin))
	pipelined := []byte{0x05, 0x00, 'a', 'l', 'e', 'x'}

	received := make(chan []byte, 1)
	backendDone := make(chan struct{})
	go func() {
		defer close(backendDone)
		c, err := backend.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, len(login)+len(pipelined))
		if _, err := io.ReadFull(c, buf); err != nil {
			received <- nil
			return
		}
		received <- buf
		c.Write([]byte("welcome"))
		// returns once the proxy closes its side
		io.Copy(io.Discard, c)
	}()

	bus := events.NewEventBus()
	ended := make(chan events.SessionPayload, 1)
	bus.Subscribe("test", func(ctx context.Context, e events.Event) error {
		ended <- e.Payload.(events.SessionPayload)
		return nil
	}, events.EventSessionEnded)

	opts := testOptions(backend.Addr().(*net.TCPAddr).Port)
	opts.Bus = bus
	h := startProxy(t, opts)
	conn := h.dial(t)

	// handshake and the next packet arrive in one write
	if _, err := conn.Write(append(append([]byte{}, login...), pipelined...)); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		want := append(append([]byte{}, login...), pipelined...)
		if !bytes.Equal(got, want) {
			t.Fatalf("backend got % x, want % x", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("backend never received the handshake")
	}

	reply := make([]byte, len("welcome"))
	if _, err := io.ReadFull(conn, reply); err != nil || string(reply) != "welcome" {
		t.Fatalf("reply = %q, %v", reply, err)
	}

	conn.Close()
	select {
	case s := <-ended:
		if s.Reason != events.EndClientClosed {
			t.Errorf("reason = %s", s.Reason)
		}
		if s.BytesUp != int64(len(login)+len(pipelined)) || s.BytesDown != int64(len("welcome")) {
			t.Errorf("bytes up/down = %d/%d", s.BytesUp, s.BytesDown)
		}
		if s.ProtocolVersion != 762 || s.ServerAddress != "localhost" {
			t.Errorf("session = %+v", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session_ended not emitted")
	}

	select {
	case <-backendDone:
	case <-time.After(3 * time.Second):
		t.Fatal("backend socket still open after the client left")
	}

	waitFor(t, "session end", func() bool { return h.sessions.ends.Load() == 1 })
	calls := h.calls.get()
	if len(calls) != 3 || calls[0] != "begin" || calls[1] != "wake" || calls[2] != "end" {
		t.Fatalf("call order = %v, want [begin wake end]", calls)
	}
}

func TestBackendUnavailableClosesClient(t *testing.T) {
	tests := []struct {
		name    string
		wakeErr error
	}{
		{"dial refused", nil},
		{"wake failed", errors.New("process did not start")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startProxy(t, testOptions(unusedPort(t)))
			h.waker.err = tt.wakeErr
			conn := h.dial(t)

			conn.Write(frameBytes(t, handshake(protocol.StateLogin)))
			expectClosed(t, conn)

			waitFor(t, "session end", func() bool { return h.sessions.ends.Load() == 1 })
			if h.sessions.begins.Load() != 1 {
				t.Fatalf("begins = %d", h.sessions.begins.Load())
			}
			if got := h.proxy.Stats().Unavailable; got != 1 {
				t.Fatalf("unavailable = %d", got)
			}
		})
	}
}

func TestRequiredProtocolMismatchSkipsBackend(t *testing.T) {
	opts := testOptions(unusedPort(t))
	opts.Backend.RequiredProtocol = 763
	h := startProxy(t, opts)
	conn := h.dial(t)

	conn.Write(frameBytes(t, handshake(protocol.StateLogin)))
	expectClosed(t, conn)

	if h.waker.calls.Load() != 0 || h.sessions.begins.Load() != 0 {
		t.Fatal("mismatched login reached the backend")
	}
}

func TestBadClientDoesNotAffectOthers(t *testing.T) {
	h := startProxy(t, testOptions(unusedPort(t)))

	bad := []struct {
		name string
		data []byte
	}{
		{"malformed varint", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}},
		{"unknown packet", []byte{0x02, 0x7F, 0x00}},
		{"bad next state", []byte{0x07, 0x00, 0x01, 0x00, 0x00, 0x00, 0x03, 0x00}},
	}

	for _, b := range bad {
		t.Run(b.name, func(t *testing.T) {
			good := h.dial(t)
			good.Write(frameBytes(t, handshake(protocol.StateStatus)))

			conn := h.dial(t)
			conn.Write(b.data)
			expectClosed(t, conn)

			// the well-behaved client opened first is still served
			good.Write(frameBytes(t, protocol.StatusRequest{}))
			doc := readStatusResponse(t, bufio.NewReader(good))
			if doc.Description.Text != "test" {
				t.Fatalf("status = %+v", doc)
			}
		})
	}
}

func TestTruncatedFrameClosesConnection(t *testing.T) {
	h := startProxy(t, testOptions(unusedPort(t)))
	conn := h.dial(t)

	// declares 200 bytes, sends 50, then half-closes
	data := append(protocol.AppendVarint(nil, 200), make([]byte, 50)...)
	conn.Write(data)
	conn.(*net.TCPConn).CloseWrite()

	expectClosed(t, conn)
	waitFor(t, "protocol error count", func() bool { return h.proxy.Stats().ProtocolErrors == 1 })
}

func TestRateLimitRejectsBurst(t *testing.T) {
	bus := events.NewEventBus()
	rejected := make(chan events.ConnectionRejectedPayload, 4)
	bus.Subscribe("test", func(ctx context.Context, e events.Event) error {
		rejected <- e.Payload.(events.ConnectionRejectedPayload)
		return nil
	}, events.EventConnectionRejected)

	opts := testOptions(unusedPort(t))
	opts.Proxy.MaxConnectionsPerIP = 1
	opts.Bus = bus
	h := startProxy(t, opts)

	first := h.dial(t)
	second := h.dial(t)
	expectClosed(t, second)

	select {
	case r := <-rejected:
		if r.Reason != "rate limited" {
			t.Fatalf("reason = %q", r.Reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no rejection event")
	}

	// the first connection is still usable
	first.Write(frameBytes(t, handshake(protocol.StateStatus)))
	first.Write(frameBytes(t, protocol.StatusRequest{}))
	readStatusResponse(t, bufio.NewReader(first))
}

func TestShutdownEndsActiveSession(t *testing.T) {
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()
	go func() {
		c, err := backend.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(io.Discard, c)
	}()

	bus := events.NewEventBus()
	ended := make(chan events.EndReason, 1)
	bus.Subscribe("test", func(ctx context.Context, e events.Event) error {
		ended <- e.Payload.(events.SessionPayload).Reason
		return nil
	}, events.EventSessionEnded)

	opts := testOptions(backend.Addr().(*net.TCPAddr).Port)
	opts.Bus = bus
	h := startProxy(t, opts)
	conn := h.dial(t)
	conn.Write(frameBytes(t, handshake(protocol.StateLogin)))

	waitFor(t, "tunnel", func() bool { return h.sessions.begins.Load() == 1 })
	waitFor(t, "registry", func() bool {
		for _, c := range h.proxy.Registry().List() {
			if c.Tunnelled {
				return true
			}
		}
		return false
	})

	h.cancel()
	expectClosed(t, conn)

	select {
	case reason := <-ended:
		if reason != events.EndShutdown {
			t.Fatalf("reason = %s, want shutdown", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session_ended not emitted on shutdown")
	}
	waitFor(t, "session end", func() bool { return h.sessions.ends.Load() == 1 })
}

func TestSessionsCountedByIdleController(t *testing.T) {
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()
	go func() {
		for {
			c, err := backend.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(io.Discard, c)
			}()
		}
	}()

	suspended := make(chan struct{}, 1)
	ctrl := idle.New(suspendFunc(func(context.Context) error {
		suspended <- struct{}{}
		return nil
	}), idle.Options{Timeout: 100 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-ctrl.Done()
	}()
	go ctrl.Run(ctx)

	opts := testOptions(backend.Addr().(*net.TCPAddr).Port)
	opts.Sessions = ctrl
	h := startProxy(t, opts)

	a, b := h.dial(t), h.dial(t)
	a.Write(frameBytes(t, handshake(protocol.StateLogin)))
	b.Write(frameBytes(t, handshake(protocol.StateLogin)))
	waitFor(t, "two sessions", func() bool { return ctrl.ActiveSessions(ctx) == 2 })

	a.Close()
	waitFor(t, "one session", func() bool { return ctrl.ActiveSessions(ctx) == 1 })
	select {
	case <-suspended:
		t.Fatal("suspended with a session open")
	case <-time.After(200 * time.Millisecond):
	}

	b.Close()
	select {
	case <-suspended:
	case <-time.After(3 * time.Second):
		t.Fatal("backend not suspended after the last session ended")
	}
}

type suspendFunc func(ctx context.Context) error

func (f suspendFunc) Suspend(ctx context.Context) error { return f(ctx) }

func TestRateTrackerWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rt := newRateTracker(2)
	rt.now = func() time.Time { return now }

	for i, want := range []bool{true, true, false, false} {
		if got := rt.allow("10.0.0.1"); got != want {
			t.Fatalf("attempt %d = %v, want %v", i+1, got, want)
		}
	}
	if !rt.allow("10.0.0.2") {
		t.Fatal("limit shared across IPs")
	}

	now = now.Add(time.Second)
	if !rt.allow("10.0.0.1") {
		t.Fatal("window did not reset")
	}

	now = now.Add(2 * time.Second)
	if n := rt.prune(); n != 2 {
		t.Fatalf("pruned %d buckets, want 2", n)
	}
	if unlimited := newRateTracker(0); !unlimited.allow("x") || !unlimited.allow("x") {
		t.Fatal("zero limit should disable tracking")
	}
}

func TestRegistryCleanStale(t *testing.T) {
	r := NewConnectionRegistry()
	a, _ := net.Pipe()
	b, _ := net.Pipe()
	c, _ := net.Pipe()
	stale, fresh, quiet := NewConnection(a), NewConnection(b), NewConnection(c)
	stale.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	quiet.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	quiet.tunnelled.Store(true)
	r.Register(stale)
	r.Register(fresh)
	r.Register(quiet)

	if n := r.CleanStale(time.Minute); n != 1 {
		t.Fatalf("closed %d, want 1", n)
	}
	if !stale.IsClosed() || fresh.IsClosed() || quiet.IsClosed() {
		t.Fatal("wrong connection closed")
	}
	r.Unregister(quiet.ID())

	r.Unregister(fresh.ID())
	if !fresh.IsClosed() {
		t.Fatal("Unregister should close the connection")
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d", r.Count())
	}
}

func TestAnnouncementPayload(t *testing.T) {
	got := string(AnnouncementPayload("A slumbering server", 25565))
	if got != "[MOTD]A slumbering server[/MOTD][AD]25565[/AD]" {
		t.Fatalf("payload = %q", got)
	}
}

func TestLANAnnouncerSends(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	a := NewLANAnnouncer(25565, 20*time.Millisecond, func() string { return "motd" })
	a.target = pc.LocalAddr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	pc.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 256)
	for i := 0; i < 2; i++ {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			t.Fatal(err)
		}
		if got := string(buf[:n]); got != fmt.Sprintf("[MOTD]motd[/MOTD][AD]%d[/AD]", 25565) {
			t.Fatalf("datagram = %q", got)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestConnectionWritePacketAfterClose(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := NewConnection(a)
	c.Close()
	if err := c.WritePacket(protocol.PongResponse{Payload: 1}); !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Fatalf("err = %v", err)
	}
}

func TestSweepLeavesQuietTunnelOpen(t *testing.T) {
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()

	echoed := make(chan []byte, 1)
	go func() {
		c, err := backend.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		r := bufio.NewReader(c)
		if _, err := protocol.ReadFrame(r); err != nil {
			return
		}
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		echoed <- buf
	}()

	opts := testOptions(backend.Addr().(*net.TCPAddr).Port)
	opts.Proxy.StaleAfterSec = 1
	h := startProxy(t, opts)
	conn := h.dial(t)

	if _, err := conn.Write(frameBytes(t, handshake(protocol.StateLogin))); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "tunnel", func() bool { return h.proxy.Stats().Tunnels == 1 })

	time.Sleep(1500 * time.Millisecond)
	if n := h.proxy.SweepStale(); n != 0 {
		t.Fatalf("sweep closed %d connections", n)
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-echoed:
		if string(got) != "ping" {
			t.Fatalf("backend got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tunnel closed by the sweep")
	}
	if h.sessions.ends.Load() != 0 {
		t.Fatal("session ended while both sides were open")
	}
}
