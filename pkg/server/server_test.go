package server

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/strand-go/strand/pkg/eventloop"
)

// dispatchRecorder collects the worker loop chosen for every request.
type dispatchRecorder struct {
	mu    sync.Mutex
	loops []*eventloop.Loop
}

func (r *dispatchRecorder) record(_ *Context, worker *eventloop.Loop) {
	r.mu.Lock()
	r.loops = append(r.loops, worker)
	r.mu.Unlock()
}

func (r *dispatchRecorder) snapshot() []*eventloop.Loop {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*eventloop.Loop(nil), r.loops...)
}

func testConfig(workers int, policy Policy) *Config {
	cfg := DefaultConfig()
	cfg.Workers = workers
	cfg.Policy = policy
	cfg.AcceptPollInterval = 5 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, srv *Server) int {
	t.Helper()
	if err := srv.Start(0); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { srv.Stop(true) })
	return srv.Service(0).Port()
}

func get(t *testing.T, client *http.Client, port int, path string) (int, string) {
	t.Helper()
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestServer_StartBecomesRunning(t *testing.T) {
	srv := New(testConfig(2, PolicyRoundRobin))
	srv.RegisterHandler("/x", func(ctx *Context, respond ResponseFunc) {
		respond([]byte("x"))
	})
	startServer(t, srv)

	if !srv.IsRunning() {
		t.Fatal("server not running after Start returned")
	}
	if srv.IsStopped() {
		t.Fatal("running server reports stopped")
	}
}

func TestServer_StopWaitsForExit(t *testing.T) {
	srv := New(testConfig(2, PolicyRoundRobin))
	srv.RegisterDefaultHandler(func(ctx *Context, respond ResponseFunc) {
		respond(nil)
	})
	if err := srv.Start(0); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	srv.Stop(true)
	if !srv.IsStopped() {
		t.Fatal("IsStopped() false immediately after Stop(true)")
	}
	if srv.IsRunning() {
		t.Fatal("stopped server reports running")
	}
}

func TestServer_PingPongRoundRobinAcrossTwoWorkers(t *testing.T) {
	cfg := testConfig(2, PolicyRoundRobin)
	rec := &dispatchRecorder{}
	cfg.OnDispatch = rec.record

	srv := New(cfg)
	srv.RegisterHandler("/ping", func(ctx *Context, respond ResponseFunc) {
		respond([]byte("pong"))
	})
	port := startServer(t, srv)

	client := &http.Client{}
	for i := 0; i < 4; i++ {
		status, body := get(t, client, port, "/ping")
		if status != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, status)
		}
		if body != "pong" {
			t.Fatalf("request %d: body = %q, want %q", i+1, body, "pong")
		}
	}

	loops := rec.snapshot()
	if len(loops) != 4 {
		t.Fatalf("dispatched %d requests, want 4", len(loops))
	}
	if loops[0] != loops[2] || loops[1] != loops[3] {
		t.Fatalf("round-robin did not cycle with period 2: %s %s %s %s",
			loops[0].Name(), loops[1].Name(), loops[2].Name(), loops[3].Name())
	}
	if loops[0] == loops[1] {
		t.Fatal("requests 1 and 2 landed on the same worker")
	}
}

func TestServer_RoundRobinDistributesEvenly(t *testing.T) {
	const workers = 3
	const requests = 10

	cfg := testConfig(workers, PolicyRoundRobin)
	rec := &dispatchRecorder{}
	cfg.OnDispatch = rec.record

	srv := New(cfg)
	srv.RegisterDefaultHandler(func(ctx *Context, respond ResponseFunc) {
		respond([]byte(ctx.Path))
	})
	port := startServer(t, srv)

	client := &http.Client{}
	for i := 0; i < requests; i++ {
		get(t, client, port, "/work")
	}

	counts := make(map[*eventloop.Loop]int)
	for _, l := range rec.snapshot() {
		counts[l]++
	}
	if len(counts) != workers {
		t.Fatalf("requests reached %d workers, want %d", len(counts), workers)
	}
	lo, hi := requests/workers, requests/workers+1
	for l, n := range counts {
		if n != lo && n != hi {
			t.Fatalf("worker %s got %d requests, want %d or %d", l.Name(), n, lo, hi)
		}
	}
}

func TestServer_IPHashKeepsClientOnOneWorker(t *testing.T) {
	cfg := testConfig(3, PolicyIPHash)
	rec := &dispatchRecorder{}
	cfg.OnDispatch = rec.record

	srv := New(cfg)
	srv.RegisterDefaultHandler(func(ctx *Context, respond ResponseFunc) {
		respond(nil)
	})
	port := startServer(t, srv)

	// Separate connections, identical remote address.
	for i := 0; i < 5; i++ {
		client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
		get(t, client, port, "/a")
	}

	loops := rec.snapshot()
	if len(loops) != 5 {
		t.Fatalf("dispatched %d requests, want 5", len(loops))
	}
	for i := 1; i < len(loops); i++ {
		if loops[i] != loops[0] {
			t.Fatalf("request %d routed to %s, request 1 to %s", i+1, loops[i].Name(), loops[0].Name())
		}
	}
}

func TestServer_ZeroWorkersHandlesInListeningLoop(t *testing.T) {
	cfg := testConfig(0, PolicyRoundRobin)
	rec := &dispatchRecorder{}
	cfg.OnDispatch = rec.record

	srv := New(cfg)
	srv.RegisterDefaultHandler(func(ctx *Context, respond ResponseFunc) {
		respond([]byte(ctx.Path))
	})
	port := startServer(t, srv)

	client := &http.Client{}
	status, body := get(t, client, port, "/echo/me")
	if status != http.StatusOK || body != "/echo/me" {
		t.Fatalf("status = %d, body = %q", status, body)
	}

	loops := rec.snapshot()
	if len(loops) != 1 {
		t.Fatalf("dispatched %d requests, want 1", len(loops))
	}
	if want := srv.Service(0).Loop(); loops[0] != want {
		t.Fatalf("request handled on %s, want listening loop %s", loops[0].Name(), want.Name())
	}
}

func TestServer_PauseAndContinue(t *testing.T) {
	srv := New(testConfig(1, PolicyRoundRobin))
	srv.RegisterDefaultHandler(func(ctx *Context, respond ResponseFunc) {
		respond([]byte("ok"))
	})
	port := startServer(t, srv)

	// Pause twice: idempotent, same "not accepting" state as once.
	srv.Pause()
	srv.Pause()
	waitUntilT(t, 2*time.Second, func() bool { return srv.Service(0).IsPaused() })
	// Give the accept loop time to park.
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err == nil {
		// The kernel may still complete the handshake; no response must
		// arrive while paused.
		fmt.Fprintf(conn, "GET /a HTTP/1.1\r\nHost: x\r\n\r\n")
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		buf := make([]byte, 1)
		if _, err := conn.Read(buf); err == nil {
			t.Fatal("got a response while paused")
		}
		conn.Close()
	}

	srv.Continue()
	waitUntilT(t, 2*time.Second, func() bool { return !srv.Service(0).IsPaused() })

	client := &http.Client{}
	status, body := get(t, client, port, "/b")
	if status != http.StatusOK || body != "ok" {
		t.Fatalf("after Continue: status = %d, body = %q", status, body)
	}
}

func TestServer_RegisterWhileRunningPanics(t *testing.T) {
	srv := New(testConfig(1, PolicyRoundRobin))
	srv.RegisterDefaultHandler(func(ctx *Context, respond ResponseFunc) {
		respond(nil)
	})
	startServer(t, srv)

	defer func() {
		if recover() == nil {
			t.Fatal("RegisterHandler while running did not panic")
		}
	}()
	srv.RegisterHandler("/late", func(ctx *Context, respond ResponseFunc) {
		respond(nil)
	})
}

func TestServer_BindFailureOnOccupiedPort(t *testing.T) {
	first := New(testConfig(1, PolicyRoundRobin))
	first.RegisterDefaultHandler(func(ctx *Context, respond ResponseFunc) {
		respond(nil)
	})
	port := startServer(t, first)

	second := New(testConfig(1, PolicyRoundRobin))
	second.RegisterDefaultHandler(func(ctx *Context, respond ResponseFunc) {
		respond(nil)
	})
	err := second.Start(port)
	if err == nil {
		t.Fatal("Start() on an occupied port succeeded")
	}
	if second.Service(0) != nil {
		t.Fatal("failed Start left a listen endpoint behind")
	}
	if second.IsRunning() {
		t.Fatal("failed server reports running")
	}
	second.Stop(false) // unwind the worker pool
}

func TestServer_MultiPort(t *testing.T) {
	srv := New(testConfig(2, PolicyRoundRobin))
	srv.RegisterHandler("/hello", func(ctx *Context, respond ResponseFunc) {
		respond([]byte("hello"))
	})
	if err := srv.Start(0, 0); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { srv.Stop(true) })

	ports := srv.Ports()
	if len(ports) != 2 {
		t.Fatalf("Ports() = %v, want 2 entries", ports)
	}
	client := &http.Client{}
	for _, port := range ports {
		status, body := get(t, client, port, "/hello")
		if status != http.StatusOK || body != "hello" {
			t.Fatalf("port %d: status = %d, body = %q", port, status, body)
		}
	}
}

func TestServer_ServiceAccessorOutOfRange(t *testing.T) {
	srv := New(testConfig(1, PolicyRoundRobin))
	if srv.Service(0) != nil {
		t.Fatal("Service(0) before Start should be nil")
	}
	srv.RegisterDefaultHandler(func(ctx *Context, respond ResponseFunc) {
		respond(nil)
	})
	startServer(t, srv)

	if srv.Service(0) == nil {
		t.Fatal("Service(0) after Start should not be nil")
	}
	if srv.Service(1) != nil || srv.Service(-1) != nil {
		t.Fatal("out-of-range Service() should be nil")
	}
}

func TestServer_StartWithoutPorts(t *testing.T) {
	srv := New(testConfig(1, PolicyRoundRobin))
	if err := srv.Start(); err != ErrNoPorts {
		t.Fatalf("Start() = %v, want ErrNoPorts", err)
	}
}

func TestServer_MiddlewareWrapsHandlers(t *testing.T) {
	srv := New(testConfig(1, PolicyRoundRobin))
	var order []string
	var mu sync.Mutex
	srv.Use(func(next HandlerFunc) HandlerFunc {
		return func(ctx *Context, respond ResponseFunc) {
			mu.Lock()
			order = append(order, "mw")
			mu.Unlock()
			next(ctx, respond)
		}
	})
	srv.RegisterHandler("/m", func(ctx *Context, respond ResponseFunc) {
		mu.Lock()
		order = append(order, "handler")
		mu.Unlock()
		respond(nil)
	})
	port := startServer(t, srv)

	client := &http.Client{}
	get(t, client, port, "/m")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "mw" || order[1] != "handler" {
		t.Fatalf("execution order = %v", order)
	}
}

func waitUntilT(t *testing.T, timeout time.Duration, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !pred() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}
