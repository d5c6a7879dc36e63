package server

import (
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/strand-go/strand/pkg/eventloop"
)

// Middleware wraps a HandlerFunc. Middleware runs on the worker loop the
// request was dispatched to, around the user callback.
type Middleware func(HandlerFunc) HandlerFunc

// listenEndpoint pairs one dedicated event loop with one Service bound to
// one port. Owned exclusively by the Server; torn down only as part of
// Stop.
type listenEndpoint struct {
	port int
	loop *eventloop.Loop
	svc  *Service
}

// Server is the connection-accepting and request-dispatching core. It owns
// an ordered set of listen endpoints and one worker pool, and routes every
// accepted request to exactly one worker loop.
type Server struct {
	cfg    *Config
	logger *slog.Logger

	// Mutated only before Start, read-only thereafter.
	handlers       map[string]HandlerFunc
	defaultHandler HandlerFunc
	middleware     []Middleware

	pool      *eventloop.Pool
	endpoints []*listenEndpoint

	started bool
}

// New creates a Server. A nil cfg means DefaultConfig; unset cfg fields are
// filled with defaults. The worker count and policy are fixed for the
// Server's lifetime.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg = cfg.Clone()
		cfg.fill()
	}

	logger := cfg.Logger.With("component", "server")
	return &Server{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
		pool: eventloop.NewPool("worker", cfg.Workers,
			eventloop.WithQueueSize(cfg.TaskQueueSize),
			eventloop.WithLogger(cfg.Logger)),
	}
}

// RegisterHandler binds h to an exact request path. Re-registering the same
// path overwrites silently. Panics if the Server is running: handlers only
// apply to endpoints created after registration, so all handlers for a port
// must be in place before Start binds it.
func (s *Server) RegisterHandler(path string, h HandlerFunc) {
	if s.IsRunning() {
		panic("server: RegisterHandler called while running")
	}
	s.handlers[path] = h
}

// RegisterDefaultHandler sets the fallback for unmatched paths. Panics if
// the Server is running.
func (s *Server) RegisterDefaultHandler(h HandlerFunc) {
	if s.IsRunning() {
		panic("server: RegisterDefaultHandler called while running")
	}
	s.defaultHandler = h
}

// Use appends middleware around every registered handler. Panics if the
// Server is running.
func (s *Server) Use(mw Middleware) {
	if s.IsRunning() {
		panic("server: Use called while running")
	}
	s.middleware = append(s.middleware, mw)
}

// Start binds every port, launches the worker pool and one listening loop
// per port, and blocks until the Server reports running.
//
// On a worker pool start failure no endpoint is created. On a bind failure
// the failing endpoint is stopped and Start returns; endpoints bound
// earlier in the same call remain running, and unwinding them with Stop is
// the caller's obligation.
func (s *Server) Start(ports ...int) error {
	if len(ports) == 0 {
		return ErrNoPorts
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	if err := s.pool.Start(); err != nil {
		return fmt.Errorf("server: worker pool: %w", err)
	}

	for _, port := range ports {
		if err := s.startEndpoint(port); err != nil {
			return err
		}
	}

	if !s.waitFor(s.IsRunning, s.cfg.StartTimeout) {
		return ErrStartTimeout
	}
	return nil
}

// startEndpoint creates one listen endpoint: a dedicated loop, a Service
// bound to it, the port binding, and one dispatch wrapper per known path.
func (s *Server) startEndpoint(port int) error {
	loop := eventloop.New(fmt.Sprintf("listen-%d", port),
		eventloop.WithQueueSize(s.cfg.TaskQueueSize),
		eventloop.WithLogger(s.cfg.Logger))
	svc := NewService(loop, s.cfg)

	if err := svc.Listen(port); err != nil {
		var errno syscall.Errno
		errors.As(err, &errno)
		s.logger.Error("listen failed",
			"port", port,
			"errno", int(errno),
			"error", err)
		svc.Stop()
		return fmt.Errorf("server: listen on port %d: %w", port, err)
	}

	// The exit hook guarantees the socket is released whenever the loop
	// goroutine terminates, by any cause.
	loop.SetExitHook(svc.Stop)
	loop.Start()

	for path, h := range s.handlers {
		svc.RegisterHandler(path, s.dispatcher(loop, s.chain(h)))
	}
	if s.defaultHandler != nil {
		svc.RegisterDefaultHandler(s.dispatcher(loop, s.chain(s.defaultHandler)))
	}

	if err := svc.Start(); err != nil {
		svc.Stop()
		loop.Stop()
		return fmt.Errorf("server: start service on port %d: %w", port, err)
	}

	s.endpoints = append(s.endpoints, &listenEndpoint{port: svc.Port(), loop: loop, svc: svc})
	s.logger.Info("listening", "port", svc.Port(), "loop", loop.Name())
	return nil
}

// chain applies registered middleware, innermost last.
func (s *Server) chain(h HandlerFunc) HandlerFunc {
	for i := len(s.middleware) - 1; i >= 0; i-- {
		h = s.middleware[i](h)
	}
	return h
}

// Stop tears down every listen endpoint and the worker pool. Stopping an
// endpoint's loop triggers its exit hook, which stops the bound Service and
// releases the listening socket. When waitExit is true, Stop blocks until
// every loop has exited; otherwise it returns immediately and IsStopped can
// be polled for confirmation.
func (s *Server) Stop(waitExit bool) {
	for _, ep := range s.endpoints {
		ep.loop.Stop()
	}
	s.pool.Stop()

	if waitExit {
		// Not via IsStopped: Stop must also unwind a server whose Start
		// failed before any endpoint was created.
		for !s.pool.IsStopped() {
			time.Sleep(s.cfg.PollInterval)
		}
		for _, ep := range s.endpoints {
			for !ep.loop.IsStopped() {
				time.Sleep(s.cfg.PollInterval)
			}
		}
	}
}

// Pause asks every listen endpoint, on its own loop, to stop accepting new
// connections. Fire-and-forget: Pause returns before the endpoints have
// necessarily stopped accepting. Idempotent.
func (s *Server) Pause() {
	for _, ep := range s.endpoints {
		svc := ep.svc
		ep.loop.Run(func() { svc.Pause() })
	}
}

// Continue re-enables accepting after Pause. Fire-and-forget, idempotent.
func (s *Server) Continue() {
	for _, ep := range s.endpoints {
		svc := ep.svc
		ep.loop.Run(func() { svc.Continue() })
	}
}

// IsRunning reports whether at least one listen endpoint exists, the worker
// pool is running, and every endpoint loop is running.
func (s *Server) IsRunning() bool {
	if len(s.endpoints) == 0 {
		return false
	}
	if !s.pool.IsRunning() {
		return false
	}
	for _, ep := range s.endpoints {
		if !ep.loop.IsRunning() {
			return false
		}
	}
	return true
}

// IsStopped reports whether the worker pool and every endpoint loop have
// stopped. Calling IsStopped before any Start is a usage error and panics.
func (s *Server) IsStopped() bool {
	if len(s.endpoints) == 0 {
		panic("server: IsStopped called before Start")
	}
	if !s.pool.IsStopped() {
		return false
	}
	for _, ep := range s.endpoints {
		if !ep.loop.IsStopped() {
			return false
		}
	}
	return true
}

// Service returns the Service of the listen endpoint at index, or nil when
// index is out of range. Intended for diagnostics and tests.
func (s *Server) Service(index int) *Service {
	if index < 0 || index >= len(s.endpoints) {
		return nil
	}
	return s.endpoints[index].svc
}

// Ports returns the bound port of every listen endpoint, in creation order.
func (s *Server) Ports() []int {
	ports := make([]int, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		ports = append(ports, ep.port)
	}
	return ports
}

// Pool returns the worker pool. Intended for diagnostics and tests.
func (s *Server) Pool() *eventloop.Pool {
	return s.pool
}

// waitFor polls pred at Config.PollInterval until it holds or the timeout
// elapses.
func (s *Server) waitFor(pred func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for !pred() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(s.cfg.PollInterval)
	}
	return true
}
