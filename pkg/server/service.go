package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strand-go/strand/pkg/eventloop"
)

// Service is a per-port HTTP listener bound to one event loop. It accepts
// connections, parses requests, and invokes the registered callback for the
// request path on its loop. The response is always written from that same
// loop, on the connection the Service owns. Requests on one connection are
// handled strictly in order.
type Service struct {
	loop   *eventloop.Loop
	cfg    *Config
	logger *slog.Logger

	ln   net.Listener
	port int

	// Mutated only before Start, read-only thereafter.
	handlers       map[string]HandlerFunc
	defaultHandler HandlerFunc

	paused  atomic.Bool
	stopped atomic.Bool
	quit    chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewService creates a Service bound to loop. cfg must be non-nil and
// filled (the Server passes its own).
func NewService(loop *eventloop.Loop, cfg *Config) *Service {
	return &Service{
		loop:     loop,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "service"),
		handlers: make(map[string]HandlerFunc),
		quit:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Loop returns the event loop the Service is bound to.
func (s *Service) Loop() *eventloop.Loop { return s.loop }

// Listen binds the listening socket. Port 0 requests an ephemeral port;
// Port reports the actual one. The returned error carries the OS-level
// cause.
func (s *Service) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	s.ln = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	return nil
}

// Port returns the bound port, or 0 before a successful Listen.
func (s *Service) Port() int { return s.port }

// RegisterHandler binds h to an exact request path. Re-registering the same
// path overwrites silently. Only legal before Start.
func (s *Service) RegisterHandler(path string, h HandlerFunc) {
	s.handlers[path] = h
}

// RegisterDefaultHandler sets the callback for unmatched paths. Only legal
// before Start.
func (s *Service) RegisterDefaultHandler(h HandlerFunc) {
	s.defaultHandler = h
}

// Start launches the accept loop. Listen must have succeeded first.
func (s *Service) Start() error {
	if s.ln == nil {
		return ErrNotListening
	}
	if s.stopped.Load() {
		return ErrServiceStopped
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Pause stops accepting new connections. Existing connections and in-flight
// requests are unaffected. Idempotent.
func (s *Service) Pause() {
	s.paused.Store(true)
}

// Continue re-enables accepting after Pause. Idempotent.
func (s *Service) Continue() {
	s.paused.Store(false)
}

// IsPaused reports whether accepting is currently disabled.
func (s *Service) IsPaused() bool { return s.paused.Load() }

// Stop closes the listening socket and all connections. Idempotent; safe to
// call from any goroutine, including the loop's exit hook.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.quit)
		if s.ln != nil {
			s.ln.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.logger.Debug("service stopped", "port", s.port)
	})
}

// IsStopped reports whether Stop has run.
func (s *Service) IsStopped() bool { return s.stopped.Load() }

func (s *Service) acceptLoop() {
	defer s.wg.Done()

	tl, _ := s.ln.(*net.TCPListener)
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		if s.paused.Load() {
			time.Sleep(s.cfg.AcceptPollInterval)
			continue
		}

		// The deadline bounds how long a pause or stop request can go
		// unnoticed while Accept blocks.
		if tl != nil {
			tl.SetDeadline(time.Now().Add(s.cfg.AcceptPollInterval))
		}
		conn, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.quit:
				return
			default:
			}
			s.logger.Warn("accept failed", "port", s.port, "error", err)
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Service) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	br := bufio.NewReader(conn)
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		req, err := http.ReadRequest(br)
		if err != nil {
			// EOF, idle timeout, or a malformed request; either way the
			// connection is done.
			return
		}
		body, err := io.ReadAll(io.LimitReader(req.Body, s.cfg.MaxBodySize))
		req.Body.Close()
		if err != nil {
			return
		}

		ctx := newContext(req, conn, body)
		done := make(chan struct{})
		respond := s.responder(conn, ctx, req, done)

		s.loop.Run(func() {
			h, ok := s.handlers[ctx.Path]
			if !ok {
				h = s.defaultHandler
			}
			if h == nil {
				h = notFound
			}
			h(ctx, respond)
		})

		// The next request on this connection is read only after the
		// response for the current one has been written.
		select {
		case <-done:
		case <-s.quit:
			return
		}

		if req.Close {
			return
		}
	}
}

// responder builds the response-delivery callback for one request. Invoking
// it queues the reply-writing step onto the Service's loop; only the first
// invocation takes effect.
func (s *Service) responder(conn net.Conn, ctx *Context, req *http.Request, done chan struct{}) ResponseFunc {
	var once sync.Once
	return func(body []byte) {
		once.Do(func() {
			s.loop.Run(func() {
				s.writeResponse(conn, ctx, req, body)
				close(done)
			})
		})
	}
}

func (s *Service) writeResponse(conn net.Conn, ctx *Context, req *http.Request, body []byte) {
	resp := &http.Response{
		StatusCode:    ctx.Status(),
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        ctx.responseHeader(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
		Close:         req.Close,
	}
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if err := resp.Write(conn); err != nil {
		s.logger.Warn("response write failed",
			"id", ctx.ID,
			"remote", ctx.RemoteIP,
			"error", err)
	}
}

func (s *Service) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// notFound answers unmatched paths when no default handler is registered.
func notFound(ctx *Context, respond ResponseFunc) {
	ctx.SetStatus(http.StatusNotFound)
	respond([]byte("404 page not found\n"))
}
