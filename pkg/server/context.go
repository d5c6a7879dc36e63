package server

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// HandlerFunc handles one request. It runs on a single loop goroutine and
// must eventually invoke respond exactly once; doing so queues the
// reply-writing step back onto the listening loop that accepted the
// connection. A handler that never responds leaks the connection.
type HandlerFunc func(ctx *Context, respond ResponseFunc)

// ResponseFunc delivers the response body for a request. Safe to call from
// any goroutine; extra calls after the first are ignored.
type ResponseFunc func(body []byte)

// Context carries one parsed request across loops. It is created per
// request by the Service, handed by reference through dispatch, and
// released once the response has been written. The Server never mutates
// it; response state is written by the handler and consumed by the reply
// writer, steps that the dispatch handoff orders.
type Context struct {
	// ID is a unique request id, carried into log output.
	ID string

	// Method is the HTTP method.
	Method string

	// Path is the request path, the exact-match key for handler lookup.
	Path string

	// RequestURI is the unmodified request target from the request line.
	RequestURI string

	// Query holds the parsed query parameters.
	Query url.Values

	// Header holds the request headers.
	Header http.Header

	// Body is the request body, fully read.
	Body []byte

	// RemoteAddr is the low-level connection address.
	RemoteAddr net.Addr

	// RemoteIP is the textual remote IP, the fallback hash source for
	// affinity routing.
	RemoteIP string

	// Received is when the request was parsed.
	Received time.Time

	status     int
	respHeader http.Header
}

func newContext(req *http.Request, conn net.Conn, body []byte) *Context {
	return &Context{
		ID:         uuid.NewString(),
		Method:     req.Method,
		Path:       req.URL.Path,
		RequestURI: req.RequestURI,
		Query:      req.URL.Query(),
		Header:     req.Header,
		Body:       body,
		RemoteAddr: conn.RemoteAddr(),
		RemoteIP:   remoteIP(conn.RemoteAddr()),
		Received:   time.Now(),
		status:     http.StatusOK,
	}
}

// SetStatus sets the response status code. Default: 200.
func (c *Context) SetStatus(code int) {
	c.status = code
}

// Status returns the response status code that will be written. A Context
// with no explicit status reports 200.
func (c *Context) Status() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

// AddResponseHeader adds a header to the response.
func (c *Context) AddResponseHeader(key, value string) {
	if c.respHeader == nil {
		c.respHeader = make(http.Header)
	}
	c.respHeader.Add(key, value)
}

func (c *Context) responseHeader() http.Header {
	if c.respHeader == nil {
		c.respHeader = make(http.Header)
	}
	return c.respHeader
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
