package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/strand-go/strand/pkg/eventloop"
)

// Policy selects how a worker loop is chosen for an accepted request.
// The policy is fixed at construction time and passed into the dispatch
// routine; it is never read from mutable shared state.
type Policy int

const (
	// PolicyRoundRobin distributes requests evenly over the worker loops
	// with a monotonically advancing counter. No affinity.
	PolicyRoundRobin Policy = iota

	// PolicyIPHash routes requests by a hash of the remote peer address:
	// identical remote addresses always reach the identical worker loop for
	// the lifetime of the pool. Load may be uneven under skewed client
	// distributions.
	PolicyIPHash
)

// String returns a human-readable name for the policy.
func (p Policy) String() string {
	switch p {
	case PolicyRoundRobin:
		return "round-robin"
	case PolicyIPHash:
		return "ip-hash"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a policy name ("round-robin" or "ip-hash") to a
// Policy value.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "round-robin", "":
		return PolicyRoundRobin, nil
	case "ip-hash":
		return PolicyIPHash, nil
	default:
		return 0, fmt.Errorf("server: unknown policy %q", s)
	}
}

// Config holds configuration for the Server.
type Config struct {
	// Workers is the number of worker loops. Zero is valid: requests are
	// then handled on the listening loop itself, with no cross-loop hop.
	Workers int

	// Policy selects the worker loop for each request.
	// Default: PolicyRoundRobin.
	Policy Policy

	// TaskQueueSize is the capacity of each loop's task queue.
	// Default: 1024.
	TaskQueueSize int

	// MaxBodySize is the maximum request body size read per request.
	// Default: 4MB.
	MaxBodySize int64

	// ReadTimeout is the per-connection read deadline while waiting for a
	// request. Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the deadline for writing one response.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// AcceptPollInterval bounds how quickly a listener notices a pause or
	// stop request. Default: 50 milliseconds.
	AcceptPollInterval time.Duration

	// PollInterval is the granularity of the lifecycle barriers in Start
	// and Stop. Default: 1 millisecond.
	PollInterval time.Duration

	// StartTimeout bounds how long Start waits for the running state.
	// Default: 10 seconds.
	StartTimeout time.Duration

	// OnDispatch, when set, is called on the listening loop for every
	// dispatched request with the worker loop that was selected. Intended
	// for diagnostics and tests.
	OnDispatch func(ctx *Context, worker *eventloop.Loop)

	// Logger is the structured logger. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults and zero workers.
func DefaultConfig() *Config {
	return &Config{
		Workers:            0,
		Policy:             PolicyRoundRobin,
		TaskQueueSize:      1024,
		MaxBodySize:        4 << 20,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Second,
		AcceptPollInterval: 50 * time.Millisecond,
		PollInterval:       time.Millisecond,
		StartTimeout:       10 * time.Second,
		Logger:             slog.Default(),
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// fill sets defaults for any unset field.
func (c *Config) fill() {
	defaults := DefaultConfig()
	if c.TaskQueueSize == 0 {
		c.TaskQueueSize = defaults.TaskQueueSize
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = defaults.MaxBodySize
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaults.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.AcceptPollInterval == 0 {
		c.AcceptPollInterval = defaults.AcceptPollInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = defaults.StartTimeout
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}
}
