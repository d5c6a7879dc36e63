package eventloop

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the default capacity of a Loop's task queue.
const DefaultQueueSize = 1024

// Task is a unit of work executed on a Loop's goroutine.
type Task func()

// Option configures a Loop or a Pool.
type Option func(*options)

type options struct {
	queueSize int
	logger    *slog.Logger
}

// WithQueueSize sets the task queue capacity.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithLogger sets the logger used for queue warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		queueSize: DefaultQueueSize,
		logger:    slog.Default().With("component", "eventloop"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Loop is a single-goroutine run loop with a task queue.
//
// The zero value is not usable; construct with New. A Loop moves through
// three states: created (neither running nor stopped), running after Start,
// and stopped once its goroutine has exited. A stopped Loop cannot be
// restarted.
type Loop struct {
	name   string
	logger *slog.Logger

	tasks chan Task
	quit  chan struct{}
	done  chan struct{}

	// exitHook runs on the loop goroutine immediately before it exits,
	// whatever caused the exit. Set before Start.
	exitHook func()

	started  atomic.Bool
	running  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
}

// New creates a Loop with the given name. The name appears in log output
// and identifies the loop in diagnostics.
func New(name string, opts ...Option) *Loop {
	o := buildOptions(opts)
	return &Loop{
		name:   name,
		logger: o.logger,
		tasks:  make(chan Task, o.queueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Name returns the loop's name.
func (l *Loop) Name() string { return l.name }

// SetExitHook registers a function that runs on the loop goroutine right
// before it exits. Must be called before Start.
func (l *Loop) SetExitHook(fn func()) {
	if l.started.Load() {
		panic("eventloop: SetExitHook called after Start")
	}
	l.exitHook = fn
}

// Start launches the loop goroutine. Calling Start twice is a programmer
// error.
func (l *Loop) Start() {
	if !l.started.CompareAndSwap(false, true) {
		panic("eventloop: loop " + l.name + " started twice")
	}
	go l.run()
}

func (l *Loop) run() {
	l.running.Store(true)
	defer func() {
		if l.exitHook != nil {
			l.exitHook()
		}
		l.running.Store(false)
		l.stopped.Store(true)
		close(l.done)
	}()

	for {
		select {
		case task := <-l.tasks:
			task()
		case <-l.quit:
			// Drain whatever was queued before the stop request, then exit.
			for {
				select {
				case task := <-l.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Run queues fn for execution on the loop goroutine. Safe to call from any
// goroutine, including from a task already running on this loop. Tasks run
// in submission order. Run blocks when the queue is full and discards the
// task with a warning once the loop has stopped.
func (l *Loop) Run(fn Task) {
	select {
	case <-l.done:
		l.logger.Warn("task discarded, loop stopped", "loop", l.name)
		return
	default:
	}

	select {
	case l.tasks <- fn:
	case <-l.done:
		l.logger.Warn("task discarded, loop stopped", "loop", l.name)
	}
}

// Stop requests termination. Tasks queued before the stop request still
// run; the exit hook runs after them. Stop returns without waiting; poll
// IsStopped to observe completion. Stopping a loop that was never started
// marks it stopped immediately.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		if !l.started.Load() {
			l.stopped.Store(true)
			close(l.done)
			return
		}
		close(l.quit)
	})
}

// IsRunning reports whether the loop goroutine is executing.
func (l *Loop) IsRunning() bool { return l.running.Load() }

// IsStopped reports whether the loop goroutine has exited (or the loop was
// stopped before ever starting).
func (l *Loop) IsStopped() bool { return l.stopped.Load() }

// Done returns a channel closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }
