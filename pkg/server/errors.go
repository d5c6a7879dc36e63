package server

import "errors"

// Sentinel errors for lifecycle and listen failures.
var (
	// ErrNoPorts is returned when Start is called without any port.
	ErrNoPorts = errors.New("server: no listen ports given")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("server: already started")

	// ErrStartTimeout is returned when the server does not reach the
	// running state within Config.StartTimeout. The server is left in a
	// partially started state; the caller must Stop it.
	ErrStartTimeout = errors.New("server: start timed out")

	// ErrServiceStopped is returned when a Service operation is attempted
	// after Stop.
	ErrServiceStopped = errors.New("server: service stopped")

	// ErrNotListening is returned when Service.Start is called before a
	// successful Listen.
	ErrNotListening = errors.New("server: service is not listening")
)
