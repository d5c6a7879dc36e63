// Package server implements an evented multi-loop HTTP server core.
//
// A Server owns one listening event loop per bound port and a fixed pool of
// worker loops that run application handlers. Every accepted request is
// parsed and handed to its listening loop, routed to exactly one worker
// loop according to the configured Policy, and answered through a response
// callback that always returns to the listening loop that accepted the
// connection. The only cross-loop handoff is queueing a task into a loop;
// no shared mutable state is touched outside that message-passing step.
//
// Lifecycle is coarse and caller-driven: register handlers, Start on one or
// more ports, optionally Pause/Continue accepting, Stop. Handler
// registration is only legal before Start. The implementation does not
// serialize concurrent lifecycle calls; issuing Start and Stop from two
// goroutines at once is a caller error.
package server
