// Package eventloop provides single-goroutine run loops and a fixed-size
// pool of them.
//
// A Loop owns a task queue and one goroutine. Work is handed to a Loop from
// any goroutine with Run; queued tasks execute later, in FIFO order, on the
// Loop's own goroutine. No two tasks of the same Loop ever run concurrently,
// which makes a Loop a serialization point: state touched only from tasks of
// one Loop needs no locking.
//
// A Pool is a fixed set of Loops started and stopped as a unit. It hands out
// Loops either round-robin (Next) or by a stable hash-to-index mapping
// (ByHash), which is how the server implements even load distribution and
// per-client session affinity respectively.
package eventloop
