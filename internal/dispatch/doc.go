// Package dispatch is an in-process implementation of engine.Dispatcher.
//
// Tasks are routed by operation name to handlers registered when the
// dispatcher is constructed. Accepted tasks wait in an unbounded FIFO queue
// and are run by a fixed pool of workers. Every accepted task produces exactly
// one outcome, delivered on a dispatcher goroutine:
//
//   - the handler's result, or its error
//   - a cancelled outcome if Cancel withdrew the task before a worker took it
//   - a cancelled outcome if the dispatcher was closed before it ran
package dispatch
