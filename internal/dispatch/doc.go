// Package dispatch routes verified events to registered handlers.
//
// Handlers are registered once at process start, keyed by event type, and the
// registry is treated as read-only afterwards. Adding a new event type is a
// registration action, not a code-path branch.
//
// Handler invocation is isolated: a panic inside a handler is recovered at
// the dispatch boundary and reported as a failed outcome. An event type with
// no registered handler is not an error; it is acknowledged and audited as
// unhandled so sender vocabulary can grow ahead of this service.
package dispatch
