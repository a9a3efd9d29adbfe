package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tekoa-labs/hookd/internal/event"
	"github.com/tekoa-labs/hookd/internal/log"
)

// HandlerFunc processes one verified event. A nil error means the event was
// handled; an error (or panic) marks the event failed in the ledger.
type HandlerFunc func(ctx context.Context, ev event.Event) error

// Registry maps event types to handlers. Populate it during startup, then
// hand it to the Dispatcher; it is not safe for concurrent mutation.
type Registry struct {
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to an event type. Duplicate registration is a
// wiring bug and fails loudly.
func (r *Registry) Register(eventType string, h HandlerFunc) error {
	if eventType == "" {
		return fmt.Errorf("event type is empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", eventType)
	}
	if _, exists := r.handlers[eventType]; exists {
		return fmt.Errorf("handler for %q already registered", eventType)
	}
	r.handlers[eventType] = h
	return nil
}

// Types returns the registered event types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Kind classifies the result of a dispatch.
type Kind int

const (
	// Handled: the registered handler returned nil.
	Handled Kind = iota
	// Unhandled: no handler is registered for the event type.
	Unhandled
	// Failed: the handler returned an error or panicked.
	Failed
)

// Outcome is the terminal result of dispatching one event.
type Outcome struct {
	Kind   Kind
	Detail string
}

// Dispatcher invokes handlers synchronously with respect to the calling
// request; the ledger's completion must record the true outcome before the
// HTTP response is written.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

func New(registry *Registry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   log.WithComponent("dispatch"),
	}
}

// Dispatch routes ev to its handler and converts every fault into an Outcome.
// Nothing propagates past this boundary.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) Outcome {
	h, ok := d.registry.handlers[ev.Type]
	if !ok {
		d.logger.Info("no handler registered", "event_type", ev.Type, "event_id", ev.ID)
		return Outcome{Kind: Unhandled, Detail: "no handler registered for " + ev.Type}
	}

	start := time.Now()
	err := d.invoke(ctx, h, ev)
	elapsed := time.Since(start)

	if err != nil {
		d.logger.Error("handler failed",
			"event_type", ev.Type,
			"event_id", ev.ID,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return Outcome{Kind: Failed, Detail: err.Error()}
	}

	d.logger.Info("event handled",
		"event_type", ev.Type,
		"event_id", ev.ID,
		"duration_ms", elapsed.Milliseconds(),
	)
	return Outcome{Kind: Handled}
}

// invoke runs the handler with panic isolation.
func (d *Dispatcher) invoke(ctx context.Context, h HandlerFunc, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, ev)
}
