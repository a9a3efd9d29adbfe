// Package ingest drives one delivery through the full chain:
// verify, normalize, claim, dispatch, complete, audit.
//
// Handle is the single entry point the transport adapter calls. Every path
// through it ends in a determinate status and exactly one audit entry;
// nothing is thrown past this boundary.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/tekoa-labs/hookd/internal/audit"
	"github.com/tekoa-labs/hookd/internal/dispatch"
	"github.com/tekoa-labs/hookd/internal/event"
	"github.com/tekoa-labs/hookd/internal/ledger"
	"github.com/tekoa-labs/hookd/internal/log"
	"github.com/tekoa-labs/hookd/internal/metrics"
	"github.com/tekoa-labs/hookd/internal/signature"
)

// Delivery is one inbound HTTP attempt: raw body bytes and the flattened
// header mapping, exactly as received. The body must not be re-serialized
// before verification; the MAC covers the exact bytes.
type Delivery struct {
	Body       []byte
	Headers    map[string]string
	ReceivedAt time.Time
}

// Response is the JSON body returned to the sender.
type Response struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result maps a delivery's terminal outcome onto the transport.
type Result struct {
	StatusCode int
	Body       Response
}

// Engine owns the ingest chain. All collaborators are wired once at startup.
type Engine struct {
	verifier   *signature.Verifier
	ledger     *ledger.Ledger
	dispatcher *dispatch.Dispatcher
	audit      *audit.Store
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// New wires the engine. m may be nil when metrics are not exported.
func New(v *signature.Verifier, l *ledger.Ledger, d *dispatch.Dispatcher, a *audit.Store, m *metrics.Metrics) *Engine {
	return &Engine{
		verifier:   v,
		ledger:     l,
		dispatcher: d,
		audit:      a,
		metrics:    m,
		logger:     log.WithComponent("ingest"),
		now:        time.Now,
	}
}

// Handle executes the chain for one delivery and returns the HTTP mapping:
// accepted, duplicate and unhandled acknowledge with 200; rejections return
// 400; a fault that prevented a determinate outcome returns 500 so the
// sender retries.
func (e *Engine) Handle(ctx context.Context, d Delivery) Result {
	hdrs := signature.HeadersFromMap(d.Headers)
	deliveryID := hdrs.ID
	if deliveryID == "" {
		deliveryID = "unknown"
	}

	receivedAt := d.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = e.now()
	}

	vp, err := e.verifier.Verify(d.Body, hdrs, receivedAt)
	if err != nil {
		if signature.IsMalformed(err) {
			e.record(ctx, audit.Entry{
				DeliveryID: deliveryID,
				Outcome:    audit.OutcomeRejectedMalformed,
				Detail:     err.Error(),
			})
			return reject("rejected-malformed")
		}
		// Highest-severity audit outcome: a MAC mismatch or stale timestamp
		// on a reachable endpoint may indicate an attack.
		e.logger.Warn("delivery failed verification", "delivery_id", deliveryID, "error", err)
		e.record(ctx, audit.Entry{
			DeliveryID: deliveryID,
			Outcome:    audit.OutcomeRejectedSignature,
			Detail:     err.Error(),
		})
		return reject("rejected-signature")
	}

	ev, err := event.Normalize(vp)
	if err != nil {
		e.record(ctx, audit.Entry{
			DeliveryID: deliveryID,
			Outcome:    audit.OutcomeRejectedMalformed,
			Detail:     err.Error(),
		})
		return reject("rejected-malformed")
	}

	claim, err := e.ledger.Claim(ctx, ev.ID, ev.Type)
	if err != nil {
		e.logger.Error("ledger claim failed", "delivery_id", deliveryID, "event_id", ev.ID, "error", err)
		e.record(ctx, audit.Entry{
			DeliveryID: deliveryID,
			EventType:  ev.Type,
			EventID:    ev.ID,
			Outcome:    audit.OutcomeHandlerError,
			Detail:     "ledger claim failed: " + err.Error(),
		})
		return internalError(ev)
	}

	switch claim.Outcome {
	case ledger.OutcomeAlreadyProcessing, ledger.OutcomeAlreadyCompleted:
		detail := string(claim.Outcome)
		if claim.Record != nil {
			detail += ": " + string(claim.Record.Status)
		}
		e.record(ctx, audit.Entry{
			DeliveryID: deliveryID,
			EventType:  ev.Type,
			EventID:    ev.ID,
			Outcome:    audit.OutcomeDuplicate,
			Detail:     detail,
		})
		return acknowledge(ev, "duplicate")
	}

	// This caller owns the event. Complete must record the true outcome
	// before the response is written, or a concurrent retry could race past
	// the pending check.
	start := e.now()
	outcome := e.dispatcher.Dispatch(ctx, ev)
	if e.metrics != nil {
		e.metrics.HandlerDuration.WithLabelValues(ev.Type).Observe(e.now().Sub(start).Seconds())
	}

	switch outcome.Kind {
	case dispatch.Unhandled:
		if err := e.ledger.Complete(ctx, ev.ID, ledger.StatusSucceeded, nil); err != nil {
			return e.completionFault(ctx, deliveryID, ev, err)
		}
		e.record(ctx, audit.Entry{
			DeliveryID: deliveryID,
			EventType:  ev.Type,
			EventID:    ev.ID,
			Outcome:    audit.OutcomeUnhandled,
			Detail:     outcome.Detail,
		})
		return acknowledge(ev, "unhandled")

	case dispatch.Failed:
		detail := outcome.Detail
		if err := e.ledger.Complete(ctx, ev.ID, ledger.StatusFailed, &detail); err != nil {
			return e.completionFault(ctx, deliveryID, ev, err)
		}
		e.record(ctx, audit.Entry{
			DeliveryID: deliveryID,
			EventType:  ev.Type,
			EventID:    ev.ID,
			Outcome:    audit.OutcomeHandlerError,
			Detail:     detail,
		})
		return internalError(ev)

	default:
		if err := e.ledger.Complete(ctx, ev.ID, ledger.StatusSucceeded, nil); err != nil {
			return e.completionFault(ctx, deliveryID, ev, err)
		}
		e.record(ctx, audit.Entry{
			DeliveryID: deliveryID,
			EventType:  ev.Type,
			EventID:    ev.ID,
			Outcome:    audit.OutcomeAccepted,
		})
		return acknowledge(ev, "accepted")
	}
}

// completionFault handles a ledger write failing after dispatch. The record
// stays pending, so a sender retry observes AlreadyProcessing rather than
// re-invoking the handler; 500 signals the indeterminate outcome.
func (e *Engine) completionFault(ctx context.Context, deliveryID string, ev event.Event, err error) Result {
	e.logger.Error("ledger completion failed", "delivery_id", deliveryID, "event_id", ev.ID, "error", err)
	e.record(ctx, audit.Entry{
		DeliveryID: deliveryID,
		EventType:  ev.Type,
		EventID:    ev.ID,
		Outcome:    audit.OutcomeHandlerError,
		Detail:     "ledger completion failed: " + err.Error(),
	})
	return internalError(ev)
}

func (e *Engine) record(ctx context.Context, entry audit.Entry) {
	e.audit.Record(ctx, entry)
	if e.metrics != nil {
		e.metrics.Deliveries.WithLabelValues(string(entry.Outcome)).Inc()
		e.metrics.AuditEntries.Inc()
	}
}

func acknowledge(ev event.Event, outcome string) Result {
	return Result{
		StatusCode: 200,
		Body:       Response{Status: "ok", Outcome: outcome, EventID: ev.ID},
	}
}

func reject(outcome string) Result {
	// Rejections carry no detail; nothing about the expected signature leaks.
	return Result{
		StatusCode: 400,
		Body:       Response{Status: "error", Outcome: outcome, Error: "delivery rejected"},
	}
}

func internalError(ev event.Event) Result {
	return Result{
		StatusCode: 500,
		Body:       Response{Status: "error", Outcome: "handler-error", EventID: ev.ID, Error: "event processing failed"},
	}
}
