package listener

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Handler processes one newly detected message. Handlers may use the
// Handle for follow-up operations such as fetching the body or marking
// the message read. A non-nil error is logged and isolated; it never
// stops other handlers or later messages.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message, h *Handle) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message, h *Handle) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *Message, h *Handle) error {
	return f(ctx, msg, h)
}

// Dispatcher fans one message out to the registered handlers in
// registration order. Dispatch is sequential per message; the concurrent
// option relaxes ordering between handlers of the same message.
type Dispatcher struct {
	log        *slog.Logger
	handlers   []Handler
	concurrent bool
	stats      *Stats

	tracer   trace.Tracer
	failures metric.Int64Counter
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithConcurrentHandlers runs all handlers for a message concurrently.
// Registration order then no longer bounds handler completion order.
func WithConcurrentHandlers() DispatcherOption {
	return func(d *Dispatcher) {
		d.concurrent = true
	}
}

// WithDispatcherStats records handler failures on stats in addition to
// the OTel counter.
func WithDispatcherStats(stats *Stats) DispatcherOption {
	return func(d *Dispatcher) {
		d.stats = stats
	}
}

// NewDispatcher creates a Dispatcher logging through log.
func NewDispatcher(log *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		log:    log,
		tracer: otel.Tracer("idlewatch/listener"),
	}
	d.failures, _ = otel.Meter("idlewatch/listener").Int64Counter("idlewatch.handler.failures")
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register appends a handler. Registration order is dispatch order.
// Register is not safe to call once the listener is running.
func (d *Dispatcher) Register(h Handler) {
	d.handlers = append(d.handlers, h)
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	return len(d.handlers)
}

// Dispatch invokes every registered handler for msg. It returns only
// after all handlers have finished, so the caller can rely on message N
// completing before message N+1 begins.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message, handle *Handle) {
	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(attribute.Int64("message.seq", int64(msg.SeqNum))))
	defer span.End()

	if d.concurrent {
		var g errgroup.Group
		for i, h := range d.handlers {
			i, h := i, h
			g.Go(func() error {
				d.invoke(ctx, i, h, msg, handle)
				return nil
			})
		}
		_ = g.Wait()
		return
	}

	for i, h := range d.handlers {
		d.invoke(ctx, i, h, msg, handle)
	}
}

// invoke runs a single handler, converting panics and errors into log
// entries so one bad handler cannot take the listener down.
func (d *Dispatcher) invoke(ctx context.Context, idx int, h Handler, msg *Message, handle *Handle) {
	defer func() {
		if r := recover(); r != nil {
			d.fail(ctx)
			d.log.Error("handler panicked",
				"handler", idx, "seq", msg.SeqNum, "panic", fmt.Sprintf("%v", r))
		}
	}()
	if err := h.HandleMessage(ctx, msg, handle); err != nil {
		d.fail(ctx)
		d.log.Error("handler failed", "handler", idx, "seq", msg.SeqNum, "error", err)
	}
}

func (d *Dispatcher) fail(ctx context.Context) {
	d.failures.Add(ctx, 1)
	if d.stats != nil {
		d.stats.AddHandlerFailure()
	}
}
