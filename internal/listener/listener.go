// Package listener runs the connect → IDLE → dispatch → reconnect loop
// that keeps one mailbox watched indefinitely.
package listener

import (
	"context"
	"log/slog"
	"time"

	"github.com/aaronromeo/idlewatch/internal/protocol"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Session is the transport capability the listener consumes. The concrete
// implementation is imapconn.Session; tests substitute scripted fakes.
// A Session serves exactly one connection lifetime: once a cycle aborts it
// is closed and a fresh Session is obtained from the factory.
type Session interface {
	protocol.Conn

	Connect(ctx context.Context) error
	Logout(ctx context.Context) error
	Close() error
	MessageCount() uint32
	NewTag() string
	FetchHeaders(ctx context.Context, seq uint32) ([]byte, error)
	FetchBody(ctx context.Context, seq uint32) ([]byte, error)
	AddFlags(ctx context.Context, seq uint32, flags ...string) error
	SearchUnseen(ctx context.Context) ([]uint32, error)
}

const (
	defaultIdleDuration   = 29 * time.Minute
	defaultAckTimeout     = 5 * time.Second
	defaultCoalesceWindow = 2 * time.Second
	defaultBackoffInitial = 2 * time.Second
	defaultBackoffMax     = 5 * time.Minute
)

// Listener owns the session lifecycle and the IDLE loop.
type Listener struct {
	newSession func() Session
	dispatcher *Dispatcher
	log        *slog.Logger
	stats      *Stats

	idleDuration   time.Duration
	ackTimeout     time.Duration
	coalesceWindow time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	sweepUnseen    bool

	cycles     metric.Int64Counter
	dispatched metric.Int64Counter
	reconnects metric.Int64Counter
}

// Option configures a Listener.
type Option func(*Listener) error

// WithSessionFactory supplies the factory producing a fresh Session per
// connection attempt. Required.
func WithSessionFactory(f func() Session) Option {
	return func(l *Listener) error {
		l.newSession = f
		return nil
	}
}

// WithDispatcher supplies the handler dispatcher. Required.
func WithDispatcher(d *Dispatcher) Option {
	return func(l *Listener) error {
		l.dispatcher = d
		return nil
	}
}

// WithLogger supplies the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Listener) error {
		l.log = log
		return nil
	}
}

// WithStats attaches a shared Stats for the status endpoint.
func WithStats(s *Stats) Option {
	return func(l *Listener) error {
		l.stats = s
		return nil
	}
}

// WithIdleDuration sets the IDLE refresh interval. Keep it under the
// server's own IDLE limit.
func WithIdleDuration(d time.Duration) Option {
	return func(l *Listener) error {
		if d <= 0 {
			return errors.New("idle duration must be positive")
		}
		l.idleDuration = d
		return nil
	}
}

// WithAckTimeout sets the short command-acknowledgement timeout used for
// the IDLE continuation and DONE completion waits.
func WithAckTimeout(d time.Duration) Option {
	return func(l *Listener) error {
		if d <= 0 {
			return errors.New("ack timeout must be positive")
		}
		l.ackTimeout = d
		return nil
	}
}

// WithCoalesceWindow sets how long a cycle lingers after the first
// notification to absorb bursts. Zero dispatches immediately.
func WithCoalesceWindow(d time.Duration) Option {
	return func(l *Listener) error {
		if d < 0 {
			return errors.New("coalesce window must not be negative")
		}
		l.coalesceWindow = d
		return nil
	}
}

// WithBackoff bounds the jittered exponential reconnect delay.
func WithBackoff(initial, max time.Duration) Option {
	return func(l *Listener) error {
		if initial <= 0 || max < initial {
			return errors.New("backoff bounds must satisfy 0 < initial <= max")
		}
		l.backoffInitial = initial
		l.backoffMax = max
		return nil
	}
}

// WithUnseenSweep dispatches messages flagged unseen once per connection,
// before the first IDLE cycle. When enabled it replaces the count-diff
// catch-up after reconnects to avoid double dispatch.
func WithUnseenSweep() Option {
	return func(l *Listener) error {
		l.sweepUnseen = true
		return nil
	}
}

// New assembles a Listener.
func New(opts ...Option) (*Listener, error) {
	l := &Listener{
		idleDuration:   defaultIdleDuration,
		ackTimeout:     defaultAckTimeout,
		coalesceWindow: defaultCoalesceWindow,
		backoffInitial: defaultBackoffInitial,
		backoffMax:     defaultBackoffMax,
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.newSession == nil {
		return nil, errors.New("requires a session factory")
	}
	if l.dispatcher == nil {
		return nil, errors.New("requires a dispatcher")
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.stats == nil {
		l.stats = NewStats()
	}

	meter := otel.Meter("idlewatch/listener")
	l.cycles, _ = meter.Int64Counter("idlewatch.idle.cycles")
	l.dispatched, _ = meter.Int64Counter("idlewatch.messages.dispatched")
	l.reconnects, _ = meter.Int64Counter("idlewatch.reconnect.attempts")
	return l, nil
}

// Stats returns the shared stats view.
func (l *Listener) Stats() *Stats {
	return l.stats
}

// Run watches the mailbox until ctx is cancelled. Transport and protocol
// faults are recovered by replacing the session after a backoff delay;
// Run returns nil on shutdown and only fails for unrecoverable setup
// mistakes (none today — it is written to run unattended forever).
func (l *Listener) Run(ctx context.Context) error {
	bo := l.newBackoff()

	var baseline uint32
	connectedBefore := false

	for {
		if ctx.Err() != nil {
			l.stats.setState("stopped")
			return nil
		}

		sess := l.newSession()
		l.stats.setState("connecting")
		if err := sess.Connect(ctx); err != nil {
			_ = sess.Close()
			if ctx.Err() != nil {
				l.stats.setState("stopped")
				return nil
			}
			l.stats.recordError(err)
			if !l.waitBackoff(ctx, bo, err) {
				l.stats.setState("stopped")
				return nil
			}
			continue
		}
		bo.Reset()

		count := sess.MessageCount()
		l.stats.setState("connected")
		l.log.Info("connected", "messages", count)

		// Baseline is snapshotted strictly after SELECT and before the
		// first cycle. Mail that arrived while we were disconnected sits
		// between the old baseline and the new count; deliver it first.
		switch {
		case l.sweepUnseen:
			l.dispatchUnseen(ctx, sess)
		case connectedBefore && count > baseline:
			l.log.Info("dispatching messages missed while disconnected",
				"from", baseline+1, "to", count)
			l.dispatchRange(ctx, sess, baseline+1, count)
		}
		baseline = count
		connectedBefore = true

		baseline = l.cycleLoop(ctx, sess, baseline)
		if ctx.Err() != nil {
			l.stats.setState("stopped")
			l.log.Info("listener stopped")
			return nil
		}
		if !l.waitBackoff(ctx, bo, nil) {
			l.stats.setState("stopped")
			return nil
		}
	}
}

// cycleLoop runs IDLE cycles on sess until it aborts or ctx ends. It
// returns the final baseline so reconnect catch-up can diff against it.
func (l *Listener) cycleLoop(ctx context.Context, sess Session, baseline uint32) uint32 {
	for {
		l.stats.setState("idling")
		res, err := protocol.RunCycle(ctx, sess, sess.NewTag(), protocol.Options{
			AckTimeout:     l.ackTimeout,
			Duration:       l.idleDuration,
			CoalesceWindow: l.coalesceWindow,
			Logger:         l.log,
		})
		l.cycles.Add(ctx, 1)
		l.stats.addCycle()

		if err != nil {
			if ctx.Err() != nil {
				// Orderly shutdown: say goodbye if the connection is still
				// usable, then close. No reconnect follows.
				_ = sess.Logout(context.WithoutCancel(ctx))
				_ = sess.Close()
				return baseline
			}
			l.stats.recordError(err)
			l.log.Warn("idle cycle aborted", "error", err)
			_ = sess.Close()
			return baseline
		}

		if res.Changed {
			if res.Count > baseline {
				l.dispatchRange(ctx, sess, baseline+1, res.Count)
			}
			// Shrinking counts (expunges) re-baseline without dispatch.
			baseline = res.Count
		}
	}
}

// dispatchRange fetches and dispatches messages from..to inclusive, in
// ascending sequence order.
func (l *Listener) dispatchRange(ctx context.Context, sess Session, from, to uint32) {
	for seq := from; seq <= to; seq++ {
		l.dispatchOne(ctx, sess, seq)
	}
}

func (l *Listener) dispatchUnseen(ctx context.Context, sess Session) {
	seqs, err := sess.SearchUnseen(ctx)
	if err != nil {
		l.log.Warn("unseen sweep failed", "error", err)
		return
	}
	if len(seqs) == 0 {
		return
	}
	l.log.Info("dispatching unseen messages", "count", len(seqs))
	for _, seq := range seqs {
		l.dispatchOne(ctx, sess, seq)
	}
}

func (l *Listener) dispatchOne(ctx context.Context, sess Session, seq uint32) {
	raw, err := sess.FetchHeaders(ctx, seq)
	if err != nil {
		// The notification stands even when the fetch fails; hand the
		// handlers a bare reference rather than dropping the message.
		l.log.Warn("fetching headers failed", "seq", seq, "error", err)
	}
	msg := newMessage(seq, raw)
	l.log.Info("new message detected",
		"seq", msg.SeqNum, "from", msg.From, "subject", msg.Subject)

	l.dispatched.Add(ctx, 1)
	l.stats.addDispatched()
	l.dispatcher.Dispatch(ctx, msg, &Handle{sess: sess})
}

// waitBackoff sleeps for the next reconnect delay, logging it. It returns
// false when ctx ended during the wait.
func (l *Listener) waitBackoff(ctx context.Context, bo backoff.BackOff, cause error) bool {
	delay := bo.NextBackOff()
	l.reconnects.Add(ctx, 1)
	l.stats.addReconnect()
	l.stats.setState("reconnecting")
	if cause != nil {
		l.log.Error("connection attempt failed", "error", cause, "retry_in", delay)
	} else {
		l.log.Info("reconnecting", "retry_in", delay)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// newBackoff builds the jittered exponential reconnect policy: intervals
// grow from the initial bound to the cap and reset after a successful
// connection.
func (l *Listener) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.backoffInitial
	bo.MaxInterval = l.backoffMax
	bo.MaxElapsedTime = 0 // retry forever
	bo.Reset()
	return bo
}
