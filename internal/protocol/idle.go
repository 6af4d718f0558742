package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// Sentinel errors a Conn implementation must return from NextLine so the
// cycle can tell "nothing arrived in time" from "the connection is gone".
var (
	// ErrReadTimeout means no line arrived within the requested window.
	ErrReadTimeout = errors.New("imap: read timed out")
	// ErrConnectionLost means the transport is unusable and the session
	// must be discarded.
	ErrConnectionLost = errors.New("imap: connection lost")
)

// Conn is the line-level view of an IMAP connection the IDLE cycle needs.
// The concrete implementation lives in internal/imapconn.
type Conn interface {
	SendLine(line string) error
	NextLine(ctx context.Context, timeout time.Duration) (string, error)
}

// State names a position in the IDLE cycle, mostly for logs and tests.
type State int

const (
	StateIdleSent State = iota
	StateWatching
	StateDoneSent
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdleSent:
		return "idle-sent"
	case StateWatching:
		return "watching"
	case StateDoneSent:
		return "done-sent"
	case StateComplete:
		return "complete"
	default:
		return "aborted"
	}
}

// Options tunes one IDLE cycle.
type Options struct {
	// AckTimeout bounds the wait for the "+" continuation after IDLE and
	// for the tagged completion after DONE. It is deliberately short and
	// separate from Duration: a dead connection must not hang the cycle
	// for the whole refresh window.
	AckTimeout time.Duration

	// Duration is how long to stay in Watching before refreshing IDLE.
	// It must sit below the server's own IDLE limit (commonly ~29m).
	Duration time.Duration

	// CoalesceWindow keeps the cycle in Watching briefly after the first
	// notification so a burst of EXISTS lines collapses into one DONE
	// round. Zero proceeds to DONE immediately.
	CoalesceWindow time.Duration

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.Duration <= 0 {
		o.Duration = 29 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Result reports what one cycle observed.
type Result struct {
	// Count is the highest EXISTS total seen during the cycle. Only
	// meaningful when Changed is true.
	Count uint32
	// Changed is true when at least one mailbox notification arrived.
	Changed bool
	// Notifications counts the EXISTS lines seen, coalesced or not.
	Notifications int
}

func (r *Result) observe(ev Event) {
	r.Count = ev.Count
	r.Changed = true
	r.Notifications++
}

// RunCycle drives one full IDLE round on conn: send IDLE, wait for the
// continuation, watch for notifications until the refresh duration (or a
// coalescing window after the first one) elapses, send DONE, and read the
// tagged completion. A nil error is a clean cycle; any error means the
// session is no longer trustworthy and must be replaced by the caller.
// RunCycle never reconnects on its own.
func RunCycle(ctx context.Context, conn Conn, tag string, opts Options) (Result, error) {
	opts = opts.withDefaults()
	log := opts.Logger
	var res Result

	log.Debug("idle cycle starting", "state", StateIdleSent, "tag", tag)
	if err := conn.SendLine(tag + " IDLE"); err != nil {
		return res, errors.Wrap(err, "sending IDLE")
	}

	// Idle_Sent: the only acceptable outcomes are a continuation prompt or
	// a tagged refusal. Anything slower than AckTimeout is a transport
	// fault, not a long wait.
	ackDeadline := time.Now().Add(opts.AckTimeout)
confirm:
	for {
		line, err := conn.NextLine(ctx, time.Until(ackDeadline))
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				return res, errors.New("timed out waiting for IDLE continuation")
			}
			return res, errors.Wrap(err, "waiting for IDLE continuation")
		}
		ev := Classify(line, tag)
		switch ev.Kind {
		case EventContinuation:
			break confirm
		case EventCompletion:
			return res, errors.Errorf("IDLE rejected: %s", ev.Info)
		case EventMailboxChanged:
			// Some servers flush a pending EXISTS before the prompt.
			res.observe(ev)
		default:
			if ev.IsBye() {
				return res, errors.Errorf("server closed the session: %s", ev.Raw)
			}
			log.Debug("ignoring unsolicited line", "state", StateIdleSent, "line", ev.Raw)
		}
	}

	// Watching: wait for notifications, the refresh deadline, or
	// cancellation. All three leave this state without error.
	log.Debug("idle confirmed", "state", StateWatching, "tag", tag)
	idleDeadline := time.Now().Add(opts.Duration)
	var coalesceUntil time.Time
	if res.Changed {
		coalesceUntil = time.Now().Add(opts.CoalesceWindow)
	}
watch:
	for {
		wait := time.Until(idleDeadline)
		if res.Changed {
			if cw := time.Until(coalesceUntil); cw < wait {
				wait = cw
			}
		}
		if wait <= 0 {
			break watch
		}
		line, err := conn.NextLine(ctx, wait)
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				// Refresh deadline or coalescing window elapsed; both are
				// normal exits from Watching.
				break watch
			}
			return res, errors.Wrap(err, "watching for mailbox updates")
		}
		ev := Classify(line, tag)
		switch ev.Kind {
		case EventMailboxChanged:
			res.observe(ev)
			log.Debug("mailbox changed", "state", StateWatching, "count", ev.Count)
			if opts.CoalesceWindow <= 0 {
				break watch
			}
			coalesceUntil = time.Now().Add(opts.CoalesceWindow)
		case EventCompletion:
			// The server finished IDLE on its own; the cycle is out of sync
			// with the connection state, so treat it as a fault either way.
			return res, errors.Errorf("IDLE ended unexpectedly: %s", ev.Info)
		default:
			if ev.IsBye() {
				return res, errors.Errorf("server closed the session: %s", ev.Raw)
			}
			log.Debug("ignoring unsolicited line", "state", StateWatching, "line", ev.Raw)
		}
	}

	log.Debug("ending idle", "state", StateDoneSent, "tag", tag, "notifications", res.Notifications)
	if err := conn.SendLine("DONE"); err != nil {
		return res, errors.Wrap(err, "sending DONE")
	}

	// Done_Sent: only the tagged completion for the original IDLE ends the
	// cycle cleanly. A NO/BAD here aborts; it never loops back to IDLE.
	ackDeadline = time.Now().Add(opts.AckTimeout)
	for {
		line, err := conn.NextLine(ctx, time.Until(ackDeadline))
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				return res, errors.New("timed out waiting for IDLE completion")
			}
			return res, errors.Wrap(err, "waiting for IDLE completion")
		}
		ev := Classify(line, tag)
		switch ev.Kind {
		case EventCompletion:
			if !ev.OK {
				return res, errors.Errorf("IDLE failed: %s", ev.Info)
			}
			log.Debug("idle cycle complete", "state", StateComplete, "notifications", res.Notifications)
			return res, nil
		case EventMailboxChanged:
			// A last notification can ride along with the DONE flush.
			res.observe(ev)
		default:
			if ev.IsBye() {
				return res, errors.Errorf("server closed the session: %s", ev.Raw)
			}
			log.Debug("ignoring unsolicited line", "state", StateDoneSent, "line", ev.Raw)
		}
	}
}
