package protocol

import (
	"strconv"
	"strings"
)

// EventKind identifies the class of a server response line.
type EventKind int

const (
	// EventUnsolicited is any line the listener has no use for. Malformed
	// input also lands here so a bad line can never take the loop down.
	EventUnsolicited EventKind = iota
	// EventContinuation is the "+" prompt confirming the server accepted
	// IDLE and is ready to push updates.
	EventContinuation
	// EventMailboxChanged is an untagged EXISTS line carrying the new
	// message count for the selected mailbox.
	EventMailboxChanged
	// EventCompletion is the tagged OK/NO/BAD line finishing the command
	// whose tag was supplied to Classify.
	EventCompletion
)

func (k EventKind) String() string {
	switch k {
	case EventContinuation:
		return "continuation"
	case EventMailboxChanged:
		return "mailbox-changed"
	case EventCompletion:
		return "completion"
	default:
		return "unsolicited"
	}
}

// Event is one classified server line. Events are short-lived values
// consumed synchronously by whatever is waiting on the connection.
type Event struct {
	Kind EventKind

	// Count is the new EXISTS total for EventMailboxChanged.
	Count uint32

	// OK and Info describe an EventCompletion: OK is true for a tagged OK,
	// Info holds the status text for NO/BAD diagnostics.
	OK   bool
	Info string

	// Raw is the line as received, without the trailing CRLF.
	Raw string
}

// IsBye reports whether the line is an untagged BYE, which means the
// server is closing the connection and the session is no longer usable.
func (e Event) IsBye() bool {
	return strings.HasPrefix(strings.ToUpper(e.Raw), "* BYE")
}

// Classify turns one raw server line into an Event. tag is the tag of the
// command currently in flight; lines carrying it become completions.
// Classify never fails: anything it cannot place is unsolicited.
func Classify(line, tag string) Event {
	raw := strings.TrimRight(line, "\r\n")
	ev := Event{Kind: EventUnsolicited, Raw: raw}

	if strings.HasPrefix(raw, "+") {
		ev.Kind = EventContinuation
		return ev
	}

	if tag != "" && strings.HasPrefix(raw, tag+" ") {
		rest := strings.TrimSpace(raw[len(tag)+1:])
		status := rest
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			status = rest[:i]
		}
		switch strings.ToUpper(status) {
		case "OK", "NO", "BAD":
			ev.Kind = EventCompletion
			ev.OK = strings.EqualFold(status, "OK")
			ev.Info = rest
			return ev
		}
		return ev
	}

	if strings.HasPrefix(raw, "* ") {
		fields := strings.Fields(raw[2:])
		if len(fields) >= 2 && strings.EqualFold(fields[1], "EXISTS") {
			if n, err := strconv.ParseUint(fields[0], 10, 32); err == nil {
				ev.Kind = EventMailboxChanged
				ev.Count = uint32(n)
				return ev
			}
		}
	}

	return ev
}
