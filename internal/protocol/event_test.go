package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTableDriven(t *testing.T) {
	const tag = "ABC123"

	tests := []struct {
		name string
		line string
		want Event
	}{
		{
			name: "continuation prompt",
			line: "+ idling",
			want: Event{Kind: EventContinuation, Raw: "+ idling"},
		},
		{
			name: "bare continuation",
			line: "+",
			want: Event{Kind: EventContinuation, Raw: "+"},
		},
		{
			name: "exists notification",
			line: "* 23 EXISTS\r\n",
			want: Event{Kind: EventMailboxChanged, Count: 23, Raw: "* 23 EXISTS"},
		},
		{
			name: "exists lowercase",
			line: "* 7 exists",
			want: Event{Kind: EventMailboxChanged, Count: 7, Raw: "* 7 exists"},
		},
		{
			name: "tagged ok",
			line: tag + " OK IDLE terminated",
			want: Event{Kind: EventCompletion, OK: true, Info: "OK IDLE terminated", Raw: tag + " OK IDLE terminated"},
		},
		{
			name: "tagged no",
			line: tag + " NO IDLE not allowed",
			want: Event{Kind: EventCompletion, OK: false, Info: "NO IDLE not allowed", Raw: tag + " NO IDLE not allowed"},
		},
		{
			name: "tagged bad",
			line: tag + " BAD syntax",
			want: Event{Kind: EventCompletion, OK: false, Info: "BAD syntax", Raw: tag + " BAD syntax"},
		},
		{
			name: "other tag is unsolicited",
			line: "XYZ OK done",
			want: Event{Kind: EventUnsolicited, Raw: "XYZ OK done"},
		},
		{
			name: "recent is unsolicited",
			line: "* 2 RECENT",
			want: Event{Kind: EventUnsolicited, Raw: "* 2 RECENT"},
		},
		{
			name: "expunge is unsolicited",
			line: "* 4 EXPUNGE",
			want: Event{Kind: EventUnsolicited, Raw: "* 4 EXPUNGE"},
		},
		{
			name: "exists with absurd count",
			line: "* 99999999999999999999 EXISTS",
			want: Event{Kind: EventUnsolicited, Raw: "* 99999999999999999999 EXISTS"},
		},
		{
			name: "garbage is unsolicited",
			line: "!!! not imap at all",
			want: Event{Kind: EventUnsolicited, Raw: "!!! not imap at all"},
		},
		{
			name: "empty line is unsolicited",
			line: "",
			want: Event{Kind: EventUnsolicited, Raw: ""},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.line, tag))
		})
	}
}

func TestClassifyWithoutTag(t *testing.T) {
	ev := Classify("ABC123 OK done", "")
	assert.Equal(t, EventUnsolicited, ev.Kind)
}

func TestIsBye(t *testing.T) {
	assert.True(t, Classify("* BYE server shutting down", "T1").IsBye())
	assert.True(t, Classify("* bye", "T1").IsBye())
	assert.False(t, Classify("* 3 EXISTS", "T1").IsBye())
}
