package listener

import "context"

// Handle is the capability handed to handlers for follow-up mailbox
// operations. All calls pass through to the listener's current session,
// which stays valid for the duration of the dispatch.
type Handle struct {
	sess Session
}

// FetchBody retrieves and decodes the full message.
func (h *Handle) FetchBody(ctx context.Context, ref Reference) (*Body, error) {
	raw, err := h.sess.FetchBody(ctx, ref.SeqNum)
	if err != nil {
		return nil, err
	}
	return parseBody(raw)
}

// FetchRaw retrieves the message as delivered, undecoded.
func (h *Handle) FetchRaw(ctx context.Context, ref Reference) ([]byte, error) {
	return h.sess.FetchBody(ctx, ref.SeqNum)
}

// MarkSeen sets \Seen on the message.
func (h *Handle) MarkSeen(ctx context.Context, ref Reference) error {
	return h.sess.AddFlags(ctx, ref.SeqNum, `\Seen`)
}

// MarkDeleted sets \Deleted on the message. Expunging is left to the
// server's session teardown or an external tool.
func (h *Handle) MarkDeleted(ctx context.Context, ref Reference) error {
	return h.sess.AddFlags(ctx, ref.SeqNum, `\Deleted`)
}
