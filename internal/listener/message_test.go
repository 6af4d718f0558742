package listener

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageParsesHeaders(t *testing.T) {
	raw := []byte("Subject: Quarterly report\r\n" +
		"From: Alice Example <alice@example.com>\r\n" +
		"To: bob@example.com, carol@example.com\r\n" +
		"Date: Mon, 24 Aug 2026 10:30:00 +0000\r\n" +
		"\r\n")

	msg := newMessage(12, raw)
	assert.Equal(t, uint32(12), msg.SeqNum)
	assert.Equal(t, "Quarterly report", msg.Subject)
	assert.Equal(t, "alice@example.com", msg.From)
	assert.Equal(t, "bob@example.com, carol@example.com", msg.To)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC), msg.Date.UTC())
	assert.Equal(t, len(raw), msg.Size)
}

func TestNewMessageDegradesToBareReference(t *testing.T) {
	msg := newMessage(3, nil)
	assert.Equal(t, uint32(3), msg.SeqNum)
	assert.Empty(t, msg.Subject)
	assert.Empty(t, msg.From)

	msg = newMessage(4, []byte("not a header block at all"))
	assert.Equal(t, uint32(4), msg.SeqNum)
}

func TestParseBodyExtractsTextParts(t *testing.T) {
	raw := []byte("From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: hello\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=PART\r\n" +
		"\r\n" +
		"--PART\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"plain text here\r\n" +
		"--PART\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>html here</p>\r\n" +
		"--PART--\r\n")

	body, err := parseBody(raw)
	require.NoError(t, err)
	assert.Equal(t, "plain text here", string(body.Plain))
	assert.Equal(t, "<p>html here</p>", string(body.HTML))
}

func TestParseBodyPlainOnly(t *testing.T) {
	raw := []byte("From: alice@example.com\r\n" +
		"Subject: hello\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"just the one part\r\n")

	body, err := parseBody(raw)
	require.NoError(t, err)
	assert.Contains(t, string(body.Plain), "just the one part")
	assert.Empty(t, body.HTML)
}
