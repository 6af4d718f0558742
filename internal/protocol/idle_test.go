package protocol

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn scripts the server side of a cycle: SendLine records what the
// machine wrote (and may queue replies via onSend), NextLine hands back
// queued lines or errors with timeout semantics matching the real thing.
type fakeConn struct {
	events chan any // string lines or errors

	mu     sync.Mutex
	sent   []string
	onSend func(line string)
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan any, 16)}
}

func (c *fakeConn) SendLine(line string) error {
	c.mu.Lock()
	c.sent = append(c.sent, line)
	c.mu.Unlock()
	if c.onSend != nil {
		c.onSend(line)
	}
	return nil
}

func (c *fakeConn) NextLine(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout < 0 {
		timeout = 0
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-c.events:
		switch v := ev.(type) {
		case string:
			return v, nil
		case error:
			return "", v
		}
		return "", nil
	case <-timer.C:
		return "", ErrReadTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *fakeConn) sentLines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func testOptions() Options {
	return Options{
		AckTimeout:     time.Second,
		Duration:       5 * time.Second,
		CoalesceWindow: 20 * time.Millisecond,
	}
}

// autoRespond wires the fake to answer IDLE with a continuation and DONE
// with a tagged OK, the way a healthy server does.
func autoRespond(c *fakeConn, tag string) {
	c.onSend = func(line string) {
		switch {
		case strings.HasSuffix(line, " IDLE"):
			c.events <- "+ idling"
		case line == "DONE":
			c.events <- tag + " OK IDLE terminated"
		}
	}
}

func TestRunCycleNotificationDispatch(t *testing.T) {
	conn := newFakeConn()
	const tag = "T1"
	autoRespond(conn, tag)

	go func() {
		time.Sleep(10 * time.Millisecond)
		conn.events <- "* 7 EXISTS"
	}()

	res, err := RunCycle(context.Background(), conn, tag, testOptions())
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, uint32(7), res.Count)
	assert.Equal(t, 1, res.Notifications)
	assert.Equal(t, []string{tag + " IDLE", "DONE"}, conn.sentLines())
}

func TestRunCycleCoalescesBurst(t *testing.T) {
	conn := newFakeConn()
	const tag = "T1"
	autoRespond(conn, tag)

	go func() {
		time.Sleep(5 * time.Millisecond)
		conn.events <- "* 6 EXISTS"
		conn.events <- "* 7 EXISTS"
	}()

	opts := testOptions()
	opts.CoalesceWindow = 50 * time.Millisecond
	res, err := RunCycle(context.Background(), conn, tag, opts)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), res.Count)
	assert.Equal(t, 2, res.Notifications)
}

func TestRunCycleRefreshOnDurationElapsed(t *testing.T) {
	conn := newFakeConn()
	const tag = "T1"
	autoRespond(conn, tag)

	opts := testOptions()
	opts.Duration = 60 * time.Millisecond

	start := time.Now()
	res, err := RunCycle(context.Background(), conn, tag, opts)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, []string{tag + " IDLE", "DONE"}, conn.sentLines())
}

func TestRunCycleContinuationTimeoutAborts(t *testing.T) {
	conn := newFakeConn() // never answers IDLE

	opts := testOptions()
	opts.AckTimeout = 30 * time.Millisecond

	_, err := RunCycle(context.Background(), conn, "T1", opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "continuation")
}

func TestRunCycleRejectedIdleAborts(t *testing.T) {
	conn := newFakeConn()
	const tag = "T1"
	conn.onSend = func(line string) {
		if strings.HasSuffix(line, " IDLE") {
			conn.events <- tag + " NO IDLE not supported"
		}
	}

	_, err := RunCycle(context.Background(), conn, tag, testOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDLE rejected")
}

func TestRunCycleDoneFailureAborts(t *testing.T) {
	conn := newFakeConn()
	const tag = "T1"
	conn.onSend = func(line string) {
		switch {
		case strings.HasSuffix(line, " IDLE"):
			conn.events <- "+ idling"
		case line == "DONE":
			conn.events <- tag + " NO something broke"
		}
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		conn.events <- "* 6 EXISTS"
	}()

	opts := testOptions()
	opts.CoalesceWindow = 0
	res, err := RunCycle(context.Background(), conn, tag, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDLE failed")
	// The notification was still observed before the abort.
	assert.True(t, res.Changed)
}

func TestRunCycleByeWhileWatchingAborts(t *testing.T) {
	conn := newFakeConn()
	const tag = "T1"
	autoRespond(conn, tag)

	go func() {
		time.Sleep(5 * time.Millisecond)
		conn.events <- "* BYE going down for maintenance"
	}()

	_, err := RunCycle(context.Background(), conn, tag, testOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server closed the session")
}

func TestRunCycleConnectionLostWhileWatchingAborts(t *testing.T) {
	conn := newFakeConn()
	const tag = "T1"
	autoRespond(conn, tag)

	go func() {
		time.Sleep(5 * time.Millisecond)
		conn.events <- ErrConnectionLost
	}()

	_, err := RunCycle(context.Background(), conn, tag, testOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestRunCycleCancellationAborts(t *testing.T) {
	conn := newFakeConn()
	const tag = "T1"
	autoRespond(conn, tag)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := RunCycle(ctx, conn, tag, testOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunCycleUnexpectedCompletionWhileWatchingAborts(t *testing.T) {
	conn := newFakeConn()
	const tag = "T1"
	autoRespond(conn, tag)

	go func() {
		time.Sleep(5 * time.Millisecond)
		conn.events <- tag + " OK IDLE terminated"
	}()

	_, err := RunCycle(context.Background(), conn, tag, testOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ended unexpectedly")
}

func TestRunCycleIgnoresUnsolicitedLines(t *testing.T) {
	conn := newFakeConn()
	const tag = "T1"
	autoRespond(conn, tag)

	go func() {
		time.Sleep(5 * time.Millisecond)
		conn.events <- "* 2 RECENT"
		conn.events <- "* OK still here"
		conn.events <- "* 9 EXISTS"
	}()

	res, err := RunCycle(context.Background(), conn, tag, testOptions())
	require.NoError(t, err)
	assert.Equal(t, uint32(9), res.Count)
	assert.Equal(t, 1, res.Notifications)
}
