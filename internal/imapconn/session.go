// Package imapconn implements the raw line-level IMAP transport the
// listener runs on: an implicit-TLS connection with tagged command
// execution and deadline-bounded line reads. The connection is owned by
// exactly one listener controller; nothing here is safe for concurrent use.
package imapconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aaronromeo/idlewatch/internal/protocol"
	"github.com/pkg/errors"
	"github.com/rs/xid"
)

const (
	defaultDialTimeout    = 30 * time.Second
	defaultCommandTimeout = 30 * time.Second
)

var (
	existsRE  = regexp.MustCompile(`^\* (\d+) EXISTS`)
	literalRE = regexp.MustCompile(`\{(\d+)\}$`)
)

// Session is one authenticated, mailbox-selected IMAP connection. A
// Session is used for a single connection lifetime: after any transport
// fault it is closed and replaced, never reconnected in place.
type Session struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string

	TLSConfig      *tls.Config
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	Log            *slog.Logger

	// Dial overrides the TLS dialer, used by tests to wire in a scripted
	// in-memory connection.
	Dial func(ctx context.Context, addr string) (net.Conn, error)

	conn  net.Conn
	r     *bufio.Reader
	count uint32
}

// Connect dials the server, reads the greeting, logs in, and selects the
// mailbox. Authentication failures are returned as-is and never retried
// here; reconnect policy belongs to the caller.
func (s *Session) Connect(ctx context.Context) error {
	if strings.TrimSpace(s.Host) == "" {
		return errors.New("imap host is required")
	}
	if strings.TrimSpace(s.Username) == "" || s.Password == "" {
		return errors.New("imap credentials are required")
	}
	if strings.TrimSpace(s.Mailbox) == "" {
		s.Mailbox = "INBOX"
	}
	if s.Log == nil {
		s.Log = slog.Default()
	}

	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	dial := s.Dial
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: s.dialTimeout()}
			return tls.DialWithDialer(dialer, "tcp", addr, s.TLSConfig)
		}
	}

	conn, err := dial(ctx, addr)
	if err != nil {
		return errors.Wrapf(err, "dialing %s", addr)
	}
	s.conn = conn
	s.r = bufio.NewReader(conn)

	greeting, err := s.NextLine(ctx, s.commandTimeout())
	if err != nil {
		_ = s.Close()
		return errors.Wrap(err, "reading greeting")
	}
	upper := strings.ToUpper(greeting)
	if !strings.HasPrefix(upper, "* OK") && !strings.HasPrefix(upper, "* PREAUTH") {
		_ = s.Close()
		return errors.Errorf("unexpected greeting: %s", greeting)
	}

	if !strings.HasPrefix(upper, "* PREAUTH") {
		cmd := fmt.Sprintf("LOGIN %s %s", quoteString(s.Username), quoteString(s.Password))
		if _, err := s.exec(ctx, cmd, nil); err != nil {
			_ = s.Close()
			return errors.Wrap(err, "login")
		}
	}

	lines, err := s.exec(ctx, fmt.Sprintf("SELECT %s", quoteString(s.Mailbox)), nil)
	if err != nil {
		_ = s.Close()
		return errors.Wrapf(err, "selecting %s", s.Mailbox)
	}
	for _, line := range lines {
		if m := existsRE.FindStringSubmatch(line); m != nil {
			n, err := strconv.ParseUint(m[1], 10, 32)
			if err != nil {
				continue
			}
			s.count = uint32(n)
		}
	}

	s.Log.Debug("session established", "host", s.Host, "mailbox", s.Mailbox, "messages", s.count)
	return nil
}

// MessageCount returns the EXISTS count reported by SELECT. It is the
// baseline snapshot for new-message diffing and is not updated afterwards.
func (s *Session) MessageCount() uint32 {
	return s.count
}

// NewTag returns a fresh command tag.
func (s *Session) NewTag() string {
	return strings.ToUpper(xid.New().String())
}

// SendLine writes one CRLF-terminated line.
func (s *Session) SendLine(line string) error {
	if s.conn == nil {
		return protocol.ErrConnectionLost
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.commandTimeout()))
	if _, err := s.conn.Write([]byte(line + "\r\n")); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConnectionLost, err)
	}
	return nil
}

// NextLine reads one raw line, waiting at most timeout. It returns
// protocol.ErrReadTimeout when nothing arrived in the window, the context
// error when ctx was cancelled mid-read, and protocol.ErrConnectionLost
// for anything else.
func (s *Session) NextLine(ctx context.Context, timeout time.Duration) (string, error) {
	if s.conn == nil {
		return "", protocol.ErrConnectionLost
	}
	if timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = s.conn.SetReadDeadline(time.Now())
	}
	stop := context.AfterFunc(ctx, func() {
		// Poke the blocked read so cancellation is observed promptly.
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	line, err := s.r.ReadString('\n')
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", protocol.ErrReadTimeout
		}
		return "", fmt.Errorf("%w: %v", protocol.ErrConnectionLost, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Logout ends the session politely. A connection dropped by the server
// right after LOGOUT is not an error.
func (s *Session) Logout(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	_, err := s.exec(ctx, "LOGOUT", nil)
	closeErr := s.Close()
	if err != nil && !errors.Is(err, protocol.ErrConnectionLost) {
		return err
	}
	return closeErr
}

// Close tears the connection down. Safe to call more than once.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.r = nil
	return err
}

// exec runs one tagged command to completion, returning the untagged
// lines that preceded the tagged OK. A tagged NO/BAD is an error.
func (s *Session) exec(ctx context.Context, command string, onLine func(string) error) ([]string, error) {
	tag := s.NewTag()
	s.Log.Debug("sending command", "command", s.sanitize(tag+" "+command))

	if err := s.SendLine(tag + " " + command); err != nil {
		return nil, err
	}

	var lines []string
	for {
		line, err := s.nextLogicalLine(ctx)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(line, tag+" ") {
			rest := strings.TrimSpace(line[len(tag)+1:])
			if strings.HasPrefix(strings.ToUpper(rest), "OK") {
				return lines, nil
			}
			return lines, errors.Errorf("imap command failed: %s", rest)
		}
		if onLine != nil {
			if err := onLine(line); err != nil {
				return nil, err
			}
		}
		lines = append(lines, line)
	}
}

// nextLogicalLine reads a line and folds any {n} literal continuations
// into it, so multi-line FETCH responses come back as one unit.
func (s *Session) nextLogicalLine(ctx context.Context) (string, error) {
	line, err := s.NextLine(ctx, s.commandTimeout())
	if err != nil {
		return "", err
	}
	for {
		m := literalRE.FindStringSubmatch(line)
		if m == nil {
			return line, nil
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return line, nil
		}
		buf := make([]byte, n)
		_ = s.conn.SetReadDeadline(time.Now().Add(s.commandTimeout()))
		if _, err := io.ReadFull(s.r, buf); err != nil {
			return "", fmt.Errorf("%w: %v", protocol.ErrConnectionLost, err)
		}
		rest, err := s.NextLine(ctx, s.commandTimeout())
		if err != nil {
			return "", err
		}
		line = line + "\r\n" + string(buf) + rest
	}
}

func (s *Session) dialTimeout() time.Duration {
	if s.DialTimeout > 0 {
		return s.DialTimeout
	}
	return defaultDialTimeout
}

func (s *Session) commandTimeout() time.Duration {
	if s.CommandTimeout > 0 {
		return s.CommandTimeout
	}
	return defaultCommandTimeout
}

// sanitize keeps credentials out of logs.
func (s *Session) sanitize(line string) string {
	if s.Password == "" {
		return line
	}
	return strings.ReplaceAll(line, quoteString(s.Password), `"****"`)
}

func quoteString(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}
