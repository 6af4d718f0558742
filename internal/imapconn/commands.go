package imapconn

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// FetchHeaders returns the raw RFC 5322 header block of a message without
// touching its \Seen flag.
func (s *Session) FetchHeaders(ctx context.Context, seq uint32) ([]byte, error) {
	return s.fetchSection(ctx, seq, "BODY.PEEK[HEADER]")
}

// FetchBody returns the full raw message without touching its \Seen flag.
func (s *Session) FetchBody(ctx context.Context, seq uint32) ([]byte, error) {
	body, err := s.fetchSection(ctx, seq, "BODY.PEEK[]")
	if err != nil {
		return nil, err
	}
	s.Log.Debug("fetched message", "seq", seq, "size", humanize.Bytes(uint64(len(body))))
	return body, nil
}

func (s *Session) fetchSection(ctx context.Context, seq uint32, item string) ([]byte, error) {
	lines, err := s.exec(ctx, fmt.Sprintf("FETCH %d %s", seq, item), nil)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		i := strings.Index(line, "\r\n")
		if i < 0 {
			continue
		}
		head := line[:i]
		if !strings.HasPrefix(head, "* ") || !strings.Contains(strings.ToUpper(head), "FETCH") {
			continue
		}
		data := strings.TrimSuffix(line[i+2:], ")")
		return []byte(data), nil
	}
	return nil, errors.Errorf("no FETCH data for message %d", seq)
}

// AddFlags sets flags on a message, e.g. `\Seen` or `\Deleted`.
func (s *Session) AddFlags(ctx context.Context, seq uint32, flags ...string) error {
	if len(flags) == 0 {
		return nil
	}
	cmd := fmt.Sprintf("STORE %d +FLAGS.SILENT (%s)", seq, strings.Join(flags, " "))
	_, err := s.exec(ctx, cmd, nil)
	return err
}

// SearchUnseen returns the sequence numbers of messages without \Seen,
// in ascending order as reported by the server.
func (s *Session) SearchUnseen(ctx context.Context) ([]uint32, error) {
	lines, err := s.exec(ctx, "SEARCH UNSEEN", nil)
	if err != nil {
		return nil, err
	}
	var seqs []uint32
	for _, line := range lines {
		upper := strings.ToUpper(line)
		if !strings.HasPrefix(upper, "* SEARCH") {
			continue
		}
		for _, field := range strings.Fields(line[len("* SEARCH"):]) {
			n, err := strconv.ParseUint(field, 10, 32)
			if err != nil {
				continue
			}
			seqs = append(seqs, uint32(n))
		}
	}
	return seqs, nil
}
