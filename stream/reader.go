package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/williamcory/chatstream/logging"
)

// DataPrefix starts every line that carries an event payload.
const DataPrefix = "data: "

// defaultReadSize is the size of a single read from the response body.
const defaultReadSize = 4096

var separator = []byte("\n\n")

// Splitter reassembles protocol messages from arbitrarily split chunks.
// It keeps only the trailing fragment not yet terminated by a blank line.
type Splitter struct {
	carry []byte
}

// Feed appends chunk to the carried fragment and returns every message
// completed by it, in order, without their separators.
func (s *Splitter) Feed(chunk []byte) []string {
	s.carry = append(s.carry, chunk...)

	var msgs []string
	off := 0
	for {
		i := bytes.Index(s.carry[off:], separator)
		if i < 0 {
			break
		}
		msgs = append(msgs, string(s.carry[off:off+i]))
		off += i + len(separator)
	}
	if off > 0 {
		s.carry = append([]byte(nil), s.carry[off:]...)
	}
	return msgs
}

// Rest returns and clears the unterminated tail.
func (s *Splitter) Rest() string {
	rest := string(s.carry)
	s.carry = nil
	return rest
}

// Pending reports how many bytes are waiting for a separator.
func (s *Splitter) Pending() int { return len(s.carry) }

// ParseMessage decodes the data lines of one message. Malformed lines are
// logged and skipped.
func ParseMessage(msg string, log *logging.Logger) []Event {
	var events []Event
	for _, line := range strings.Split(msg, "\n") {
		line = strings.TrimRight(line, "\r")
		data, ok := strings.CutPrefix(line, DataPrefix)
		if !ok || strings.TrimSpace(data) == "" {
			continue
		}
		ev, err := DecodeData([]byte(data))
		if err != nil {
			log.Warn("skipping malformed stream line", "error", err, "line", truncate(line, 120))
			continue
		}
		events = append(events, ev)
	}
	return events
}

// Consume reads body until EOF, pushing every decoded event to emit in
// arrival order. A non-nil error from emit stops reading and is returned
// as is. Caller cancellation yields a Canceled *Error; read failures yield
// a StreamingError.
func Consume(ctx context.Context, body io.Reader, log *logging.Logger, emit func(Event) error) error {
	return consume(ctx, body, defaultReadSize, log, emit)
}

func consume(ctx context.Context, body io.Reader, readSize int, log *logging.Logger, emit func(Event) error) error {
	var sp Splitter
	buf := make([]byte, readSize)

	dispatch := func(msg string) error {
		for _, ev := range ParseMessage(msg, log) {
			if err := emit(ev); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return contextError(err, StreamingError)
		}

		n, err := body.Read(buf)
		if n > 0 {
			for _, msg := range sp.Feed(buf[:n]) {
				if derr := dispatch(msg); derr != nil {
					return derr
				}
			}
		}

		if errors.Is(err, io.EOF) {
			if rest := sp.Rest(); strings.TrimSpace(rest) != "" {
				log.Debug("parsing unterminated trailing message", "bytes", len(rest))
				return dispatch(rest)
			}
			return nil
		}
		if err != nil {
			log.Debug("stream read failed", "error", err, "pending_bytes", sp.Pending())
			if cerr := ctx.Err(); cerr != nil {
				return contextError(cerr, StreamingError)
			}
			return &Error{Kind: StreamingError, Message: "reading stream", Err: err}
		}
	}
}
