// Package cli drives a prompt-delimited interactive device shell over any byte stream.
package cli

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/eugenetaranov/trawl/internal/connector"
)

// chunk is one read from the device stream.
type chunk struct {
	data []byte
	err  error
}

// Shell sends command lines to a device and collects output until the prompt
// reappears. It is not safe for concurrent use.
type Shell struct {
	// Newline terminates every command line sent. Defaults to "\n".
	Newline string

	w      io.Writer
	prompt *regexp.Regexp
	chunks chan chunk
	done   chan struct{}

	// pending holds bytes received after the last completed exchange.
	pending string

	// readErr is the terminal error of the stream once observed.
	readErr error

	// stale is set when an exchange ended before its output was complete.
	stale bool
}

// resyncSettle is how long the stream must stay silent after a prompt before
// a resynchronized shell is considered idle.
const resyncSettle = 250 * time.Millisecond

// New starts reading r in the background. Output is complete when prompt
// matches the last line received.
func New(r io.Reader, w io.Writer, prompt *regexp.Regexp) *Shell {
	s := &Shell{
		Newline: "\n",
		w:       w,
		prompt:  prompt,
		chunks:  make(chan chunk, 64),
		done:    make(chan struct{}),
	}
	go s.pump(r)
	return s
}

func (s *Shell) pump(r io.Reader) {
	defer close(s.chunks)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.chunks <- chunk{data: data}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case s.chunks <- chunk{err: err}:
			case <-s.done:
			}
			return
		}
	}
}

// Close stops delivering output. The caller closes the underlying stream.
func (s *Shell) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Matcher reports whether the accumulated text completes an exchange and
// returns the offset just past the completing text.
type Matcher func(text string) (end int, ok bool)

// PromptMatcher completes when re matches the last line of the text.
func PromptMatcher(re *regexp.Regexp) Matcher {
	return func(text string) (int, bool) {
		last := text
		if i := strings.LastIndexByte(text, '\n'); i >= 0 {
			last = text[i+1:]
		}
		if re.MatchString(last) {
			return len(text), true
		}
		return 0, false
	}
}

// PatternMatcher completes at the first match of re anywhere in the text.
func PatternMatcher(re *regexp.Regexp) Matcher {
	return func(text string) (int, bool) {
		loc := re.FindStringIndex(text)
		if loc == nil {
			return 0, false
		}
		return loc[1], true
	}
}

// ReadUntil collects output until match succeeds, the timeout elapses, ctx is
// done, or the stream ends. Text after the match is kept for the next read.
func (s *Shell) ReadUntil(ctx context.Context, match Matcher, timeout time.Duration) (string, error) {
	acc := s.pending
	s.pending = ""

	if end, ok := match(normalize(acc)); ok {
		return s.split(acc, end), nil
	}
	if s.readErr != nil {
		return normalize(acc), connector.NewError(connector.KindConnection, "read", s.readErr)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.pending = acc
			return normalize(acc), ctx.Err()

		case <-timer.C:
			s.pending = acc
			return normalize(acc), connector.NewError(connector.KindTimeout, "read",
				fmt.Errorf("prompt not seen within %s", timeout))

		case c, ok := <-s.chunks:
			if !ok {
				if s.readErr == nil {
					s.readErr = io.EOF
				}
				return normalize(acc), connector.NewError(connector.KindConnection, "read", s.readErr)
			}
			if c.err != nil {
				s.readErr = c.err
				return normalize(acc), connector.NewError(connector.KindConnection, "read", c.err)
			}
			acc += string(c.data)
			if end, ok := match(normalize(acc)); ok {
				return s.split(acc, end), nil
			}
		}
	}
}

// split returns the normalized text up to end and keeps the remainder pending.
func (s *Shell) split(acc string, end int) string {
	text := normalize(acc)
	s.pending = text[end:]
	return text[:end]
}

// WaitPrompt reads until the device prompt appears.
func (s *Shell) WaitPrompt(ctx context.Context, timeout time.Duration) (string, error) {
	return s.ReadUntil(ctx, PromptMatcher(s.prompt), timeout)
}

// Write sends raw text to the device.
func (s *Shell) Write(text string) error {
	if _, err := io.WriteString(s.w, text); err != nil {
		return connector.NewError(connector.KindConnection, "write", err)
	}
	return nil
}

// Run sends cmd and returns its output with the echoed command line and the
// trailing prompt removed. A non-nil expect replaces the prompt as the
// completion marker.
func (s *Shell) Run(ctx context.Context, cmd string, expect *regexp.Regexp, timeout time.Duration) (string, error) {
	if s.stale {
		if err := s.resync(ctx, timeout); err != nil {
			return "", err
		}
	}

	if err := s.Write(cmd + s.Newline); err != nil {
		return "", err
	}

	match := PromptMatcher(s.prompt)
	if expect != nil {
		match = PatternMatcher(expect)
	}

	out, err := s.ReadUntil(ctx, match, timeout)
	if err != nil {
		s.stale = true
		return Clean(out, cmd, nil), err
	}

	trailer := s.prompt
	if expect != nil {
		trailer = expect
	}
	return Clean(out, cmd, trailer), nil
}

// resync discards the late output of an exchange that ended early. It sends
// an empty line and waits until the prompt is the last thing the device sent.
func (s *Shell) resync(ctx context.Context, timeout time.Duration) error {
	s.pending = ""
	if err := s.Write(s.Newline); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		if _, err := s.WaitPrompt(ctx, time.Until(deadline)); err != nil {
			return err
		}
		idle, err := s.quiet(ctx, resyncSettle)
		if err != nil {
			return err
		}
		if idle {
			s.pending = ""
			s.stale = false
			return nil
		}
	}
}

// quiet reports whether nothing arrives for d. Received text is kept pending.
func (s *Shell) quiet(ctx context.Context, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return true, nil
	case c, ok := <-s.chunks:
		if !ok {
			if s.readErr == nil {
				s.readErr = io.EOF
			}
			return false, connector.NewError(connector.KindConnection, "read", s.readErr)
		}
		if c.err != nil {
			s.readErr = c.err
			return false, connector.NewError(connector.KindConnection, "read", c.err)
		}
		s.pending += string(c.data)
		return false, nil
	}
}

// Clean strips the echoed command from the first line and a trailing line
// matching trailer.
func Clean(out, cmd string, trailer *regexp.Regexp) string {
	lines := strings.Split(out, "\n")

	if len(lines) > 0 && cmd != "" && strings.HasSuffix(strings.TrimSpace(lines[0]), strings.TrimSpace(cmd)) {
		lines = lines[1:]
	}
	if trailer != nil && len(lines) > 0 && trailer.MatchString(lines[len(lines)-1]) {
		lines = lines[:len(lines)-1]
	}

	return strings.Join(lines, "\n")
}

// normalize drops carriage returns and NULs so CRLF streams read as LF.
func normalize(s string) string {
	return strings.NewReplacer("\r", "", "\x00", "").Replace(s)
}
