// Package telnet provides a connector for devices reachable over Telnet.
//
// Only command execution and directory listings are supported; Telnet has no
// file transfer channel, so FetchFile always fails with a transfer error.
package telnet

import (
	"bufio"
	"context"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/eugenetaranov/trawl/internal/connector"
	"github.com/eugenetaranov/trawl/internal/connector/cli"
	"github.com/eugenetaranov/trawl/internal/dialect"
)

func init() {
	connector.Register(dialect.TransportTelnet, connector.OpenerFunc(Open))
}

var (
	userPrompt     = regexp.MustCompile(`(?i)(user ?name|login)\s*:\s*$`)
	passwordPrompt = regexp.MustCompile(`(?i)password\s*:\s*$`)
	authFailed     = regexp.MustCompile(`(?i)(authentication failed|login invalid|login incorrect|access denied)`)
)

// Session is a Telnet connection to one device.
type Session struct {
	target connector.Target
	conn   net.Conn
	shell  *cli.Shell
}

// Open dials the target, logs in and runs the dialect setup commands.
func Open(ctx context.Context, target connector.Target) (connector.Session, error) {
	addr := target.HostPort()

	d := net.Dialer{Timeout: target.Timeout()}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, connector.NewError(connector.KindConnection, "dial "+addr, err)
	}

	w := &lockedWriter{w: conn}
	shell := cli.New(newNegotiator(conn, w), w, target.Dialect.Prompt)
	shell.Newline = "\r\n"

	s := &Session{target: target, conn: conn, shell: shell}
	if err := s.login(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	for _, cmd := range target.Dialect.Setup {
		if _, err := shell.Run(ctx, cmd, nil, target.Timeout()); err != nil {
			_ = s.Close()
			return nil, connector.NewError(connector.KindConnection, "setup "+cmd, err)
		}
	}

	return s, nil
}

// login answers username and password prompts until the device prompt shows.
func (s *Session) login(ctx context.Context) error {
	creds := s.target.Credentials
	prompt := s.target.Dialect.Prompt
	sentPassword := false

	for step := 0; step < 4; step++ {
		out, err := s.shell.ReadUntil(ctx, loginMatcher(prompt), s.target.Timeout())
		if err != nil {
			return connector.NewError(connector.KindConnection, "login", err)
		}

		last := lastLine(out)
		switch {
		case sentPassword && authFailed.MatchString(out):
			return connector.NewError(connector.KindConnection, "login", errors.New("authentication failed"))
		case prompt.MatchString(last):
			return nil
		case userPrompt.MatchString(last):
			if sentPassword {
				return connector.NewError(connector.KindConnection, "login", errors.New("authentication failed"))
			}
			if err := s.shell.Write(creds.User + "\r\n"); err != nil {
				return err
			}
		case passwordPrompt.MatchString(last):
			if sentPassword {
				return connector.NewError(connector.KindConnection, "login", errors.New("authentication failed"))
			}
			if err := s.shell.Write(creds.Password + "\r\n"); err != nil {
				return err
			}
			sentPassword = true
		}
	}

	return connector.NewError(connector.KindConnection, "login", errors.New("device prompt not reached"))
}

// loginMatcher completes on a username, password or device prompt.
func loginMatcher(prompt *regexp.Regexp) cli.Matcher {
	return func(text string) (int, bool) {
		last := lastLine(text)
		if userPrompt.MatchString(last) || passwordPrompt.MatchString(last) || prompt.MatchString(last) {
			return len(text), true
		}
		return 0, false
	}
}

func lastLine(text string) string {
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		return text[i+1:]
	}
	return text
}

// Send runs cmd on the device.
func (s *Session) Send(ctx context.Context, cmd string, opts connector.SendOptions) (string, error) {
	out, err := s.shell.Run(ctx, cmd, opts.Expect, opts.Timeout)
	if err != nil {
		var e *connector.Error
		if errors.As(err, &e) || errors.Is(err, context.Canceled) {
			return out, err
		}
		return out, connector.NewError(connector.KindCommand, "send "+cmd, err)
	}
	return out, nil
}

// ListDirectory runs the dialect listing command for dir.
func (s *Session) ListDirectory(ctx context.Context, dir string, timeout time.Duration) (string, error) {
	return s.Send(ctx, s.target.Dialect.ListingCommand(dir), connector.SendOptions{Timeout: timeout})
}

// FetchFile is not available over Telnet.
func (s *Session) FetchFile(ctx context.Context, remotePath, localPath string, timeout time.Duration) error {
	return connector.NewError(connector.KindTransfer, "fetch "+remotePath, connector.ErrUnsupported)
}

// Close logs out and closes the connection.
func (s *Session) Close() error {
	_ = s.shell.Write("exit\r\n")
	s.shell.Close()
	return s.conn.Close()
}

// String returns a description of the connection.
func (s *Session) String() string {
	return "telnet://" + s.target.Credentials.User + "@" + s.target.HostPort() + " (" + s.target.Dialect.Name + ")"
}

// Ensure Session implements the connector.Session interface.
var _ connector.Session = (*Session)(nil)

// lockedWriter serialises writes from the shell and option negotiation.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Telnet protocol bytes (RFC 854).
const (
	cmdSE   = 240
	cmdSB   = 250
	cmdWILL = 251
	cmdWONT = 252
	cmdDO   = 253
	cmdDONT = 254
	cmdIAC  = 255

	optEcho = 1
	optSGA  = 3
)

type negState int

const (
	stData negState = iota
	stIAC
	stOption
	stSub
	stSubIAC
)

// negotiator strips Telnet commands from the stream and answers option
// requests: the server may echo and suppress go-ahead, everything else is
// refused.
type negotiator struct {
	r     *bufio.Reader
	w     io.Writer
	state negState
	verb  byte
}

func newNegotiator(r io.Reader, w io.Writer) *negotiator {
	return &negotiator{r: bufio.NewReader(r), w: w}
}

func (n *negotiator) Read(p []byte) (int, error) {
	out := 0
	// Block for the first byte, then drain what is already buffered.
	for out == 0 || (out < len(p) && n.r.Buffered() > 0) {
		b, err := n.r.ReadByte()
		if err != nil {
			return out, err
		}
		if c, ok := n.feed(b); ok {
			p[out] = c
			out++
		}
	}
	return out, nil
}

// feed advances the protocol state and returns a data byte when one is ready.
func (n *negotiator) feed(b byte) (byte, bool) {
	switch n.state {
	case stData:
		if b == cmdIAC {
			n.state = stIAC
			return 0, false
		}
		return b, true

	case stIAC:
		switch b {
		case cmdIAC:
			n.state = stData
			return b, true
		case cmdWILL, cmdWONT, cmdDO, cmdDONT:
			n.verb = b
			n.state = stOption
		case cmdSB:
			n.state = stSub
		default:
			n.state = stData
		}
		return 0, false

	case stOption:
		n.reply(n.verb, b)
		n.state = stData
		return 0, false

	case stSub:
		if b == cmdIAC {
			n.state = stSubIAC
		}
		return 0, false

	case stSubIAC:
		if b == cmdSE {
			n.state = stData
		} else {
			n.state = stSub
		}
		return 0, false
	}
	return 0, false
}

func (n *negotiator) reply(verb, opt byte) {
	var answer byte
	switch verb {
	case cmdWILL:
		answer = cmdDONT
		if opt == optEcho || opt == optSGA {
			answer = cmdDO
		}
	case cmdDO:
		answer = cmdWONT
	default:
		return
	}
	_, _ = n.w.Write([]byte{cmdIAC, answer, opt})
}
