// Package ssh provides a connector for devices reachable over SSH.
package ssh

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/eugenetaranov/trawl/internal/connector"
	"github.com/eugenetaranov/trawl/internal/connector/cli"
	"github.com/eugenetaranov/trawl/internal/dialect"
)

func init() {
	connector.Register(dialect.TransportSSH, connector.OpenerFunc(Open))
}

// Session is an SSH connection to one device. Interactive dialects share one
// PTY shell across commands; others open an exec channel per command.
type Session struct {
	target connector.Target
	client *ssh.Client

	// interactive shell state
	shellSess *ssh.Session
	stdin     io.WriteCloser
	shell     *cli.Shell

	sftp *sftp.Client
}

// Open dials the target, authenticates and, for interactive dialects, waits
// for the first prompt and runs the dialect setup commands.
func Open(ctx context.Context, target connector.Target) (connector.Session, error) {
	client, err := dial(ctx, target)
	if err != nil {
		return nil, err
	}

	s := &Session{target: target, client: client}

	if target.Dialect.Interactive {
		if err := s.startShell(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	return s, nil
}

// dial establishes the SSH client connection.
func dial(ctx context.Context, target connector.Target) (*ssh.Client, error) {
	addr := target.HostPort()
	op := "dial " + addr

	cfg, agentConn, err := clientConfig(target)
	if err != nil {
		return nil, connector.NewError(connector.KindConnection, op, err)
	}
	// The agent signs during the handshake only.
	if agentConn != nil {
		defer agentConn.Close()
	}

	d := net.Dialer{Timeout: target.Timeout()}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, connector.NewError(connector.KindConnection, op, err)
	}

	// NewClientConn has no context; bound the handshake with a deadline.
	_ = conn.SetDeadline(time.Now().Add(target.Timeout()))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, connector.NewError(connector.KindConnection, op, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// clientConfig builds auth methods and the host key policy for target. The
// returned agent connection, if not nil, must be closed by the caller once
// authentication is over.
func clientConfig(target connector.Target) (*ssh.ClientConfig, net.Conn, error) {
	creds := target.Credentials
	var auths []ssh.AuthMethod

	if creds.KeyFile != "" {
		signer, err := loadSigner(creds.KeyFile, creds.Passphrase)
		if err != nil {
			return nil, nil, errors.Wrap(err, "load key")
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}

	var agentConn net.Conn
	if a := os.Getenv("SSH_AUTH_SOCK"); a != "" {
		if conn, err := net.Dial("unix", a); err == nil {
			agentConn = conn
			auths = append(auths, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if creds.Password != "" {
		password := creds.Password
		auths = append(auths,
			ssh.Password(password),
			// Network OSes commonly only offer keyboard-interactive.
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	hostKeyCB := ssh.InsecureIgnoreHostKey()
	if creds.KnownHosts != "" {
		cb, err := knownhosts.New(creds.KnownHosts)
		if err != nil {
			if agentConn != nil {
				_ = agentConn.Close()
			}
			return nil, nil, errors.Wrap(err, "known_hosts")
		}
		hostKeyCB = cb
	}

	return &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCB,
		Timeout:         target.Timeout(),
	}, agentConn, nil
}

// loadSigner loads a private key with optional passphrase.
func loadSigner(path, passphrase string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(b, []byte(passphrase))
	}
	s, err := ssh.ParsePrivateKey(b)
	if err == nil {
		return s, nil
	}
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, errors.New("private key is encrypted; provide --passphrase or TRAWL_PASSPHRASE")
	}
	return nil, err
}

// startShell opens the PTY shell used by interactive dialects.
func (s *Session) startShell(ctx context.Context) error {
	sess, err := s.client.NewSession()
	if err != nil {
		return connector.NewError(connector.KindConnection, "new session", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return connector.NewError(connector.KindConnection, "stdin", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return connector.NewError(connector.KindConnection, "stdout", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("vt100", 200, 511, modes); err != nil {
		_ = sess.Close()
		return connector.NewError(connector.KindConnection, "request pty", err)
	}
	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return connector.NewError(connector.KindConnection, "start shell", err)
	}

	s.shellSess = sess
	s.stdin = stdin
	s.shell = cli.New(stdout, stdin, s.target.Dialect.Prompt)

	if _, err := s.shell.WaitPrompt(ctx, s.target.Timeout()); err != nil {
		s.closeShell()
		return connector.NewError(connector.KindConnection, "wait for prompt", err)
	}

	for _, cmd := range s.target.Dialect.Setup {
		if _, err := s.shell.Run(ctx, cmd, nil, s.target.Timeout()); err != nil {
			s.closeShell()
			return connector.NewError(connector.KindConnection, "setup "+cmd, err)
		}
	}

	return nil
}

// Send runs cmd on the device.
func (s *Session) Send(ctx context.Context, cmd string, opts connector.SendOptions) (string, error) {
	if s.shell != nil {
		out, err := s.shell.Run(ctx, cmd, opts.Expect, opts.Timeout)
		if err != nil {
			return out, tag(connector.KindCommand, "send "+cmd, err)
		}
		return out, nil
	}
	return s.exec(ctx, cmd, opts.Timeout)
}

// exec runs cmd on its own channel and returns combined output. Exit status is
// not treated as failure; the transcript records whatever the device printed.
func (s *Session) exec(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", connector.NewError(connector.KindConnection, "new session", err)
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &out

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(cmd)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		if err != nil && !errors.As(err, &exitErr) && !errors.As(err, &missing) {
			return out.String(), connector.NewError(connector.KindCommand, "exec "+cmd, err)
		}
		return out.String(), nil
	case <-timer.C:
		_ = sess.Close()
		return out.String(), connector.NewError(connector.KindTimeout, "exec "+cmd,
			errors.Errorf("no completion within %s", timeout))
	case <-ctx.Done():
		_ = sess.Close()
		return out.String(), ctx.Err()
	}
}

// ListDirectory runs the dialect listing command for dir.
func (s *Session) ListDirectory(ctx context.Context, dir string, timeout time.Duration) (string, error) {
	return s.Send(ctx, s.target.Dialect.ListingCommand(dir), connector.SendOptions{Timeout: timeout})
}

// FetchFile downloads remotePath over SFTP.
func (s *Session) FetchFile(ctx context.Context, remotePath, localPath string, timeout time.Duration) error {
	op := "fetch " + remotePath

	if s.sftp == nil {
		c, err := sftp.NewClient(s.client)
		if err != nil {
			return connector.NewError(connector.KindTransfer, op, errors.Wrap(err, "sftp client creation failed"))
		}
		s.sftp = c
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.copyRemote(sftpPath(remotePath), localPath)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-errc:
	case <-timer.C:
		// Closing the client aborts the in-flight read.
		_ = s.sftp.Close()
		s.sftp = nil
		<-errc
		err = connector.NewError(connector.KindTimeout, op, errors.Errorf("transfer exceeded %s", timeout))
	case <-ctx.Done():
		_ = s.sftp.Close()
		s.sftp = nil
		<-errc
		err = ctx.Err()
	}

	if err != nil {
		_ = os.Remove(localPath)
		if _, tagged := err.(*connector.Error); tagged || errors.Is(err, context.Canceled) {
			return err
		}
		return connector.NewError(connector.KindTransfer, op, err)
	}

	if _, err := os.Stat(localPath); err != nil {
		return connector.NewError(connector.KindTransfer, op, errors.Wrap(err, "verify local file"))
	}
	return nil
}

// copyRemote streams remote into a new local file and checks the byte count.
func (s *Session) copyRemote(remote, local string) error {
	info, err := s.sftp.Stat(remote)
	if err != nil {
		return errors.Wrapf(err, "stat remote file %s", remote)
	}

	src, err := s.sftp.Open(remote)
	if err != nil {
		return errors.Wrapf(err, "open remote file %s", remote)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return errors.Wrapf(err, "create local directory for %s", local)
	}
	dst, err := os.Create(local)
	if err != nil {
		return errors.Wrapf(err, "create local file %s", local)
	}

	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "copy content to local")
	}
	if n < info.Size() {
		return errors.Wrapf(connector.ErrStreamEnded, "received %d of %d bytes", n, info.Size())
	}
	return nil
}

// sftpPath maps device paths such as "harddisk:/dumps/x" onto the SFTP
// namespace, where filesystems appear under the root.
func sftpPath(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// Close ends the shell, the SFTP subsystem and the connection.
func (s *Session) Close() error {
	s.closeShell()
	if s.sftp != nil {
		_ = s.sftp.Close()
		s.sftp = nil
	}
	return s.client.Close()
}

func (s *Session) closeShell() {
	if s.shellSess == nil {
		return
	}
	_, _ = io.WriteString(s.stdin, "exit\n")
	_ = s.stdin.Close()
	s.shell.Close()
	_ = s.shellSess.Close()
	s.shellSess = nil
}

// String returns a description of the connection.
func (s *Session) String() string {
	return "ssh://" + s.target.Credentials.User + "@" + s.target.HostPort() + " (" + s.target.Dialect.Name + ")"
}

// tag keeps an existing kind and otherwise applies kind.
func tag(kind connector.ErrorKind, op string, err error) error {
	var e *connector.Error
	if errors.As(err, &e) || errors.Is(err, context.Canceled) {
		return err
	}
	return connector.NewError(kind, op, err)
}

// Ensure Session implements the connector.Session interface.
var _ connector.Session = (*Session)(nil)
