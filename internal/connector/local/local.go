// Package local provides a connector that runs commands and copies files on
// the controller machine. Devices of type "local" use it.
package local

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/eugenetaranov/trawl/internal/connector"
	"github.com/eugenetaranov/trawl/internal/dialect"
)

func init() {
	connector.Register(dialect.TransportLocal, connector.OpenerFunc(Open))
}

// Session executes commands on the local machine.
type Session struct {
	target    connector.Target
	shell     string
	shellArgs []string
}

// Open verifies the platform and returns a session. No connection is made.
func Open(ctx context.Context, target connector.Target) (connector.Session, error) {
	switch runtime.GOOS {
	case "darwin", "linux", "freebsd":
	default:
		return nil, connector.NewError(connector.KindConnection, "open local",
			fmt.Errorf("unsupported platform: %s", runtime.GOOS))
	}
	return &Session{target: target, shell: "/bin/sh", shellArgs: []string{"-c"}}, nil
}

// Send runs cmd through the shell and returns combined output. A non-zero
// exit status is not a failure.
func (s *Session) Send(ctx context.Context, cmd string, opts connector.SendOptions) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	args := append(append([]string{}, s.shellArgs...), cmd)
	execCmd := exec.CommandContext(runCtx, s.shell, args...)

	var out bytes.Buffer
	execCmd.Stdout = &out
	execCmd.Stderr = &out

	err := execCmd.Run()
	if ctx.Err() != nil {
		return out.String(), ctx.Err()
	}
	if runCtx.Err() != nil {
		return out.String(), connector.NewError(connector.KindTimeout, "exec "+cmd,
			errors.Errorf("no completion within %s", opts.Timeout))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return out.String(), connector.NewError(connector.KindCommand, "exec "+cmd, err)
		}
	}

	return out.String(), nil
}

// ListDirectory runs the dialect listing command for dir.
func (s *Session) ListDirectory(ctx context.Context, dir string, timeout time.Duration) (string, error) {
	return s.Send(ctx, s.target.Dialect.ListingCommand(dir), connector.SendOptions{Timeout: timeout})
}

// FetchFile copies remotePath to localPath within timeout. A partial copy is
// removed.
func (s *Session) FetchFile(ctx context.Context, remotePath, localPath string, timeout time.Duration) error {
	op := "fetch " + remotePath

	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- copyFile(runCtx, remotePath, localPath) }()

	var err error
	select {
	case err = <-errc:
		if err == nil {
			return nil
		}
	case <-runCtx.Done():
		select {
		case err = <-errc:
			if err == nil {
				return nil
			}
		default:
			// the copy removes its output when it unblocks
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if runCtx.Err() != nil {
		return connector.NewError(connector.KindTimeout, op, errors.Errorf("transfer exceeded %s", timeout))
	}
	return connector.NewError(connector.KindTransfer, op, err)
}

// copyFile copies src to dst. dst is removed unless the copy completes before
// ctx is done.
func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open file %s", src)
	}
	defer in.Close()

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", dst)
	}

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %s", dst)
	}

	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = os.Remove(dst)
		return errors.Wrapf(err, "failed to write to %s", dst)
	}
	return nil
}

// Close is a no-op for local sessions.
func (s *Session) Close() error {
	return nil
}

// String returns a description of the session.
func (s *Session) String() string {
	u, err := user.Current()
	if err != nil {
		return "local"
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return fmt.Sprintf("local://%s@%s", u.Username, hostname)
}

// Ensure Session implements the connector.Session interface.
var _ connector.Session = (*Session)(nil)
