// Package config resolves run settings from flags, environment and the
// terminal.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/eugenetaranov/trawl/internal/connector"
)

// Environment variables read for credentials.
const (
	EnvUser       = "TRAWL_USER"
	EnvPassword   = "TRAWL_PASSWORD"
	EnvPassphrase = "TRAWL_PASSPHRASE"
)

// maxPromptAttempts bounds re-prompting after empty answers.
const maxPromptAttempts = 3

// FindDotEnv returns the first .env file found from dir up to the filesystem
// root, or "" if there is none.
func FindDotEnv(dir string) (string, error) {
	for {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// LoadDotEnv loads the nearest .env file above dir into the process
// environment. Variables already set are not overridden. It returns the loaded
// path, or "" when no file was found.
func LoadDotEnv(dir string) (string, error) {
	path, err := FindDotEnv(dir)
	if err != nil || path == "" {
		return "", err
	}
	if err := godotenv.Load(path); err != nil {
		return path, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return path, nil
}

// Prompter asks the operator for values.
type Prompter interface {
	ReadLine(label string) (string, error)
	ReadSecret(label string) (string, error)
}

// Terminal prompts on a terminal. Secrets are read without echo when In is a
// terminal.
type Terminal struct {
	In  *os.File
	Out io.Writer

	r *bufio.Reader
}

// NewTerminal prompts on stdin and stderr.
func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr}
}

func (t *Terminal) reader() *bufio.Reader {
	if t.r == nil {
		t.r = bufio.NewReader(t.In)
	}
	return t.r
}

// ReadLine prints label and reads one line.
func (t *Terminal) ReadLine(label string) (string, error) {
	fmt.Fprint(t.Out, label)
	line, err := t.reader().ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadSecret prints label and reads a line without echo.
func (t *Terminal) ReadSecret(label string) (string, error) {
	fd := int(t.In.Fd())
	if !term.IsTerminal(fd) {
		return t.ReadLine(label)
	}
	fmt.Fprint(t.Out, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(t.Out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Credentials fills in missing credentials. Flag values in given win, then
// the environment, then the prompter. A password is only prompted for when
// no key file is configured.
func Credentials(given connector.Credentials, getenv func(string) string, p Prompter) (connector.Credentials, error) {
	c := given
	if c.User == "" {
		c.User = getenv(EnvUser)
	}
	if c.Password == "" {
		c.Password = getenv(EnvPassword)
	}
	if c.Passphrase == "" {
		c.Passphrase = getenv(EnvPassphrase)
	}

	var err error
	if c.User == "" {
		if c.User, err = ask(p.ReadLine, "Username: "); err != nil {
			return c, err
		}
	}
	if c.Password == "" && c.KeyFile == "" {
		if c.Password, err = ask(p.ReadSecret, "Password: "); err != nil {
			return c, err
		}
	}
	return c, nil
}

// ask repeats read until it returns a non-empty value.
func ask(read func(string) (string, error), label string) (string, error) {
	for i := 0; i < maxPromptAttempts; i++ {
		v, err := read(label)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", strings.TrimSuffix(label, ": "), err)
		}
		if strings.TrimSpace(v) != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%s cannot be empty", strings.ToLower(strings.TrimSuffix(label, ": ")))
}
