package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/trawl/internal/connector"
	"github.com/eugenetaranov/trawl/internal/output"
	"github.com/eugenetaranov/trawl/internal/packager"
	"github.com/eugenetaranov/trawl/internal/spec"
	"github.com/eugenetaranov/trawl/internal/state"
)

// fakeSession answers commands and listings from maps and serves files from
// an in-memory filesystem keyed by remote path.
type fakeSession struct {
	name     string
	replies  map[string]string
	failures map[string]error
	listings map[string]string
	files    map[string]string
	fetchErr map[string]error

	sent    []string
	fetched []string
	closed  bool
}

func (f *fakeSession) Send(ctx context.Context, cmd string, opts connector.SendOptions) (string, error) {
	f.sent = append(f.sent, cmd)
	if err := f.failures[cmd]; err != nil {
		return "partial", err
	}
	return f.replies[cmd], nil
}

func (f *fakeSession) ListDirectory(ctx context.Context, dir string, timeout time.Duration) (string, error) {
	if err := f.failures["list "+dir]; err != nil {
		return "", err
	}
	return f.listings[dir], nil
}

func (f *fakeSession) FetchFile(ctx context.Context, remotePath, localPath string, timeout time.Duration) error {
	f.fetched = append(f.fetched, remotePath)
	if err := f.fetchErr[remotePath]; err != nil {
		return err
	}
	content, ok := f.files[remotePath]
	if !ok {
		return connector.NewError(connector.KindTransfer, "fetch "+remotePath, errors.New("no such file"))
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, []byte(content), 0o644)
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSession) String() string { return "fake://" + f.name }

// fakeOpener hands out sessions by device name.
type fakeOpener struct {
	sessions map[string]*fakeSession
	errs     map[string]error
	opened   []string
}

func (o *fakeOpener) Open(ctx context.Context, target connector.Target) (connector.Session, error) {
	o.opened = append(o.opened, target.Name)
	if err := o.errs[target.Name]; err != nil {
		return nil, err
	}
	s := o.sessions[target.Name]
	if s == nil {
		return nil, connector.NewError(connector.KindConnection, "dial", errors.New("no route to host"))
	}
	return s, nil
}

func loadSpec(t *testing.T, src string) *spec.Spec {
	t.Helper()
	doc, err := spec.Parse([]byte(src))
	require.NoError(t, err)
	s, err := spec.Validate(doc)
	require.NoError(t, err)
	return s
}

func newEngine(t *testing.T, opener connector.Opener, st *state.State) *Engine {
	t.Helper()
	ws, err := packager.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	if st == nil {
		st = state.New()
	}
	return &Engine{
		Opener:     opener,
		State:      st,
		Workspace:  ws,
		Transcript: output.NewTranscript(),
		Log:        zerolog.Nop(),
	}
}

const twoDevices = `
devices:
  b: {address: 10.0.0.2}
  a: {address: 10.0.0.1}
commands:
  - send: show log
    find: 'CRC (\w+)'
downloads:
  - directory: /dir
    file_pattern: '\.txt$'
`

func TestRunIsolatesDeviceFailures(t *testing.T) {
	s := loadSpec(t, twoDevices)
	b := &fakeSession{
		name:     "b",
		replies:  map[string]string{"show log": "CRC errors"},
		listings: map[string]string{"/dir": "1 -rw- f.txt\n2 -rw- g.bin\n"},
		files:    map[string]string{"/dir/f.txt": "hello"},
	}
	opener := &fakeOpener{
		sessions: map[string]*fakeSession{"b": b},
		errs:     map[string]error{"a": connector.NewError(connector.KindConnection, "dial", errors.New("authentication failed"))},
	}
	e := newEngine(t, opener, nil)

	res, err := e.Run(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "a"}, opener.opened, "declaration order")
	require.Len(t, res.Devices, 2)
	assert.Equal(t, PhaseClosed, res.Devices[0].Phase)
	assert.Equal(t, PhaseFailed, res.Devices[1].Phase)
	assert.Equal(t, PhaseConnecting, res.Devices[1].FailedIn)
	assert.Equal(t, connector.KindConnection, connector.KindOf(res.Devices[1].Err))

	assert.True(t, b.closed)
	assert.Equal(t, []string{"/dir/f.txt"}, b.fetched)
	assert.FileExists(t, filepath.Join(e.Workspace.Dir, "b", "f.txt"))
	assert.False(t, e.State.ShouldFetch(state.Record{Device: "b", Directory: "/dir", Filename: "f.txt"}))

	assert.Equal(t, []string{"b"}, res.Matched)
	assert.Equal(t, 1, res.Stats.DevicesOK)
	assert.Equal(t, 1, res.Stats.DevicesFailed)
	assert.Equal(t, 1, res.Stats.Commands)
	assert.Equal(t, 1, res.Stats.Fetched)

	want := "### b - show log ###\n" +
		"- Pattern 'CRC (\\w+)' found: 1 hits, first: errors\n" +
		"CRC errors\n" +
		"\n" +
		"\n" +
		""
	assert.Equal(t, want, e.Transcript.String())
}

func TestRunIdempotentDownloads(t *testing.T) {
	src := `
devices:
  d: {address: 10.0.0.1}
downloads:
  - directory: /dir
`
	newSession := func() *fakeSession {
		return &fakeSession{
			name:     "d",
			listings: map[string]string{"/dir": "1 -rw- f.txt\n"},
			files:    map[string]string{"/dir/f.txt": "x"},
		}
	}

	t.Run("already recorded", func(t *testing.T) {
		sess := newSession()
		st := state.New(state.Record{Device: "d", Directory: "/dir", Filename: "f.txt"})
		e := newEngine(t, &fakeOpener{sessions: map[string]*fakeSession{"d": sess}}, st)

		res, err := e.Run(context.Background(), loadSpec(t, src))
		require.NoError(t, err)
		assert.Empty(t, sess.fetched)
		assert.Equal(t, 1, res.Stats.Skipped)
	})

	t.Run("empty state", func(t *testing.T) {
		sess := newSession()
		e := newEngine(t, &fakeOpener{sessions: map[string]*fakeSession{"d": sess}}, nil)

		_, err := e.Run(context.Background(), loadSpec(t, src))
		require.NoError(t, err)
		assert.Equal(t, []string{"/dir/f.txt"}, sess.fetched)

		// a second run with the updated state fetches nothing
		again := newSession()
		e.Opener = &fakeOpener{sessions: map[string]*fakeSession{"d": again}}
		_, err = e.Run(context.Background(), loadSpec(t, src))
		require.NoError(t, err)
		assert.Empty(t, again.fetched)
	})
}

func TestRunTransferFailureIsNotFatal(t *testing.T) {
	src := `
devices:
  d: {address: 10.0.0.1}
downloads:
  - directory: /dir
commands:
  - send: show clock
`
	sess := &fakeSession{
		name:     "d",
		replies:  map[string]string{"show clock": "12:00"},
		listings: map[string]string{"/dir": "1 -rw- a.txt\n2 -rw- b.txt\n"},
		files:    map[string]string{"/dir/b.txt": "b"},
		fetchErr: map[string]error{"/dir/a.txt": connector.NewError(connector.KindTransfer, "fetch", connector.ErrStreamEnded)},
	}
	e := newEngine(t, &fakeOpener{sessions: map[string]*fakeSession{"d": sess}}, nil)

	res, err := e.Run(context.Background(), loadSpec(t, src))
	require.NoError(t, err)

	dr := res.Devices[0]
	assert.Equal(t, PhaseClosed, dr.Phase)
	assert.Equal(t, 1, dr.TransferFailed)
	assert.Equal(t, 1, dr.Fetched)
	assert.True(t, e.State.ShouldFetch(state.Record{Device: "d", Directory: "/dir", Filename: "a.txt"}))
	assert.False(t, e.State.ShouldFetch(state.Record{Device: "d", Directory: "/dir", Filename: "b.txt"}))
}

func TestRunMatchSummarySorted(t *testing.T) {
	src := `
devices:
  b: {address: 10.0.0.2}
  c: {address: 10.0.0.3}
  a: {address: 10.0.0.1}
commands:
  - send: show alarms
    find: MAJOR
`
	sessions := map[string]*fakeSession{}
	for _, name := range []string{"a", "b", "c"} {
		reply := "no alarms"
		if name != "c" {
			reply = "MAJOR fan failure"
		}
		sessions[name] = &fakeSession{name: name, replies: map[string]string{"show alarms": reply}}
	}

	var logs bytes.Buffer
	e := newEngine(t, &fakeOpener{sessions: sessions}, nil)
	e.Log = zerolog.New(&logs)

	res, err := e.Run(context.Background(), loadSpec(t, src))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Matched)
	assert.Contains(t, logs.String(), "Search pattern found in the output from these devices: a, b")
}

func TestRunNoMatches(t *testing.T) {
	src := "devices: {a: {address: 10.0.0.1}}\ncommands: [{send: show alarms, find: MAJOR}]\n"
	sess := &fakeSession{name: "a", replies: map[string]string{"show alarms": "none"}}

	var logs bytes.Buffer
	e := newEngine(t, &fakeOpener{sessions: map[string]*fakeSession{"a": sess}}, nil)
	e.Log = zerolog.New(&logs)

	res, err := e.Run(context.Background(), loadSpec(t, src))
	require.NoError(t, err)
	assert.Empty(t, res.Matched)
	assert.Contains(t, logs.String(), "Search patterns not found in any device command output")
	assert.Contains(t, e.Transcript.String(), "- Pattern 'MAJOR' not found")
}

func TestRunCommandErrorPolicy(t *testing.T) {
	src := `
devices:
  d: {address: 10.0.0.1}
commands:
  - send: show one
  - send: show two
  - send: show three
downloads:
  - directory: /dir
`
	timeout := connector.NewError(connector.KindTimeout, "read", errors.New("prompt not seen within 2m0s"))

	tests := []struct {
		name     string
		policy   Policy
		err      error
		phase    Phase
		sent     []string
		commands int
		listed   bool
	}{
		{"abandon on timeout", AbandonDevice, timeout, PhaseFailed, []string{"show one", "show two"}, 1, false},
		{"skip on timeout", SkipCommand, timeout, PhaseClosed, []string{"show one", "show two", "show three"}, 2, true},
		{
			name:     "connection errors always abandon",
			policy:   SkipCommand,
			err:      connector.NewError(connector.KindConnection, "read", errors.New("EOF")),
			phase:    PhaseFailed,
			sent:     []string{"show one", "show two"},
			commands: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &fakeSession{
				name:     "d",
				replies:  map[string]string{"show one": "1", "show three": "3"},
				failures: map[string]error{"show two": tt.err},
				listings: map[string]string{"/dir": ""},
			}
			e := newEngine(t, &fakeOpener{sessions: map[string]*fakeSession{"d": sess}}, nil)
			e.Policy = tt.policy

			res, err := e.Run(context.Background(), loadSpec(t, src))
			require.NoError(t, err)

			dr := res.Devices[0]
			assert.Equal(t, tt.phase, dr.Phase)
			assert.Equal(t, tt.sent, sess.sent)
			assert.Equal(t, tt.commands, dr.Commands)
			assert.Equal(t, 1, dr.CommandsFailed)
			assert.True(t, sess.closed)
			assert.Contains(t, e.Transcript.String(), "- Command failed: ")
			if tt.phase == PhaseFailed {
				assert.Equal(t, PhaseCommands, dr.FailedIn)
			}
		})
	}
}

func TestRunListingErrorPolicy(t *testing.T) {
	src := `
devices:
  d: {address: 10.0.0.1}
downloads:
  - directory: /missing
  - directory: /dir
`
	newSession := func() *fakeSession {
		return &fakeSession{
			name:     "d",
			failures: map[string]error{"list /missing": connector.NewError(connector.KindCommand, "list", errors.New("No such file or directory"))},
			listings: map[string]string{"/dir": "1 -rw- f.txt\n"},
			files:    map[string]string{"/dir/f.txt": "x"},
		}
	}

	sess := newSession()
	e := newEngine(t, &fakeOpener{sessions: map[string]*fakeSession{"d": sess}}, nil)
	res, err := e.Run(context.Background(), loadSpec(t, src))
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, res.Devices[0].Phase)
	assert.Equal(t, PhaseDownloads, res.Devices[0].FailedIn)
	assert.Empty(t, sess.fetched)

	sess = newSession()
	e = newEngine(t, &fakeOpener{sessions: map[string]*fakeSession{"d": sess}}, nil)
	e.Policy = SkipCommand
	res, err = e.Run(context.Background(), loadSpec(t, src))
	require.NoError(t, err)
	assert.Equal(t, PhaseClosed, res.Devices[0].Phase)
	assert.Equal(t, []string{"/dir/f.txt"}, sess.fetched)
}

func TestRunDownloadScope(t *testing.T) {
	src := `
devices:
  a: {address: 10.0.0.1}
  b: {address: 10.0.0.2}
downloads:
  - devices: [b]
    directory: harddisk:
`
	a := &fakeSession{name: "a"}
	b := &fakeSession{
		name:     "b",
		listings: map[string]string{"harddisk:": "   12 -rwx  1024  Mon Jan  1 00:00:00 2024  crash.log\n"},
		files:    map[string]string{"harddisk:/crash.log": "boom"},
	}
	e := newEngine(t, &fakeOpener{sessions: map[string]*fakeSession{"a": a, "b": b}}, nil)

	_, err := e.Run(context.Background(), loadSpec(t, src))
	require.NoError(t, err)
	assert.Empty(t, a.fetched)
	assert.Equal(t, []string{"harddisk:/crash.log"}, b.fetched)
	assert.FileExists(t, filepath.Join(e.Workspace.Dir, "b", "crash.log"))
}

func TestRunSameFilenameInTwoDirectories(t *testing.T) {
	src := `
devices:
  a: {address: 10.0.0.1}
downloads:
  - directory: /crash
  - directory: /logs
`
	sess := &fakeSession{
		name: "a",
		listings: map[string]string{
			"/crash": "1 -rw- core.txt\n",
			"/logs":  "2 -rw- core.txt\n",
		},
		files: map[string]string{
			"/crash/core.txt": "CRASH",
			"/logs/core.txt":  "LOGS",
		},
	}
	e := newEngine(t, &fakeOpener{sessions: map[string]*fakeSession{"a": sess}}, nil)

	res, err := e.Run(context.Background(), loadSpec(t, src))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Fetched)
	assert.Equal(t, []state.Record{
		{Device: "a", Directory: "/crash", Filename: "core.txt"},
		{Device: "a", Directory: "/logs", Filename: "core.txt"},
	}, e.State.Records())

	for path, want := range map[string]string{
		filepath.Join(e.Workspace.Dir, "a", "core.txt"):         "CRASH",
		filepath.Join(e.Workspace.Dir, "a", "logs", "core.txt"): "LOGS",
	} {
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, want, string(got), path)
	}
}

func TestRunCancelled(t *testing.T) {
	s := loadSpec(t, twoDevices)
	opener := &fakeOpener{sessions: map[string]*fakeSession{
		"a": {name: "a"},
		"b": {name: "b"},
	}}
	e := newEngine(t, opener, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.Run(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, opener.opened)
	assert.Empty(t, res.Devices)
}

func TestPreview(t *testing.T) {
	src := `
devices:
  r1: {address: 10.0.0.1}
commands:
  - send: show version
  - send: copy run start
    prompt_pattern: '\[confirm\]'
    timeout: 30
    find: 'OK'
downloads:
  - directory: /var/log
    file_pattern: 'messages'
`
	opener := &fakeOpener{}
	var logs bytes.Buffer
	e := &Engine{Opener: opener, DryRun: true, Log: zerolog.New(&logs)}

	res, err := e.Run(context.Background(), loadSpec(t, src))
	require.NoError(t, err)
	assert.Empty(t, opener.opened, "preview never opens a session")
	assert.Equal(t, PhaseClosed, res.Devices[0].Phase)

	text := logs.String()
	for _, want := range []string{
		"Starting session to 10.0.0.1",
		"Sending 'show version'\"",
		"Sending 'copy run start', prompt pattern: \\\\[confirm\\\\], timeout: 30",
		"Check command output for pattern 'OK'",
		"Download files from '/var/log', file pattern: messages",
		"Closed session",
	} {
		assert.Contains(t, text, want)
	}
	assert.Equal(t, 6, strings.Count(text, `"preview":true`))
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", AbandonDevice, false},
		{"abandon-device", AbandonDevice, false},
		{"skip-command", SkipCommand, false},
		{"retry", AbandonDevice, true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if !tt.wantErr && tt.in != "" && got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
}
