package main

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/eugenetaranov/trawl/internal/output"
)

// setupSSHContainer starts an OpenSSH server holding files under /data and
// returns it with the host address and mapped port.
func setupSSHContainer(t *testing.T, ctx context.Context) (testcontainers.Container, netip.Addr, int) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		FromDockerfile: testcontainers.FromDockerfile{
			Context:    "testdata",
			Dockerfile: "Dockerfile",
		},
		ExposedPorts: []string{"22/tcp"},
		WaitingFor:   wait.ForListeningPort("22/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start test container")

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	if host == "localhost" {
		host = "127.0.0.1"
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		t.Skipf("docker host %q is not an IP address", host)
	}

	port, err := container.MappedPort(ctx, "22/tcp")
	require.NoError(t, err)

	return container, addr, port.Int()
}

// execInContainer runs a command in the container and returns stdout
func execInContainer(ctx context.Context, container testcontainers.Container, cmd []string) (int, string, error) {
	exitCode, reader, err := container.Exec(ctx, cmd)
	if err != nil {
		return exitCode, "", err
	}

	// Demux the Docker stream (stdout/stderr are multiplexed)
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, reader)

	return exitCode, stdout.String(), nil
}

func TestIntegrationApplySSH(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	t.Setenv("TMPDIR", t.TempDir())
	t.Setenv("SSH_AUTH_SOCK", "")

	ctx := context.Background()
	container, addr, port := setupSSHContainer(t, ctx)

	path := writeSpec(t, fmt.Sprintf(`
devices:
  box:
    address: %s
    device_type: linux
    port: %d
commands:
  - send: uname -s
    find: Linux
  - send: cat /data/messages
downloads:
  - directory: /data
    file_pattern: ^core
`, addr, port))

	out := t.TempDir()
	statePath := filepath.Join(out, "state.yml")

	first := filepath.Join(out, "first.zip")
	stdout, stderr, err := execute(t, "apply", "-f", path, "--save", first, "--state", statePath,
		"-u", "trawl", "-p", "trawl")
	require.NoError(t, err, stderr)
	t.Logf("apply output:\n%s", stdout)
	assert.Contains(t, stdout, "ok=1")
	assert.Contains(t, stdout, "fetched=1")

	entries := zipEntries(t, first)
	assert.Equal(t, "core dump", entries["box/core.1.gz"])
	assert.NotContains(t, entries, "box/messages")
	assert.Contains(t, entries[output.TranscriptFile], "### box - uname -s ###\n- Pattern 'Linux' found: 1 hits, first: Linux\n")
	assert.Contains(t, entries[output.TranscriptFile], "### box - cat /data/messages ###\nsyslog")

	// a new core appears on the device; only it is fetched by the next run
	exitCode, _, err := execInContainer(ctx, container, []string{"sh", "-c", "printf 'second' > /data/core.2.gz"})
	require.NoError(t, err)
	require.Equal(t, 0, exitCode)

	second := filepath.Join(out, "second.zip")
	stdout, stderr, err = execute(t, "apply", "-f", path, "--save", second, "--state", statePath,
		"-u", "trawl", "-p", "trawl")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "fetched=1")
	assert.Contains(t, stdout, "skipped=1")

	entries = zipEntries(t, second)
	assert.Equal(t, "second", entries["box/core.2.gz"])
	assert.NotContains(t, entries, "box/core.1.gz")
}

func TestIntegrationBadPassword(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	t.Setenv("TMPDIR", t.TempDir())
	t.Setenv("SSH_AUTH_SOCK", "")

	ctx := context.Background()
	_, addr, port := setupSSHContainer(t, ctx)

	path := writeSpec(t, fmt.Sprintf(
		"devices: {box: {address: %s, device_type: linux, port: %d}}\ncommands: [{send: uname -s}]\n", addr, port))

	out := t.TempDir()
	stdout, stderr, err := execute(t, "apply", "-f", path, "--save", filepath.Join(out, "out.zip"),
		"--state", filepath.Join(out, "state.yml"), "-u", "trawl", "-p", "wrong")
	require.NoError(t, err, "a failed device does not fail the run")
	assert.Contains(t, stdout, "failed=1")
	assert.Contains(t, stderr, "Connection error")
	assert.FileExists(t, filepath.Join(out, "out.zip"))
}
