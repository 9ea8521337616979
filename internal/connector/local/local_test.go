package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/trawl/internal/connector"
	"github.com/eugenetaranov/trawl/internal/dialect"
)

func open(t *testing.T) connector.Session {
	t.Helper()
	sess, err := Open(context.Background(), connector.Target{Name: "controller", Dialect: dialect.Get("local")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestSend(t *testing.T) {
	sess := open(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  string
		want string
	}{
		{"stdout", "echo hello", "hello\n"},
		{"stderr merged", "echo oops >&2", "oops\n"},
		{"non-zero exit kept", "echo partial; exit 3", "partial\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := sess.Send(ctx, tt.cmd, connector.SendOptions{Timeout: 5 * time.Second})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestSendTimeout(t *testing.T) {
	sess := open(t)

	_, err := sess.Send(context.Background(), "sleep 5", connector.SendOptions{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, connector.KindTimeout, connector.KindOf(err))
}

func TestListAndFetch(t *testing.T) {
	sess := open(t)
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a b.log"), []byte("data"), 0o644))

	listing, err := sess.ListDirectory(ctx, src, 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, listing, "a b.log")

	dst := filepath.Join(t.TempDir(), "controller", "a b.log")
	require.NoError(t, sess.FetchFile(ctx, filepath.Join(src, "a b.log"), dst, time.Second))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	missing := filepath.Join(t.TempDir(), "missing")
	err = sess.FetchFile(ctx, filepath.Join(src, "missing"), missing, time.Second)
	assert.Equal(t, connector.KindTransfer, connector.KindOf(err))
	assert.NoFileExists(t, missing)
}

func TestString(t *testing.T) {
	sess := open(t)
	assert.Contains(t, sess.String(), "local")
}
