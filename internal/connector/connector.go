// Package connector defines the interface for remote CLI sessions on network devices.
package connector

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eugenetaranov/trawl/internal/dialect"
)

// DefaultConnectTimeout bounds session establishment when a Target sets none.
const DefaultConnectTimeout = 30 * time.Second

// Credentials authenticate a session.
type Credentials struct {
	User     string
	Password string

	// KeyFile is an optional private key for SSH public key auth.
	KeyFile    string
	Passphrase string

	// KnownHosts enables strict host key checking against this file.
	KnownHosts string
}

// Target identifies the device a session is opened to.
type Target struct {
	// Name is the device name from the spec.
	Name string

	Address netip.Addr

	// Port overrides the dialect default when non-zero.
	Port int

	Dialect *dialect.Dialect

	Credentials Credentials

	// ConnectTimeout bounds dialing and login.
	ConnectTimeout time.Duration
}

// HostPort returns the host:port the target is dialed on.
func (t Target) HostPort() string {
	port := t.Port
	if port == 0 && t.Dialect != nil {
		port = t.Dialect.Port
	}
	return net.JoinHostPort(t.Address.String(), strconv.Itoa(port))
}

// Timeout returns the connect timeout, applying the default.
func (t Target) Timeout() time.Duration {
	if t.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return t.ConnectTimeout
}

// SendOptions control a single command exchange.
type SendOptions struct {
	// Timeout bounds waiting for the command to complete.
	Timeout time.Duration

	// Expect, when set, replaces the dialect prompt as the completion marker.
	Expect *regexp.Regexp
}

// Session is an authenticated CLI connection to one device.
type Session interface {
	// Send runs a command and returns its output without the echoed command
	// line and trailing prompt.
	Send(ctx context.Context, cmd string, opts SendOptions) (string, error)

	// ListDirectory returns the raw directory listing text for dir.
	ListDirectory(ctx context.Context, dir string, timeout time.Duration) (string, error)

	// FetchFile copies remotePath on the device to localPath. A nil error
	// means localPath exists and holds the complete file.
	FetchFile(ctx context.Context, remotePath, localPath string, timeout time.Duration) error

	// Close terminates the session.
	Close() error

	// String returns a human-readable description of the session.
	String() string
}

// Opener opens sessions to targets.
type Opener interface {
	Open(ctx context.Context, target Target) (Session, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, target Target) (Session, error)

// Open calls f(ctx, target).
func (f OpenerFunc) Open(ctx context.Context, target Target) (Session, error) {
	return f(ctx, target)
}

// registry holds the opener of each transport.
var (
	registry   = make(map[string]Opener)
	registryMu sync.RWMutex
)

// Register adds the opener for a transport.
// It panics if the transport is already registered.
func Register(transport string, o Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[transport]; exists {
		panic(fmt.Sprintf("transport %q is already registered", transport))
	}
	registry[transport] = o
}

// Transports returns the names of all registered transports.
func Transports() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry opens sessions with the opener registered for the target's transport.
type Registry struct{}

// Open implements Opener.
func (Registry) Open(ctx context.Context, target Target) (Session, error) {
	if target.Dialect == nil {
		return nil, NewError(KindConnection, "open", fmt.Errorf("device %s has no dialect", target.Name))
	}

	registryMu.RLock()
	o := registry[target.Dialect.Transport]
	registryMu.RUnlock()

	if o == nil {
		return nil, NewError(KindConnection, "open",
			fmt.Errorf("no connector registered for transport %q", target.Dialect.Transport))
	}
	return o.Open(ctx, target)
}

// Ensure Registry implements the Opener interface.
var _ Opener = Registry{}
