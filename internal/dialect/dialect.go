// Package dialect describes the session conventions of each supported device type.
package dialect

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Transport names understood by the connector registry.
const (
	TransportSSH    = "ssh"
	TransportTelnet = "telnet"
	TransportLocal  = "local"
)

// Default is the device type used when a device does not set one.
const Default = "cisco_xr"

// Dialect holds the prompt and terminal conventions for one device type.
type Dialect struct {
	// Name is the device_type tag used in spec files.
	Name string

	// Transport selects the connector (ssh, telnet, local).
	Transport string

	// Port is the default TCP port for the transport.
	Port int

	// Interactive sessions run every command in one PTY shell and detect
	// completion by Prompt. Non-interactive sessions run one exec channel per
	// command.
	Interactive bool

	// Prompt matches the device prompt at the end of the output stream.
	Prompt *regexp.Regexp

	// Setup commands are sent once after login; their output is discarded.
	Setup []string

	// ListCommand is a fmt template taking the directory.
	ListCommand string

	// QuoteDirectory shell-quotes the directory before formatting ListCommand.
	QuoteDirectory bool
}

// ListingCommand returns the command that lists dir on the device.
func (d *Dialect) ListingCommand(dir string) string {
	if d.QuoteDirectory {
		dir = ShellQuote(dir)
	}
	return fmt.Sprintf(d.ListCommand, dir)
}

// String returns the device type tag.
func (d *Dialect) String() string {
	return d.Name
}

var (
	ciscoPrompt = regexp.MustCompile(`(?m)^[\w\-./:]+[#>]\s*$`)
	shellPrompt = regexp.MustCompile(`(?m)[$#]\s*$`)
)

var builtin = map[string]*Dialect{
	"cisco_xr": {
		Name:        "cisco_xr",
		Transport:   TransportSSH,
		Port:        22,
		Interactive: true,
		Prompt:      ciscoPrompt,
		Setup:       []string{"terminal length 0", "terminal width 0"},
		ListCommand: "dir %s",
	},
	"cisco_xr_telnet": {
		Name:        "cisco_xr_telnet",
		Transport:   TransportTelnet,
		Port:        23,
		Interactive: true,
		Prompt:      ciscoPrompt,
		Setup:       []string{"terminal length 0", "terminal width 0"},
		ListCommand: "dir %s",
	},
	"cisco_ios": {
		Name:        "cisco_ios",
		Transport:   TransportSSH,
		Port:        22,
		Interactive: true,
		Prompt:      ciscoPrompt,
		Setup:       []string{"terminal length 0", "terminal width 511"},
		ListCommand: "dir %s",
	},
	"cisco_ios_telnet": {
		Name:        "cisco_ios_telnet",
		Transport:   TransportTelnet,
		Port:        23,
		Interactive: true,
		Prompt:      ciscoPrompt,
		Setup:       []string{"terminal length 0", "terminal width 511"},
		ListCommand: "dir %s",
	},
	"linux": {
		Name:           "linux",
		Transport:      TransportSSH,
		Port:           22,
		Prompt:         shellPrompt,
		ListCommand:    "ls -1isp %s",
		QuoteDirectory: true,
	},
	"local": {
		Name:           "local",
		Transport:      TransportLocal,
		Prompt:         shellPrompt,
		ListCommand:    "ls -1isp %s",
		QuoteDirectory: true,
	},
}

// Get returns the dialect for a device type tag, or nil if it is unknown.
func Get(name string) *Dialect {
	return builtin[name]
}

// Names returns all supported device type tags in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ShellQuote quotes a string for safe use in POSIX shell commands.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}
