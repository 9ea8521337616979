// Package spec parses and validates trawl specification files.
//
// A specification declares the devices to visit, the commands to run on
// every device and the download rules that select remote files to fetch.
// Parsing is strict: unknown keys at any level are rejected. Validation runs
// in two phases so that download rules are always checked against the
// complete set of declared devices.
package spec

import (
	"net/netip"
	"regexp"
	"slices"
	"time"

	"github.com/eugenetaranov/trawl/internal/dialect"
)

// DefaultTimeout applies to commands and downloads that do not set one.
const DefaultTimeout = 120 * time.Second

// DefaultFile is the specification path used when none is given.
const DefaultFile = "trawl_spec.yml"

// Document is the specification as written in YAML, before validation.
type Document struct {
	Devices   map[string]*DeviceDoc `yaml:"devices" json:"devices" jsonschema:"description=Devices keyed by name; processed in declaration order"`
	Commands  []*CommandDoc         `yaml:"commands,omitempty" json:"commands,omitempty" jsonschema:"description=Commands sent to every device"`
	Downloads []*DownloadDoc        `yaml:"downloads,omitempty" json:"downloads,omitempty" jsonschema:"description=Remote files to fetch"`

	// order holds device names in document order.
	order []string
}

// DeviceDoc is one entry of the devices map.
type DeviceDoc struct {
	Address    string `yaml:"address" json:"address" jsonschema:"description=IPv4 or IPv6 address"`
	DeviceType string `yaml:"device_type,omitempty" json:"device_type,omitempty" jsonschema:"default=cisco_xr"`
	Port       int    `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"minimum=1,maximum=65535"`

	fields Fields
}

// CommandDoc is one entry of the commands list.
type CommandDoc struct {
	Send          string `yaml:"send" json:"send" jsonschema:"minLength=1"`
	Find          string `yaml:"find,omitempty" json:"find,omitempty" jsonschema:"description=Regular expression searched in the output"`
	PromptPattern string `yaml:"prompt_pattern,omitempty" json:"prompt_pattern,omitempty" jsonschema:"description=Regular expression marking the end of the output instead of the device prompt"`
	Timeout       int    `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"minimum=1,default=120,description=Seconds"`

	fields Fields
}

// DownloadDoc is one entry of the downloads list.
type DownloadDoc struct {
	Devices     []string `yaml:"devices,omitempty" json:"devices,omitempty" jsonschema:"minItems=1,description=Device names; all devices when omitted"`
	Directory   string   `yaml:"directory" json:"directory" jsonschema:"minLength=1"`
	FilePattern string   `yaml:"file_pattern,omitempty" json:"file_pattern,omitempty" jsonschema:"description=Regular expression selecting file names; all files when omitted"`
	Timeout     int      `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"minimum=1,default=120,description=Seconds"`

	fields Fields
}

// Fields names the optional fields present in the document for one entity.
type Fields map[string]bool

// IsSet reports whether name was given explicitly.
func (f Fields) IsSet(name string) bool {
	return f[name]
}

// Spec is a validated specification. It is not modified after validation.
type Spec struct {
	Devices   []*Device
	Commands  []*Command
	Downloads []*Download
}

// Device is a validated device.
type Device struct {
	Name    string
	Address netip.Addr
	// Port is zero when the dialect default applies.
	Port    int
	Dialect *dialect.Dialect
	Fields  Fields
}

// Command is a validated command.
type Command struct {
	Send          string
	Find          *regexp.Regexp
	PromptPattern *regexp.Regexp
	Timeout       time.Duration
	Fields        Fields
}

// Download is a validated download rule.
type Download struct {
	// Devices is nil when the rule applies to every device.
	Devices     []string
	Directory   string
	FilePattern *regexp.Regexp
	Timeout     time.Duration
	Fields      Fields
}

// AppliesTo reports whether the rule targets the named device.
func (d *Download) AppliesTo(device string) bool {
	return d.Devices == nil || slices.Contains(d.Devices, device)
}

// DownloadsFor returns the rules that apply to the named device, in order.
func (s *Spec) DownloadsFor(device string) []*Download {
	var out []*Download
	for _, d := range s.Downloads {
		if d.AppliesTo(device) {
			out = append(out, d)
		}
	}
	return out
}
