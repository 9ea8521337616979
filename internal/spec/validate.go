package spec

import (
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/eugenetaranov/trawl/internal/dialect"
)

// ValidationError locates one problem in a specification.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors lists every problem found in a specification.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	if len(msgs) == 1 {
		return "invalid specification: " + msgs[0]
	}
	return fmt.Sprintf("invalid specification: %d errors:\n  %s", len(msgs), strings.Join(msgs, "\n  "))
}

// validator carries the state of one Validate call.
type validator struct {
	devices map[string]bool
	errs    ValidationErrors
}

func (v *validator) addf(field, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks doc and builds the immutable Spec. Devices are validated
// first; commands and download rules are checked against the complete device
// set. All problems are returned together as ValidationErrors.
func Validate(doc *Document) (*Spec, error) {
	v := &validator{devices: make(map[string]bool)}
	s := &Spec{}

	if len(doc.Devices) == 0 {
		v.addf("devices", "at least one device is required")
	}
	for _, name := range doc.DeviceNames() {
		if dev := v.device(name, doc.Devices[name]); dev != nil {
			s.Devices = append(s.Devices, dev)
		}
		v.devices[name] = true
	}

	if len(doc.Commands) == 0 && len(doc.Downloads) == 0 {
		v.addf("commands", "at least one command or download is required")
	}
	for i, c := range doc.Commands {
		if cmd := v.command(fmt.Sprintf("commands[%d]", i), c); cmd != nil {
			s.Commands = append(s.Commands, cmd)
		}
	}
	for i, d := range doc.Downloads {
		if dl := v.download(fmt.Sprintf("downloads[%d]", i), d); dl != nil {
			s.Downloads = append(s.Downloads, dl)
		}
	}

	if len(v.errs) > 0 {
		return nil, v.errs
	}
	return s, nil
}

func (v *validator) device(name string, doc *DeviceDoc) *Device {
	field := "devices." + name
	n := len(v.errs)

	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		v.addf(field, "device name %q cannot be used as a directory name", name)
	}
	if doc == nil {
		v.addf(field, "device definition is empty")
		return nil
	}

	dev := &Device{Name: name, Port: doc.Port, Fields: doc.explicit()}

	addr, err := netip.ParseAddr(strings.TrimSpace(doc.Address))
	if err != nil {
		v.addf(field+".address", "invalid address %q", doc.Address)
	}
	dev.Address = addr

	typ := doc.DeviceType
	if typ == "" && !dev.Fields.IsSet("device_type") {
		typ = dialect.Default
	}
	if dev.Dialect = dialect.Get(typ); dev.Dialect == nil {
		v.addf(field+".device_type", "unsupported device type %q (supported: %s)", typ, strings.Join(dialect.Names(), ", "))
	}

	if dev.Fields.IsSet("port") && (doc.Port < 1 || doc.Port > 65535) {
		v.addf(field+".port", "port %d out of range 1-65535", doc.Port)
	}

	if len(v.errs) > n {
		return nil
	}
	return dev
}

func (v *validator) command(field string, doc *CommandDoc) *Command {
	if doc == nil {
		v.addf(field, "command definition is empty")
		return nil
	}
	n := len(v.errs)
	cmd := &Command{Send: strings.TrimSpace(doc.Send), Fields: doc.explicit()}

	if cmd.Send == "" {
		v.addf(field+".send", "command cannot be empty")
	}
	cmd.Find = v.pattern(field+".find", doc.Find, cmd.Fields.IsSet("find"))
	cmd.PromptPattern = v.pattern(field+".prompt_pattern", doc.PromptPattern, cmd.Fields.IsSet("prompt_pattern"))
	cmd.Timeout = v.timeout(field+".timeout", doc.Timeout, cmd.Fields.IsSet("timeout"))

	if len(v.errs) > n {
		return nil
	}
	return cmd
}

func (v *validator) download(field string, doc *DownloadDoc) *Download {
	if doc == nil {
		v.addf(field, "download definition is empty")
		return nil
	}
	n := len(v.errs)
	dl := &Download{Directory: strings.TrimSpace(doc.Directory), Fields: doc.explicit()}

	if dl.Fields.IsSet("devices") {
		if len(doc.Devices) == 0 {
			v.addf(field+".devices", "device list cannot be empty; omit it to target all devices")
		}
		var unknown []string
		for _, name := range doc.Devices {
			if !v.devices[name] {
				unknown = append(unknown, name)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			v.addf(field+".devices", "unknown devices: %s", strings.Join(unknown, ", "))
		}
		dl.Devices = append([]string{}, doc.Devices...)
	}

	if dl.Directory == "" {
		v.addf(field+".directory", "directory cannot be empty")
	}
	dl.FilePattern = v.pattern(field+".file_pattern", doc.FilePattern, dl.Fields.IsSet("file_pattern"))
	dl.Timeout = v.timeout(field+".timeout", doc.Timeout, dl.Fields.IsSet("timeout"))

	if len(v.errs) > n {
		return nil
	}
	return dl
}

// pattern compiles an optional regular expression.
func (v *validator) pattern(field, expr string, set bool) *regexp.Regexp {
	if !set && expr == "" {
		return nil
	}
	if expr == "" {
		v.addf(field, "pattern cannot be empty")
		return nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		v.addf(field, "invalid regular expression: %v", err)
		return nil
	}
	return re
}

// timeout converts an optional seconds value.
func (v *validator) timeout(field string, secs int, set bool) time.Duration {
	if !set && secs == 0 {
		return DefaultTimeout
	}
	if secs <= 0 {
		v.addf(field, "timeout must be a positive number of seconds, got %d", secs)
		return 0
	}
	return time.Duration(secs) * time.Second
}

// explicit returns the keys present in the document. Documents built in code
// have no recorded keys; every non-zero field counts as set.
func (d *DeviceDoc) explicit() Fields {
	if d.fields != nil {
		return d.fields
	}
	return nonZero(map[string]bool{
		"address":     d.Address != "",
		"device_type": d.DeviceType != "",
		"port":        d.Port != 0,
	})
}

func (c *CommandDoc) explicit() Fields {
	if c.fields != nil {
		return c.fields
	}
	return nonZero(map[string]bool{
		"send":           c.Send != "",
		"find":           c.Find != "",
		"prompt_pattern": c.PromptPattern != "",
		"timeout":        c.Timeout != 0,
	})
}

func (d *DownloadDoc) explicit() Fields {
	if d.fields != nil {
		return d.fields
	}
	return nonZero(map[string]bool{
		"devices":      d.Devices != nil,
		"directory":    d.Directory != "",
		"file_pattern": d.FilePattern != "",
		"timeout":      d.Timeout != 0,
	})
}

func nonZero(set map[string]bool) Fields {
	f := Fields{}
	for k, ok := range set {
		if ok {
			f[k] = true
		}
	}
	return f
}
