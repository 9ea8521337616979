// Package output provides the run transcript and formatted console output.
package output

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Stats holds run statistics for the recap.
type Stats interface {
	GetDevicesOK() int
	GetDevicesFailed() int
	GetCommands() int
	GetFetched() int
	GetSkipped() int
	GetTransferFailed() int
	GetDuration() time.Duration
}

// Output handles formatted console output.
type Output struct {
	w        io.Writer
	useColor bool
	debug    bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// RunStart prints the run banner.
func (o *Output) RunStart(specPath string) {
	o.printf("\n%s %s\n", o.color(colorBold, "SPEC"), specPath)
	if o.debug {
		o.printf("%s\n", strings.Repeat("-", 60))
	}
}

// RunEnd prints the recap line.
func (o *Output) RunEnd(stats Stats) {
	o.printf("\n%s ", o.color(colorBold, "RECAP"))

	ok := o.color(colorGreen, fmt.Sprintf("ok=%d", stats.GetDevicesOK()))
	failed := o.color(colorRed, fmt.Sprintf("failed=%d", stats.GetDevicesFailed()))
	commands := o.color(colorBlue, fmt.Sprintf("commands=%d", stats.GetCommands()))
	fetched := o.color(colorYellow, fmt.Sprintf("fetched=%d", stats.GetFetched()))
	skipped := o.color(colorCyan, fmt.Sprintf("skipped=%d", stats.GetSkipped()))
	transferFailed := o.color(colorRed, fmt.Sprintf("transfer_failed=%d", stats.GetTransferFailed()))

	o.printf("%s %s %s %s %s %s", ok, failed, commands, fetched, skipped, transferFailed)
	o.printf(" %s\n", o.color(colorGray, fmt.Sprintf("(%.2fs)", stats.GetDuration().Seconds())))
}

// DeviceResult prints one device outcome in a single line.
// Format: [indicator] device (address) - status
func (o *Output) DeviceResult(name, address, status, message string) {
	var indicator, statusColor string

	switch {
	case strings.HasPrefix(status, "closed"):
		indicator = "✓"
		statusColor = colorGreen
	case strings.HasPrefix(status, "failed"):
		indicator = "✗"
		statusColor = colorRed
	default:
		indicator = "?"
		statusColor = colorGray
	}

	o.printf("  %s %s %s %s\n",
		o.color(statusColor, indicator),
		name,
		o.color(colorGray, fmt.Sprintf("(%s)", address)),
		o.color(statusColor, status))

	if message != "" && (o.debug || strings.HasPrefix(status, "failed")) {
		o.printf("      %s %s\n", o.color(colorGray, "msg:"), message)
	}
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.color(colorBold, name))
}

func (o *Output) printf(format string, args ...any) {
	fmt.Fprintf(o.w, format, args...)
}
