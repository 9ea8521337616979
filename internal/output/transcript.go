package output

import (
	"io"
	"strings"
	"sync"
)

// TranscriptFile is the archive entry holding all command output.
const TranscriptFile = "command_output.txt"

// Transcript accumulates command output for the whole run. Each command
// produces a header, an optional annotation line, the raw output and a blank
// line; each device ends with an extra blank line.
type Transcript struct {
	mu    sync.Mutex
	lines []string
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Command starts the block for one command on one device.
func (t *Transcript) Command(device, cmd string) {
	t.append("### " + device + " - " + cmd + " ###")
}

// Note adds an annotation such as a match summary to the current block.
func (t *Transcript) Note(text string) {
	t.append("- " + text)
}

// Output adds the raw command output and closes the block.
func (t *Transcript) Output(text string) {
	t.append(text, "")
}

// EndDevice closes the output of one device.
func (t *Transcript) EndDevice() {
	t.append("")
}

func (t *Transcript) append(lines ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, lines...)
}

// String returns the transcript text.
func (t *Transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

// WriteTo writes the transcript text to w.
func (t *Transcript) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, t.String())
	return int64(n), err
}
