// Package executor runs a validated specification against its devices.
package executor

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/eugenetaranov/trawl/internal/connector"
	"github.com/eugenetaranov/trawl/internal/match"
	"github.com/eugenetaranov/trawl/internal/output"
	"github.com/eugenetaranov/trawl/internal/packager"
	"github.com/eugenetaranov/trawl/internal/spec"
	"github.com/eugenetaranov/trawl/internal/state"
)

// Policy decides what a failed command or listing does to its device.
type Policy int

const (
	// AbandonDevice skips the remaining commands and downloads of the device.
	AbandonDevice Policy = iota

	// SkipCommand records the failure and continues with the next step.
	SkipCommand
)

// ParsePolicy parses a policy name as used on the command line.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "abandon-device", "":
		return AbandonDevice, nil
	case "skip-command":
		return SkipCommand, nil
	default:
		return AbandonDevice, fmt.Errorf("unknown command error policy %q (want abandon-device or skip-command)", s)
	}
}

func (p Policy) String() string {
	if p == SkipCommand {
		return "skip-command"
	}
	return "abandon-device"
}

// Phase is a step of the per-device state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseCommands
	PhaseDownloads
	PhaseClosed
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseCommands:
		return "commands"
	case PhaseDownloads:
		return "downloads"
	case PhaseClosed:
		return "closed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DeviceResult is the outcome of one device.
type DeviceResult struct {
	Name    string
	Address string

	// Phase is PhaseClosed or PhaseFailed once the device is done.
	Phase Phase

	// FailedIn is the phase the device failed in.
	FailedIn Phase
	Err      error

	Commands       int
	CommandsFailed int
	Matched        bool
	Fetched        int
	Skipped        int
	TransferFailed int
}

// Status returns "closed" or "failed".
func (r *DeviceResult) Status() string {
	return r.Phase.String()
}

// Stats holds run statistics.
type Stats struct {
	DevicesOK      int
	DevicesFailed  int
	Commands       int
	Fetched        int
	Skipped        int
	TransferFailed int
	StartTime      time.Time
	EndTime        time.Time
}

// Duration returns the total run time.
func (s *Stats) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// GetDevicesOK returns the closed device count (implements output.Stats).
func (s *Stats) GetDevicesOK() int { return s.DevicesOK }

// GetDevicesFailed returns the failed device count (implements output.Stats).
func (s *Stats) GetDevicesFailed() int { return s.DevicesFailed }

// GetCommands returns the completed command count (implements output.Stats).
func (s *Stats) GetCommands() int { return s.Commands }

// GetFetched returns the downloaded file count (implements output.Stats).
func (s *Stats) GetFetched() int { return s.Fetched }

// GetSkipped returns the already downloaded file count (implements output.Stats).
func (s *Stats) GetSkipped() int { return s.Skipped }

// GetTransferFailed returns the failed transfer count (implements output.Stats).
func (s *Stats) GetTransferFailed() int { return s.TransferFailed }

// GetDuration returns the duration (implements output.Stats).
func (s *Stats) GetDuration() time.Duration { return s.Duration() }

var _ output.Stats = (*Stats)(nil)

// Result holds the outcome of a run.
type Result struct {
	Devices []*DeviceResult

	// Matched lists devices whose output matched a search pattern, sorted.
	Matched []string

	Stats *Stats
}

// Engine runs specifications. Devices are processed one at a time in
// declaration order.
type Engine struct {
	Opener         connector.Opener
	Credentials    connector.Credentials
	ConnectTimeout time.Duration

	// State gates and records downloads.
	State *state.State

	// Workspace receives downloaded files.
	Workspace *packager.Workspace

	// Transcript receives command output.
	Transcript *output.Transcript

	// Policy applies to failed commands and listings.
	Policy Policy

	// DryRun logs intended actions without opening any session.
	DryRun bool

	Log zerolog.Logger
}

// Run processes every device of s. A device failure never aborts the run; the
// only error returned is the context error after an interruption, together
// with the partial result.
func (e *Engine) Run(ctx context.Context, s *spec.Spec) (*Result, error) {
	stats := &Stats{StartTime: time.Now()}
	res := &Result{Stats: stats}
	matched := make(map[string]bool)

	for _, dev := range s.Devices {
		if err := ctx.Err(); err != nil {
			stats.EndTime = time.Now()
			return res, err
		}

		var dr *DeviceResult
		if e.DryRun {
			dr = e.preview(dev, s)
		} else {
			dr = e.runDevice(ctx, dev, s)
		}
		res.Devices = append(res.Devices, dr)

		if dr.Matched {
			matched[dr.Name] = true
		}
		if dr.Phase == PhaseClosed {
			stats.DevicesOK++
		} else {
			stats.DevicesFailed++
		}
		stats.Commands += dr.Commands
		stats.Fetched += dr.Fetched
		stats.Skipped += dr.Skipped
		stats.TransferFailed += dr.TransferFailed

		if err := ctx.Err(); err != nil {
			stats.EndTime = time.Now()
			return res, err
		}
	}

	for name := range matched {
		res.Matched = append(res.Matched, name)
	}
	sort.Strings(res.Matched)

	if !e.DryRun {
		if len(res.Matched) > 0 {
			e.Log.Warn().Strs("devices", res.Matched).
				Msgf("Search pattern found in the output from these devices: %s", strings.Join(res.Matched, ", "))
		} else {
			e.Log.Info().Msg("Search patterns not found in any device command output")
		}
	}

	stats.EndTime = time.Now()
	return res, nil
}

// runDevice drives one device through its phases.
func (e *Engine) runDevice(ctx context.Context, dev *spec.Device, s *spec.Spec) *DeviceResult {
	log := e.Log.With().Str("device", dev.Name).Logger()
	dr := &DeviceResult{Name: dev.Name, Address: dev.Address.String(), Phase: PhaseConnecting}

	defer func() {
		log.Info().Msg("Closed session")
		e.Transcript.EndDevice()
	}()

	log.Info().Msgf("Starting session to %s", dev.Address)
	sess, err := e.Opener.Open(ctx, connector.Target{
		Name:           dev.Name,
		Address:        dev.Address,
		Port:           dev.Port,
		Dialect:        dev.Dialect,
		Credentials:    e.Credentials,
		ConnectTimeout: e.ConnectTimeout,
	})
	if err != nil {
		e.fail(log, dr, err)
		return dr
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Debug().Err(err).Msg("Close session")
		}
	}()
	log.Debug().Str("session", sess.String()).Msg("Session established")

	dr.Phase = PhaseCommands
	for _, cmd := range s.Commands {
		if ctx.Err() != nil {
			e.fail(log, dr, ctx.Err())
			return dr
		}
		if err := e.runCommand(ctx, log, sess, dev.Name, cmd, dr); err != nil {
			if !e.continueAfter(err) {
				e.fail(log, dr, err)
				return dr
			}
			log.Error().Err(err).Msgf("Command failed: '%s'", cmd.Send)
		}
	}

	dr.Phase = PhaseDownloads
	for _, rule := range s.DownloadsFor(dev.Name) {
		if ctx.Err() != nil {
			e.fail(log, dr, ctx.Err())
			return dr
		}
		if err := e.runDownload(ctx, log, sess, dev.Name, rule, dr); err != nil {
			if !e.continueAfter(err) {
				e.fail(log, dr, err)
				return dr
			}
			log.Error().Err(err).Msgf("Listing failed: '%s'", rule.Directory)
		}
	}

	dr.Phase = PhaseClosed
	return dr
}

// continueAfter reports whether the device proceeds after a failed command
// or listing.
func (e *Engine) continueAfter(err error) bool {
	if isInterrupt(err) || connector.KindOf(err) == connector.KindConnection {
		return false
	}
	return e.Policy == SkipCommand
}

func (e *Engine) fail(log zerolog.Logger, dr *DeviceResult, err error) {
	dr.FailedIn = dr.Phase
	dr.Phase = PhaseFailed
	dr.Err = err

	switch {
	case isInterrupt(err):
		log.Warn().Str("phase", dr.FailedIn.String()).Msg("Interrupted")
	case connector.KindOf(err) == connector.KindConnection:
		log.Error().Err(err).Str("phase", dr.FailedIn.String()).Msgf("Connection error: %v", err)
	default:
		log.Error().Err(err).Str("phase", dr.FailedIn.String()).Msgf("Failed: %v", err)
	}
}

// runCommand sends one command, scans its output and appends it to the
// transcript.
func (e *Engine) runCommand(ctx context.Context, log zerolog.Logger, sess connector.Session, device string, cmd *spec.Command, dr *DeviceResult) error {
	log.Info().Msgf("Sending '%s'", cmd.Send)
	e.Transcript.Command(device, cmd.Send)

	out, err := sess.Send(ctx, cmd.Send, connector.SendOptions{Timeout: cmd.Timeout, Expect: cmd.PromptPattern})
	if err != nil {
		dr.CommandsFailed++
		e.Transcript.Note("Command failed: " + err.Error())
		e.Transcript.Output(out)
		return err
	}
	dr.Commands++

	if cmd.Find != nil {
		m := match.Scan(cmd.Find, out)
		if m.Found() {
			dr.Matched = true
			log.Info().Int("hits", m.Count).Msg(m.Summary())
		} else {
			log.Info().Msg(m.Summary())
		}
		e.Transcript.Note(m.Summary())
	}

	e.Transcript.Output(out)
	return nil
}

// runDownload lists the rule directory and fetches every selected file not
// already recorded in the download state. Transfer failures are logged and
// counted; only listing failures are returned.
func (e *Engine) runDownload(ctx context.Context, log zerolog.Logger, sess connector.Session, device string, rule *spec.Download, dr *DeviceResult) error {
	log.Info().Msgf("Listing '%s'", rule.Directory)
	listing, err := sess.ListDirectory(ctx, rule.Directory, rule.Timeout)
	if err != nil {
		return err
	}

	names := match.ExtractFilenames(listing, rule.FilePattern)
	log.Debug().Strs("files", names).Msgf("Found %d candidate files", len(names))

	for _, name := range names {
		rec := state.Record{Device: device, Directory: rule.Directory, Filename: name}
		if !e.State.ShouldFetch(rec) {
			dr.Skipped++
			log.Info().Msgf("Already downloaded '%s'", name)
			continue
		}

		remote := path.Join(rule.Directory, name)
		local := e.Workspace.FilePath(device, rule.Directory, name)

		log.Info().Msgf("Downloading '%s'", remote)
		if err := sess.FetchFile(ctx, remote, local, rule.Timeout); err != nil {
			if isInterrupt(err) {
				return err
			}
			dr.TransferFailed++
			log.Warn().Err(err).Msgf("Transfer failed: '%s'", remote)
			continue
		}

		e.State.MarkFetched(rec)
		dr.Fetched++
		log.Info().Str("local", local).Msgf("Downloaded '%s'", remote)
	}
	return nil
}

// preview logs what runDevice would do.
func (e *Engine) preview(dev *spec.Device, s *spec.Spec) *DeviceResult {
	log := e.Log.With().Bool("preview", true).Str("device", dev.Name).Logger()

	if dev.Fields.IsSet("device_type") || dev.Fields.IsSet("port") {
		log.Info().Str("device_type", dev.Dialect.Name).Int("port", dev.Port).
			Msgf("Starting session to %s", dev.Address)
	} else {
		log.Info().Msgf("Starting session to %s", dev.Address)
	}

	for _, cmd := range s.Commands {
		var extra string
		if cmd.Fields.IsSet("prompt_pattern") {
			extra += ", prompt pattern: " + cmd.PromptPattern.String()
		}
		if cmd.Fields.IsSet("timeout") {
			extra += fmt.Sprintf(", timeout: %d", int(cmd.Timeout.Seconds()))
		}
		log.Info().Msgf("Sending '%s'%s", cmd.Send, extra)

		if cmd.Find != nil {
			log.Info().Msgf("Check command output for pattern '%s'", cmd.Find.String())
		}
	}

	for _, rule := range s.DownloadsFor(dev.Name) {
		var extra string
		if rule.Fields.IsSet("file_pattern") {
			extra += ", file pattern: " + rule.FilePattern.String()
		}
		if rule.Fields.IsSet("timeout") {
			extra += fmt.Sprintf(", timeout: %d", int(rule.Timeout.Seconds()))
		}
		log.Info().Msgf("Download files from '%s'%s", rule.Directory, extra)
	}

	log.Info().Msg("Closed session")
	return &DeviceResult{Name: dev.Name, Address: dev.Address.String(), Phase: PhaseClosed}
}

func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled)
}
