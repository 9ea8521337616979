package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/eugenetaranov/trawl/internal/config"
	"github.com/eugenetaranov/trawl/internal/connector"
	"github.com/eugenetaranov/trawl/internal/executor"
	"github.com/eugenetaranov/trawl/internal/output"
	"github.com/eugenetaranov/trawl/internal/packager"
	"github.com/eugenetaranov/trawl/internal/spec"
	"github.com/eugenetaranov/trawl/internal/state"
)

// errInterrupted is returned after SIGINT or SIGTERM stopped a run.
var errInterrupted = errors.New("interrupted by user")

var specPath string

var applyOpts struct {
	save           string
	statePath      string
	keepTmp        bool
	user           string
	password       string
	keyFile        string
	passphrase     string
	knownHosts     string
	onCommandError string
	connectTimeout time.Duration
}

// applyCmd runs a specification
var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Run a specification and archive the results",
	Long: `Connect to every device of the specification, run its commands, download
the selected files and write everything into a zip archive.

Credentials are taken from flags, then TRAWL_USER / TRAWL_PASSWORD (also
read from a .env file), then an interactive prompt.

Examples:
  trawl apply
  trawl apply -f core_dumps.yml --save cores.zip
  trawl apply --on-command-error skip-command --debug`,
	Args: cobra.NoArgs,
	RunE: runApply,
}

// previewCmd validates a specification and logs what apply would do
var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Validate a specification and show what apply would do",
	Long: `Parse and validate the specification, then log every session, command
and download apply would perform. No device is contacted.

Examples:
  trawl preview
  trawl preview -f core_dumps.yml`,
	Args: cobra.NoArgs,
	RunE: runPreview,
}

func init() {
	for _, cmd := range []*cobra.Command{applyCmd, previewCmd} {
		cmd.Flags().StringVarP(&specPath, "file", "f", spec.DefaultFile, "Specification file")
	}

	f := applyCmd.Flags()
	f.StringVar(&applyOpts.save, "save", "", "Archive file (default data_<timestamp>.zip)")
	f.StringVar(&applyOpts.statePath, "state", state.DefaultFile, "Download state file")
	f.BoolVar(&applyOpts.keepTmp, "keep-tmp", false, "Keep the temporary working directory")
	f.StringVarP(&applyOpts.user, "user", "u", "", "Device username")
	f.StringVarP(&applyOpts.password, "password", "p", "", "Device password")
	f.StringVar(&applyOpts.keyFile, "key-file", "", "SSH private key file")
	f.StringVar(&applyOpts.passphrase, "passphrase", "", "SSH private key passphrase")
	f.StringVar(&applyOpts.knownHosts, "known-hosts", "", "Verify SSH host keys against this known_hosts file")
	f.StringVar(&applyOpts.onCommandError, "on-command-error", executor.AbandonDevice.String(),
		"What a failed command does to its device: abandon-device or skip-command")
	f.DurationVar(&applyOpts.connectTimeout, "connect-timeout", connector.DefaultConnectTimeout, "Session establishment timeout")
}

func runApply(cmd *cobra.Command, args []string) error {
	s, err := spec.LoadFile(specPath)
	if err != nil {
		return err
	}

	policy, err := executor.ParsePolicy(applyOpts.onCommandError)
	if err != nil {
		return err
	}

	archivePath := applyOpts.save
	if archivePath == "" {
		archivePath = packager.DefaultArchiveName(time.Now())
	}
	if err := packager.CheckArchivePath(archivePath); err != nil {
		return err
	}

	creds, err := credentials()
	if err != nil {
		return err
	}

	st, err := state.Load(applyOpts.statePath)
	if err != nil {
		log.Warn().Err(err).Str("path", applyOpts.statePath).Msg("Ignoring download state")
	}

	ws, err := packager.NewWorkspace("")
	if err != nil {
		return err
	}
	log.Debug().Str("workdir", ws.Dir).Msg("Created working directory")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transcript := output.NewTranscript()
	engine := &executor.Engine{
		Opener:         connector.Registry{},
		Credentials:    creds,
		ConnectTimeout: applyOpts.connectTimeout,
		State:          st,
		Workspace:      ws,
		Transcript:     transcript,
		Policy:         policy,
		Log:            log.Logger,
	}

	out := newOutput(cmd.OutOrStdout())
	out.RunStart(specPath)

	result, err := engine.Run(ctx, s)
	if err != nil {
		log.Error().Str("workdir", ws.Dir).Msg("Interrupted by user")
		return errInterrupted
	}
	stop()

	printResults(out, result)

	p := &packager.Packager{
		Workspace:   ws,
		StatePath:   applyOpts.statePath,
		ArchivePath: archivePath,
		Keep:        applyOpts.keepTmp,
		Log:         log.Logger,
	}
	return p.Finish(transcript, st)
}

// credentials resolves the session credentials from flags, the environment
// and the terminal.
func credentials() (connector.Credentials, error) {
	if cwd, err := os.Getwd(); err == nil {
		path, err := config.LoadDotEnv(cwd)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring environment file")
		} else if path != "" {
			log.Debug().Str("path", path).Msg("Loaded environment file")
		}
	}

	given := connector.Credentials{
		User:       applyOpts.user,
		Password:   applyOpts.password,
		KeyFile:    applyOpts.keyFile,
		Passphrase: applyOpts.passphrase,
		KnownHosts: applyOpts.knownHosts,
	}
	creds, err := config.Credentials(given, os.Getenv, config.NewTerminal())
	if err != nil {
		return creds, fmt.Errorf("failed to read credentials: %w", err)
	}
	return creds, nil
}

func runPreview(cmd *cobra.Command, args []string) error {
	s, err := spec.LoadFile(specPath)
	if err != nil {
		return err
	}

	engine := &executor.Engine{DryRun: true, Log: log.Logger}
	if _, err := engine.Run(context.Background(), s); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "OK: %s - %d devices, %d commands, %d downloads\n",
		specPath, len(s.Devices), len(s.Commands), len(s.Downloads))
	return nil
}

func newOutput(w io.Writer) *output.Output {
	out := output.New(w)
	out.SetColor(!noColor)
	out.SetDebug(debug)
	return out
}

func printResults(out *output.Output, result *executor.Result) {
	out.Section("DEVICES")
	for _, dr := range result.Devices {
		msg := ""
		switch {
		case dr.Err != nil:
			msg = fmt.Sprintf("%s: %v", dr.FailedIn, dr.Err)
		case dr.CommandsFailed > 0:
			msg = fmt.Sprintf("%d commands failed", dr.CommandsFailed)
		}
		out.DeviceResult(dr.Name, dr.Address, dr.Status(), msg)
	}
	out.RunEnd(result.Stats)
}
