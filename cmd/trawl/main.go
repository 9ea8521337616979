// Package main is the entrypoint for the trawl CLI.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	// Import connectors to register their transports
	_ "github.com/eugenetaranov/trawl/internal/connector/local"
	_ "github.com/eugenetaranov/trawl/internal/connector/ssh"
	_ "github.com/eugenetaranov/trawl/internal/connector/telnet"

	"github.com/eugenetaranov/trawl/internal/atomicfile"
	"github.com/eugenetaranov/trawl/internal/connector"
	"github.com/eugenetaranov/trawl/internal/dialect"
	"github.com/eugenetaranov/trawl/internal/spec"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	debug   bool
	noColor bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errInterrupted) {
			log.Error().Msg(err.Error())
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trawl",
	Short: "Trawl - bulk command runs and file collection on network devices",
	Long: `Trawl runs commands on a fleet of network devices, flags output that
matches search patterns and downloads files from device directories.

Everything it collects is packed into a single zip archive. Files already
downloaded by an earlier run are skipped.

Supports SSH, Telnet and local execution.`,
	Version:           fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	PersistentPreRun:  setupLogging,
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func init() {
	log.Logger = newLogger(os.Stderr)

	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output with session details")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	// Add subcommands
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(dialectsCmd)
}

// setupLogging installs the console logger for the selected verbosity.
func setupLogging(cmd *cobra.Command, args []string) {
	log.Logger = newLogger(cmd.ErrOrStderr())
}

func newLogger(w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	console := zerolog.ConsoleWriter{Out: w, NoColor: noColor}
	return zerolog.New(console).Level(level).With().Timestamp().Logger()
}

// schemaCmd writes the JSON schema of the specification file
var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Write the specification JSON schema",
	Long: `Write the JSON schema of the specification file, for editor
completion and validation.

Examples:
  trawl schema
  trawl schema --save -`,
	Args: cobra.NoArgs,
	RunE: writeSchema,
}

var schemaPath string

func init() {
	schemaCmd.Flags().StringVar(&schemaPath, "save", spec.DefaultSchemaFile, "Schema output file (- for stdout)")
}

func writeSchema(cmd *cobra.Command, args []string) error {
	data, err := spec.SchemaJSON()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}
	data = append(data, '\n')

	if schemaPath == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := atomicfile.WriteFile(schemaPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to save schema: %w", err)
	}
	log.Info().Str("path", schemaPath).Msg("Saved specification schema")
	return nil
}

// dialectsCmd lists supported device types
var dialectsCmd = &cobra.Command{
	Use:   "dialects",
	Short: "List supported device types",
	Long:  `Display the device_type values that can be used in specification files.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		names := dialect.Names()

		fmt.Fprintln(out, "Supported device types:")
		fmt.Fprintln(out)
		for _, name := range names {
			d := dialect.Get(name)
			port := "-"
			if d.Port != 0 {
				port = fmt.Sprint(d.Port)
			}
			marker := ""
			if name == dialect.Default {
				marker = " (default)"
			}
			fmt.Fprintf(out, "  - %-18s %-7s port %s%s\n", name, d.Transport, port, marker)
		}
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Total: %d device types, transports: %v\n", len(names), connector.Transports())
	},
}
