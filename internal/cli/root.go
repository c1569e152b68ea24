// Package cli implements the annosync command tree.
package cli

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vanderheijden86/annosync/pkg/config"
	"github.com/vanderheijden86/annosync/pkg/debug"
)

// RootOptions holds global flags and the configuration they resolve to.
type RootOptions struct {
	ConfigPath string
	DataDir    string
	Debug      bool
	Format     string // "json" | "text"

	Config config.Config
	Logger *log.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the annosync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "annosync",
		Short: "Live annotation synchronization server",
		Long: `annosync keeps page annotations in a single JSON document, serves them over
HTTP and pushes every change to connected viewers as server-sent events.
Edits made to the document on disk are picked up and broadcast as well.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default $XDG_CONFIG_HOME/annosync/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "directory holding the annotation document")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "verbose debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

func (o *RootOptions) resolve(cmd *cobra.Command) error {
	if !isValidFormat(o.Format) {
		return fmt.Errorf("invalid format %q: must be one of %v", o.Format, ValidFormats)
	}

	var (
		cfg config.Config
		err error
	)
	if o.ConfigPath != "" {
		cfg, err = config.LoadFrom(o.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if o.DataDir != "" {
		cfg.Storage.DataDir = o.DataDir
	}
	o.Config = cfg

	if o.Debug {
		debug.SetEnabled(true)
	}
	if o.Logger == nil {
		w := cmd.ErrOrStderr()
		o.Logger = log.New(w, "annosync: ", logFlags(w))
	}
	return nil
}

// logFlags keeps terminal output short. Redirected output gets full UTC
// timestamps for log files.
func logFlags(w io.Writer) int {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return log.Ltime
	}
	return log.LstdFlags | log.Lmicroseconds | log.LUTC
}

// configPath returns where config commands read and write.
func (o *RootOptions) configPath() string {
	if o.ConfigPath != "" {
		return o.ConfigPath
	}
	return config.ConfigPath()
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
