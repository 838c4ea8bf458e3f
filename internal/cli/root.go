package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sobench/internal/config"
)

// Version is overridden at build time with -ldflags "-X sobench/internal/cli.Version=...".
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	LogLevel   string
	Quiet      bool

	// Config is resolved in PersistentPreRunE: defaults, then the config
	// file, then the global flags above.
	Config *config.Config
}

// NewRootCommand creates the root command for the sobench CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sobench",
		Short: "sobench - shared-counter server benchmark",
		Long: `A benchmark of three server concurrency architectures (thread pool,
event loop, process pool) serving a line protocol against a shared
array of integer counters.

Concurrent clients issue READ and WRITE commands; after the run the
server total is compared with the acknowledged writes to count lost
updates under each locking granularity.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (YAML or JSON)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVarP(&opts.Quiet, "quiet", "q", false, "disable logging")

	cmd.AddCommand(NewServerCommand(opts))
	cmd.AddCommand(NewWorkerCommand())
	cmd.AddCommand(NewClientCommand(opts))
	cmd.AddCommand(NewBenchCommand(opts))
	cmd.AddCommand(NewPresetsCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// load resolves the effective configuration and applies its logging settings.
func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg := config.Default()
	if o.ConfigFile != "" {
		loaded, err := config.LoadFile(o.ConfigFile)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = *loaded
	}

	flags := cmd.Flags()
	override(flags.Changed("log-level"), &cfg.Log.Level, o.LogLevel)
	override(flags.Changed("quiet"), &cfg.Log.Enabled, !o.Quiet)

	if err := cfg.ConfigureLogger(); err != nil {
		return WrapExitError(ExitCommandError, "invalid logging config", err)
	}
	o.Config = &cfg
	return nil
}

// override assigns v to dst when the corresponding flag was set.
func override[T any](changed bool, dst *T, v T) {
	if changed {
		*dst = v
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sobench version %s\n", Version)
		},
	}
}
