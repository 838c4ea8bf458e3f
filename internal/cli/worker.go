package cli

import (
	"github.com/spf13/cobra"

	"sobench/internal/logger"
	"sobench/internal/server/process"
)

// NewWorkerCommand creates the worker command.
// The process server launches it once per worker port with the arguments
// built by process.WorkerConfig.Args, so flags are parsed by the worker
// itself rather than by cobra.
func NewWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:                "worker --port <port> --size <n> --shared-file <path>",
		Short:              "Serve one worker port of the process server",
		Hidden:             true,
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := process.ParseWorkerArgs(args)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid worker arguments", err)
			}
			logger.Configure(cfg.LogEnabled, logger.LevelInfo)

			ctx, cancel := signalContext(cmd)
			defer cancel()

			if err := process.RunWorker(ctx, cfg); err != nil {
				return WrapExitError(ExitFailure, "worker failed", err)
			}
			return nil
		},
	}
}
