package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sobench/internal/logger"
	"sobench/internal/scenario"
)

// ServerOptions holds flags for the server command.
type ServerOptions struct {
	*RootOptions
	Architecture string
	Host         string
	Port         int
	StoreSize    int
	Granularity  string
	PoolSize     int
	Workers      int
	SharedFile   string
	IdleWindow   string
}

// NewServerCommand creates the server command.
func NewServerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run one server architecture until interrupted",
		Long: `Run a server with the chosen concurrency architecture.

The server listens on host:port (process workers on port+1 .. port+N)
and logs the store total whenever it has been idle for the idle window.
On SIGINT/SIGTERM it stops accepting, drains and prints the final sum.

Example:
  sobench server --arch thread --port 12345
  sobench server --arch process --workers 4 --granularity none`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Architecture, "arch", "a", "", "architecture (thread|eventloop|process)")
	cmd.Flags().StringVar(&opts.Host, "host", "", "listen host")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", 0, "listen port")
	cmd.Flags().IntVar(&opts.StoreSize, "size", 0, "number of cells")
	cmd.Flags().StringVarP(&opts.Granularity, "granularity", "g", "", "locking granularity (none|cell|global)")
	cmd.Flags().IntVar(&opts.PoolSize, "pool-size", 0, "thread pool size")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "number of worker processes")
	cmd.Flags().StringVar(&opts.SharedFile, "shared-file", "", "backing file of the shared region")
	cmd.Flags().StringVar(&opts.IdleWindow, "idle-window", "", "report the sum after this much idle time (0 disables)")

	return cmd
}

// applyServerFlags copies the flags that were set onto the loaded config.
func applyServerFlags(cmd *cobra.Command, opts *ServerOptions) {
	cfg := &opts.Config.Server
	flags := cmd.Flags()
	override(flags.Changed("arch"), &cfg.Architecture, opts.Architecture)
	override(flags.Changed("host"), &cfg.Host, opts.Host)
	override(flags.Changed("port"), &cfg.Port, opts.Port)
	override(flags.Changed("size"), &cfg.StoreSize, opts.StoreSize)
	override(flags.Changed("granularity"), &cfg.Granularity, opts.Granularity)
	override(flags.Changed("pool-size"), &cfg.PoolSize, opts.PoolSize)
	override(flags.Changed("workers"), &cfg.Workers, opts.Workers)
	override(flags.Changed("shared-file"), &cfg.SharedFile, opts.SharedFile)
	override(flags.Changed("idle-window"), &cfg.IdleWindow, opts.IdleWindow)
}

func runServer(cmd *cobra.Command, opts *ServerOptions) error {
	applyServerFlags(cmd, opts)

	serverConfig, err := opts.Config.ServerConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid server config", err)
	}
	if err := serverConfig.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid server config", err)
	}

	srv, err := scenario.NewServer(serverConfig)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create server", err)
	}
	ctx, cancel := signalContext(cmd)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start server", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s server listening on %s (Ctrl+C to stop)\n", serverConfig.Architecture, srv.Addr())

	<-ctx.Done()
	logger.Info("server", "received signal, shutting down")

	if err := srv.Stop(); err != nil {
		return WrapExitError(ExitFailure, "failed to stop server", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), srv.Summary())
	return nil
}
