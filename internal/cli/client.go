package cli

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"sobench/internal/balancer"
	"sobench/internal/client"
	"sobench/internal/server"
)

// ClientOptions holds flags for the client command.
type ClientOptions struct {
	*RootOptions
	Addr       string
	Workers    int
	Clients    int
	Reads      int
	Writes     int
	Pattern    string
	HotCells   int
	Delta      int64
	MaxRetries int
}

// NewClientCommand creates the client command.
func NewClientCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Drive load against a running server",
		Long: `Run concurrent client sessions against a server started with
"sobench server" and print how many writes were acknowledged.

Without --workers every session connects to --addr. With --workers N
sessions are spread over the worker ports port+1 .. port+N of a process
server and fail over to another worker when one dies.

Example:
  sobench client --addr 127.0.0.1:12345 --clients 100 --reads 10 --writes 10
  sobench client --addr 127.0.0.1:12345 --workers 4 --pattern RRW`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "server address (default host:port from config)")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "spread sessions over N worker ports after the server port")
	cmd.Flags().IntVarP(&opts.Clients, "clients", "n", 0, "number of sessions")
	cmd.Flags().IntVar(&opts.Reads, "reads", 0, "READ commands per session")
	cmd.Flags().IntVar(&opts.Writes, "writes", 0, "WRITE commands per session")
	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "operation order (interleaved|reads-first|writes-first|R/W string)")
	cmd.Flags().IntVar(&opts.HotCells, "hot-cells", 0, "only target the first N cells")
	cmd.Flags().Int64Var(&opts.Delta, "delta", 0, "amount added by each WRITE")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "connection retry limit")

	return cmd
}

// applyClientFlags copies the flags that were set onto the loaded config.
func applyClientFlags(cmd *cobra.Command, opts *ClientOptions) {
	cfg := &opts.Config.Client
	flags := cmd.Flags()
	override(flags.Changed("clients"), &cfg.Clients, opts.Clients)
	override(flags.Changed("reads"), &cfg.Reads, opts.Reads)
	override(flags.Changed("writes"), &cfg.Writes, opts.Writes)
	override(flags.Changed("pattern"), &cfg.Pattern, opts.Pattern)
	override(flags.Changed("hot-cells"), &cfg.HotCells, opts.HotCells)
	override(flags.Changed("delta"), &cfg.Delta, opts.Delta)
	override(flags.Changed("max-retries"), &cfg.MaxRetries, opts.MaxRetries)
}

// newDialer builds a direct dialer for addr, or a balanced dialer over
// the worker ports following addr's port.
func newDialer(addr string, workers, maxConnsPerWorker int) (client.Dialer, error) {
	if workers <= 0 {
		return client.DirectDialer{Addr: addr}, nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return client.BalancedDialer{
		Host:     host,
		Balancer: balancer.New(port, workers, maxConnsPerWorker),
	}, nil
}

func runClient(cmd *cobra.Command, opts *ClientOptions) error {
	applyClientFlags(cmd, opts)

	serverConfig, err := opts.Config.ServerConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid server config", err)
	}
	clientConfig, err := opts.Config.ClientConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid client config", err)
	}
	if err := clientConfig.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid client config", err)
	}

	addr := opts.Addr
	if addr == "" {
		addr = serverConfig.ListenAddr()
	}
	maxConns := serverConfig.MaxConnsPerWorker
	if maxConns <= 0 {
		maxConns = server.DefaultConfig().MaxConnsPerWorker
	}
	dialer, err := newDialer(addr, opts.Workers, maxConns)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid address", err)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	driver := client.New(dialer, clientConfig)
	report, err := driver.Run(ctx)
	if report != nil {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, report)
		fmt.Fprintf(out, "acknowledged delta: %d\n", report.AckedDelta)
		fmt.Fprintln(out, report.Metrics)
	}
	if err != nil && !errors.Is(err, ctx.Err()) {
		return WrapExitError(ExitCommandError, "client run failed", err)
	}
	if report != nil && report.Failed > 0 {
		return WrapExitError(ExitFailure, fmt.Sprintf("%d of %d sessions failed", report.Failed, report.Sessions), report.FirstError)
	}
	return nil
}
