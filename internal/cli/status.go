package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sobench/internal/api"
	"sobench/internal/events"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Addr string
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Serve the status API for starting and watching scenarios",
		Long: `Serve a JSON/WebSocket API that starts preset scenarios and reports
server totals, worker health, client metrics and lifecycle events.

Endpoints:
  GET  /api/status          current scenario and server summary
  GET  /api/workers         worker processes and balancer state
  GET  /api/metrics         client metrics of the current run
  GET  /api/events?n=50     recent worker and chaos events
  GET  /api/result          result of the last finished run
  GET  /api/presets         preset scenarios
  POST /api/scenario/start  {"preset":"race","clients":50}
  POST /api/scenario/stop
  WS   /ws                  live status, events and results

Example:
  sobench status --addr :8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			bus := events.NewBus()
			defer bus.Close()

			s := api.NewServer(opts.Addr, bus)
			fmt.Fprintf(cmd.OutOrStdout(), "status API on http://%s (Ctrl+C to stop)\n", opts.Addr)
			if err := s.Start(ctx); err != nil {
				return WrapExitError(ExitCommandError, "status server failed", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")

	return cmd
}
