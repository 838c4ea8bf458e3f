package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sobench/internal/scenario"
)

// NewPresetsCommand creates the presets command.
func NewPresetsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "presets",
		Short:         "List the preset scenarios",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Preset scenarios:")
			fmt.Fprintln(out)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  NAME\tARCH\tLOCKING\tCLIENTS\tOPS\tDESCRIPTION")
			for _, name := range scenario.ListPresets() {
				sc, _ := scenario.GetPreset(name)
				fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%dR/%dW\t%s\n",
					name, sc.Server.Architecture, sc.Server.Granularity,
					sc.Client.Clients, sc.Client.Reads, sc.Client.Writes, sc.Description)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Fprintln(out)
			fmt.Fprintf(out, "Example: sobench bench --preset %s\n", defaultPreset)
			return nil
		},
	}
}
