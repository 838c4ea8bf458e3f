package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"sobench/internal/config"
	"sobench/internal/events"
	"sobench/internal/scenario"
)

// defaultPreset runs when neither --preset nor --config is given.
const defaultPreset = "quick"

// BenchOptions holds flags for the bench command.
type BenchOptions struct {
	*RootOptions
	Preset       string
	Architecture string
	Granularity  string
	Port         int
	Workers      int
	Clients      int
	Reads        int
	Writes       int
	Chaos        bool
	Timeout      string
}

// NewBenchCommand creates the bench command.
func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BenchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a benchmark scenario and print the report",
		Long: `Start a server, drive the configured client load against it and
compare the final store total with the acknowledged writes.

The scenario comes from --preset, or from --config when no preset is
given, or from the "quick" preset otherwise. Flags override either.

Example:
  sobench bench --preset race
  sobench bench --preset thread --granularity none --clients 200
  sobench bench --config bench.yaml --chaos`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Preset, "preset", "P", "", "preset scenario (see 'sobench presets')")
	cmd.Flags().StringVarP(&opts.Architecture, "arch", "a", "", "architecture (thread|eventloop|process)")
	cmd.Flags().StringVarP(&opts.Granularity, "granularity", "g", "", "locking granularity (none|cell|global)")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", 0, "server port (0 picks a free port for thread/eventloop)")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "number of worker processes")
	cmd.Flags().IntVarP(&opts.Clients, "clients", "n", 0, "number of sessions")
	cmd.Flags().IntVar(&opts.Reads, "reads", 0, "READ commands per session")
	cmd.Flags().IntVar(&opts.Writes, "writes", 0, "WRITE commands per session")
	cmd.Flags().BoolVar(&opts.Chaos, "chaos", false, "kill worker processes during the run")
	cmd.Flags().StringVar(&opts.Timeout, "timeout", "", "abort the run after this long")

	return cmd
}

// benchConfig resolves the scenario to run from the preset, the loaded config and the flags.
func benchConfig(cmd *cobra.Command, opts *BenchOptions) (scenario.Config, error) {
	cfg := *opts.Config

	preset := opts.Preset
	if preset == "" && opts.ConfigFile == "" {
		preset = defaultPreset
	}
	if preset != "" {
		sc, ok := scenario.GetPreset(preset)
		if !ok {
			return scenario.Config{}, fmt.Errorf("unknown preset: %s (available: %v)", preset, scenario.ListPresets())
		}
		log := cfg.Log
		cfg = config.FromScenario(sc)
		cfg.Log = log
	}

	flags := cmd.Flags()
	override(flags.Changed("arch"), &cfg.Server.Architecture, opts.Architecture)
	override(flags.Changed("granularity"), &cfg.Server.Granularity, opts.Granularity)
	override(flags.Changed("port"), &cfg.Server.Port, opts.Port)
	override(flags.Changed("workers"), &cfg.Server.Workers, opts.Workers)
	override(flags.Changed("clients"), &cfg.Client.Clients, opts.Clients)
	override(flags.Changed("reads"), &cfg.Client.Reads, opts.Reads)
	override(flags.Changed("writes"), &cfg.Client.Writes, opts.Writes)
	override(flags.Changed("chaos"), &cfg.Chaos.Enabled, opts.Chaos)
	override(flags.Changed("timeout"), &cfg.Timeout, opts.Timeout)

	if err := cfg.Validate(); err != nil {
		return scenario.Config{}, err
	}
	return cfg.ToScenarioConfig()
}

func runBench(cmd *cobra.Command, opts *BenchOptions) error {
	sc, err := benchConfig(cmd, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid scenario", err)
	}

	out := cmd.OutOrStdout()
	rule := strings.Repeat("=", 52)
	fmt.Fprintln(out, "sobench - shared-counter server benchmark")
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "Scenario: %s (%s)\n", sc.Name, sc.Description)
	fmt.Fprintf(out, "Server:   %s, locking=%s, size=%d\n", sc.Server.Architecture, sc.Server.Granularity, sc.Server.StoreSize)
	fmt.Fprintf(out, "Clients:  %d x (%d reads, %d writes, %s)\n", sc.Client.Clients, sc.Client.Reads, sc.Client.Writes, sc.Client.Pattern)
	fmt.Fprintf(out, "Chaos:    %v\n", sc.EnableChaos)
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out)

	ctx, cancel := signalContext(cmd)
	defer cancel()

	bus := events.NewBus()
	defer bus.Close()
	runner := scenario.New(sc)
	runner.SetEventBus(bus)

	result, err := runner.Run(ctx)
	if result != nil {
		fmt.Fprintln(out, result.Report())
	}
	if counts := bus.Counts(); len(counts) > 0 {
		fmt.Fprintln(out, "Events:")
		for _, t := range slices.Sorted(maps.Keys(counts)) {
			fmt.Fprintf(out, "  %-24s %d\n", t, counts[t])
		}
	}
	if err != nil {
		return WrapExitError(ExitFailure, "scenario failed", err)
	}
	if result.Client != nil && result.Client.Failed > 0 {
		return WrapExitError(ExitFailure, fmt.Sprintf("%d of %d sessions failed", result.Client.Failed, result.Client.Sessions), result.Client.FirstError)
	}
	return nil
}
