package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/twardoch/lmstrix/pkg/config"
	"github.com/twardoch/lmstrix/services/backend"
	"github.com/twardoch/lmstrix/services/metrics"
	"github.com/twardoch/lmstrix/services/progress"
	"github.com/twardoch/lmstrix/services/registry"
	"github.com/twardoch/lmstrix/services/serve"
	"github.com/twardoch/lmstrix/services/tester"
	"github.com/twardoch/lmstrix/services/tui"
)

// --- Global flag variables, the teacher's pattern of plain package-level
// vars bound via cobra's StringVar/IntVar/BoolVar family. ---
var (
	flagReset     bool
	flagTarget    int
	flagThreshold int
	flagTUI       bool
	flagAddr      string

	rootCmd = &cobra.Command{
		Use:   "lmstrix",
		Short: "Discover the real usable context window of locally-hosted LLMs",
		Long: `lmstrix empirically discovers how large a context window a
locally-hosted model can actually handle, by climbing and then bisecting
around the point where load or inference first fails.`,
	}

	scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Synchronize the registry with the backend's currently downloaded models",
		Run:   runScan,
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List every known model and its context-test status",
		Run:   runList,
	}

	testCmd = &cobra.Command{
		Use:   "test [identifier]",
		Short: "Run the adaptive context search for one model",
		Args:  cobra.ExactArgs(1),
		Run:   runTest,
	}

	fleetCmd = &cobra.Command{
		Use:   "fleet",
		Short: "Run the adaptive context search across every eligible model",
		Run:   runFleet,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve a read-only status API over the registry and live probe events",
		Run:   runServe,
	}
)

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(fleetCmd)
	rootCmd.AddCommand(serveCmd)

	for _, c := range []*cobra.Command{testCmd, fleetCmd} {
		c.Flags().BoolVar(&flagReset, "reset", false, "Clear prior test state before running, re-probing from scratch")
		c.Flags().IntVar(&flagTarget, "target", 0, "Probe exactly this context size once, instead of searching (0 = search normally)")
		c.Flags().IntVar(&flagThreshold, "threshold", 0, "Override the safety threshold (0 = use the configured default)")
	}
	fleetCmd.Flags().BoolVar(&flagTUI, "tui", false, "Show a live terminal table of every model's progress")

	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (empty = use the configured default)")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, colorize(fmt.Sprintf("error: %v", err), "31"))
	os.Exit(1)
}

// colorize wraps s in an ANSI color code only when stdout is an actual
// terminal, following the same isatty gate the teacher's UX package guards
// its own colored output with.
func colorize(s, code string) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

// testOptions builds the tester.Options for one run, seeded from the
// configured strategy constants and overridden by whichever flags the user
// actually set.
func testOptions() tester.Options {
	strategy := config.Global.Strategy
	opts := tester.Options{
		Reset:             flagReset,
		Threshold:         strategy.Threshold,
		MinProbe:          strategy.MinProbe,
		ClimbStep:         strategy.ClimbStep,
		BisectConvergence: strategy.BisectConvergence,
		MaxIterations:     strategy.MaxIterations,
		LoadTimeout:       strategy.LoadTimeout,
		InferenceTimeout:  strategy.InferenceTimeout,
	}
	if flagThreshold > 0 {
		opts.Threshold = flagThreshold
	}
	if flagTarget > 0 {
		opts.Target = &flagTarget
	}
	return opts
}

func runScan(cmd *cobra.Command, _ []string) {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	defer a.close(ctx)
	if err != nil {
		fatal(err)
	}

	n, err := a.core.Scan(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("scanned %d model(s) from the backend\n", n)
}

func runList(cmd *cobra.Command, _ []string) {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	defer a.close(ctx)
	if err != nil {
		fatal(err)
	}

	models := a.core.List()
	fmt.Printf("%-40s %-12s %s\n", "PATH", "STATUS", "TESTED CONTEXT")
	for _, m := range models {
		fmt.Printf("%-40s %-12s %s\n", m.Path, m.ContextTestStatus, testedColumn(m))
	}
}

func testedColumn(m registry.Model) string {
	if m.TestedMaxContext == nil {
		if m.Failed {
			return colorize("failed: "+m.ErrorMsg, "31")
		}
		return "-"
	}
	return colorize(fmt.Sprintf("%d", *m.TestedMaxContext), "32")
}

func runTest(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	defer a.close(ctx)
	if err != nil {
		fatal(err)
	}

	opts := testOptions()
	opts.Observer = observerFor(a.metrics, a.emitter)

	start := time.Now()
	m, err := a.core.TestOne(ctx, args[0], opts)
	a.meter.RecordRun(ctx, "test_one", time.Since(start).Seconds())
	if err != nil {
		fatal(err)
	}
	a.meter.RecordModelOutcome(ctx, string(m.ContextTestStatus))
	printResult(m)
}

func runFleet(cmd *cobra.Command, _ []string) {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	defer a.close(ctx)
	if err != nil {
		fatal(err)
	}

	opts := testOptions()
	opts.Observer = observerFor(a.metrics, a.emitter)

	if !flagTUI {
		start := time.Now()
		results, err := a.core.TestFleet(ctx, opts)
		a.meter.RecordRun(ctx, "test_fleet", time.Since(start).Seconds())
		if a.metrics != nil {
			a.metrics.SetEligibleModels(len(results))
			a.metrics.RecordFleetPass()
		}
		if err != nil {
			fatal(err)
		}
		for _, m := range results {
			a.meter.RecordModelOutcome(ctx, string(m.ContextTestStatus))
			printResult(m)
		}
		return
	}

	runFleetWithTUI(ctx, a, opts)
}

// runFleetWithTUI drives the fleet scheduler on its own goroutine while a
// bubbletea program renders progress.Event values as they arrive. The TUI
// never calls into the core itself (spec §9: no suspendable entry points
// into C4/C5) — it only reads the channels the driving goroutine writes to.
func runFleetWithTUI(ctx context.Context, a *app, opts tester.Options) {
	events := make(chan progress.Event, 64)
	done := make(chan error, 1)

	unsubscribe := a.emitter.Subscribe(func(ev progress.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	go func() {
		results, err := a.core.TestFleet(ctx, opts)
		if a.metrics != nil {
			a.metrics.SetEligibleModels(len(results))
			a.metrics.RecordFleetPass()
		}
		done <- err
		close(events)
	}()

	if _, err := tea.NewProgram(tui.New(events, done)).Run(); err != nil {
		fatal(err)
	}
}

// observerFor builds the tester.Options.Observer hook every run command
// wires in: it fans each probe out to the progress feed (for the TUI and
// the status server's websocket) and into Prometheus, neither of which
// tester or fleet know exist.
func observerFor(m *metrics.ProbeMetrics, emitter *progress.Emitter) func(registry.Model, tester.ProbeClass, backend.Outcome) {
	return func(model registry.Model, class tester.ProbeClass, outcome backend.Outcome) {
		if emitter != nil {
			emitter.Emit(progress.Event{
				ModelID:          model.ID,
				ModelPath:        model.Path,
				Class:            class.String(),
				Status:           string(model.ContextTestStatus),
				TestedMaxContext: model.TestedMaxContext,
				Failed:           model.Failed,
			})
		}
		if m == nil {
			return
		}
		m.RecordProbe(model.ID, class.String())
		m.RecordLoadDuration(model.ID, outcome.LoadDuration.Seconds())
		if outcome.Class == backend.ClassSuccess {
			m.RecordInferenceDuration(model.ID, (outcome.TotalDuration - outcome.LoadDuration).Seconds())
		}
		if model.TestedMaxContext != nil {
			m.SetTestedMaxContext(model.ID, *model.TestedMaxContext)
		}
	}
}

func printResult(m registry.Model) {
	fmt.Printf("%s: %s (%s)\n", m.Path, m.ContextTestStatus, testedColumn(m))
}

func runServe(cmd *cobra.Command, _ []string) {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	defer a.close(ctx)
	if err != nil {
		fatal(err)
	}

	addr := flagAddr
	if addr == "" {
		addr = serveAddrFromConfig()
	}

	srv := serve.New(a.core, a.emitter, a.store.Path())
	fmt.Printf("serving status API on %s\n", addr)
	if err := srv.Run(ctx, addr); err != nil {
		fatal(err)
	}
}
