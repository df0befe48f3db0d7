package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sarchlab/xvkernel/datarecording"
	"github.com/sarchlab/xvkernel/kernel"
	"github.com/sarchlab/xvkernel/mem/swap"
	"github.com/sarchlab/xvkernel/monitoring"
	"github.com/sarchlab/xvkernel/proc"
	"github.com/sarchlab/xvkernel/sim/hooking"
)

// envPrefix starts the environment variables that stand in for flags.
const envPrefix = "KERNELSIM_"

// config is what a run is made of.
type config struct {
	scenario       string
	cpus           int
	frames         int
	swapDevice     string
	swapPath       string
	slotPolicy     string
	tickUnit       int
	reclaimRetries int
	ticks          int
	chunkPages     int
	record         bool
	monitor        bool
	port           int
	openBrowser    bool
	logLevel       string
	timeout        time.Duration
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the kernel and run a scenario to completion.",
	Long: "`run --scenario NAME` boots the kernel with the scenario as init " +
		"and prints the process table once the machine halts. Flags not " +
		"given fall back to KERNELSIM_<FLAG> environment variables, which " +
		"may come from an env file.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")

		if err := applyEnv(cmd.Flags(), envFile); err != nil {
			return err
		}

		cfg, err := readConfig(cmd.Flags())
		if err != nil {
			return err
		}

		return run(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	addRunFlags(runCmd.Flags())
}

func addRunFlags(f *pflag.FlagSet) {
	f.String("scenario", "cfs", "Scenario to run, one of\n"+scenarioHelp())
	f.Int("cpus", 1, "Number of CPUs")
	f.Int("frames", kernel.DefaultNumFrames, "Number of physical frames")
	f.String("swap-device", "mem", "Swap device: mem, file or sqlite")
	f.String("swap-path", "", "Path of a file or sqlite swap device")
	f.String("slot-policy", "address", "Swap slot policy: address or bitmap")
	f.Int("tick-unit", proc.DefaultTickUnit,
		"Milliticks one timer tick charges to a process")
	f.Int("reclaim-retries", -1,
		"Reclamation steps per allocation, negative for two clock sweeps")
	f.Int("ticks", 200, "Ticks the cfs scenario runs for")
	f.Int("chunk-pages", 100, "Pages the swap scenario grows the heap by")
	f.Bool("record", false, "Record kernel events into a SQLite database")
	f.Bool("monitor", false, "Serve the kernel state over HTTP")
	f.Int("port", 0, "Port of the monitor, random when 0")
	f.Bool("open-browser", false, "Open the monitor in a browser")
	f.String("log-level", "info", "Log level; debug logs every kernel event")
	f.Duration("timeout", 0, "Stop the kernel after this long, 0 for never")
	f.String("env-file", "", "File of KERNELSIM_* variables, .env if present")
}

// applyEnv loads envFile, or .env when it exists, and fills every flag not
// set on the command line from its KERNELSIM_ variable.
func applyEnv(flags *pflag.FlagSet, envFile string) error {
	switch {
	case envFile != "":
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
	default:
		if _, err := os.Stat(".env"); err == nil {
			if err := godotenv.Load(); err != nil {
				return fmt.Errorf("loading .env: %w", err)
			}
		}
	}

	var err error

	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed || err != nil {
			return
		}

		name := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))

		value, ok := os.LookupEnv(name)
		if !ok {
			return
		}

		if setErr := flags.Set(f.Name, value); setErr != nil {
			err = fmt.Errorf("%s: %w", name, setErr)
		}
	})

	return err
}

func readConfig(flags *pflag.FlagSet) (config, error) {
	var (
		cfg  config
		errs []error
	)

	str := func(name string) string {
		v, err := flags.GetString(name)
		errs = append(errs, err)

		return v
	}
	num := func(name string) int {
		v, err := flags.GetInt(name)
		errs = append(errs, err)

		return v
	}
	flag := func(name string) bool {
		v, err := flags.GetBool(name)
		errs = append(errs, err)

		return v
	}

	cfg.scenario = str("scenario")
	cfg.cpus = num("cpus")
	cfg.frames = num("frames")
	cfg.swapDevice = str("swap-device")
	cfg.swapPath = str("swap-path")
	cfg.slotPolicy = str("slot-policy")
	cfg.tickUnit = num("tick-unit")
	cfg.reclaimRetries = num("reclaim-retries")
	cfg.ticks = num("ticks")
	cfg.chunkPages = num("chunk-pages")
	cfg.record = flag("record")
	cfg.monitor = flag("monitor")
	cfg.port = num("port")
	cfg.openBrowser = flag("open-browser")
	cfg.logLevel = str("log-level")

	timeout, err := flags.GetDuration("timeout")
	errs = append(errs, err)
	cfg.timeout = timeout

	if err := errors.Join(errs...); err != nil {
		return cfg, err
	}

	if _, ok := scenarios[cfg.scenario]; !ok {
		return cfg, fmt.Errorf("unknown scenario %q, want one of %s",
			cfg.scenario, strings.Join(scenarioNames(), ", "))
	}

	if cfg.chunkPages <= 0 {
		return cfg, fmt.Errorf("chunk-pages must be positive, got %d",
			cfg.chunkPages)
	}

	return cfg, nil
}

// openDevice creates the swap device. The returned function closes it.
func openDevice(cfg config) (swap.Device, func(), error) {
	switch cfg.swapDevice {
	case "mem":
		return nil, func() {}, nil
	case "file":
		if cfg.swapPath == "" {
			return nil, nil, errors.New("the file swap device needs --swap-path")
		}

		d, err := swap.OpenFileDevice(cfg.swapPath, swap.DefaultSlots)
		if err != nil {
			return nil, nil, err
		}

		return d, func() { d.Close() }, nil
	case "sqlite":
		path := cfg.swapPath
		if path == "" {
			path = ":memory:"
		}

		d, err := swap.OpenSQLiteDevice(path)
		if err != nil {
			return nil, nil, err
		}

		return d, func() { d.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown swap device %q", cfg.swapDevice)
	}
}

func slotPolicy(name string) (swap.SlotPolicy, error) {
	switch name {
	case "address":
		return swap.AddressSlots{}, nil
	case "bitmap":
		return swap.BitmapSlots{}, nil
	default:
		return nil, fmt.Errorf("unknown slot policy %q", name)
	}
}

func run(ctx context.Context, cfg config, out io.Writer) error {
	level, err := logrus.ParseLevel(cfg.logLevel)
	if err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)

	device, closeDevice, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer closeDevice()

	policy, err := slotPolicy(cfg.slotPolicy)
	if err != nil {
		return err
	}

	builder := kernel.MakeBuilder().
		WithNumCPU(cfg.cpus).
		WithNumFrames(cfg.frames).
		WithSwapDevice(device).
		WithSlotPolicy(policy).
		WithTickUnit(cfg.tickUnit).
		WithReclaimRetries(cfg.reclaimRetries).
		WithLogger(logger).
		WithConsole(out)

	if level >= logrus.DebugLevel {
		builder = builder.WithHook(hooking.NewLogHook(logger))
	}

	counter := hooking.NewCountingHook()
	builder = builder.WithHook(counter)

	k := builder.Build()
	sc := scenarios[cfg.scenario]

	if sc.setup != nil {
		if err := sc.setup(k); err != nil {
			return err
		}
	}

	var trace *datarecording.Trace

	if cfg.record {
		trace = datarecording.NewTrace(datarecording.NewDataRecorder(""), k.Table())
		defer trace.Close()

		k.AcceptHook(trace)
	}

	if cfg.monitor {
		startMonitor(k, trace, cfg)
	}

	if _, err := k.Boot(cfg.scenario, sc.program(cfg)); err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if cfg.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	runErr := k.Run(ctx)

	printSnapshot(out, k.Snapshot())
	printCounts(out, counter)

	return runErr
}

// startMonitor serves the kernel state, and the recorded events when trace
// is not nil. A progress bar follows the processes.
func startMonitor(k *kernel.Kernel, trace *datarecording.Trace, cfg config) {
	m := monitoring.NewMonitor().WithPortNumber(cfg.port)
	m.RegisterKernel(k)

	if trace != nil {
		m.RegisterTrace(trace)
	}

	m.TrackProcesses("processes")

	url := m.StartServer()

	if cfg.openBrowser {
		if err := m.OpenInBrowser(url); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open browser: %v\n", err)
		}
	}
}

func printSnapshot(out io.Writer, snap kernel.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "NAME\tPID\tSTATE\tNICE\tRUNTIME/WEIGHT\tRUNTIME\tVRUNTIME")

	for _, p := range snap.Procs {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%d\t%d\n",
			p.Name, p.PID, p.State, p.Nice,
			p.Runtime/uint64(p.Weight), p.Runtime, p.TotalVRuntime())
	}

	w.Flush()

	fmt.Fprintf(out, "\nticks %d, free frames %d/%d, evictions %d, swap-ins %d\n",
		snap.Ticks, snap.NumFree, len(snap.Frames),
		snap.Swap.Evictions, snap.Swap.SwapIns)
}

// countedEvents are the hook positions summarized after a run.
var countedEvents = []*hooking.HookPos{
	proc.HookPosFork,
	proc.HookPosDispatch,
	proc.HookPosPreempt,
	proc.HookPosSleep,
	proc.HookPosKill,
	swap.HookPosEvict,
	swap.HookPosSwapIn,
	swap.HookPosCollision,
}

func printCounts(out io.Writer, counter *hooking.CountingHook) {
	parts := make([]string, 0, len(countedEvents))
	for _, pos := range countedEvents {
		parts = append(parts,
			fmt.Sprintf("%s %d", strings.ToLower(pos.Name), counter.Count(pos.Name)))
	}

	fmt.Fprintf(out, "events: %s\n", strings.Join(parts, ", "))
}
