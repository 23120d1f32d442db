// SPDX-License-Identifier: MIT

// Command plexaudio runs the media conversion state core: scan directories
// once, monitor them continuously, or inspect and maintain the state
// database.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/clock"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/config"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/health"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/httpapi"
	xlog "github.com/JuliiaZhuravleva/PlexAudioConverter/internal/log"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/manager"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/media"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/metrics"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/planner"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/state"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/store"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/watch"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

const usage = `usage: plexaudio <command> [flags]

commands:
  scan         register files in the watch directories and drain due work
  monitor      run continuously: watcher, planner loop, monitoring endpoint
  status       print a status snapshot of the state database
  maintenance  run retention GC, orphan sweep and compaction once
  reset        drop all state (confirm interactively, or --yes)
  version      print version information
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "scan":
		return cmdScan(rest)
	case "monitor":
		return cmdMonitor(rest)
	case "status":
		return cmdStatus(rest)
	case "maintenance":
		return cmdMaintenance(rest)
	case "reset":
		return cmdReset(rest)
	case "version":
		fmt.Printf("plexaudio %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return 0
	case "-h", "--help", "help":
		fmt.Print(usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string
	dbURL      string
	batchSize  int
	debug      bool
}

func registerCommon(fs *flag.FlagSet, f *commonFlags) {
	fs.StringVar(&f.configPath, "config", "", "path to config file (YAML)")
	fs.StringVar(&f.dbURL, "db", "", "state database URL (overrides config)")
	fs.IntVar(&f.batchSize, "batch-size", 0, "records per planner tick (overrides config)")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging")
}

func loadConfig(f commonFlags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.dbURL != "" {
		cfg.DBURL = f.dbURL
	}
	if f.batchSize > 0 {
		cfg.BatchSize = f.batchSize
	}
	if f.debug {
		cfg.LogLevel = "debug"
	}

	xlog.Configure(xlog.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	xlog.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// core is the wired state core shared by the subcommands.
type core struct {
	cfg     config.Config
	store   store.Store
	manager *manager.Manager
	watcher *watch.Watcher
}

func buildCore(cfg config.Config) (*core, error) {
	st, err := store.Open(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	params := state.Params{
		StableWait:           cfg.StableWait(),
		SizePoll:             cfg.SizePoll(),
		BackoffStep:          cfg.BackoffStep(),
		BackoffMax:           cfg.BackoffMax(),
		MaxIntegrityAttempts: cfg.MaxIntegrityAttempts,
		DeleteOriginal:       cfg.DeleteOriginal,
	}

	checker := media.NewChecker(cfg.FFprobePath, cfg.FFmpegPath, cfg.IntegrityMode, cfg.QuickCheckMaxSize)
	probe := media.NewProbe(cfg.FFprobePath)
	converter := media.NewConverter(cfg.FFprobePath, cfg.FFmpegPath, media.ConvertOptions{
		Codec:      cfg.AudioCodec,
		Bitrate:    cfg.AudioBitrate,
		SampleRate: cfg.AudioSampleRate,
		TrackTitle: cfg.AudioTrackTitle,
	}, cfg.ConvertRatePerSec)

	clk := clock.System()
	snapshot := metrics.NewSnapshot()
	pl := planner.New(st, params, clk, checker, probe, converter, snapshot, planner.Options{
		BatchSize:        cfg.BatchSize,
		Parallelism:      cfg.Parallelism,
		MinSleep:         cfg.LoopMinSleep(),
		LeaseTTL:         cfg.LeaseTTL(),
		IntegrityTimeout: cfg.IntegrityTimeout(),
		ConvertTimeout:   cfg.ConvertTimeout(),
	})

	mgr := manager.New(cfg, st, pl, clk, snapshot)
	w := watch.New(cfg, mgr)
	mgr.SetWatcherErrorSource(w.LastError)
	return &core{cfg: cfg, store: st, manager: mgr, watcher: w}, nil
}

func (c *core) close() {
	if err := c.manager.Close(); err != nil {
		logger := xlog.WithComponent("main")
		logger.Error().Err(err).Msg("closing store failed")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) int {
	logger := xlog.WithComponent("main")
	logger.Error().Err(err).Msg("command failed")
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}

// fatal reports errors that preclude starting at all, such as an unopenable
// or schema-incompatible store.
func fatal(err error) int {
	logger := xlog.WithComponent("main")
	logger.Error().Err(err).Msg("startup failed")
	fmt.Fprintln(os.Stderr, "fatal:", err)
	return 2
}

func cmdScan(args []string) int {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	var f commonFlags
	registerCommon(fs, &f)
	_ = fs.Parse(args)

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	dirs := fs.Args()
	if len(dirs) == 0 {
		dirs = cfg.WatchDirs
	}
	if len(dirs) == 0 {
		fmt.Fprintln(os.Stderr, "error: no directories to scan (give them as arguments or set watch_dirs)")
		return 2
	}
	cfg.WatchDirs = dirs

	c, err := buildCore(cfg)
	if err != nil {
		return fatal(err)
	}
	defer c.close()

	ctx, stop := signalContext()
	defer stop()

	if err := c.manager.Planner().Recover(ctx); err != nil {
		return fail(err)
	}
	discovery, err := c.manager.ScanAll(ctx)
	if err != nil {
		return fail(err)
	}

	// Drain everything already due; future work (stability windows,
	// backoffs) is left to the next scan or the monitor.
	drained := manager.ProcessResult{Outcomes: map[string]uint64{}}
	for {
		res, err := c.manager.ProcessPending(ctx)
		if err != nil {
			return fail(err)
		}
		if res.Picked == 0 {
			break
		}
		drained.Picked += res.Picked
		for k, v := range res.Outcomes {
			drained.Outcomes[k] += v
		}
	}

	printJSON(struct {
		Discovery manager.DiscoveryResult `json:"discovery"`
		Processed manager.ProcessResult   `json:"processed"`
	}{discovery, drained})
	return 0
}

func cmdMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	var f commonFlags
	registerCommon(fs, &f)
	_ = fs.Parse(args)

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	if len(cfg.WatchDirs) == 0 {
		fmt.Fprintln(os.Stderr, "error: monitor requires watch_dirs")
		return 2
	}

	ctx, stop := signalContext()
	defer stop()

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		return fail(err)
	}

	c, err := buildCore(cfg)
	if err != nil {
		return fatal(err)
	}
	defer c.close()

	logger := xlog.WithComponent("main")
	logger.Info().
		Str(xlog.FieldEvent, "monitor.starting").
		Str("version", version).
		Str(xlog.FieldDB, cfg.DBURL).
		Strs("watch_dirs", cfg.WatchDirs).
		Msg("starting continuous monitoring")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.manager.StartMonitoring(gctx) })
	g.Go(func() error { return c.watcher.Run(gctx) })
	if cfg.ListenAddr != "" {
		srv := httpapi.NewServer(cfg.ListenAddr, httpapi.NewRouter(c.manager, c.manager.GetHealth(version)))
		g.Go(func() error { return srv.Run(gctx, cfg.ShutdownGrace()) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fail(err)
	}
	logger.Info().Str(xlog.FieldEvent, "monitor.stopped").Msg("shut down cleanly")
	return 0
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	var f commonFlags
	out := fs.String("output", "", "write the snapshot to this file (atomic) instead of stdout")
	registerCommon(fs, &f)
	_ = fs.Parse(args)

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	c, err := buildCore(cfg)
	if err != nil {
		return fatal(err)
	}
	defer c.close()

	ctx, stop := signalContext()
	defer stop()

	if *out != "" {
		if err := c.manager.ExportStatus(ctx, *out); err != nil {
			return fail(err)
		}
		return 0
	}

	s, err := c.manager.GetStatus(ctx)
	if err != nil {
		return fail(err)
	}
	printJSON(s)
	return 0
}

func cmdMaintenance(args []string) int {
	fs := flag.NewFlagSet("maintenance", flag.ExitOnError)
	var f commonFlags
	report := fs.String("report", "", "report file path (default: maintenance_report.json next to the database)")
	registerCommon(fs, &f)
	_ = fs.Parse(args)

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	c, err := buildCore(cfg)
	if err != nil {
		return fatal(err)
	}
	defer c.close()

	ctx, stop := signalContext()
	defer stop()

	res, err := c.manager.Maintenance(ctx)
	if err != nil {
		return fail(err)
	}
	printJSON(res)

	reportPath := *report
	if reportPath == "" {
		reportPath = defaultReportPath(cfg.DBURL)
	}
	if reportPath != "" {
		if err := c.manager.WriteMaintenanceReport(res, reportPath); err != nil {
			return fail(err)
		}
	}
	return 0
}

// defaultReportPath places the maintenance report beside a file-backed
// database; memory stores get no report unless --report says where.
func defaultReportPath(dbURL string) string {
	if strings.HasPrefix(dbURL, "memory://") {
		return ""
	}
	path := strings.TrimPrefix(dbURL, "sqlite://")
	return filepath.Join(filepath.Dir(path), "maintenance_report.json")
}

func cmdReset(args []string) int {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	var f commonFlags
	yes := fs.Bool("yes", false, "confirm dropping all state")
	registerCommon(fs, &f)
	_ = fs.Parse(args)

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	if !*yes && !confirmReset() {
		fmt.Fprintln(os.Stderr, "error: reset deletes every tracked record; confirm at the prompt or re-run with --yes")
		return 2
	}

	c, err := buildCore(cfg)
	if err != nil {
		return fatal(err)
	}
	defer c.close()

	ctx, stop := signalContext()
	defer stop()

	if err := c.store.DropAll(ctx); err != nil {
		return fail(err)
	}
	fmt.Println("state database reset")
	return 0
}

// confirmReset prompts on the terminal. Non-interactive callers (pipes,
// cron, CI) must pass --yes instead.
func confirmReset() bool {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return false
	}
	fmt.Fprint(os.Stderr, `this deletes every tracked record; type "yes" to continue: `)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == "yes"
}
