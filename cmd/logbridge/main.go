// logbridge reassembles multi-line text logs into records, extracts fields
// with grok patterns and ships normalized entries to a telemetry backend,
// either as one-shot runs over a file or continuously from a tailed source.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/setevik/logbridge/internal/config"
	"github.com/setevik/logbridge/internal/exporter"
	"github.com/setevik/logbridge/internal/grok"
	"github.com/setevik/logbridge/internal/monitor"
	"github.com/setevik/logbridge/internal/normalize"
	"github.com/setevik/logbridge/internal/pipeline"
	"github.com/setevik/logbridge/internal/reporter"
	"github.com/setevik/logbridge/internal/sink"
	"github.com/setevik/logbridge/internal/store"
	"github.com/setevik/logbridge/internal/watcher"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		os.Exit(runFile(args))
	case "tail":
		os.Exit(runTail(args))
	case "runs":
		runQuery(args)
	case "status":
		runStatus(args)
	case "test-ntfy":
		runTestNtfy(args)
	case "version", "--version":
		fmt.Println("logbridge", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: logbridge <command> [flags]

commands:
  run        process one log file and export its entries
  tail       follow a file or journal unit and export new records continuously
  runs       list recorded runs
  status     summarize recent runs
  test-ntfy  send a test notification
  version    print version and exit
`)
}

// --- run subcommand ---

func runFile(args []string) int {
	fs := pflag.NewFlagSet("run", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "path to config file")
	file := fs.StringP("file", "f", "", "log file to process (required)")
	startPattern := fs.String("start-pattern", "", "regular expression marking the first line of a record")
	pattern := fs.StringP("pattern", "p", "", "grok pattern extracting fields from a record")
	chunkSize := fs.Int("chunk-size", 0, "records read per chunk")
	skipLimit := fs.Int("skip-limit", 0, "record failures tolerated before the run fails")
	fs.Parse(args)

	if *file == "" {
		fmt.Fprintln(os.Stderr, "error: --file is required")
		return 2
	}

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return 1
	}

	rc := runConfig(cfg)
	rc.Source = *file
	if fs.Changed("start-pattern") {
		rc.StartPattern = *startPattern
	}
	if fs.Changed("pattern") {
		rc.ExtractPattern = *pattern
	}
	if fs.Changed("chunk-size") {
		rc.ChunkSize = *chunkSize
	}
	if fs.Changed("skip-limit") {
		rc.SkipLimit = *skipLimit
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return 1
	}
	defer rt.close()

	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, cfg.Metrics.Listen)
	}

	res, err := rt.driver.Run(ctx, rc)
	if res == nil {
		slog.Error("run not started", "error", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "Run %s %s: %d read, %d emitted, %d skipped in %s\n",
		res.ID, res.Status, res.RecordsRead, res.EntriesEmitted, res.Skipped,
		res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	if res.Status != pipeline.StatusCompleted {
		fmt.Fprintf(os.Stderr, "error: %v\n", res.Err)
		return 1
	}
	return 0
}

// --- tail subcommand ---

func runTail(args []string) int {
	fs := pflag.NewFlagSet("tail", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "path to config file")
	file := fs.StringP("file", "f", "", "log file to follow (overrides tail.path)")
	unit := fs.String("journal-unit", "", "systemd unit to follow instead of a file")
	fromStart := fs.Bool("from-start", false, "read existing content before following")
	replay := fs.Bool("replay", false, "run the file's existing content through the window path and exit")
	fs.Parse(args)

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return 1
	}
	if *file != "" {
		cfg.Tail.Path = *file
		cfg.Tail.JournalUnit = ""
	}
	if *unit != "" {
		cfg.Tail.JournalUnit = *unit
		cfg.Tail.Path = ""
	}
	if cfg.Tail.Path == "" && cfg.Tail.JournalUnit == "" {
		fmt.Fprintln(os.Stderr, "error: no source; set tail.path, tail.journal_unit, --file or --journal-unit")
		return 2
	}
	if *replay && cfg.Tail.Path == "" {
		fmt.Fprintln(os.Stderr, "error: --replay needs a file")
		return 2
	}

	if err := tail(cfg, *fromStart, *replay); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func tail(cfg *config.Config, fromStart, replay bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, cfg.Metrics.Listen)
	}

	src, err := lineSource(cfg, fromStart, replay)
	if err != nil {
		return err
	}

	tailer := pipeline.NewTailer(rt.driver, src, pipeline.TailerOptions{
		Run:               runConfig(cfg),
		WindowSize:        cfg.Tail.WindowSize,
		IdleTimeout:       cfg.Tail.IdleTimeout.Duration,
		SpoolDir:          cfg.Tail.SpoolDir,
		KeepChunks:        cfg.Tail.KeepChunks,
		MaxConcurrentRuns: cfg.Tail.MaxConcurrentRuns,
	})

	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx) }()

	// Notify systemd we are ready (sd_notify).
	sdNotify("READY=1")

	// Start watchdog ticker if WatchdogSec is configured.
	var watchdogCh <-chan time.Time
	if wdInterval := watchdogInterval(); wdInterval > 0 {
		// Ping at half the watchdog interval.
		ticker := time.NewTicker(wdInterval / 2)
		defer ticker.Stop()
		watchdogCh = ticker.C
		slog.Info("systemd watchdog enabled", "interval", wdInterval)
	}

	for {
		select {
		case err := <-done:
			return err

		case <-watchdogCh:
			sdNotify("WATCHDOG=1")

		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			sdNotify("STOPPING=1")
			cancel()
			return <-done
		}
	}
}

// lineSource builds the live source selected by cfg.
func lineSource(cfg *config.Config, fromStart, replay bool) (pipeline.LineSource, error) {
	queue := cfg.Tail.QueueSize
	restartWait := cfg.Tail.RestartWait.Duration

	if replay {
		return watcher.NewFileSource(cfg.Tail.Path, queue), nil
	}

	if unit := cfg.Tail.JournalUnit; unit != "" {
		dataDir, err := dataDirectory()
		if err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		cursorFile := filepath.Join(dataDir, "journal-cursor-"+strings.ReplaceAll(unit, "/", "_"))
		return watcher.NewSupervisedSource(
			func() watcher.LineSource {
				return watcher.NewPipeSource(unit, cursorFile, queue)
			},
			restartWait,
			cfg.Tail.MaxRestarts,
		), nil
	}

	// Only the first source reads existing content; restarts resume at the
	// end so nothing is delivered twice.
	first := fromStart
	return watcher.NewSupervisedSource(
		func() watcher.LineSource {
			src := watcher.NewTailSource(cfg.Tail.Path, watcher.TailOptions{
				PollInterval: cfg.Tail.PollInterval.Duration,
				QueueSize:    queue,
				FromStart:    first,
			})
			first = false
			return src
		},
		restartWait,
		cfg.Tail.MaxRestarts,
	), nil
}

// --- shared runtime ---

// runtime holds the process-wide pipeline: one sink and exporter shared by
// every run, plus the run history.
type runtime struct {
	cfg    *config.Config
	exp    *exporter.Exporter
	db     *store.DB
	driver *pipeline.Driver
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("opening run database: %w", err)
	}
	slog.Info("run database opened", "path", cfg.DBPath())

	// Run retention purge on startup.
	if cfg.DB.Retention.Duration > 0 {
		purged, err := db.Purge(cfg.DB.Retention.Duration)
		if err != nil {
			slog.Warn("failed to purge old runs", "error", err)
		} else if purged > 0 {
			slog.Info("purged old runs", "count", purged, "retention", cfg.DB.Retention.Duration)
		}
	}

	s, err := sink.New(cfg, slog.Default())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sink: %w", err)
	}

	exp := exporter.New(s, exporter.Options{
		MaxBatchSize:    cfg.Exporter.MaxBatchSize,
		ScheduleDelay:   cfg.Exporter.ScheduleDelay.Duration,
		ExportTimeout:   cfg.Exporter.ExportTimeout.Duration,
		MaxQueueBatches: cfg.Exporter.MaxQueueBatches,
	})

	registry := grok.Default()
	registry.AddAll(cfg.Patterns.Definitions)

	driver := pipeline.NewDriver(exp, pipeline.DriverOptions{
		Registry:     registry,
		Normalizer:   normalize.New(timestampResolver(cfg)),
		Recorder:     db,
		Notifier:     reporter.NewNtfy(cfg, db),
		InstanceID:   cfg.Instance.ID,
		FlushTimeout: cfg.Exporter.ExportTimeout.Duration,
	})

	slog.Info("logbridge starting",
		"version", version,
		"instance", cfg.Instance.ID,
		"service", cfg.Instance.Service,
		"sink", cfg.Sink.Type,
	)
	return &runtime{cfg: cfg, exp: exp, db: db, driver: driver}, nil
}

func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Exporter.ShutdownTimeout.Duration)
	defer cancel()

	if err := rt.exp.Shutdown(ctx); err != nil {
		var ue *exporter.UnflushedError
		if errors.As(err, &ue) {
			slog.Error("entries lost at shutdown", "pending", ue.Pending, "rejected", ue.Rejected, "error", err)
		} else {
			slog.Error("exporter shutdown failed", "error", err)
		}
	}
	stats := rt.exp.Stats()
	slog.Info("exporter stopped",
		"exported", stats.Exported,
		"failed_entries", stats.FailedEntries,
		"failed_batches", stats.FailedBatches,
	)

	if err := rt.db.Close(); err != nil {
		slog.Warn("closing run database failed", "error", err)
	}
}

func runConfig(cfg *config.Config) pipeline.RunConfig {
	return pipeline.RunConfig{
		StartPattern:   cfg.Job.StartPattern,
		ExtractPattern: cfg.Job.ExtractPattern,
		ChunkSize:      cfg.Job.ChunkSize,
		SkipLimit:      cfg.Job.SkipLimit,
		Mode:           pipeline.ModeFile,
	}
}

// timestampResolver returns nil for wall-clock stamping unless layout
// parsing is enabled.
func timestampResolver(cfg *config.Config) normalize.TimestampResolver {
	if !cfg.Normalize.ParseTimestamps {
		return nil
	}
	loc := time.Local
	if name := cfg.Normalize.Location; name != "" {
		l, err := time.LoadLocation(name)
		if err != nil {
			slog.Warn("unknown normalize.location, using local time", "location", name, "error", err)
		} else {
			loc = l
		}
	}
	return normalize.Layouts{Layouts: cfg.Normalize.Layouts, Location: loc}
}

func serveMetrics(ctx context.Context, addr string) {
	if err := monitor.Serve(ctx, addr); err != nil {
		slog.Error("metrics endpoint failed", "addr", addr, "error", err)
	}
}

// --- runs subcommand ---

func runQuery(args []string) {
	fs := pflag.NewFlagSet("runs", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "path to config file")
	last := fs.String("last", "24h", "time window (e.g. 24h, 7d, 30d)")
	status := fs.String("status", "", "filter by status (COMPLETED, FAILED, READING, PROCESSING)")
	source := fs.String("source", "", "filter by source path")
	instance := fs.String("instance", "", "filter by instance ID")
	limit := fs.Int("limit", 50, "max runs to show")
	fs.Parse(args)

	cfg := mustLoadQuiet(*configPath)

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	since, err := parseDuration(*last)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --last value %q: %v\n", *last, err)
		os.Exit(1)
	}

	runs, err := db.Query(store.QueryFilter{
		Since:      time.Now().Add(-since),
		Status:     strings.ToUpper(*status),
		Source:     *source,
		InstanceID: *instance,
		Limit:      *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "query error: %v\n", err)
		os.Exit(1)
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return
	}

	printRuns(runs)
}

func printRuns(runs []*store.Run) {
	for _, r := range runs {
		ts := r.StartedAt.Local().Format("2006-01-02 15:04:05")
		dur := "running"
		if d := r.Duration(); d > 0 {
			dur = formatDuration(d)
		}
		fmt.Printf("%s  %-10s %-4s %8s  %s\n", ts, r.Status, r.Mode, dur, r.Source)
		fmt.Printf("             %d read, %d emitted, %d skipped  (%s)\n", r.RecordsRead, r.EntriesEmitted, r.Skipped, r.ID)
		if r.Error != "" {
			// Print first line of the error as a brief.
			line, _, _ := strings.Cut(r.Error, "\n")
			fmt.Printf("             %s\n", line)
		}
		fmt.Println()
	}
	fmt.Printf("Total: %d run(s)\n", len(runs))
}

// --- status subcommand ---

func runStatus(args []string) {
	fs := pflag.NewFlagSet("status", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "path to config file")
	last := fs.String("last", "24h", "time window for the summary")
	send := fs.Bool("send", false, "send the summary via ntfy (otherwise print to stdout)")
	fs.Parse(args)

	cfg := mustLoadQuiet(*configPath)

	window, err := parseDuration(*last)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --last value %q: %v\n", *last, err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	until := time.Now()
	since := until.Add(-window)
	runs, err := db.Query(store.QueryFilter{Since: since, Until: until})
	if err != nil {
		fmt.Fprintf(os.Stderr, "query error: %v\n", err)
		os.Exit(1)
	}
	digest := reporter.BuildDigest(cfg.Instance.ID, runs, since, until)

	if *send {
		if cfg.Ntfy.URL == "" {
			fmt.Fprintln(os.Stderr, "error: ntfy.url not configured")
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		rep := reporter.NewNtfy(cfg, nil)
		if err := rep.Send(ctx, reporter.FormatDigestTitle(since, until), reporter.FormatDigest(digest), "low", "chart"); err != nil {
			fmt.Fprintf(os.Stderr, "error sending summary: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Summary sent successfully.")
		return
	}

	fmt.Printf("Instance:     %s\n", cfg.Instance.ID)
	fmt.Printf("Service:      %s\n", cfg.Instance.Service)
	fmt.Printf("Sink:         %s\n", cfg.Sink.Type)

	// Last run.
	lastRuns, err := db.Query(store.QueryFilter{Limit: 1})
	if err == nil && len(lastRuns) > 0 {
		r := lastRuns[0]
		ago := time.Since(r.StartedAt).Truncate(time.Second)
		fmt.Printf("Last run:     [%s] %s, %s ago\n", r.Status, r.Source, formatDuration(ago))
	} else {
		fmt.Println("Last run:     none")
	}

	active, _ := db.Count(store.QueryFilter{Status: string(pipeline.StatusReading)})
	processing, _ := db.Count(store.QueryFilter{Status: string(pipeline.StatusProcessing)})
	fmt.Printf("Unfinished:   %d\n", active+processing)

	total, _ := db.Count(store.QueryFilter{})
	fmt.Printf("DB runs:      %d total\n", total)
	fmt.Printf("DB path:      %s\n\n", cfg.DBPath())

	fmt.Print(reporter.FormatDigest(digest))
}

// --- test-ntfy subcommand ---

func runTestNtfy(args []string) {
	fs := pflag.NewFlagSet("test-ntfy", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "path to config file")
	fs.Parse(args)

	cfg, ok := loadConfig(*configPath)
	if !ok {
		os.Exit(1)
	}
	if cfg.Ntfy.URL == "" {
		fmt.Fprintln(os.Stderr, "error: ntfy.url not configured")
		os.Exit(1)
	}

	// Always deliver the test run, whatever notify_on says.
	cfg.Ntfy.NotifyOn = []string{"FAILED"}
	rep := reporter.NewNtfy(cfg, nil)
	run := (&reporter.TestRun{InstanceID: cfg.Instance.ID}).ToRun()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := rep.Report(ctx, run); err != nil {
		fmt.Fprintf(os.Stderr, "error sending test notification: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Test notification sent successfully.")
}

// --- sd_notify support ---

// sdNotify sends a notification to systemd via the NOTIFY_SOCKET.
// This is a minimal implementation that doesn't require a C dependency.
func sdNotify(state string) {
	socketAddr := os.Getenv("NOTIFY_SOCKET")
	if socketAddr == "" {
		return
	}

	conn, err := net.Dial("unixgram", socketAddr)
	if err != nil {
		slog.Debug("sd_notify: failed to connect", "error", err)
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		slog.Debug("sd_notify: failed to send", "error", err)
	}
}

// watchdogInterval reads WATCHDOG_USEC from the environment and returns the
// watchdog interval as a time.Duration. Returns 0 if not set.
func watchdogInterval() time.Duration {
	usecStr := os.Getenv("WATCHDOG_USEC")
	if usecStr == "" {
		return 0
	}
	var usec int64
	if _, err := fmt.Sscanf(usecStr, "%d", &usec); err != nil {
		return 0
	}
	return time.Duration(usec) * time.Microsecond
}

// --- utilities ---

// loadConfig loads and validates the config, then installs the configured
// logger. Problems are printed to stderr.
func loadConfig(path string) (*config.Config, bool) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return nil, false
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config:\n%v\n", err)
		return nil, false
	}
	setupLogging(cfg.Log.Level, cfg.Log.Format)
	return cfg, true
}

// mustLoadQuiet loads the config for read-only commands, logging errors only.
func mustLoadQuiet(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	setupLogging("error", cfg.Log.Format) // quiet for CLI output
	return cfg
}

func setupLogging(level, format string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func dataDirectory() (string, error) {
	dir := filepath.Dir(config.DefaultDBPath())
	return dir, os.MkdirAll(dir, 0o750)
}

// parseDuration extends time.ParseDuration with support for "d" (days) suffix.
func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		s = strings.TrimSuffix(s, "d")
		var days int
		if _, err := fmt.Sscanf(s, "%d", &days); err != nil {
			return 0, fmt.Errorf("invalid days format: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// formatDuration formats a duration in human-readable form.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", h, m)
	}
	days := int(d.Hours()) / 24
	h := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, h)
}
