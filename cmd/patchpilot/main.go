// Command patchpilot runs the autonomous code-modification loop against a
// working directory: analyze, prompt a model, apply the returned patch,
// gate it, and commit on the configured cadence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"patchpilot/internal/config"
	"patchpilot/internal/logging"
	"patchpilot/internal/loop"
	"patchpilot/internal/trace"
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

// cliFlags holds the parsed command line for one run.
type cliFlags struct {
	configPath string
	workdir    string
	cycles     int
	dryRun     bool
	once       bool
	verbose    bool
	version    bool
}

func parseFlags() cliFlags {
	var f cliFlags

	flag.StringVar(&f.configPath, "config", "", "path to patchpilot.yaml (default: <workdir>/patchpilot.yaml)")
	flag.StringVar(&f.workdir, "workdir", ".", "directory to operate in")
	flag.IntVar(&f.cycles, "cycles", -1, "override loop.max_cycles (0 = unbounded)")
	flag.BoolVar(&f.dryRun, "dry-run", false, "validate patches without touching the working tree")
	flag.BoolVar(&f.once, "once", false, "run exactly one cycle and exit")
	flag.BoolVar(&f.verbose, "verbose", false, "mirror the engine log to stderr at debug level")
	flag.BoolVar(&f.version, "version", false, "print the version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: patchpilot [flags]\n\n")
		fmt.Fprintf(os.Stderr, "patchpilot is an autonomous code-modification loop: it gathers\n")
		fmt.Fprintf(os.Stderr, "repository context, asks a model backend for a patch, applies it,\n")
		fmt.Fprintf(os.Stderr, "runs verification gates, and commits on a cadence.\n\n")
		fmt.Fprintf(os.Stderr, "Control markers and status live under <workdir>/.patchpilot.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()
	return f
}

func main() {
	os.Exit(run(parseFlags()))
}

func run(f cliFlags) int {
	if f.version {
		fmt.Println("patchpilot " + version)
		return 0
	}

	workDir, err := filepath.Abs(f.workdir)
	if err != nil {
		return fail(err)
	}
	info, err := os.Stat(workDir)
	if err != nil {
		return fail(fmt.Errorf("workdir %q: %w", f.workdir, err))
	}
	if !info.IsDir() {
		return fail(fmt.Errorf("workdir %q is not a directory", f.workdir))
	}

	cfgPath := f.configPath
	if cfgPath == "" {
		if p := filepath.Join(workDir, config.DefaultPath); exists(p) {
			cfgPath = p
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fail(err)
	}

	if f.once {
		cfg.Loop.MaxCycles = 1
	} else if f.cycles >= 0 {
		cfg.Loop.MaxCycles = f.cycles
	}
	if f.dryRun {
		cfg.Loop.ApplyPatches = false
	}

	stateDir := loop.StateDir(cfg, workDir)
	logOpts := logging.Options{Dir: stateDir}
	if f.verbose {
		logOpts.Level = "debug"
		logOpts.Console = true
	}
	logger, closeLog, err := logging.New(logOpts)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		// First signal cancels the context for a graceful abort at the next
		// boundary; restoring default handling lets a second signal kill.
		<-ctx.Done()
		stop()
	}()

	tracer, err := trace.Init(ctx, "patchpilot")
	if err != nil {
		fmt.Fprintf(os.Stderr, "patchpilot: tracing disabled: %v\n", err)
	}
	defer func() {
		if tracer != nil {
			_ = tracer.Shutdown(context.Background())
		}
	}()

	orch, err := loop.New(cfg, workDir, loop.Deps{Logger: logger, Tracer: tracer})
	if err != nil {
		return fail(err)
	}

	mode := ""
	if f.dryRun {
		mode = "  (dry-run)"
	}
	fmt.Printf("patchpilot %s  backend=%s  workdir=%s%s\n", version, cfg.Provider.Type, workDir, mode)
	fmt.Printf("status: %s\n\n", orch.StatusPath())

	summary, err := orch.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "patchpilot: %v\n", err)
	}
	return summary.StopReason.ExitCode()
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "patchpilot: %v\n", err)
	return 1
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
