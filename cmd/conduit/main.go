package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/completion"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/doctor"
	"github.com/mattjoyce/conduit/internal/executor"
	"github.com/mattjoyce/conduit/internal/graph"
	"github.com/mattjoyce/conduit/internal/graphfile"
	"github.com/mattjoyce/conduit/internal/inspect"
	"github.com/mattjoyce/conduit/internal/journal"
	"github.com/mattjoyce/conduit/internal/lock"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/scheduler"
	"github.com/mattjoyce/conduit/internal/tui/watch"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(runRun(args))
	case "serve":
		os.Exit(runServe(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "watch":
		os.Exit(runWatch(args))
	case "jobs":
		os.Exit(runJobs(args))
	case "version":
		fmt.Printf("conduit version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`conduit - serial graph dispatcher over a parallel task engine

Usage:
  conduit <command> [flags]

Commands:
  run [flags] graph.hcl...   Submit every graph in the files, wait, report
  serve [flags]              Run the executor behind the HTTP API
  watch [flags]              Live terminal view of a running server
  jobs [flags] [id]          Show journal entries, or one submission in detail
  config check               Validate configuration and print the result
  config hash [--write]      Print (or write) the configuration BLAKE3 sidecar
  version                    Show version information
  help                       Show this help message

Run flags:
  --config PATH     Configuration file (default: discovered)
  --mode MODE       submit, until or block (default: block)
  --timeout D       Wait for queue room in until mode (default: 1s)
  --repeat N        Submit each graph N times (default: 1)

Serve flags:
  --config PATH     Configuration file (default: discovered)
  --listen ADDR     Override api.listen

Jobs flags:
  --config PATH     Configuration file (default: discovered)
  --limit N         Entries to list (default: 20)
  --json            Print JSON instead of text

Config check flags:
  --config PATH     Configuration file (default: discovered)
  --format FORMAT   human or json (default: human)
  --strict          Exit 2 when warnings are present

Watch flags:
  --config PATH     Read api.listen and api.token from this configuration
  --url URL         Server base URL (default: http://<api.listen>)
  --token TOKEN     Bearer token (default: api.token)
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

// loadConfig loads path, or the discovered file when path is empty. With no
// file anywhere the defaults are used.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		discovered, err := config.Discover()
		if errors.Is(err, config.ErrNotFound) {
			return config.Defaults(), nil
		}
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	return config.Load(path)
}

// services is what run and serve share: the configured process-wide executor
// and its optional journal.
type services struct {
	cfg      *config.Config
	journal  *journal.Journal
	lock     *lock.PIDLock
	shutdown func(context.Context) error
}

func startServices(ctx context.Context, cfg *config.Config) (*services, error) {
	log.Setup(cfg.Log.Level, cfg.Log.Format)

	rt := &services{cfg: cfg}
	shutdown, err := setupTracing(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	rt.shutdown = shutdown

	var opts []executor.Option
	if cfg.Journal.Path != "" {
		rt.lock, err = lock.Acquire(lock.PathFor(cfg.Journal.Path))
		if err != nil {
			rt.close(ctx)
			return nil, fmt.Errorf("journal lock: %w", err)
		}
		rt.journal, err = journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			rt.close(ctx)
			return nil, fmt.Errorf("open journal: %w", err)
		}
		if _, err := rt.journal.RecoverOrphans(ctx); err != nil {
			rt.close(ctx)
			return nil, err
		}
		opts = append(opts, executor.WithJournal(rt.journal))
	}

	executor.Configure(executor.ConfigFrom(cfg.Executor), opts...)
	if _, err := executor.GetInstance(); err != nil {
		rt.close(ctx)
		return nil, fmt.Errorf("start executor: %w", err)
	}
	return rt, nil
}

// close releases the executor (draining its queue) before closing what it
// writes to.
func (rt *services) close(ctx context.Context) {
	executor.ReleaseInstance()
	if rt.journal != nil {
		_ = rt.journal.Close()
	}
	if rt.lock != nil {
		_ = rt.lock.Release()
	}
	if rt.shutdown != nil {
		_ = rt.shutdown(ctx)
	}
}

type submission struct {
	graph  string
	handle *completion.Handle
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	mode := fs.String("mode", "block", "Submission mode: submit, until or block")
	timeout := fs.Duration("timeout", time.Second, "Wait for queue room in until mode")
	repeat := fs.Int("repeat", 1, "Submit each graph this many times")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "run: at least one graph file is required")
		return 1
	}
	if *repeat < 1 {
		fmt.Fprintln(os.Stderr, "run: --repeat must be at least 1")
		return 1
	}
	submit, err := submitFunc(*mode, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}

	var graphs []*graph.Graph
	for _, path := range fs.Args() {
		gs, err := graphfile.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load graphs: %v\n", err)
			return 1
		}
		graphs = append(graphs, gs...)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	rt, err := startServices(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}

	var (
		subs     []submission
		rejected int
	)
	for range *repeat {
		for _, g := range graphs {
			h, ok := submit(g)
			if !ok {
				rejected++
				fmt.Printf("-\t%s\trejected\n", g.Name())
				continue
			}
			subs = append(subs, submission{graph: g.Name(), handle: h})
		}
	}

	failed := 0
	for _, s := range subs {
		if err := s.handle.Wait(); err != nil {
			failed++
			fmt.Printf("%s\t%s\tfailed\t%v\n", s.handle.ID(), s.graph, err)
			continue
		}
		fmt.Printf("%s\t%s\tsucceeded\n", s.handle.ID(), s.graph)
	}
	rt.close(ctx)

	if failed > 0 || rejected > 0 {
		fmt.Fprintf(os.Stderr, "%d succeeded, %d failed, %d rejected\n", len(subs)-failed, failed, rejected)
		return 1
	}
	return 0
}

// submitFunc maps a --mode value onto the package-level submission calls.
func submitFunc(mode string, timeout time.Duration) (func(*graph.Graph) (*completion.Handle, bool), error) {
	switch mode {
	case "submit":
		return executor.Submit, nil
	case "until":
		return func(g *graph.Graph) (*completion.Handle, bool) {
			return executor.SubmitUntil(g, timeout)
		}, nil
	case "block", "blocking":
		return func(g *graph.Graph) (*completion.Handle, bool) {
			return executor.BlockingSubmit(g), true
		}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q (want submit, until or block)", mode)
	}
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listen := fs.String("listen", "", "Override api.listen")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Listen = *listen
		cfg.API.Enabled = true
	}
	if !cfg.API.Enabled {
		fmt.Fprintln(os.Stderr, "serve: api.enabled is false (set it in the config or pass --listen)")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := startServices(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	logger := log.WithComponent("main")
	logger.Info("conduit starting", "version", version, "config", cfg.Path, "digest", cfg.Digest)

	e, err := executor.GetInstance()
	if err != nil {
		logger.Error("executor unavailable", "error", err)
		rt.close(context.Background())
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	server := api.New(api.Config{
		Listen:       cfg.API.Listen,
		Token:        cfg.API.Token,
		ConfigDigest: cfg.Digest,
	}, e, log.WithComponent("api"))
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	var pruner scheduler.Pruner
	if rt.journal != nil {
		pruner = rt.journal
	}
	sched := scheduler.New(scheduler.FromConfig(cfg), e, pruner, e.Events(), log.Get())
	sched.Start(ctx)

	logger.Info("conduit running (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()

	sched.Stop()
	rt.close(context.Background())
	logger.Info("conduit stopped")
	return code
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	url := fs.String("url", "", "Server base URL")
	token := fs.String("token", "", "Bearer token")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *url == "" || *token == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		if *url == "" {
			*url = "http://" + cfg.API.Listen
		}
		if *token == "" {
			*token = cfg.API.Token
		}
	}

	if err := watch.Run(*url, *token); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

func runJobs(args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("limit", 20, "Entries to list")
	asJSON := fs.Bool("json", false, "Print JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "jobs: at most one work id")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	path := cfg.Journal.Path
	if path == "" {
		fmt.Fprintln(os.Stderr, "jobs: journal.path is not set")
		return 1
	}
	// Reading does not take the lock, so this works next to a live serve.
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}

	ctx := context.Background()
	j, err := journal.Open(ctx, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer j.Close()

	var out string
	switch id := fs.Arg(0); {
	case id != "" && *asJSON:
		out, err = inspect.BuildJSONReport(ctx, j, id)
	case id != "":
		out, err = inspect.BuildReport(ctx, j, id)
	case *asJSON:
		out, err = inspect.BuildJSONSummary(ctx, j, *limit)
	default:
		out, err = inspect.BuildSummary(ctx, j, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	fmt.Print(strings.TrimRight(out, "\n") + "\n")
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: conduit config <check|hash> [--config PATH] [--write]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "hash":
		return runConfigHash(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	format := fs.String("format", "human", "Report format: human or json")
	strict := fs.Bool("strict", false, "Exit 2 when warnings are present")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *format != "human" && *format != "json" {
		fmt.Fprintf(os.Stderr, "Unknown format %q (want human or json)\n", *format)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	if *format == "json" {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Report encode error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		out, err := config.Encode(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Config encode error: %v\n", err)
			return 1
		}
		source := cfg.Path
		if source == "" {
			source = "(defaults)"
		}
		fmt.Printf("# source: %s\n", source)
		if cfg.Digest != "" {
			fmt.Printf("# blake3: %s\n", cfg.Digest)
		}
		fmt.Print(string(out))
		fmt.Fprint(os.Stderr, doctor.FormatHuman(result))
	}

	switch {
	case !result.Valid:
		return 1
	case *strict && len(result.Warnings) > 0:
		return 2
	}
	return 0
}

func runConfigHash(args []string) int {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	write := fs.Bool("write", false, "Write the digest to the .b3 sidecar")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		path = discovered
	}

	if *write {
		sum, err := config.WriteSidecar(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write sidecar: %v\n", err)
			return 1
		}
		fmt.Printf("%s  %s\n", sum, path+config.SidecarSuffix)
		return 0
	}

	sum, err := config.ComputeBlake3Hash(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash config: %v\n", err)
		return 1
	}
	fmt.Printf("%s  %s\n", sum, path)
	return 0
}
