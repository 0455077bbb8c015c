package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jio-gl/multiguard/pkg/api"
	"github.com/jio-gl/multiguard/pkg/auth"
	"github.com/jio-gl/multiguard/pkg/config"
	"github.com/jio-gl/multiguard/pkg/contracts"
	"github.com/jio-gl/multiguard/pkg/governance"
	"github.com/jio-gl/multiguard/pkg/invoke"
	"github.com/jio-gl/multiguard/pkg/limiter"
	"github.com/jio-gl/multiguard/pkg/notify"
	"github.com/jio-gl/multiguard/pkg/observability"
	"github.com/jio-gl/multiguard/pkg/policy"
	"github.com/jio-gl/multiguard/pkg/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const idempotencyTTL = 24 * time.Hour

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServeCmd(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "check-config":
		return runCheckConfigCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "multiguard %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGreen = "\033[32m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%smultiguard %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sOwners propose. A quorum disposes.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  multiguard <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the governance server (default, --config)")
	printCommand(w, "check-config", "Validate a configuration file (--config)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Every setting can be overridden with %s* environment variables.\n", config.EnvPrefix)
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-14s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// loadConfig parses the shared --config flag.
func loadConfig(name string, args []string, stderr io.Writer) (*config.Config, bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the YAML configuration")
	if err := fs.Parse(args); err != nil {
		return nil, false
	}
	cfg, err := config.Load(*path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	return cfg, true
}

func runCheckConfigCmd(args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig("check-config", args, stderr)
	if !ok {
		return 2
	}
	genesis := cfg.GenesisState()
	_, _ = fmt.Fprintf(stdout, "config OK: %d owners, %d required, deadline %s, storage %s, %d targets, %d policy rules\n",
		len(genesis.Owners), genesis.RequiredApprovals, genesis.ProposalDeadline,
		cfg.Storage.Driver, len(cfg.Targets), len(cfg.Policy))
	return 0
}

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig("serve", args, stderr)
	if !ok {
		return 2
	}
	logger := cfg.Server.Logger(stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := startServer(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	return 0
}

// app is the fully wired process.
type app struct {
	engine  *governance.Engine
	handler http.Handler
	closers []func(context.Context) error
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// buildApp wires storage, targets, policy, notifiers, telemetry, the engine
// and the HTTP stack from cfg. On error everything acquired so far is closed.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	provider, err := observability.New(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.onClose(provider.Shutdown)

	repo, closeRepo, err := store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return closeRepo() })

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.onClose(func(context.Context) error { return rdb.Close() })
	}

	router, err := buildRouter(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	rules, err := policy.New(cfg.Policy)
	if err != nil {
		return nil, err
	}

	journal := store.NewJournal()
	notifiers := notify.Multi{notify.NewJournal(journal), notify.NewLog(logger)}
	if rdb != nil {
		notifiers = append(notifiers, notify.NewRedis(rdb, cfg.Redis.Channel))
	}

	engine, err := governance.Open(ctx, cfg.GenesisState(),
		governance.WithLogger(logger.With("component", "governance")),
		governance.WithSelf(contracts.ParseAddress(cfg.Server.Self)),
		governance.WithRepository(repo),
		governance.WithInvoker(router),
		governance.WithNotifier(notifiers),
		governance.WithAdmission(rules),
		governance.WithTracker(provider),
	)
	if err != nil {
		return nil, err
	}
	a.engine = engine

	var idem api.IdempotencyStore = api.NewMemoryIdempotencyStore(idempotencyTTL)
	if rdb != nil {
		idem = api.NewRedisIdempotencyStore(rdb, "multiguard:idem:", idempotencyTTL)
	}
	srv := api.NewServer(engine,
		api.WithCaller(auth.Caller),
		api.WithJournal(journal),
		api.WithIdempotency(idem),
		api.WithVersion(version),
		api.WithLogger(logger.With("component", "api")),
	)

	handler := srv.Handler()
	if cfg.RateLimit.Enabled {
		var lim limiter.Store = limiter.NewMemory()
		if cfg.RateLimit.Backend == "redis" {
			lim = limiter.NewRedis(rdb, "multiguard:ratelimit:")
		}
		handler = auth.RateLimitMiddleware(lim, cfg.RateLimit.Policy())(handler)
	}
	handler = auth.HeaderMiddleware(cfg.Server.CallerHeader)(handler)
	a.handler = auth.RequestIDMiddleware(handler)

	logger.InfoContext(ctx, "engine ready",
		"owners", len(engine.ListOwners(ctx)),
		"required", engine.Config(ctx).RequiredApprovals,
		"proposals", engine.ProposalCount(ctx),
		"storage", cfg.Storage.Driver,
		"targets", len(router.Targets()),
		"policy_rules", rules.Len(),
	)
	return a, nil
}

// buildRouter registers one invoker per configured target.
func buildRouter(ctx context.Context, cfg *config.Config, a *app) (*invoke.Router, error) {
	router := invoke.NewRouter()
	var wasm *invoke.WasmInvoker
	for _, t := range cfg.Targets {
		addr := contracts.ParseAddress(t.Address)
		switch t.Kind {
		case "http":
			var opts []invoke.HTTPOption
			if t.RPS > 0 {
				opts = append(opts, invoke.WithRateLimit(t.RPS, t.Burst))
			}
			if t.Timeout > 0 {
				opts = append(opts, invoke.WithHTTPClient(&http.Client{Timeout: t.Timeout}))
			}
			router.Route(addr, invoke.NewHTTPInvoker(t.Endpoint, opts...))
		case "wasm":
			if wasm == nil {
				var err error
				wasm, err = invoke.NewWasmInvoker(ctx, invoke.WasmConfig{
					MemoryLimitBytes: cfg.Wasm.MemoryLimitBytes,
					Timeout:          cfg.Wasm.Timeout,
				})
				if err != nil {
					return nil, err
				}
				a.onClose(func(context.Context) error { return wasm.Close() })
			}
			module, err := os.ReadFile(t.Module)
			if err != nil {
				return nil, fmt.Errorf("target %s: %w", t.Address, err)
			}
			if err := wasm.Register(ctx, addr, module); err != nil {
				return nil, err
			}
			router.Route(addr, wasm)
		}
	}
	return router, nil
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Listen, "version", version)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
