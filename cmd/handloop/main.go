// Command handloop runs the human-in-the-loop orchestration daemon. It
// serves two HTTP surfaces: the orchestrator (chat, callback, history)
// and the desk (query intake and human responses). Both can run in one
// process or be split across two.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/handloop/internal/broker"
	"github.com/basket/handloop/internal/bus"
	"github.com/basket/handloop/internal/config"
	"github.com/basket/handloop/internal/correlator"
	"github.com/basket/handloop/internal/cron"
	"github.com/basket/handloop/internal/desk"
	"github.com/basket/handloop/internal/engine"
	"github.com/basket/handloop/internal/gate"
	"github.com/basket/handloop/internal/gateway"
	otelPkg "github.com/basket/handloop/internal/otel"
	"github.com/basket/handloop/internal/persistence"
	"github.com/basket/handloop/internal/telemetry"
	"github.com/basket/handloop/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=...".
var Version = "dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `handloop - human-in-the-loop agent orchestration daemon

Usage:
  %s [flags]            run the daemon
  %s status             query a running daemon's health
  %s doctor [-json]     run environment diagnostics
  %s help               show this help

Flags:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	loadDotEnv(".env")

	mode := flag.String("mode", "all", "which services to run: orchestrator, desk, or all")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runOrchestrator := *mode == "orchestrator" || *mode == "all"
	runDesk := *mode == "desk" || *mode == "all"
	if !runOrchestrator && !runDesk {
		fmt.Fprintf(os.Stderr, "unknown mode %q (want orchestrator, desk, or all)\n", *mode)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		os.Exit(1)
	}

	pretty := isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, pretty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("starting handloop",
		"version", Version,
		"mode", *mode,
		"config_fingerprint", cfg.Fingerprint(),
	)

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	eventBus := bus.New()

	store, err := persistence.Open(eventBus)
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	serverErr := make(chan error, 2)
	var servers []*http.Server

	if runOrchestrator {
		corr := correlator.New(eventBus, logger)
		provider := engine.NewGenkitProvider(ctx, cfg.LLM)

		gateRegistry := gate.NewRegistry(
			gate.Descriptor{Name: "analyst_agent", Kind: gate.KindAgent, Label: "analyst agent"},
			gate.Descriptor{Name: "query_human", Kind: gate.KindHuman, Label: "human operator"},
		)
		toolRegistry := tools.NewRegistry(
			&tools.AnalystTool{Model: provider.Complete, Store: store, Logger: logger},
			&tools.HumanQueryTool{
				DeskBaseURL: cfg.DeskBaseURL,
				CallbackURL: cfg.CallbackURL(),
				Timeout:     cfg.QueryTimeout(),
				Correlator:  corr,
				Store:       store,
				Logger:      logger,
			},
		)

		gw := gateway.New(gateway.Config{
			Broker: &broker.Broker{
				Provider:     provider,
				Tools:        toolRegistry,
				Gate:         gateRegistry,
				IterationCap: cfg.MaxIterations,
				Logger:       logger,
			},
			Correlator: corr,
			Store:      store,
			Logger:     logger,
			Tracer:     otelProvider.Tracer,
		})

		servers = append(servers, startServer(cfg.BindAddr, gw.Handler(), "orchestrator", logger, serverErr))
	}

	if runDesk {
		deskSrv := desk.New(desk.Config{Store: store, Bus: eventBus, Logger: logger})
		go deskSrv.Run(ctx)

		sweeper, err := cron.NewSweeper(cron.Config{
			Store:     store,
			Logger:    logger,
			Schedule:  sweepSchedule(cfg.Desk.SweepIntervalMinutes),
			Retention: time.Duration(cfg.Desk.RetentionHours) * time.Hour,
		})
		if err != nil {
			logger.Error("sweeper init failed", "error", err)
			os.Exit(1)
		}
		sweeper.Start(ctx)
		defer sweeper.Stop()

		servers = append(servers, startServer(cfg.Desk.BindAddr, deskSrv.Handler(), "desk", logger, serverErr))
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	logger.Info("shutdown complete")
}

func startServer(addr string, handler http.Handler, name string, logger *slog.Logger, errs chan<- error) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	go func() {
		logger.Info(name+" listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	return srv
}

// sweepSchedule converts the configured minute interval to a cron
// expression; out-of-range values fall back to the default schedule.
func sweepSchedule(minutes int) string {
	if minutes < 1 || minutes > 59 {
		return cron.DefaultSchedule
	}
	return fmt.Sprintf("*/%d * * * *", minutes)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
