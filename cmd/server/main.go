package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/thereceipt/printer-link/internal/api"
	"github.com/thereceipt/printer-link/internal/command"
	"github.com/thereceipt/printer-link/internal/config"
	"github.com/thereceipt/printer-link/internal/port"
	"github.com/thereceipt/printer-link/internal/printer"
	"github.com/thereceipt/printer-link/internal/registry"
	"github.com/thereceipt/printer-link/internal/scheduler"
	"github.com/thereceipt/printer-link/internal/tui"
)

// Version is set during build via ldflags
var Version = "dev"

func main() {
	configFile := flag.String("config", "", "path to a config file (yaml, json or toml)")
	withTUI := flag.Bool("tui", false, "show the terminal dashboard")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *withTUI {
		cfg.TUI.Enabled = true
	}

	// with the dashboard up, log lines go to its event panel
	sink := tui.NewLogSink(os.Stderr)
	var log *zap.Logger
	if cfg.TUI.Enabled {
		log, err = cfg.NewLoggerTo(sink)
	} else {
		log, err = cfg.NewLogger()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log, sink); err != nil {
		log.Error("server stopped", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger, sink *tui.LogSink) error {
	log.Info("printer-link starting",
		zap.String("version", Version),
		zap.String("registry", cfg.Registry.Path),
		zap.Int("max_workers", cfg.Scheduler.MaxWorkers))

	book, err := registry.New(cfg.Registry.Path, log)
	if err != nil {
		return fmt.Errorf("failed to open device book: %w", err)
	}

	sched := scheduler.New(cfg.Scheduler.MaxWorkers, log)
	defer sched.Stop()

	bus := printer.NewEventBus(0)
	manager := printer.NewConnectionManager(sched,
		printer.WithLogger(log),
		printer.WithPortFactory(port.NewFactory(cfg.PortOptions())),
		printer.WithEventBus(bus),
		printer.WithDeviceBook(book),
	)
	defer func() {
		if err := manager.CloseAll(); err != nil {
			log.Warn("failed to close some printers", zap.Error(err))
		}
	}()

	jobs := printer.NewJobTracker(manager, log)

	if cfg.Monitor.Enabled {
		monitor := printer.NewMonitor(sched, bus, book, cfg.Monitor.Interval, log)
		monitor.Start()
		defer monitor.Stop()
	}

	server := api.NewServer(manager, jobs, book, log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run(cfg.Server.Addr)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dashDone := make(chan error, 1)
	if cfg.TUI.Enabled {
		dash := tui.NewDashboard(manager, jobs, sched, command.NewExecutor(manager, jobs, book, log), cfg.Server.Addr)
		sink.Attach(dash)
		go func() {
			err := dash.Run(ctx)
			sink.Detach()
			dashDone <- err
		}()
	}

	select {
	case err := <-serverErr:
		return err
	case err := <-dashDone:
		if err != nil {
			log.Warn("dashboard stopped", zap.Error(err))
		}
		log.Info("shutting down")
	case <-ctx.Done():
		log.Info("shutting down", zap.String("reason", "signal"))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	return nil
}
