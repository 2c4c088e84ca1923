// Command voicekitd runs the voice session runtime: the device gateway,
// wake arbitration, the accelerator scheduler and its watchdog, session
// management and the metrics exporter, wired against an accelerator worker
// sidecar and an intent service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AuralisLabs/voicekit/config"
	"github.com/AuralisLabs/voicekit/events"
	"github.com/AuralisLabs/voicekit/health"
	"github.com/AuralisLabs/voicekit/logger"
	promexporter "github.com/AuralisLabs/voicekit/metrics/prometheus"
	"github.com/AuralisLabs/voicekit/orchestrator"
	"github.com/AuralisLabs/voicekit/scheduler"
	"github.com/AuralisLabs/voicekit/session"
	"github.com/AuralisLabs/voicekit/statestore"
	"github.com/AuralisLabs/voicekit/telemetry"
	"github.com/AuralisLabs/voicekit/transport"
	"github.com/AuralisLabs/voicekit/version"
	"github.com/AuralisLabs/voicekit/wake"
	"github.com/AuralisLabs/voicekit/worker"
)

const (
	shutdownTimeout   = 10 * time.Second
	gaugePollInterval = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		logger.Error("voicekitd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML configuration")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetVersionInfo())
		return nil
	}

	logger.SetVerbose(*verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	bus.SubscribeAll(promexporter.NewMetricsListener().Listener())

	if cfg.Telemetry.OTLPEndpoint != "" {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		telemetry.SetupPropagation()
		bus.SubscribeAll(telemetry.NewOTelEventListener(telemetry.Tracer(tp)).OnEvent)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	store := newStateStore(cfg.StateStore)
	manager := session.NewManager(cfg.Session, bus, store)

	workerClient := worker.NewClient(cfg.Worker)
	intentClient := worker.NewIntentClient(cfg.Intent)

	sched := scheduler.New(cfg.Accelerator, workerClient, workerClient, bus)
	watchdog := health.NewWatchdog(cfg.Accelerator, workerClient, workerClient, sched, bus)
	arbitrator := wake.NewArbitrator(cfg.Wake, bus)
	defer arbitrator.Close()

	gateway := transport.NewGateway(cfg.Transport, manager, arbitrator, store)
	orch := orchestrator.New(cfg, sched, intentClient, intentClient, manager, gateway, bus)
	gateway.Bind(orch)

	exporter := promexporter.NewExporter(cfg.Transport.MetricsAddr)

	go sched.Run(ctx)
	go manager.Run(ctx)
	go watchdog.Run(ctx)
	go pollGauges(ctx, sched, watchdog)

	serveErr := make(chan error, 2)
	go func() {
		if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("metrics exporter: %w", err)
		}
	}()
	go func() {
		if err := gateway.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("gateway: %w", err)
		}
	}()

	startAttrs := append(version.GetBuildInfo(),
		"gateway_addr", cfg.Transport.GatewayAddr,
		"metrics_addr", cfg.Transport.MetricsAddr,
		"worker_url", cfg.Worker.BaseURL,
	)
	logger.Info("voicekit runtime started", startAttrs...)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown failed", "error", err)
	}
	if err := exporter.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics exporter shutdown failed", "error", err)
	}
	return nil
}

// newStateStore selects the snapshot backend: Redis when an address is
// configured, in-process memory otherwise.
func newStateStore(cfg config.StateStoreConfig) statestore.Store {
	if cfg.RedisAddr == "" {
		return statestore.NewMemoryStore(statestore.WithMemoryTTL(cfg.TTL))
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return statestore.NewRedisStore(client,
		statestore.WithPrefix(cfg.KeyPrefix),
		statestore.WithTTL(cfg.TTL),
	)
}

// pollGauges mirrors scheduler queue depths and the latest accelerator
// health sample into the Prometheus gauges.
func pollGauges(ctx context.Context, sched *scheduler.Scheduler, watchdog *health.Watchdog) {
	ticker := time.NewTicker(gaugePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for priority, depth := range sched.QueueDepths() {
				promexporter.SetTaskQueueDepth(priority.String(), depth)
			}
			if window := watchdog.Window(); len(window) > 0 {
				latest := window[len(window)-1]
				promexporter.SetAcceleratorHealth(latest.MemoryPct, latest.TemperatureC, latest.UtilizationPct)
			}
		}
	}
}
