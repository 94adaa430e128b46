package commands

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blikh/proxyfleet/internal/abuse"
	"github.com/blikh/proxyfleet/internal/billing"
	"github.com/blikh/proxyfleet/internal/config"
	"github.com/blikh/proxyfleet/internal/cron"
	"github.com/blikh/proxyfleet/internal/ledger"
	"github.com/blikh/proxyfleet/internal/nodesync"
	"github.com/blikh/proxyfleet/internal/proxyconf"
	"github.com/blikh/proxyfleet/internal/service"
	"github.com/blikh/proxyfleet/internal/usage"
	"github.com/blikh/proxyfleet/internal/xray"
)

func Run(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "configs/fleet.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.ParseLogLevel()}))
	logger.Info("starting fleet daemon", "node", cfg.NodeID)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if obs := cfg.ObservabilityHTTP; obs.Addr != "" {
		mux := http.NewServeMux()
		if obs.Pprof {
			// Re-register pprof handlers on our mux (net/http/pprof init registers on DefaultServeMux).
			mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		}
		if obs.Metrics {
			mux.Handle("/metrics", promhttp.Handler())
		}
		srv := &http.Server{Addr: obs.Addr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		go func() {
			logger.Info("starting observability server", "addr", obs.Addr, "pprof", obs.Pprof, "metrics", obs.Metrics)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("observability server failed", "err", err)
			}
		}()
	}

	store, err := ledger.Open(cfg.LedgerDB, logger)
	if err != nil {
		logger.Error("failed to open ledger", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	mutator := proxyconf.NewMutator(cfg.ProxyConfig, logger)
	restart := &service.RestartSignal{}
	svc := service.NewCommandController(cfg.RestartCommand, logger)
	stats := xray.NewCommand(cfg.Stats.Binary, cfg.Stats.APIServer,
		time.Duration(cfg.Stats.Timeout)*time.Second, logger)

	coordinator := nodesync.NewCoordinator(store, mutator, cfg.NodeID,
		time.Duration(cfg.Sync.PeerTimeout)*time.Second,
		time.Duration(cfg.Abuse.PeerTimeout)*time.Second,
		restart, logger)

	aggregator := usage.NewAggregator(cfg.AccessLog, cfg.NodeID, store, logger)

	jobs := []cron.Job{
		abuse.NewDetector(cfg.AccessLog, store, mutator, coordinator,
			time.Duration(cfg.Abuse.WindowMinutes)*time.Minute,
			cfg.Abuse.MaxConnections, cfg.Abuse.RoutingTag, cfg.Abuse.Reactivate,
			restart, logger),
		billing.NewEnforcer(mutator, aggregator, store,
			cfg.Billing.DefaultExpireDays, cfg.Abuse.RoutingTag, restart, logger),
		usage.NewDailyAggregator(cfg.AccessLog, store, logger),
		billing.NewCounter(stats, mutator, store, cfg.NodeID, logger),
	}

	orchestrator := cron.New(jobs,
		time.Duration(cfg.Cron.Interval)*time.Second,
		time.Duration(cfg.Cron.Timeout)*time.Second,
		time.Duration(cfg.Cron.Watchdog)*time.Second,
		restart, svc, logger)

	if cfg.Sync.Listen != "" {
		server := nodesync.NewServer(cfg.Sync.Listen, cfg.Sync.APIKey, store, mutator, logger)
		go func() {
			if err := server.Run(ctx); err != nil {
				logger.Error("sync api failed", "err", err)
				cancel()
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Sync.Interval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := coordinator.Run(ctx); err != nil {
					logger.Error("sync round failed", "err", err)
				}
			}
		}
	}()

	if err := orchestrator.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("cron loop failed", "err", err)
		os.Exit(1)
	}
	logger.Info("shutting down")
}
