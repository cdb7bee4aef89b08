package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/melih/lighthouse/internal/adapters/badger"
	lhttp "github.com/melih/lighthouse/internal/adapters/http"
	"github.com/melih/lighthouse/internal/config"
	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/services"
	"github.com/melih/lighthouse/internal/logging"
	"github.com/melih/lighthouse/internal/supervisor"
)

const storeGCInterval = 10 * time.Minute

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPlatform(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	tree := supervisor.NewTree(logging.Logger(), supervisor.DefaultTreeConfig())
	tree.AddMessagingService(badger.NewGCService(p.store, storeGCInterval, logging.With("store")))

	if !noWorkers {
		tree.AddWorkerService(p.queue.NewWorker(cfg.Queue.HeavyQueue, cfg.Queue.HeavyWorkers, p.jobs.Handlers()))
		tree.AddWorkerService(p.queue.NewWorker(cfg.Queue.MaintenanceQueue, cfg.Queue.MaintWorkers, p.maint.Handlers()))
		if cfg.Maintenance.Enabled {
			tree.AddWorkerService(services.NewScheduler(p.queue, schedules(cfg.Maintenance), logging.With("scheduler")))
		}
	}

	if !noAPI {
		var proxy *lhttp.ProxyHandler
		if cfg.Server.ProxyDomain != "" {
			proxy = lhttp.NewProxyHandler(p.routes, cfg.Server.ProxyDomain)
		}
		tree.AddAPIService(lhttp.NewServer(lhttp.ServerOptions{
			Addr:         cfg.Server.Addr,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
			lhttp.NewAppHandler(p.apps, p.recon, p.routes),
			lhttp.NewOpsHandler(p.life, p.maint, p.routes),
			proxy, p.rt, logging.With("http")))
	}

	logging.Info().Bool("api", !noAPI).Bool("workers", !noWorkers).Msg("lighthouse starting")
	err = tree.Serve(ctx)
	if unstopped, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("services did not stop in time")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("lighthouse stopped")
	return nil
}

// schedules turns the maintenance intervals into scheduler entries.
func schedules(m config.MaintenanceConfig) []services.Schedule {
	return []services.Schedule{
		{Type: domain.JobCleanup, Every: m.CleanupInterval, Payload: domain.MaintenancePayload{}},
		{Type: domain.JobHealthCheck, Every: m.HealthCheckInterval, Payload: domain.MaintenancePayload{}},
		{Type: domain.JobLogRotation, Every: m.LogRotationInterval, Payload: domain.MaintenancePayload{DaysToKeep: m.DaysToKeep}},
		{Type: domain.JobReconcile, Every: m.ReconcileInterval, Payload: domain.ReconcilePayload{Fix: true}},
	}
}
