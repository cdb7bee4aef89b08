package main

import (
	"context"
	"net/url"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/melih/lighthouse/internal/adapters/badger"
	"github.com/melih/lighthouse/internal/adapters/builder"
	"github.com/melih/lighthouse/internal/adapters/docker"
	lnats "github.com/melih/lighthouse/internal/adapters/nats"
	"github.com/melih/lighthouse/internal/adapters/nginx"
	"github.com/melih/lighthouse/internal/adapters/probe"
	"github.com/melih/lighthouse/internal/adapters/vault"
	"github.com/melih/lighthouse/internal/config"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/core/services"
	"github.com/melih/lighthouse/internal/logging"
)

// platform holds every wired component of a running instance.
type platform struct {
	broker *lnats.EmbeddedServer
	nc     *nats.Conn
	queue  *lnats.Client
	store  *badger.Store
	rt     ports.ContainerRuntime
	routes *nginx.Manager

	life  *services.Lifecycle
	jobs  *services.Jobs
	recon *services.Reconciler
	maint *services.Maintenance
	apps  *services.Apps
}

func queueConfig(c config.QueueConfig) lnats.Config {
	return lnats.Config{
		Stream:           c.Stream,
		HeavyQueue:       c.HeavyQueue,
		MaintenanceQueue: c.MaintenanceQueue,
		ResultBucket:     c.ResultBucket,
		ResultTTL:        c.ResultTTL,
		RetryDelay:       c.RetryDelay,
		MaxRetries:       c.MaxRetries,
		AckWait:          c.AckWait,
	}
}

// connectQueue dials the broker, starting the embedded one first when asked.
func connectQueue(ctx context.Context, c config.QueueConfig, embedded bool) (*lnats.EmbeddedServer, *nats.Conn, *lnats.Client, error) {
	brokerURL := c.URL
	var broker *lnats.EmbeddedServer
	if embedded {
		opts := lnats.ServerOptions{Host: "127.0.0.1", Port: -1, StoreDir: c.StoreDir}
		if u, err := url.Parse(c.URL); err == nil && u.Port() != "" {
			opts.Host = u.Hostname()
			opts.Port, _ = strconv.Atoi(u.Port())
		}
		var err error
		broker, err = lnats.NewEmbeddedServer(opts)
		if err != nil {
			return nil, nil, nil, err
		}
		brokerURL = broker.ClientURL()
	}

	nc, err := lnats.Connect(brokerURL)
	if err != nil {
		if broker != nil {
			broker.Shutdown()
		}
		return nil, nil, nil, err
	}
	client, err := lnats.NewClient(ctx, nc, queueConfig(c), logging.With("queue"))
	if err != nil {
		nc.Close()
		if broker != nil {
			broker.Shutdown()
		}
		return nil, nil, nil, err
	}
	return broker, nc, client, nil
}

func openVault(path string, log zerolog.Logger) (*vault.Vault, error) {
	if path == "" {
		log.Warn().Msg("vault.identity_file not set; stored credentials will not survive a restart")
		return vault.Ephemeral()
	}
	return vault.LoadOrCreate(path)
}

// newPlatform wires the store, runtime, proxy and services around an
// already connected queue.
func newPlatform(ctx context.Context, cfg *config.Config) (_ *platform, err error) {
	log := logging.Logger()
	p := &platform{}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	p.broker, p.nc, p.queue, err = connectQueue(ctx, cfg.Queue, cfg.Queue.Embedded)
	if err != nil {
		return nil, err
	}

	v, err := openVault(cfg.Vault.IdentityFile, log)
	if err != nil {
		return nil, err
	}
	storeLog := logging.With("store")
	p.store, err = badger.Open(badger.Options{Path: cfg.Store.Path, InMemory: cfg.Store.InMemory, Logger: &storeLog}, v)
	if err != nil {
		return nil, err
	}

	p.rt, err = docker.Select(ctx, docker.Options{
		Backend:      cfg.Runtime.Backend,
		DockerBinary: cfg.Runtime.DockerBinary,
		StopTimeout:  cfg.Runtime.StopTimeout,
		ProbeTimeout: cfg.Runtime.ProbeTimeout,
	}, logging.With("runtime"))
	if err != nil {
		return nil, err
	}
	network := docker.DetectNetwork(ctx, p.rt, cfg.Network.Name, cfg.Network.Hint, log)

	ctl := nginx.NewController(p.rt, cfg.Nginx.Container, cfg.Nginx.CommandTimeout, logging.With("nginx"))
	p.routes = nginx.NewManager(cfg.Nginx.ConfigDir, ctl, p.rt, []string{cfg.Network.FallbackUpstreamHost}, logging.With("routes"))

	p.life = services.NewLifecycle(p.rt, builder.NewCloner("", logging.With("git")), builder.NewSynthesizer(), p.store, p.store,
		services.LifecycleConfig{
			Platform:             cfg.Runtime.Platform,
			Network:              network,
			FallbackHostPort:     cfg.Network.FallbackHostPort,
			FallbackUpstreamHost: cfg.Network.FallbackUpstreamHost,
			BuildTimeout:         cfg.Runtime.BuildTimeout,
			OrphanRemovalRate:    cfg.Maintenance.OrphanRemovalRate,
		}, log)
	p.jobs = services.NewJobs(p.life, p.store, p.routes, p.queue, logging.With("jobs"))
	p.recon = services.NewReconciler(p.rt, p.store, p.routes, probe.New(cfg.Reconcile.ProbeTimeout),
		services.ReconcilerConfig{ProbeTimeout: cfg.Reconcile.ProbeTimeout, Concurrency: cfg.Reconcile.Concurrency},
		logging.With("reconcile"))
	p.maint = services.NewMaintenance(p.life, p.store, p.routes, p.recon, cfg.Maintenance.DaysToKeep, log)
	p.apps = services.NewApps(p.store, p.store, p.queue, p.life, logging.With("apps"))

	log.Info().
		Str("runtime", p.rt.Name()).
		Str("network", network).
		Str("broker", p.nc.ConnectedUrlRedacted()).
		Msg("platform ready")
	return p, nil
}

// Close releases resources in reverse order of acquisition.
func (p *platform) Close() {
	if p.queue != nil {
		if err := p.queue.Close(); err != nil {
			logging.Warn().Err(err).Msg("failed to drain broker connection")
		}
	} else if p.nc != nil {
		p.nc.Close()
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			logging.Error().Err(err).Msg("failed to close store")
		}
	}
	if p.broker != nil {
		p.broker.Shutdown()
	}
}
