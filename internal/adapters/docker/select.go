package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// Options configures backend selection.
type Options struct {
	// Backend is "auto", "api" or "cli".
	Backend      string
	DockerBinary string
	StopTimeout  time.Duration
	ProbeTimeout time.Duration
}

// Select probes the available backends once and returns the first usable
// runtime. With Backend "auto" the native API is tried before the CLI.
func Select(ctx context.Context, opts Options, log zerolog.Logger) (ports.ContainerRuntime, error) {
	probe := func(rt ports.ContainerRuntime) error {
		pctx, cancel := context.WithTimeout(ctx, opts.ProbeTimeout)
		defer cancel()
		return rt.Ping(pctx)
	}

	var candidates []func() (ports.ContainerRuntime, error)
	api := func() (ports.ContainerRuntime, error) { return NewAdapter(opts.StopTimeout) }
	cli := func() (ports.ContainerRuntime, error) {
		return NewCLIAdapter(ExecRunner(opts.DockerBinary), opts.StopTimeout), nil
	}
	switch opts.Backend {
	case "api":
		candidates = append(candidates, api)
	case "cli":
		candidates = append(candidates, cli)
	default:
		candidates = append(candidates, api, cli)
	}

	var errs []error
	for _, build := range candidates {
		rt, err := build()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := probe(rt); err != nil {
			log.Debug().Err(err).Str("backend", rt.Name()).Msg("container runtime probe failed")
			errs = append(errs, fmt.Errorf("%s: %w", rt.Name(), err))
			continue
		}
		log.Info().Str("backend", rt.Name()).Msg("container runtime selected")
		return rt, nil
	}
	return nil, fmt.Errorf("%w: %w", domain.ErrRuntimeDisabled, errors.Join(errs...))
}

// DefaultNetwork is the engine's default bridge network.
const DefaultNetwork = "bridge"

// DetectNetwork resolves the network application containers join. A
// configured name is used when it exists; otherwise (or for "auto") the
// first network whose name contains hint wins, then a compose "_default"
// network, then the engine default.
func DetectNetwork(ctx context.Context, rt ports.ContainerRuntime, configured, hint string, log zerolog.Logger) string {
	if configured != "" && configured != "auto" {
		if _, err := rt.InspectNetwork(ctx, configured); err == nil {
			return configured
		}
		log.Warn().Str("network", configured).Msg("configured network does not exist, detecting one")
	}

	nets, err := rt.ListNetworks(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("network detection failed, using default network")
		return DefaultNetwork
	}
	return pickNetwork(nets, hint)
}

func pickNetwork(nets []domain.Network, hint string) string {
	hint = strings.ToLower(hint)
	if hint != "" {
		for _, n := range nets {
			if strings.Contains(strings.ToLower(n.Name), hint) {
				return n.Name
			}
		}
	}
	for _, n := range nets {
		if strings.HasSuffix(n.Name, "_default") {
			return n.Name
		}
	}
	return DefaultNetwork
}
