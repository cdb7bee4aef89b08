package nginx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// errRejected marks a command that ran but exited non-zero. It does not
// count as a breaker failure: the proxy is reachable, the config is bad.
var errRejected = errors.New("command rejected")

// Controller drives the nginx process by exec'ing into its container.
type Controller struct {
	rt        ports.ContainerRuntime
	container string
	timeout   time.Duration
	cb        *gobreaker.CircuitBreaker[string]
}

// NewController returns a ProxyController for the named nginx container.
// Five consecutive exec failures open the breaker for 30s.
func NewController(rt ports.ContainerRuntime, container string, timeout time.Duration, log zerolog.Logger) *Controller {
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "nginx-exec",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return &Controller{rt: rt, container: container, timeout: timeout, cb: cb}
}

func (c *Controller) exec(ctx context.Context, op string, cmd ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.cb.Execute(func() (string, error) {
		out, code, err := c.rt.Exec(ctx, c.container, cmd)
		if err != nil {
			return out, err
		}
		if code != 0 {
			return out, fmt.Errorf("%w: %s exited with %d", errRejected, strings.Join(cmd, " "), code)
		}
		return out, nil
	})
	if err == nil {
		return out, nil
	}

	pe := domain.E(domain.KindProxy, op, err)
	pe.Output = strings.TrimSpace(out)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		pe.Detail = "proxy container unavailable"
	}
	return out, pe
}

// Test runs `nginx -t`.
func (c *Controller) Test(ctx context.Context) (string, error) {
	return c.exec(ctx, "nginx test", "nginx", "-t")
}

// Reload runs `nginx -s reload`.
func (c *Controller) Reload(ctx context.Context) error {
	_, err := c.exec(ctx, "nginx reload", "nginx", "-s", "reload")
	return err
}
