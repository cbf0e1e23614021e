package notify

import (
	"context"
	"errors"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

// ErrPermanent marks a provider rejection caused by the request itself, such as
// an invalid recipient. It does not count against the provider's health.
var ErrPermanent = errors.New("permanent provider rejection")

// Guarded wraps a provider with one circuit breaker per channel, so a failing
// push route does not stop WhatsApp delivery through the same gateway
type Guarded struct {
	Provider
	breakers *circuitbreaker.Manager
}

// NewGuarded wraps p with breakers named provider:channel from the manager
func NewGuarded(p Provider, breakers *circuitbreaker.Manager) *Guarded {
	return &Guarded{Provider: p, breakers: breakers}
}

// DefaultBreakerConfig is the per-channel breaker template used by the binaries
func DefaultBreakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig("")
	cfg.Ignore = func(err error) bool {
		return errors.Is(err, ErrPermanent) || errors.Is(err, ErrUnsupportedChannel)
	}
	return cfg
}

// Send implements Provider
func (g *Guarded) Send(ctx context.Context, contact string, channel reminder.Channel, msg reminder.Message) (string, error) {
	cb, err := g.breakers.Get(g.Provider.Name() + ":" + string(channel))
	if err != nil {
		return g.Provider.Send(ctx, contact, channel, msg)
	}
	return circuitbreaker.Call(ctx, cb, func(ctx context.Context) (string, error) {
		return g.Provider.Send(ctx, contact, channel, msg)
	})
}
