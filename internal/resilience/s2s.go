package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

var _ s2s.Provider = (*Provider)(nil)

// Provider implements [s2s.Provider] with failover across several remote
// endpoints. Each endpoint has its own circuit breaker. Only the handshake is
// protected: once Connect returns, the session owns the connection and a
// later disconnect ends the session as usual.
type Provider struct {
	primary s2s.Provider
	group   *FallbackGroup[s2s.Provider]
	active  atomic.Pointer[string]
}

// NewProvider creates a [Provider] with primary as the preferred endpoint.
func NewProvider(primary s2s.Provider, cfg FallbackConfig) *Provider {
	return &Provider{
		primary: primary,
		group:   NewFallbackGroup(primary.Name(), primary, cfg),
	}
}

// AddFallback registers p to be tried after the endpoints added before it.
func (p *Provider) AddFallback(fallback s2s.Provider) {
	p.group.AddFallback(fallback.Name(), fallback)
}

// Name implements [s2s.Provider]. It reports the primary endpoint's name so
// metric and log labels stay stable across failovers; see [Provider.Active].
func (p *Provider) Name() string { return p.primary.Name() }

// Active returns the name of the endpoint that served the last successful
// Connect, or "" before the first one.
func (p *Provider) Active() string {
	if n := p.active.Load(); n != nil {
		return *n
	}
	return ""
}

// Connect implements [s2s.Provider] by trying each healthy endpoint in order.
// The returned error keeps the last endpoint's error in its chain, so
// [s2s.ErrHandshakeFailed] remains detectable with [errors.Is].
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Conn, error) {
	conn, name, err := ExecuteWithResult(ctx, p.group, func(sp s2s.Provider) (s2s.Conn, error) {
		return sp.Connect(ctx, cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: connect: %w", err)
	}
	p.active.Store(&name)
	return conn, nil
}

// States returns each endpoint's breaker state keyed by provider name.
func (p *Provider) States() map[string]State { return p.group.States() }

// Check is a readiness probe: it fails while every endpoint's breaker is
// open, i.e. while a new session could not even attempt a handshake.
func (p *Provider) Check(context.Context) error {
	if p.group.Available() {
		return nil
	}
	return errors.New("all remote endpoints have an open circuit breaker")
}
