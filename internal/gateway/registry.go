package gateway

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sambitmohanty1/rentpay/internal/config"
)

// Registry holds the configured gateways by provider name. One of them is
// active for new card payments; all of them accept webhooks.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	active   string
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]Gateway)}
}

// Register adds g. The first registered gateway becomes active.
func (r *Registry) Register(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.ProviderName()] = g
	if r.active == "" {
		r.active = g.ProviderName()
	}
}

func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gateways[name]; !ok {
		return fmt.Errorf("gateway %q is not registered", name)
	}
	r.active = name
	return nil
}

// Active returns the gateway new card payments go through, or nil.
func (r *Registry) Active() Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gateways[r.active]
}

func (r *Registry) Get(name string) (Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[name]
	return g, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromConfig registers every gateway that has credentials, wrapped in the
// rate limiter, and activates cfg.Gateway.Provider. Provider "none" leaves
// the registry without an active gateway.
func FromConfig(cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	reg := NewRegistry()

	if cfg.Stripe.SecretKey != "" {
		reg.Register(NewLimited(NewStripe(cfg.Stripe, cfg.Gateway.Currency, nil, logger), cfg.Gateway.RatePerSecond, cfg.Gateway.Burst))
	}
	if cfg.PayPal.ClientID != "" {
		pp, err := NewPayPal(cfg.PayPal, cfg.Gateway.Currency, "", logger)
		if err != nil {
			return nil, err
		}
		reg.Register(NewLimited(pp, cfg.Gateway.RatePerSecond, cfg.Gateway.Burst))
	}

	switch cfg.Gateway.Provider {
	case "", "none":
		reg.mu.Lock()
		reg.active = ""
		reg.mu.Unlock()
	default:
		if err := reg.SetActive(cfg.Gateway.Provider); err != nil {
			logger.Warn("Configured payment gateway has no credentials, card payments will settle without a gateway",
				zap.String("provider", cfg.Gateway.Provider))
			reg.mu.Lock()
			reg.active = ""
			reg.mu.Unlock()
		}
	}
	return reg, nil
}
