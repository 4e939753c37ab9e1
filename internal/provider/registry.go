package provider

import (
	"fmt"

	"github.com/daiyosei/cirno-go/internal/config"
)

// Registry holds all configured adapters in configuration order, which
// is also the fallback order.
type Registry struct {
	adapters []*Adapter
}

// NewRegistry builds adapters for every configured provider.
func NewRegistry(cfgs []config.ProviderConfig) *Registry {
	r := &Registry{}
	for _, c := range cfgs {
		r.adapters = append(r.adapters, NewAdapter(c))
	}
	return r
}

// NewRegistryWith wires pre-built adapters; used by tests.
func NewRegistryWith(adapters ...*Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// Candidates returns the adapters able to serve a request, in fallback
// order: when vision is needed only vision-capable providers qualify.
func (r *Registry) Candidates(needVision bool) []*Adapter {
	if !needVision {
		return r.adapters
	}
	var out []*Adapter
	for _, a := range r.adapters {
		if a.Has(config.CapVision) {
			out = append(out, a)
		}
	}
	return out
}

// SearchCapable returns the first provider that can browse the web, or
// an error when none is configured.
func (r *Registry) SearchCapable() (*Adapter, error) {
	for _, a := range r.adapters {
		if a.Has(config.CapSearch) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("no search-capable provider configured")
}
