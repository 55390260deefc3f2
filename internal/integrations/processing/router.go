package processing

import (
	"fmt"

	"github.com/Dan9191/card-gateway/internal/models"
	"github.com/Dan9191/card-gateway/internal/utils"
)

// Registry holds one adapter per network
type Registry struct {
	adapters map[Network]Adapter
}

// NewRegistry registers adapters by their network
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Network]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Network()] = a
	}
	return r
}

// Get returns the adapter of a network
func (r *Registry) Get(n Network) (Adapter, bool) {
	a, ok := r.adapters[n]
	return a, ok
}

// Route is the processing decision for a card
type Route struct {
	Network  Network
	BankName string
	Adapter  Adapter
	TestMode bool
}

// Router selects the adapter for a PAN
type Router struct {
	bins        *BinRegistry
	registry    *Registry
	testPattern string
}

// NewRouter initializes a router. PANs whose mask matches testPattern go to the sandbox adapter.
func NewRouter(bins *BinRegistry, registry *Registry, testPattern string) *Router {
	return &Router{bins: bins, registry: registry, testPattern: testPattern}
}

// Resolve picks the network and bank for a PAN. It fails closed with ErrUnknownBin.
func (r *Router) Resolve(pan string) (*Route, error) {
	if utils.MatchMask(utils.MaskPan(pan), r.testPattern) {
		if a, ok := r.registry.Get(Sandbox); ok {
			return &Route{Network: Sandbox, BankName: "Test Bank", Adapter: a, TestMode: true}, nil
		}
	}

	entry, ok := r.bins.Lookup(pan)
	if !ok {
		return nil, fmt.Errorf("failed to route card %s: %w", utils.MaskPan(pan), models.ErrUnknownBin)
	}
	return r.ForNetwork(entry.Network, entry.Bank)
}

// ForNetwork returns the route of an already enrolled card
func (r *Router) ForNetwork(n Network, bankName string) (*Route, error) {
	a, ok := r.registry.Get(n)
	if !ok {
		return nil, fmt.Errorf("no adapter for network %s: %w", n, models.ErrUnknownBin)
	}
	return &Route{Network: n, BankName: bankName, Adapter: a, TestMode: n == Sandbox}, nil
}
