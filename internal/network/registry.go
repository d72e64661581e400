package network

import (
	"sort"
	"sync"
)

// Registry holds network profiles by name and by chain id.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Profile
	byChain map[uint64]*Profile
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*Profile),
		byChain: make(map[uint64]*Profile),
	}
}

// Register adds or replaces a profile. An empty ExplorerURL is set to
// DefaultExplorerURL.
func (r *Registry) Register(p *Profile) {
	if p == nil {
		return
	}
	if p.ExplorerURL == "" {
		p.ExplorerURL = DefaultExplorerURL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[p.Name] = p
	r.byChain[p.ChainID] = p
}

// Alias makes name resolve to an already registered profile.
func (r *Registry) Alias(name, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byName[target]; ok {
		r.byName[name] = p
	}
}

// Get retrieves a profile by name. Returns nil if not found.
func (r *Registry) Get(name string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// ByChainID retrieves a profile by chain id. Returns nil if not found.
func (r *Registry) ByChainID(id uint64) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byChain[id]
}

// Names returns every registered name, aliases included, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry pre-populated with well-known chains.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, p := range []*Profile{
		{Name: "mainnet", ChainID: 1},
		{Name: "sepolia", ChainID: 11155111},
		{Name: "holesky", ChainID: 17000},
		{Name: "optimism", ChainID: 10, L2: true},
		{Name: "base", ChainID: 8453, L2: true},
		{Name: "arbitrum", ChainID: 42161, L2: true},
		{Name: "polygon", ChainID: 137},
	} {
		r.Register(p)
	}
	r.Alias("ethereum", "mainnet")
	return r
}
