// Package network holds the named chains the planner knows how to query.
// A profile supplies the chain id the explorer API needs, so callers can
// say "sepolia" instead of looking numbers up.
package network

// DefaultExplorerURL is the Etherscan v2 multichain endpoint. One key works
// for every chain; the chain is chosen with the chainid parameter.
const DefaultExplorerURL = "https://api.etherscan.io/v2/api"

// Profile describes a chain.
type Profile struct {
	// Name is the canonical identifier (e.g. "mainnet", "base").
	Name string

	// ChainID is the EIP-155 chain id.
	ChainID uint64

	// ExplorerURL is the Etherscan-compatible API endpoint.
	ExplorerURL string

	// L2 marks rollups whose blocks carry system deposit transactions.
	L2 bool
}

// String returns the profile name.
func (p *Profile) String() string {
	if p == nil {
		return "unknown"
	}
	return p.Name
}
