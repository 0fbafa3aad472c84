// Package registry resolves the configured (network, asset) pairs into an
// immutable catalogue at startup. Request-time code only reads it.
package registry

import (
	"fmt"
	"strings"

	"github.com/tomu-sh/x402-stream/internal/config"
	"github.com/tomu-sh/x402-stream/internal/x402"
)

// ChainParams is everything needed to validate and submit against one network.
type ChainParams struct {
	Network      string
	ChainID      int64
	Asset        string // canonical USDC deployment
	AssetName    string // EIP-712 domain name
	AssetVersion string // EIP-712 domain version
	RPCURL       string
}

// knownChains is the static table of chains this build understands. Activation
// still requires a configured RPC endpoint.
var knownChains = map[string]ChainParams{
	"base": {
		Network: "base", ChainID: 8453,
		Asset:     "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		AssetName: "USD Coin", AssetVersion: "2",
	},
	"base-sepolia": {
		Network: "base-sepolia", ChainID: 84532,
		Asset:     "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		AssetName: "USDC", AssetVersion: "2",
	},
	"polygon": {
		Network: "polygon", ChainID: 137,
		Asset:     "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		AssetName: "USD Coin", AssetVersion: "2",
	},
	"polygon-amoy": {
		Network: "polygon-amoy", ChainID: 80002,
		Asset:     "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		AssetName: "USDC", AssetVersion: "2",
	},
	"avalanche": {
		Network: "avalanche", ChainID: 43114,
		Asset:     "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		AssetName: "USD Coin", AssetVersion: "2",
	},
	"avalanche-fuji": {
		Network: "avalanche-fuji", ChainID: 43113,
		Asset:     "0x5425890298aed601595a70AB815c96711a31Bc65",
		AssetName: "USD Coin", AssetVersion: "2",
	},
}

// Registry is the immutable set of active networks. Built once by New.
type Registry struct {
	chains map[string]ChainParams
	kinds  []x402.SupportedKind
}

// New keeps every configured network that both appears in the known-chain
// table and has an RPC endpoint. Unknown networks are an error; a known
// network without an endpoint is simply unlisted.
func New(cfg *config.FacilitatorConfig) (*Registry, error) {
	r := &Registry{chains: make(map[string]ChainParams)}
	for _, network := range cfg.NetworkList() {
		params, ok := knownChains[network]
		if !ok {
			return nil, fmt.Errorf("unknown network %q", network)
		}
		url, ok := cfg.RPCURLs[network]
		if !ok {
			continue
		}
		params.RPCURL = url
		r.chains[network] = params
		r.kinds = append(r.kinds, x402.SupportedKind{
			X402Version: x402.Version,
			Scheme:      x402.SchemeExact,
			Network:     network,
			Asset:       params.Asset,
		})
	}
	return r, nil
}

// Supported returns the active (scheme, network, asset) triples verbatim.
func (r *Registry) Supported() []x402.SupportedKind {
	out := make([]x402.SupportedKind, len(r.kinds))
	copy(out, r.kinds)
	return out
}

// Lookup resolves chain parameters for a (network, asset) pair. The asset
// comparison is case-insensitive (EIP-55 checksums vary across clients).
func (r *Registry) Lookup(network, asset string) (ChainParams, bool) {
	params, ok := r.chains[network]
	if !ok {
		return ChainParams{}, false
	}
	if !strings.EqualFold(params.Asset, asset) {
		return ChainParams{}, false
	}
	return params, true
}

// Params returns the chain parameters of an active network.
func (r *Registry) Params(network string) (ChainParams, bool) {
	params, ok := r.chains[network]
	return params, ok
}

// Active reports whether a network is configured, regardless of asset.
func (r *Registry) Active(network string) bool {
	_, ok := r.chains[network]
	return ok
}

// Networks lists the active network ids.
func (r *Registry) Networks() []string {
	out := make([]string, 0, len(r.chains))
	for n := range r.chains {
		out = append(out, n)
	}
	return out
}
