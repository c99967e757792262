package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Asset describes one token deployment on a chain. TickerHash is the
// cross-chain identity of the token: the same logical token carries the same
// ticker hash on every chain.
type Asset struct {
	Address          common.Address
	Symbol           string
	Decimals         uint8
	TickerHash       common.Hash
	IsNative         bool
	BalanceThreshold *big.Int
}

// Chain describes one configured chain: its RPC endpoints, the owner address
// whose inventory is managed, and the asset catalog.
type Chain struct {
	ID        uint64
	Name      string
	Providers []string
	Owner     common.Address
	Assets    []Asset
}

// Registry is the read-only per-chain asset catalog.
type Registry struct {
	chains map[uint64]Chain
}

type assetYAML struct {
	Address          string `yaml:"address"`
	Symbol           string `yaml:"symbol"`
	Decimals         uint8  `yaml:"decimals"`
	TickerHash       string `yaml:"ticker_hash"`
	IsNative         bool   `yaml:"native"`
	BalanceThreshold string `yaml:"balance_threshold"`
}

type chainYAML struct {
	ID        uint64      `yaml:"id"`
	Name      string      `yaml:"name"`
	Providers []string    `yaml:"providers"`
	Owner     string      `yaml:"owner"`
	Assets    []assetYAML `yaml:"assets"`
}

type registryYAML struct {
	Chains []chainYAML `yaml:"chains"`
}

// LoadRegistry reads and validates the chain registry file. Every problem in
// the file is reported in one aggregated error.
func LoadRegistry(path string) (*Registry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chains file: %w", err)
	}
	defer file.Close()

	raw := registryYAML{}
	if err := yaml.NewDecoder(file).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode chains file: %w", err)
	}
	return buildRegistry(raw)
}

func buildRegistry(raw registryYAML) (*Registry, error) {
	var problems []error
	chains := make(map[uint64]Chain, len(raw.Chains))
	for _, rc := range raw.Chains {
		if rc.ID == 0 {
			problems = append(problems, fmt.Errorf("chain %q: id required", rc.Name))
			continue
		}
		if _, dup := chains[rc.ID]; dup {
			problems = append(problems, fmt.Errorf("chain %d: duplicate id", rc.ID))
			continue
		}
		if len(rc.Providers) == 0 {
			problems = append(problems, fmt.Errorf("chain %d: at least one provider required", rc.ID))
		}
		owner, err := parseAddress(rc.Owner)
		if err != nil {
			problems = append(problems, fmt.Errorf("chain %d: owner: %w", rc.ID, err))
		}
		chain := Chain{
			ID:        rc.ID,
			Name:      strings.TrimSpace(rc.Name),
			Providers: append([]string{}, rc.Providers...),
			Owner:     owner,
		}
		for _, ra := range rc.Assets {
			asset, errs := parseAsset(rc.ID, ra)
			problems = append(problems, errs...)
			chain.Assets = append(chain.Assets, asset)
		}
		if len(chain.Assets) == 0 {
			problems = append(problems, fmt.Errorf("chain %d: no assets configured", rc.ID))
		}
		chains[rc.ID] = chain
	}
	if len(chains) == 0 {
		problems = append(problems, errors.New("no chains configured"))
	}
	if err := errors.Join(problems...); err != nil {
		return nil, fmt.Errorf("chain registry invalid: %w", err)
	}
	return &Registry{chains: chains}, nil
}

func parseAsset(chainID uint64, ra assetYAML) (Asset, []error) {
	var problems []error
	asset := Asset{
		Symbol:   strings.ToUpper(strings.TrimSpace(ra.Symbol)),
		Decimals: ra.Decimals,
		IsNative: ra.IsNative,
	}
	if asset.Symbol == "" {
		problems = append(problems, fmt.Errorf("chain %d: asset missing symbol", chainID))
	}
	if ra.Decimals > 18 {
		problems = append(problems, fmt.Errorf("chain %d: asset %s: %d decimals exceeds canonical precision", chainID, asset.Symbol, ra.Decimals))
	}
	address, err := parseAddress(ra.Address)
	if err != nil {
		problems = append(problems, fmt.Errorf("chain %d: asset %s: address: %w", chainID, asset.Symbol, err))
	}
	asset.Address = address
	ticker := strings.TrimSpace(ra.TickerHash)
	if !strings.HasPrefix(ticker, "0x") || len(ticker) != 66 {
		problems = append(problems, fmt.Errorf("chain %d: asset %s: ticker_hash must be a 32-byte hex string", chainID, asset.Symbol))
	} else {
		asset.TickerHash = common.HexToHash(ticker)
	}
	if raw := strings.TrimSpace(ra.BalanceThreshold); raw != "" {
		threshold, ok := new(big.Int).SetString(raw, 10)
		if !ok || threshold.Sign() < 0 {
			problems = append(problems, fmt.Errorf("chain %d: asset %s: invalid balance_threshold %q", chainID, asset.Symbol, raw))
		} else {
			asset.BalanceThreshold = threshold
		}
	}
	return asset, problems
}

func parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

// NewRegistry constructs a registry from already-parsed chains. Callers that
// load from YAML should use LoadRegistry, which validates the raw file.
func NewRegistry(chains []Chain) (*Registry, error) {
	if len(chains) == 0 {
		return nil, errors.New("no chains configured")
	}
	out := make(map[uint64]Chain, len(chains))
	for _, chain := range chains {
		if chain.ID == 0 {
			return nil, fmt.Errorf("chain %q: id required", chain.Name)
		}
		if _, dup := out[chain.ID]; dup {
			return nil, fmt.Errorf("chain %d: duplicate id", chain.ID)
		}
		out[chain.ID] = chain
	}
	return &Registry{chains: out}, nil
}

// Chain returns the configuration for the supplied chain id.
func (r *Registry) Chain(id uint64) (Chain, bool) {
	if r == nil {
		return Chain{}, false
	}
	chain, ok := r.chains[id]
	return chain, ok
}

// Chains returns all configured chains keyed by id.
func (r *Registry) Chains() map[uint64]Chain {
	if r == nil {
		return nil
	}
	out := make(map[uint64]Chain, len(r.chains))
	for id, chain := range r.chains {
		out[id] = chain
	}
	return out
}

// AssetByAddress looks up the asset deployed at address on the given chain.
func (r *Registry) AssetByAddress(chainID uint64, address common.Address) (Asset, bool) {
	chain, ok := r.Chain(chainID)
	if !ok {
		return Asset{}, false
	}
	for _, asset := range chain.Assets {
		if asset.Address == address {
			return asset, true
		}
	}
	return Asset{}, false
}

// AssetByTicker looks up the asset carrying the ticker hash on the given chain.
func (r *Registry) AssetByTicker(chainID uint64, ticker common.Hash) (Asset, bool) {
	chain, ok := r.Chain(chainID)
	if !ok {
		return Asset{}, false
	}
	for _, asset := range chain.Assets {
		if asset.TickerHash == ticker {
			return asset, true
		}
	}
	return Asset{}, false
}
