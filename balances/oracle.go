// Package balances reads the operator's per-chain token holdings and
// normalizes them into the engine's canonical 18-decimal representation.
package balances

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"markd/config"
	"markd/units"
)

// balanceOf(address)
var balanceOfSelector = gethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]

// EVMClient is the subset of the Ethereum RPC the oracle depends on.
// *ethclient.Client satisfies it.
type EVMClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Snapshot maps ticker hash -> chain id -> canonical 18-decimal balance.
// A snapshot is taken once per tick; later route evaluations within the tick
// read this frozen view even as wall-clock time advances.
type Snapshot map[common.Hash]map[uint64]*big.Int

// Balance returns the canonical balance for the ticker on the chain, or nil
// when the snapshot holds no entry.
func (s Snapshot) Balance(ticker common.Hash, chainID uint64) *big.Int {
	perChain, ok := s[ticker]
	if !ok {
		return nil
	}
	return perChain[chainID]
}

// Oracle queries each configured chain for the owner's holdings.
type Oracle struct {
	registry *config.Registry
	clients  map[uint64]EVMClient
	timeout  time.Duration
	logger   *slog.Logger
}

// New constructs an oracle over pre-built clients, one per chain id.
func New(registry *config.Registry, clients map[uint64]EVMClient, timeout time.Duration, logger *slog.Logger) (*Oracle, error) {
	if registry == nil {
		return nil, fmt.Errorf("balances: registry required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Oracle{registry: registry, clients: clients, timeout: timeout, logger: logger}, nil
}

// Dial builds an oracle by connecting to the first reachable provider of
// every chain in the registry. A chain with no reachable provider is a
// startup error.
func Dial(registry *config.Registry, timeout time.Duration, logger *slog.Logger) (*Oracle, error) {
	if registry == nil {
		return nil, fmt.Errorf("balances: registry required")
	}
	clients := make(map[uint64]EVMClient)
	for id, chain := range registry.Chains() {
		var client *ethclient.Client
		var lastErr error
		for _, endpoint := range chain.Providers {
			trimmed := strings.TrimSpace(endpoint)
			if trimmed == "" {
				continue
			}
			client, lastErr = ethclient.Dial(trimmed)
			if lastErr == nil {
				break
			}
		}
		if client == nil {
			return nil, fmt.Errorf("balances: chain %d: no reachable provider: %w", id, lastErr)
		}
		clients[id] = client
	}
	return New(registry, clients, timeout, logger)
}

// Snapshot reads every configured (chain, asset) pair and aggregates the
// results by ticker hash. Failed reads contribute zero and log a warning so a
// missing read can never fabricate excess inventory; there are no retries
// inside the oracle, the next tick is the retry loop. The only error is
// context cancellation.
func (o *Oracle) Snapshot(ctx context.Context) (Snapshot, error) {
	snapshot := make(Snapshot)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for chainID, chain := range o.registry.Chains() {
		client, ok := o.clients[chainID]
		if !ok {
			o.logger.Warn("no client for chain, balances read as zero", "chain", chainID)
			continue
		}
		wg.Add(1)
		go func(chainID uint64, chain config.Chain, client EVMClient) {
			defer wg.Done()
			for _, asset := range chain.Assets {
				amount := o.readAsset(ctx, client, chainID, chain.Owner, asset)
				mu.Lock()
				perChain, ok := snapshot[asset.TickerHash]
				if !ok {
					perChain = make(map[uint64]*big.Int)
					snapshot[asset.TickerHash] = perChain
				}
				current, ok := perChain[chainID]
				if !ok {
					current = new(big.Int)
					perChain[chainID] = current
				}
				current.Add(current, amount)
				mu.Unlock()
			}
		}(chainID, chain, client)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// readAsset returns the canonical balance of one asset, or zero when the read
// fails for any reason.
func (o *Oracle) readAsset(ctx context.Context, client EVMClient, chainID uint64, owner common.Address, asset config.Asset) *big.Int {
	readCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var native *big.Int
	var err error
	if asset.IsNative {
		native, err = client.BalanceAt(readCtx, owner, nil)
	} else {
		native, err = o.erc20Balance(readCtx, client, owner, asset.Address)
	}
	if err != nil {
		o.logger.Warn("balance read failed, treating as zero",
			"chain", chainID, "asset", asset.Symbol, "err", err)
		return new(big.Int)
	}
	canonical, err := units.ToCanonical(native, asset.Decimals)
	if err != nil {
		o.logger.Warn("balance conversion failed, treating as zero",
			"chain", chainID, "asset", asset.Symbol, "err", err)
		return new(big.Int)
	}
	return canonical
}

func (o *Oracle) erc20Balance(ctx context.Context, client EVMClient, owner common.Address, token common.Address) (*big.Int, error) {
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call: %w", err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("balanceOf returned no data")
	}
	return new(big.Int).SetBytes(result), nil
}
