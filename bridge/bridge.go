// Package bridge defines the contract every bridge adapter implements and the
// registry the rebalancer resolves adapters from. The engine treats adapters
// as black boxes: quoting, transaction construction, and destination
// finalization semantics are entirely the adapter's concern.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"markd/chain"
)

// Name identifies a bridge adapter.
type Name string

// Memo tags each transaction an adapter emits from Send. Exactly one entry
// per Send call carries the Rebalance memo; its receipt is the operation's
// principal transaction.
type Memo string

const (
	MemoApproval  Memo = "Approval"
	MemoRebalance Memo = "Rebalance"
	MemoWrap      Memo = "Wrap"
	MemoUnwrap    Memo = "Unwrap"
	MemoMint      Memo = "Mint"
)

var (
	// ErrUnsupportedRoute is returned by adapters that cannot serve the
	// requested origin/destination/asset combination.
	ErrUnsupportedRoute = errors.New("bridge: route not supported")

	// ErrAmountTooLow is returned when the requested amount sits below the
	// bridge's minimum transferable size.
	ErrAmountTooLow = errors.New("bridge: amount below bridge minimum")

	// ErrPermanent wraps destination-callback failures that will never
	// succeed on retry. The callback engine promotes the operation to
	// FAILED when it observes this; all other errors are retried on the
	// next tick.
	ErrPermanent = errors.New("bridge: permanent failure")
)

// Route identifies one rebalancing lane.
type Route struct {
	OriginChainID      uint64
	DestinationChainID uint64
	Asset              common.Address
	Recipient          common.Address
}

// SendEntry is one transaction in the ordered list an adapter returns from
// Send. Entries must be submitted strictly in order; every entry ahead of the
// Rebalance entry must succeed before the next is submitted.
type SendEntry struct {
	Tx   chain.TxRequest
	Memo Memo
	// EffectiveAmount, when set on the Rebalance entry, overrides the
	// requested amount on the stored operation. Canonical 18-decimal units.
	EffectiveAmount *big.Int
}

// Adapter is the contract between the engine and one external bridge.
// Amounts cross this boundary in the native decimals of the origin asset;
// adapters never see canonical 18-decimal figures.
type Adapter interface {
	// Type names the adapter for registry lookups and persistence.
	Type() Name

	// GetReceivedAmount quotes the amount delivered on the destination in
	// destination native units. It fails for unsupported routes and for
	// amounts below the bridge minimum.
	GetReceivedAmount(ctx context.Context, amount *big.Int, route Route) (*big.Int, error)

	// GetMinimumAmount reports the bridge floor in origin native units, or
	// nil when the bridge imposes none.
	GetMinimumAmount(ctx context.Context, route Route) (*big.Int, error)

	// Send builds the ordered transaction list that moves amount across the
	// route. Exactly one entry carries MemoRebalance.
	Send(ctx context.Context, sender, recipient common.Address, amount *big.Int, route Route) ([]SendEntry, error)

	// ReadyOnDestination polls whether the transfer identified by the
	// principal receipt, the receipt of the Send call's Rebalance entry, is
	// ready to finalize on the destination. Returning false means "try again
	// later"; the first true is a latch and the engine will not poll again
	// for that operation.
	ReadyOnDestination(ctx context.Context, amount *big.Int, route Route, principal *chain.Receipt) (bool, error)

	// DestinationCallback returns the follow-up transaction required on the
	// destination chain, or nil when the bridge needs none. Called at most
	// once per operation, after ReadyOnDestination first returns true.
	DestinationCallback(ctx context.Context, route Route, principal *chain.Receipt) (*chain.TxRequest, error)
}

// Registry maps adapter names to owned adapter values.
type Registry struct {
	adapters map[Name]Adapter
}

// NewRegistry constructs a registry over the supplied adapters. Duplicate
// names are a configuration defect.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	reg := &Registry{adapters: make(map[Name]Adapter, len(adapters))}
	for _, adapter := range adapters {
		if adapter == nil {
			return nil, fmt.Errorf("bridge: nil adapter")
		}
		name := Name(strings.TrimSpace(string(adapter.Type())))
		if name == "" {
			return nil, fmt.Errorf("bridge: adapter with empty name")
		}
		if _, exists := reg.adapters[name]; exists {
			return nil, fmt.Errorf("bridge: duplicate adapter %q", name)
		}
		reg.adapters[name] = adapter
	}
	return reg, nil
}

// Resolve returns the adapter registered under name.
func (r *Registry) Resolve(name Name) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	adapter, ok := r.adapters[name]
	return adapter, ok
}

// Names lists the registered adapter names in stable order.
func (r *Registry) Names() []Name {
	if r == nil {
		return nil
	}
	names := make([]Name, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
