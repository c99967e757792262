// Package rebalancer implements the inventory rebalancing engine: the route
// evaluator, bridge selection with ordered fallback, the destination callback
// engine, the expiry sweeper, and the tick orchestrator composing them.
package rebalancer

import (
	"fmt"
	"math/big"

	"markd/balances"
	"markd/config"
	"markd/units"
)

// RouteAction is the evaluator's verdict that a route warrants a transfer.
type RouteAction struct {
	Policy config.RoutePolicy
	Asset  config.Asset // origin-chain asset descriptor

	// AmountCanonical is the amount to move in canonical 18-decimal units;
	// AmountNative is the same figure converted once, at this boundary, to
	// the origin asset's native decimals. Adapters only ever see the
	// native figure.
	AmountCanonical *big.Int
	AmountNative    *big.Int
}

// EvaluateRoute decides whether a transfer is warranted for one route under
// the frozen balance snapshot. It returns a nil action with a human-readable
// skip reason when the route needs no work this tick.
func EvaluateRoute(snapshot balances.Snapshot, policy config.RoutePolicy, registry *config.Registry) (*RouteAction, string, error) {
	asset, ok := registry.AssetByAddress(policy.Origin, policy.Asset)
	if !ok {
		return nil, "", fmt.Errorf("route %d->%d: asset %s not in registry", policy.Origin, policy.Destination, policy.Asset.Hex())
	}

	current := snapshot.Balance(asset.TickerHash, policy.Origin)
	if current == nil {
		return nil, "no balances for ticker on origin", nil
	}
	if current.Cmp(policy.Maximum) <= 0 {
		return nil, "at or below maximum", nil
	}

	amount := new(big.Int).Set(current)
	if policy.Reserve != nil {
		amount.Sub(amount, policy.Reserve)
	}
	if amount.Sign() <= 0 {
		return nil, "reserve consumes all inventory", nil
	}

	native, err := units.FromCanonical(amount, asset.Decimals)
	if err != nil {
		return nil, "", fmt.Errorf("route %d->%d: convert amount: %w", policy.Origin, policy.Destination, err)
	}
	if native.Sign() <= 0 {
		return nil, "amount truncates to zero in native units", nil
	}

	return &RouteAction{
		Policy:          policy,
		Asset:           asset,
		AmountCanonical: amount,
		AmountNative:    native,
	}, "", nil
}

// minAcceptable computes the slippage floor: amount - (amount*bps)/10_000.
func minAcceptable(amount *big.Int, slippageBps int32) *big.Int {
	discount := new(big.Int).Mul(amount, big.NewInt(int64(slippageBps)))
	discount.Quo(discount, big.NewInt(10_000))
	return new(big.Int).Sub(amount, discount)
}
