package rebalancer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"markd/bridge"
	"markd/storage"
)

// errNoBridge reports that every preference on a route was exhausted without
// a transfer being dispatched.
var errNoBridge = errors.New("rebalancer: no eligible bridge")

// dispatchRoute walks the route's bridge preferences in order and dispatches
// the transfer through the first adapter whose quote clears the slippage
// gate. It creates the operation row before any transaction is submitted so a
// crash mid-submission leaves a PENDING row with whatever receipts landed,
// and marks the row FAILED when a submission fails. At most one operation is
// created per route per tick.
func (o *Orchestrator) dispatchRoute(ctx context.Context, action *RouteAction) error {
	policy := action.Policy
	destChain, ok := o.registry.Chain(policy.Destination)
	if !ok {
		return fmt.Errorf("route %d->%d: destination chain not in registry", policy.Origin, policy.Destination)
	}
	route := bridge.Route{
		OriginChainID:      policy.Origin,
		DestinationChainID: policy.Destination,
		Asset:              policy.Asset,
		Recipient:          destChain.Owner,
	}
	originChain, _ := o.registry.Chain(policy.Origin)
	sender := originChain.Owner

	for i, preference := range policy.Preferences {
		slippage := policy.Slippages[i]
		adapter, ok := o.bridges.Resolve(bridge.Name(preference))
		if !ok {
			o.logger.Warn("bridge preference not registered",
				"bridge", preference, "origin", policy.Origin, "destination", policy.Destination)
			continue
		}

		received, err := o.quote(ctx, adapter, action, route)
		if err != nil {
			o.logger.Error("bridge quote failed",
				"bridge", preference, "origin", policy.Origin, "destination", policy.Destination, "err", err)
			o.metrics.RecordAdapterError(preference, "quote")
			continue
		}
		floor := minAcceptable(action.AmountNative, slippage)
		if received.Cmp(floor) < 0 {
			o.logger.Warn("bridge quote outside slippage tolerance",
				"bridge", preference, "received", received.String(), "floor", floor.String(), "slippage_bps", slippage)
			o.metrics.RecordSlippageRejection(preference)
			continue
		}

		entries, err := o.send(ctx, adapter, sender, route, action)
		if err != nil {
			o.logger.Error("bridge send failed",
				"bridge", preference, "origin", policy.Origin, "destination", policy.Destination, "err", err)
			o.metrics.RecordAdapterError(preference, "send")
			continue
		}
		if err := validateEntries(entries); err != nil {
			o.logger.Error("bridge returned malformed send entries", "bridge", preference, "err", err)
			o.metrics.RecordAdapterError(preference, "send")
			continue
		}

		// First eligible adapter wins; from here any failure aborts the
		// route for this tick rather than falling through to the next
		// preference.
		return o.execute(ctx, action, route, bridge.Name(preference), slippage, entries)
	}
	return errNoBridge
}

func (o *Orchestrator) quote(ctx context.Context, adapter bridge.Adapter, action *RouteAction, route bridge.Route) (*big.Int, error) {
	quoteCtx, cancel := context.WithTimeout(ctx, o.rpcTimeout)
	defer cancel()
	return adapter.GetReceivedAmount(quoteCtx, action.AmountNative, route)
}

func (o *Orchestrator) send(ctx context.Context, adapter bridge.Adapter, sender common.Address, route bridge.Route, action *RouteAction) ([]bridge.SendEntry, error) {
	sendCtx, cancel := context.WithTimeout(ctx, o.rpcTimeout)
	defer cancel()
	return adapter.Send(sendCtx, sender, route.Recipient, action.AmountNative, route)
}

// validateEntries enforces the adapter contract: exactly one Rebalance entry.
func validateEntries(entries []bridge.SendEntry) error {
	principal := 0
	for _, entry := range entries {
		if entry.Memo == bridge.MemoRebalance {
			principal++
		}
	}
	if principal != 1 {
		return fmt.Errorf("expected exactly one rebalance entry, got %d", principal)
	}
	return nil
}

// execute persists the operation and drives the adapter's transactions in
// order through the chain service.
func (o *Orchestrator) execute(ctx context.Context, action *RouteAction, route bridge.Route, name bridge.Name, slippage int32, entries []bridge.SendEntry) error {
	// Remember which chain the Rebalance entry lands on; the callback engine
	// keys its receipt lookup off this rather than assuming the origin.
	principalChain := route.OriginChainID
	for _, entry := range entries {
		if entry.Memo == bridge.MemoRebalance {
			principalChain = entry.Tx.ChainID
		}
	}
	op := &storage.RebalanceOperation{
		OriginChainID:      route.OriginChainID,
		DestinationChainID: route.DestinationChainID,
		TickerHash:         action.Asset.TickerHash.Hex(),
		PrincipalChainID:   principalChain,
		Amount:             action.AmountCanonical.String(),
		Slippage:           slippage,
		Bridge:             string(name),
		Recipient:          route.Recipient.Hex(),
	}
	if err := o.store.CreateOperation(ctx, op); err != nil {
		return fmt.Errorf("create operation: %w", err)
	}

	for _, entry := range entries {
		receipt, err := o.chains.SubmitAndMonitor(ctx, entry.Tx)
		if err != nil {
			if storeErr := o.store.UpdateOperationStatus(ctx, op.ID, storage.OperationFailed,
				fmt.Sprintf("%s submission failed: %v", entry.Memo, err)); storeErr != nil {
				o.logger.Error("mark operation failed", "operation", op.ID, "err", storeErr)
			}
			return fmt.Errorf("submit %s transaction: %w", entry.Memo, err)
		}
		if err := o.store.AttachReceipt(ctx, op.ID, entry.Tx.ChainID, receipt); err != nil {
			return fmt.Errorf("attach receipt: %w", err)
		}
		if !receipt.Successful() {
			if storeErr := o.store.UpdateOperationStatus(ctx, op.ID, storage.OperationFailed,
				fmt.Sprintf("%s transaction reverted: %s", entry.Memo, receipt.TxHash.Hex())); storeErr != nil {
				o.logger.Error("mark operation failed", "operation", op.ID, "err", storeErr)
			}
			return fmt.Errorf("%s transaction reverted: %s", entry.Memo, receipt.TxHash.Hex())
		}
		if entry.Memo == bridge.MemoRebalance && entry.EffectiveAmount != nil {
			if err := o.store.UpdateOperationAmount(ctx, op.ID, entry.EffectiveAmount.String()); err != nil {
				return fmt.Errorf("record effective amount: %w", err)
			}
		}
	}

	o.metrics.RecordOperation(string(name), fmt.Sprintf("%d", route.OriginChainID))
	o.logger.Info("rebalance dispatched",
		"operation", op.ID, "bridge", string(name),
		"origin", route.OriginChainID, "destination", route.DestinationChainID,
		"amount", op.Amount)
	return nil
}
