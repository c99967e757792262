package rebalancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"markd/bridge"
	"markd/chain"
	"markd/config"
	"markd/observability"
	"markd/storage"
	"markd/units"
)

// CallbackEngine drives in-flight operations towards completion: it polls
// destination readiness for PENDING operations and executes the destination
// callback for AWAITING_CALLBACK operations. Readiness is a latch; once an
// operation reaches AWAITING_CALLBACK it is never polled again.
type CallbackEngine struct {
	store    *storage.Store
	registry *config.Registry
	bridges  *bridge.Registry
	chains   chain.Service
	metrics  *observability.RebalancerMetrics
	logger   *slog.Logger
	workers  int
}

// NewCallbackEngine constructs the engine. Workers bounds how many operations
// are processed concurrently per pass.
func NewCallbackEngine(store *storage.Store, registry *config.Registry, bridges *bridge.Registry, chains chain.Service, metrics *observability.RebalancerMetrics, logger *slog.Logger, workers int) *CallbackEngine {
	if workers <= 0 {
		workers = 1
	}
	return &CallbackEngine{
		store:    store,
		registry: registry,
		bridges:  bridges,
		chains:   chains,
		metrics:  metrics,
		logger:   logger.With("component", "callbacks"),
		workers:  workers,
	}
}

// Run makes one pass over every in-flight operation. Failures on individual
// operations are logged and do not abort the pass.
func (e *CallbackEngine) Run(ctx context.Context) error {
	ops, err := e.store.ListOperations(ctx, storage.OperationFilter{
		Statuses: []storage.OperationStatus{storage.OperationPending, storage.OperationAwaitingCallback},
		Limit:    storage.MaxListLimit,
	})
	if err != nil {
		return fmt.Errorf("list in-flight operations: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	queue := make(chan storage.RebalanceOperation)
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range queue {
				start := time.Now()
				if err := e.process(ctx, op); err != nil {
					e.logger.Error("callback pass failed", "operation", op.ID, "bridge", op.Bridge, "err", err)
				}
				e.metrics.ObserveCallback(op.Bridge, time.Since(start))
			}
		}()
	}
	for _, op := range ops {
		select {
		case queue <- op:
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			return ctx.Err()
		}
	}
	close(queue)
	wg.Wait()
	return nil
}

// process advances one operation through at most one status transition, plus
// the immediate callback when the readiness latch flips in the same pass.
func (e *CallbackEngine) process(ctx context.Context, op storage.RebalanceOperation) error {
	adapter, ok := e.bridges.Resolve(bridge.Name(op.Bridge))
	if !ok {
		return fmt.Errorf("bridge %q not registered", op.Bridge)
	}
	route, amount, err := e.reconstruct(op)
	if err != nil {
		return err
	}
	principalChain := op.PrincipalChainID
	if principalChain == 0 {
		// Rows written before the principal chain was recorded.
		principalChain = op.OriginChainID
	}
	principal := op.Transactions[principalChain]
	if principal == nil {
		// Dispatch never landed the principal transaction; the sweeper
		// owns this operation's fate.
		return nil
	}

	status := op.Status
	if status == storage.OperationPending {
		ready, err := adapter.ReadyOnDestination(ctx, amount, route, principal)
		if err != nil {
			e.metrics.RecordAdapterError(op.Bridge, "ready")
			return fmt.Errorf("poll destination readiness: %w", err)
		}
		if !ready {
			return nil
		}
		if err := e.store.UpdateOperationStatus(ctx, op.ID, storage.OperationAwaitingCallback, "transfer ready on destination"); err != nil {
			return fmt.Errorf("latch readiness: %w", err)
		}
		status = storage.OperationAwaitingCallback
	}
	if status != storage.OperationAwaitingCallback {
		return nil
	}
	return e.finalize(ctx, adapter, op, route, principal)
}

// finalize executes the destination callback and completes the operation.
func (e *CallbackEngine) finalize(ctx context.Context, adapter bridge.Adapter, op storage.RebalanceOperation, route bridge.Route, principal *chain.Receipt) error {
	tx, err := adapter.DestinationCallback(ctx, route, principal)
	if err != nil {
		if errors.Is(err, bridge.ErrPermanent) {
			if storeErr := e.store.UpdateOperationStatus(ctx, op.ID, storage.OperationFailed,
				fmt.Sprintf("destination callback permanently failed: %v", err)); storeErr != nil {
				return fmt.Errorf("mark operation failed: %w", storeErr)
			}
			return fmt.Errorf("destination callback: %w", err)
		}
		e.metrics.RecordAdapterError(op.Bridge, "callback")
		return fmt.Errorf("destination callback: %w", err)
	}
	if tx != nil {
		receipt, err := e.chains.SubmitAndMonitor(ctx, *tx)
		if err != nil {
			e.metrics.RecordAdapterError(op.Bridge, "callback_submit")
			return fmt.Errorf("submit callback transaction: %w", err)
		}
		if err := e.store.AttachReceipt(ctx, op.ID, tx.ChainID, receipt); err != nil {
			return fmt.Errorf("attach callback receipt: %w", err)
		}
		if !receipt.Successful() {
			if storeErr := e.store.UpdateOperationStatus(ctx, op.ID, storage.OperationFailed,
				fmt.Sprintf("callback transaction reverted: %s", receipt.TxHash.Hex())); storeErr != nil {
				return fmt.Errorf("mark operation failed: %w", storeErr)
			}
			return fmt.Errorf("callback transaction reverted: %s", receipt.TxHash.Hex())
		}
	}
	if err := e.store.UpdateOperationStatus(ctx, op.ID, storage.OperationCompleted, "destination settlement confirmed"); err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	e.logger.Info("operation completed",
		"operation", op.ID, "bridge", op.Bridge,
		"origin", op.OriginChainID, "destination", op.DestinationChainID)
	if op.EarmarkID != nil && !op.IsOrphaned {
		promoted, err := e.store.PromoteEarmarkIfComplete(ctx, *op.EarmarkID, "all sibling operations terminal")
		if err != nil {
			return fmt.Errorf("promote earmark: %w", err)
		}
		if promoted {
			e.logger.Info("earmark ready", "earmark", *op.EarmarkID)
		}
	}
	return nil
}

// reconstruct rebuilds the bridge route and native amount from the persisted
// operation row.
func (e *CallbackEngine) reconstruct(op storage.RebalanceOperation) (bridge.Route, *big.Int, error) {
	ticker := common.HexToHash(op.TickerHash)
	asset, ok := e.registry.AssetByTicker(op.OriginChainID, ticker)
	if !ok {
		return bridge.Route{}, nil, fmt.Errorf("ticker %s not configured on chain %d", op.TickerHash, op.OriginChainID)
	}
	canonical, ok := new(big.Int).SetString(op.Amount, 10)
	if !ok {
		return bridge.Route{}, nil, fmt.Errorf("malformed stored amount %q", op.Amount)
	}
	native, err := units.FromCanonical(canonical, asset.Decimals)
	if err != nil {
		return bridge.Route{}, nil, fmt.Errorf("convert stored amount: %w", err)
	}
	route := bridge.Route{
		OriginChainID:      op.OriginChainID,
		DestinationChainID: op.DestinationChainID,
		Asset:              asset.Address,
		Recipient:          common.HexToAddress(op.Recipient),
	}
	return route, native, nil
}
