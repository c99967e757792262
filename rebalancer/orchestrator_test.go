package rebalancer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"markd/balances"
	"markd/bridge"
	"markd/chain"
	"markd/config"
	"markd/storage"
)

type fakeOracle struct {
	snapshot balances.Snapshot
	err      error
}

func (f *fakeOracle) Snapshot(ctx context.Context) (balances.Snapshot, error) {
	return f.snapshot, f.err
}

type fakeChainService struct {
	mu        sync.Mutex
	submitted []chain.TxRequest
	// revertAt fails the nth submission (1-based) with a reverted receipt.
	revertAt int
	err      error
}

func (f *fakeChainService) SubmitAndMonitor(ctx context.Context, tx chain.TxRequest) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.submitted = append(f.submitted, tx)
	status := gethtypes.ReceiptStatusSuccessful
	if f.revertAt == len(f.submitted) {
		status = gethtypes.ReceiptStatusFailed
	}
	return &chain.Receipt{
		TxHash:      common.BytesToHash([]byte{byte(len(f.submitted))}),
		BlockNumber: uint64(100 + len(f.submitted)),
		Status:      status,
	}, nil
}

func (f *fakeChainService) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fakeAdapter struct {
	name bridge.Name

	quoteFn  func(amount *big.Int) (*big.Int, error)
	sendFn   func(amount *big.Int, route bridge.Route) ([]bridge.SendEntry, error)
	ready    bool
	readyErr error
	callback *chain.TxRequest
	cbErr    error

	mu         sync.Mutex
	quoteCalls int
	sendCalls  int
	cbCalls    int
}

func (f *fakeAdapter) Type() bridge.Name { return f.name }

func (f *fakeAdapter) GetReceivedAmount(ctx context.Context, amount *big.Int, route bridge.Route) (*big.Int, error) {
	f.mu.Lock()
	f.quoteCalls++
	f.mu.Unlock()
	if f.quoteFn != nil {
		return f.quoteFn(amount)
	}
	return new(big.Int).Set(amount), nil
}

func (f *fakeAdapter) GetMinimumAmount(ctx context.Context, route bridge.Route) (*big.Int, error) {
	return nil, nil
}

func (f *fakeAdapter) Send(ctx context.Context, sender, recipient common.Address, amount *big.Int, route bridge.Route) ([]bridge.SendEntry, error) {
	f.mu.Lock()
	f.sendCalls++
	f.mu.Unlock()
	if f.sendFn != nil {
		return f.sendFn(amount, route)
	}
	return []bridge.SendEntry{
		{
			Memo: bridge.MemoApproval,
			Tx:   chain.TxRequest{ChainID: route.OriginChainID, To: route.Asset, From: sender, FuncSig: "approve(address,uint256)"},
		},
		{
			Memo: bridge.MemoRebalance,
			Tx:   chain.TxRequest{ChainID: route.OriginChainID, To: recipient, From: sender, FuncSig: "deposit(address,uint256)"},
		},
	}, nil
}

func (f *fakeAdapter) ReadyOnDestination(ctx context.Context, amount *big.Int, route bridge.Route, principal *chain.Receipt) (bool, error) {
	return f.ready, f.readyErr
}

func (f *fakeAdapter) DestinationCallback(ctx context.Context, route bridge.Route, principal *chain.Receipt) (*chain.TxRequest, error) {
	f.mu.Lock()
	f.cbCalls++
	f.mu.Unlock()
	return f.callback, f.cbErr
}

func newEngineStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	store, err := storage.NewWithDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newEngine(t *testing.T, store *storage.Store, oracle BalanceSource, chains chain.Service, routes []config.RoutePolicy, adapters ...bridge.Adapter) *Orchestrator {
	t.Helper()
	bridges, err := bridge.NewRegistry(adapters...)
	require.NoError(t, err)
	engine, err := New(Options{
		Store:    store,
		Registry: testRegistry(t),
		Routes:   routes,
		Bridges:  bridges,
		Chains:   chains,
		Oracle:   oracle,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return engine
}

func listAll(t *testing.T, store *storage.Store) []storage.RebalanceOperation {
	t.Helper()
	ops, err := store.ListOperations(context.Background(), storage.OperationFilter{})
	require.NoError(t, err)
	return ops
}

func TestTickDispatchesRebalance(t *testing.T) {
	store := newEngineStore(t)
	chains := &fakeChainService{}
	adapter := &fakeAdapter{name: "across"}
	oracle := &fakeOracle{snapshot: snapshotWith(e18(20))}
	engine := newEngine(t, store, oracle, chains, []config.RoutePolicy{testPolicy(e18(10), e18(5))}, adapter)

	require.NoError(t, engine.Tick(context.Background()))

	ops := listAll(t, store)
	require.Len(t, ops, 1)
	op := ops[0]
	require.Equal(t, storage.OperationPending, op.Status)
	require.Equal(t, "across", op.Bridge)
	require.Equal(t, e18(15).String(), op.Amount)
	require.Equal(t, uint64(1), op.OriginChainID)
	require.Equal(t, uint64(10), op.DestinationChainID)
	require.Equal(t, destOwner.Hex(), op.Recipient)

	// Approval then rebalance, strictly in order, both on the origin chain.
	require.Equal(t, 2, chains.count())
	require.Equal(t, "approve(address,uint256)", chains.submitted[0].FuncSig)
	require.Equal(t, "deposit(address,uint256)", chains.submitted[1].FuncSig)
	require.NotNil(t, op.Transactions[1])
	require.True(t, op.Transactions[1].Successful())
}

func TestDispatchFallsBackWhenQuoteFails(t *testing.T) {
	store := newEngineStore(t)
	chains := &fakeChainService{}
	broken := &fakeAdapter{name: "across", quoteFn: func(*big.Int) (*big.Int, error) {
		return nil, fmt.Errorf("%w: 1->10", bridge.ErrUnsupportedRoute)
	}}
	healthy := &fakeAdapter{name: "cctp"}
	oracle := &fakeOracle{snapshot: snapshotWith(e18(20))}
	policy := testPolicy(e18(10), nil)
	policy.Preferences = []string{"across", "cctp"}
	policy.Slippages = []int32{30, 30}
	engine := newEngine(t, store, oracle, chains, []config.RoutePolicy{policy}, broken, healthy)

	require.NoError(t, engine.Tick(context.Background()))

	ops := listAll(t, store)
	require.Len(t, ops, 1)
	require.Equal(t, "cctp", ops[0].Bridge)
	require.Zero(t, broken.sendCalls)
	require.Equal(t, 1, healthy.sendCalls)
}

func TestDispatchFallsBackOnSlippage(t *testing.T) {
	store := newEngineStore(t)
	chains := &fakeChainService{}
	lossy := &fakeAdapter{name: "across", quoteFn: func(amount *big.Int) (*big.Int, error) {
		// Delivers 1% under the requested amount, outside a 30 bps tolerance.
		quote := new(big.Int).Mul(amount, big.NewInt(99))
		return quote.Quo(quote, big.NewInt(100)), nil
	}}
	healthy := &fakeAdapter{name: "cctp"}
	oracle := &fakeOracle{snapshot: snapshotWith(e18(20))}
	policy := testPolicy(e18(10), nil)
	policy.Preferences = []string{"across", "cctp"}
	policy.Slippages = []int32{30, 30}
	engine := newEngine(t, store, oracle, chains, []config.RoutePolicy{policy}, lossy, healthy)

	require.NoError(t, engine.Tick(context.Background()))

	ops := listAll(t, store)
	require.Len(t, ops, 1)
	require.Equal(t, "cctp", ops[0].Bridge)
	require.Equal(t, 1, lossy.quoteCalls)
	require.Zero(t, lossy.sendCalls)
}

func TestDispatchRevertedEntryFailsOperation(t *testing.T) {
	store := newEngineStore(t)
	chains := &fakeChainService{revertAt: 1}
	adapter := &fakeAdapter{name: "across"}
	oracle := &fakeOracle{snapshot: snapshotWith(e18(20))}
	engine := newEngine(t, store, oracle, chains, []config.RoutePolicy{testPolicy(e18(10), nil)}, adapter)

	require.NoError(t, engine.Tick(context.Background()))

	ops := listAll(t, store)
	require.Len(t, ops, 1)
	require.Equal(t, storage.OperationFailed, ops[0].Status)
	// The rebalance entry is never submitted after the approval reverts.
	require.Equal(t, 1, chains.count())
}

func TestDispatchRecordsEffectiveAmount(t *testing.T) {
	store := newEngineStore(t)
	chains := &fakeChainService{}
	adapter := &fakeAdapter{name: "across"}
	adapter.sendFn = func(amount *big.Int, route bridge.Route) ([]bridge.SendEntry, error) {
		return []bridge.SendEntry{{
			Memo:            bridge.MemoRebalance,
			Tx:              chain.TxRequest{ChainID: route.OriginChainID, To: route.Recipient},
			EffectiveAmount: e18(14),
		}}, nil
	}
	oracle := &fakeOracle{snapshot: snapshotWith(e18(20))}
	engine := newEngine(t, store, oracle, chains, []config.RoutePolicy{testPolicy(e18(10), e18(5))}, adapter)

	require.NoError(t, engine.Tick(context.Background()))

	ops := listAll(t, store)
	require.Len(t, ops, 1)
	require.Equal(t, e18(14).String(), ops[0].Amount)
}

func TestTickSkipsRouteWithInflightOperation(t *testing.T) {
	store := newEngineStore(t)
	chains := &fakeChainService{}
	adapter := &fakeAdapter{name: "across"}
	oracle := &fakeOracle{snapshot: snapshotWith(e18(20))}
	engine := newEngine(t, store, oracle, chains, []config.RoutePolicy{testPolicy(e18(10), nil)}, adapter)

	require.NoError(t, engine.Tick(context.Background()))
	require.Len(t, listAll(t, store), 1)

	// Inventory still reads over maximum while the transfer is in flight.
	require.NoError(t, engine.Tick(context.Background()))
	require.Len(t, listAll(t, store), 1)
}

func TestTickPausedSkipsIssuanceButAdvancesCallbacks(t *testing.T) {
	store := newEngineStore(t)
	chains := &fakeChainService{}
	adapter := &fakeAdapter{name: "across", ready: true}
	oracle := &fakeOracle{snapshot: snapshotWith(e18(20))}
	engine := newEngine(t, store, oracle, chains, []config.RoutePolicy{testPolicy(e18(10), nil)}, adapter)

	op := seedInflightOperation(t, store, nil)
	require.NoError(t, store.SetPause(context.Background(), storage.PauseRebalance, true))

	require.NoError(t, engine.Tick(context.Background()))

	// No new issuance while paused.
	ops := listAll(t, store)
	require.Len(t, ops, 1)

	// The in-flight operation still converged to COMPLETED.
	got, err := store.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	require.Equal(t, storage.OperationCompleted, got.Status)
}

func TestTickDefaultTTLsKeepFreshWork(t *testing.T) {
	store := newEngineStore(t)
	adapter := &fakeAdapter{name: "across", ready: false}
	engine := newEngine(t, store, &fakeOracle{}, &fakeChainService{}, nil, adapter)

	earmark := &storage.Earmark{
		InvoiceID:               "inv-ttl",
		DesignatedPurchaseChain: 10,
		TickerHash:              usdcTicker.Hex(),
		MinAmount:               e18(10).String(),
	}
	require.NoError(t, store.CreateEarmark(context.Background(), earmark))
	op := seedInflightOperation(t, store, nil)

	// Engine built without explicit TTLs; a fresh tick must not expire
	// anything that was just created.
	require.NoError(t, engine.Tick(context.Background()))

	gotOp, err := store.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	require.Equal(t, storage.OperationPending, gotOp.Status)

	gotEarmark, err := store.GetEarmark(context.Background(), earmark.ID)
	require.NoError(t, err)
	require.Equal(t, storage.EarmarkPending, gotEarmark.Status)
}

func TestSweeperExpiresOnlyBeyondTTL(t *testing.T) {
	store := newEngineStore(t)
	engine := newEngine(t, store, &fakeOracle{}, &fakeChainService{}, nil, &fakeAdapter{name: "across"})

	earmark := &storage.Earmark{
		InvoiceID:               "inv-stale",
		DesignatedPurchaseChain: 10,
		TickerHash:              usdcTicker.Hex(),
		MinAmount:               e18(10).String(),
	}
	require.NoError(t, store.CreateEarmark(context.Background(), earmark))
	op := seedInflightOperation(t, store, nil)

	require.NoError(t, engine.sweeper.Run(context.Background()))
	gotOp, err := store.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	require.Equal(t, storage.OperationPending, gotOp.Status)

	// Past the default 24h the same rows expire.
	engine.sweeper.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	require.NoError(t, engine.sweeper.Run(context.Background()))

	gotOp, err = store.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	require.Equal(t, storage.OperationExpired, gotOp.Status)

	gotEarmark, err := store.GetEarmark(context.Background(), earmark.ID)
	require.NoError(t, err)
	require.Equal(t, storage.EarmarkExpired, gotEarmark.Status)
}

func TestCallbackCompletesOperationAndPromotesEarmark(t *testing.T) {
	store := newEngineStore(t)
	chains := &fakeChainService{}
	adapter := &fakeAdapter{name: "across", ready: true}
	engine := newEngine(t, store, &fakeOracle{}, chains, nil, adapter)

	earmark := &storage.Earmark{
		InvoiceID:               "inv-555",
		DesignatedPurchaseChain: 10,
		TickerHash:              usdcTicker.Hex(),
		MinAmount:               e18(10).String(),
	}
	require.NoError(t, store.CreateEarmark(context.Background(), earmark))
	op := seedInflightOperation(t, store, &earmark.ID)

	require.NoError(t, engine.callbacks.Run(context.Background()))

	got, err := store.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	require.Equal(t, storage.OperationCompleted, got.Status)

	// Readiness was latched before completion.
	audits, err := store.OperationAudits(context.Background(), op.ID)
	require.NoError(t, err)
	statuses := make([]string, 0, len(audits))
	for _, audit := range audits {
		statuses = append(statuses, audit.PriorStatus)
	}
	require.Contains(t, statuses, string(storage.OperationAwaitingCallback))

	gotEarmark, err := store.GetEarmark(context.Background(), earmark.ID)
	require.NoError(t, err)
	require.Equal(t, storage.EarmarkReady, gotEarmark.Status)
}

func TestCallbackSubmitsDestinationTransaction(t *testing.T) {
	store := newEngineStore(t)
	chains := &fakeChainService{}
	adapter := &fakeAdapter{
		name:     "across",
		ready:    true,
		callback: &chain.TxRequest{ChainID: 10, To: destOwner, FuncSig: "claim(bytes32)"},
	}
	engine := newEngine(t, store, &fakeOracle{}, chains, nil, adapter)
	op := seedInflightOperation(t, store, nil)

	require.NoError(t, engine.callbacks.Run(context.Background()))

	got, err := store.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	require.Equal(t, storage.OperationCompleted, got.Status)
	require.Equal(t, 1, chains.count())
	require.Equal(t, uint64(10), chains.submitted[0].ChainID)
	require.NotNil(t, got.Transactions[10])
}

func TestCallbackUsesRebalanceReceiptChain(t *testing.T) {
	store := newEngineStore(t)
	chains := &fakeChainService{}
	adapter := &fakeAdapter{name: "across", ready: true}
	adapter.sendFn = func(amount *big.Int, route bridge.Route) ([]bridge.SendEntry, error) {
		// The principal executes on the destination chain.
		return []bridge.SendEntry{{
			Memo: bridge.MemoRebalance,
			Tx:   chain.TxRequest{ChainID: route.DestinationChainID, To: route.Recipient, FuncSig: "fill(bytes32)"},
		}}, nil
	}
	oracle := &fakeOracle{snapshot: snapshotWith(e18(20))}
	engine := newEngine(t, store, oracle, chains, []config.RoutePolicy{testPolicy(e18(10), nil)}, adapter)

	require.NoError(t, engine.Tick(context.Background()))

	ops := listAll(t, store)
	require.Len(t, ops, 1)
	require.Equal(t, uint64(10), ops[0].PrincipalChainID)
	require.NotNil(t, ops[0].Transactions[10])

	require.NoError(t, engine.callbacks.Run(context.Background()))

	got, err := store.GetOperation(context.Background(), ops[0].ID)
	require.NoError(t, err)
	require.Equal(t, storage.OperationCompleted, got.Status)
}

func TestCallbackNotReadyLeavesPending(t *testing.T) {
	store := newEngineStore(t)
	adapter := &fakeAdapter{name: "across", ready: false}
	engine := newEngine(t, store, &fakeOracle{}, &fakeChainService{}, nil, adapter)
	op := seedInflightOperation(t, store, nil)

	require.NoError(t, engine.callbacks.Run(context.Background()))

	got, err := store.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	require.Equal(t, storage.OperationPending, got.Status)
	require.Zero(t, adapter.cbCalls)
}

func TestCallbackTransientFailureStaysAwaiting(t *testing.T) {
	store := newEngineStore(t)
	adapter := &fakeAdapter{name: "across", ready: true, cbErr: fmt.Errorf("rpc unavailable")}
	engine := newEngine(t, store, &fakeOracle{}, &fakeChainService{}, nil, adapter)
	op := seedInflightOperation(t, store, nil)

	require.NoError(t, engine.callbacks.Run(context.Background()))

	got, err := store.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	require.Equal(t, storage.OperationAwaitingCallback, got.Status)
}

func TestCallbackPermanentFailureFailsOperation(t *testing.T) {
	store := newEngineStore(t)
	adapter := &fakeAdapter{name: "across", ready: true, cbErr: fmt.Errorf("burn proof rejected: %w", bridge.ErrPermanent)}
	engine := newEngine(t, store, &fakeOracle{}, &fakeChainService{}, nil, adapter)
	op := seedInflightOperation(t, store, nil)

	require.NoError(t, engine.callbacks.Run(context.Background()))

	got, err := store.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	require.Equal(t, storage.OperationFailed, got.Status)
}

func TestCallbackReplayOnCompletedOperationIsNoOp(t *testing.T) {
	store := newEngineStore(t)
	adapter := &fakeAdapter{name: "across", ready: true}
	engine := newEngine(t, store, &fakeOracle{}, &fakeChainService{}, nil, adapter)
	op := seedInflightOperation(t, store, nil)
	require.NoError(t, store.UpdateOperationStatus(context.Background(), op.ID, storage.OperationCompleted, "settled"))

	auditsBefore, err := store.OperationAudits(context.Background(), op.ID)
	require.NoError(t, err)

	require.NoError(t, engine.callbacks.Run(context.Background()))

	require.Zero(t, adapter.cbCalls)
	auditsAfter, err := store.OperationAudits(context.Background(), op.ID)
	require.NoError(t, err)
	require.Len(t, auditsAfter, len(auditsBefore))
}

// seedInflightOperation creates a PENDING operation on the 1->10 USDC lane
// with its origin receipt already attached.
func seedInflightOperation(t *testing.T, store *storage.Store, earmarkID *uuid.UUID) *storage.RebalanceOperation {
	t.Helper()
	op := &storage.RebalanceOperation{
		EarmarkID:          earmarkID,
		OriginChainID:      1,
		DestinationChainID: 10,
		TickerHash:         usdcTicker.Hex(),
		Amount:             e18(15).String(),
		Slippage:           30,
		Bridge:             "across",
		Recipient:          destOwner.Hex(),
	}
	require.NoError(t, store.CreateOperation(context.Background(), op))
	require.NoError(t, store.AttachReceipt(context.Background(), op.ID, 1, &chain.Receipt{
		TxHash:      common.BytesToHash([]byte{0xbe, 0xef}),
		BlockNumber: 42,
		Status:      gethtypes.ReceiptStatusSuccessful,
	}))
	return op
}
