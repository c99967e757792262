package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"markd/chain"
	gethcommon "github.com/ethereum/go-ethereum/common"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	store, err := NewWithDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedEarmark(t *testing.T, store *Store, invoice string) *Earmark {
	t.Helper()
	earmark := &Earmark{
		InvoiceID:               invoice,
		DesignatedPurchaseChain: 10,
		TickerHash:              "0x3333333333333333333333333333333333333333333333333333333333333333",
		MinAmount:               "1000000",
	}
	require.NoError(t, store.CreateEarmark(context.Background(), earmark))
	return earmark
}

func seedOperation(t *testing.T, store *Store, earmarkID *uuid.UUID) *RebalanceOperation {
	t.Helper()
	op := &RebalanceOperation{
		EarmarkID:          earmarkID,
		OriginChainID:      1,
		DestinationChainID: 10,
		TickerHash:         "0x3333333333333333333333333333333333333333333333333333333333333333",
		Amount:             "15000000000000000000",
		Slippage:           30,
		Bridge:             "across",
		Recipient:          "0x1111111111111111111111111111111111111111",
	}
	require.NoError(t, store.CreateOperation(context.Background(), op))
	return op
}

func TestCreateEarmarkRejectsDuplicateInvoice(t *testing.T) {
	store := newTestStore(t)
	seedEarmark(t, store, "invoice-1")

	dup := &Earmark{InvoiceID: "invoice-1", DesignatedPurchaseChain: 1}
	err := store.CreateEarmark(context.Background(), dup)
	require.ErrorIs(t, err, ErrDuplicateInvoice)

	// No partial rows: still exactly one earmark and one audit row.
	earmarks, err := store.ListEarmarks(context.Background(), EarmarkFilter{})
	require.NoError(t, err)
	require.Len(t, earmarks, 1)
}

func TestOperationStatusTransitionWritesAudit(t *testing.T) {
	store := newTestStore(t)
	op := seedOperation(t, store, nil)

	require.NoError(t, store.UpdateOperationStatus(context.Background(), op.ID, OperationAwaitingCallback, "ready on destination"))
	require.NoError(t, store.UpdateOperationStatus(context.Background(), op.ID, OperationCompleted, "callback complete"))

	audits, err := store.OperationAudits(context.Background(), op.ID)
	require.NoError(t, err)
	require.Len(t, audits, 3)
	require.Equal(t, ActionCreate, audits[0].Action)
	require.Equal(t, string(OperationPending), audits[1].PriorStatus)
	require.Equal(t, string(OperationAwaitingCallback), audits[2].PriorStatus)
}

func TestTerminalOperationStatusIsImmutable(t *testing.T) {
	store := newTestStore(t)
	op := seedOperation(t, store, nil)
	require.NoError(t, store.UpdateOperationStatus(context.Background(), op.ID, OperationFailed, "submission failed"))

	err := store.UpdateOperationStatus(context.Background(), op.ID, OperationCompleted, "should not happen")
	require.ErrorIs(t, err, ErrTerminalStatus)

	loaded, err := store.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	require.Equal(t, OperationFailed, loaded.Status)
}

func TestAttachReceiptMergesMap(t *testing.T) {
	store := newTestStore(t)
	op := seedOperation(t, store, nil)

	first := &chain.Receipt{TxHash: gethcommon.HexToHash("0xaa"), BlockNumber: 100, Status: 1}
	second := &chain.Receipt{TxHash: gethcommon.HexToHash("0xbb"), BlockNumber: 7, Status: 1}
	require.NoError(t, store.AttachReceipt(context.Background(), op.ID, 1, first))
	require.NoError(t, store.AttachReceipt(context.Background(), op.ID, 10, second))

	loaded, err := store.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Transactions, 2)
	require.Equal(t, first.TxHash, loaded.Transactions[1].TxHash)
	require.Equal(t, uint64(7), loaded.Transactions[10].BlockNumber)
}

func TestPromoteEarmarkRequiresAllSiblingsTerminal(t *testing.T) {
	store := newTestStore(t)
	earmark := seedEarmark(t, store, "invoice-2")
	first := seedOperation(t, store, &earmark.ID)
	second := seedOperation(t, store, &earmark.ID)

	require.NoError(t, store.UpdateOperationStatus(context.Background(), first.ID, OperationCompleted, "done"))
	promoted, err := store.PromoteEarmarkIfComplete(context.Background(), earmark.ID, "check")
	require.NoError(t, err)
	require.False(t, promoted)

	require.NoError(t, store.UpdateOperationStatus(context.Background(), second.ID, OperationCompleted, "done"))
	promoted, err = store.PromoteEarmarkIfComplete(context.Background(), earmark.ID, "check")
	require.NoError(t, err)
	require.True(t, promoted)

	loaded, err := store.GetEarmark(context.Background(), earmark.ID)
	require.NoError(t, err)
	require.Equal(t, EarmarkReady, loaded.Status)
}

func TestCancelLastSiblingPromotesEarmark(t *testing.T) {
	store := newTestStore(t)
	earmark := seedEarmark(t, store, "invoice-3")
	done1 := seedOperation(t, store, &earmark.ID)
	done2 := seedOperation(t, store, &earmark.ID)
	pending := seedOperation(t, store, &earmark.ID)

	require.NoError(t, store.UpdateOperationStatus(context.Background(), done1.ID, OperationCompleted, "done"))
	require.NoError(t, store.UpdateOperationStatus(context.Background(), done2.ID, OperationCompleted, "done"))

	loaded, err := store.GetEarmark(context.Background(), earmark.ID)
	require.NoError(t, err)
	require.Equal(t, EarmarkPending, loaded.Status)

	require.NoError(t, store.CancelOperation(context.Background(), pending.ID, "operator cancel"))

	loaded, err = store.GetEarmark(context.Background(), earmark.ID)
	require.NoError(t, err)
	require.Equal(t, EarmarkReady, loaded.Status)
}

func TestCancelEarmarkOrphansChildren(t *testing.T) {
	store := newTestStore(t)
	earmark := seedEarmark(t, store, "invoice-4")
	pending := seedOperation(t, store, &earmark.ID)
	done := seedOperation(t, store, &earmark.ID)
	require.NoError(t, store.UpdateOperationStatus(context.Background(), done.ID, OperationCompleted, "done"))

	require.NoError(t, store.CancelEarmark(context.Background(), earmark.ID, "operator cancel"))

	loaded, err := store.GetEarmark(context.Background(), earmark.ID)
	require.NoError(t, err)
	require.Equal(t, EarmarkCancelled, loaded.Status)

	orphaned, err := store.GetOperation(context.Background(), pending.ID)
	require.NoError(t, err)
	require.True(t, orphaned.IsOrphaned)
	require.Equal(t, OperationPending, orphaned.Status)

	completed, err := store.GetOperation(context.Background(), done.ID)
	require.NoError(t, err)
	require.False(t, completed.IsOrphaned)

	err = store.CancelEarmark(context.Background(), earmark.ID, "again")
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestCancelOperationPreconditions(t *testing.T) {
	store := newTestStore(t)
	op := seedOperation(t, store, nil)
	require.NoError(t, store.UpdateOperationStatus(context.Background(), op.ID, OperationCompleted, "done"))

	err := store.CancelOperation(context.Background(), op.ID, "too late")
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestExpireSweepsStaleEntities(t *testing.T) {
	store := newTestStore(t)
	earmark := seedEarmark(t, store, "invoice-5")
	child := seedOperation(t, store, &earmark.ID)
	standalone := seedOperation(t, store, nil)

	cutoff := time.Now().Add(time.Hour)

	expiredEarmarks, err := store.ExpireEarmarksBefore(context.Background(), cutoff, "ttl exceeded")
	require.NoError(t, err)
	require.Equal(t, 1, expiredEarmarks)

	loaded, err := store.GetEarmark(context.Background(), earmark.ID)
	require.NoError(t, err)
	require.Equal(t, EarmarkExpired, loaded.Status)

	orphaned, err := store.GetOperation(context.Background(), child.ID)
	require.NoError(t, err)
	require.True(t, orphaned.IsOrphaned)
	require.Equal(t, OperationPending, orphaned.Status)

	expiredOps, err := store.ExpireStandaloneOperationsBefore(context.Background(), cutoff, "ttl exceeded")
	require.NoError(t, err)
	require.Equal(t, 1, expiredOps)

	expired, err := store.GetOperation(context.Background(), standalone.ID)
	require.NoError(t, err)
	require.Equal(t, OperationExpired, expired.Status)

	// The orphaned child is not standalone and must not be swept here.
	stillPending, err := store.GetOperation(context.Background(), child.ID)
	require.NoError(t, err)
	require.Equal(t, OperationPending, stillPending.Status)
}

func TestListOperationsFilters(t *testing.T) {
	store := newTestStore(t)
	earmark := seedEarmark(t, store, "invoice-6")
	child := seedOperation(t, store, &earmark.ID)
	standalone := seedOperation(t, store, nil)
	require.NoError(t, store.UpdateOperationStatus(context.Background(), standalone.ID, OperationCompleted, "done"))

	byEarmark, err := store.ListOperations(context.Background(), OperationFilter{EarmarkID: &earmark.ID})
	require.NoError(t, err)
	require.Len(t, byEarmark, 1)
	require.Equal(t, child.ID, byEarmark[0].ID)

	standaloneOnly, err := store.ListOperations(context.Background(), OperationFilter{Standalone: true})
	require.NoError(t, err)
	require.Len(t, standaloneOnly, 1)
	require.Equal(t, standalone.ID, standaloneOnly[0].ID)

	completed, err := store.ListOperations(context.Background(), OperationFilter{Statuses: []OperationStatus{OperationCompleted}})
	require.NoError(t, err)
	require.Len(t, completed, 1)

	_, err = store.ListOperations(context.Background(), OperationFilter{Limit: MaxListLimit + 1})
	require.ErrorIs(t, err, ErrInvalidFilter)
	_, err = store.ListOperations(context.Background(), OperationFilter{Offset: -1})
	require.ErrorIs(t, err, ErrInvalidFilter)
}

func TestDeleteEarmarkCascades(t *testing.T) {
	store := newTestStore(t)
	earmark := seedEarmark(t, store, "invoice-7")
	child := seedOperation(t, store, &earmark.ID)

	require.NoError(t, store.DeleteEarmark(context.Background(), earmark.ID, "admin delete"))

	_, err := store.GetEarmark(context.Background(), earmark.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetOperation(context.Background(), child.ID)
	require.ErrorIs(t, err, ErrNotFound)

	audits, err := store.EarmarkAudits(context.Background(), earmark.ID)
	require.NoError(t, err)
	require.Equal(t, ActionDelete, audits[len(audits)-1].Action)
}

func TestPauseRoundTrip(t *testing.T) {
	store := newTestStore(t)

	paused, err := store.IsPaused(context.Background(), PauseRebalance)
	require.NoError(t, err)
	require.False(t, paused)

	require.NoError(t, store.SetPause(context.Background(), PauseRebalance, true))
	paused, err = store.IsPaused(context.Background(), PauseRebalance)
	require.NoError(t, err)
	require.True(t, paused)

	require.NoError(t, store.SetPause(context.Background(), PauseRebalance, false))
	paused, err = store.IsPaused(context.Background(), PauseRebalance)
	require.NoError(t, err)
	require.False(t, paused)

	_, err = store.IsPaused(context.Background(), "unknown")
	require.Error(t, err)

	all, err := store.Pauses(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
}
