package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"markd/chain"
)

// OperationFilter selects rebalance operations for a listing. Standalone
// restricts the listing to operations without an earmark.
type OperationFilter struct {
	Statuses   []OperationStatus
	ChainID    *uint64
	EarmarkID  *uuid.UUID
	Standalone bool
	Limit      int
	Offset     int
}

// CreateOperation persists a new rebalance operation and its creation audit
// row in one transaction.
func (s *Store) CreateOperation(ctx context.Context, op *RebalanceOperation) error {
	if op == nil {
		return fmt.Errorf("storage: operation required")
	}
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.Status == "" {
		op.Status = OperationPending
	}
	if op.Transactions == nil {
		op.Transactions = TxReceipts{}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(op).Error; err != nil {
			return fmt.Errorf("insert operation: %w", err)
		}
		audit := OperationAuditLog{
			OperationID: op.ID,
			Action:      ActionCreate,
			PriorStatus: "",
			Reason:      "operation created",
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
}

// GetOperation loads one operation.
func (s *Store) GetOperation(ctx context.Context, id uuid.UUID) (*RebalanceOperation, error) {
	var op RebalanceOperation
	err := s.db.WithContext(ctx).First(&op, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: operation %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("query operation: %w", err)
	}
	return &op, nil
}

// ListOperations returns operations matching the filter, newest first.
func (s *Store) ListOperations(ctx context.Context, filter OperationFilter) ([]RebalanceOperation, error) {
	limit, offset, err := normalizeLimit(filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Model(&RebalanceOperation{})
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.ChainID != nil {
		query = query.Where("origin_chain_id = ?", *filter.ChainID)
	}
	if filter.Standalone {
		query = query.Where("earmark_id IS NULL")
	} else if filter.EarmarkID != nil {
		query = query.Where("earmark_id = ?", *filter.EarmarkID)
	}
	var ops []RebalanceOperation
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&ops).Error; err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// UpdateOperationStatus transitions the operation and appends an audit row in
// one transaction. Terminal statuses are immutable.
func (s *Store) UpdateOperationStatus(ctx context.Context, id uuid.UUID, status OperationStatus, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return transitionOperation(tx, id, status, reason)
	})
}

func transitionOperation(tx *gorm.DB, id uuid.UUID, status OperationStatus, reason string) error {
	var op RebalanceOperation
	if err := lockForUpdate(tx).First(&op, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: operation %s", ErrNotFound, id)
		}
		return fmt.Errorf("lock operation: %w", err)
	}
	if op.Status.Terminal() {
		return fmt.Errorf("%w: operation %s is %s", ErrTerminalStatus, id, op.Status)
	}
	prior := op.Status
	if err := tx.Model(&op).Update("status", status).Error; err != nil {
		return fmt.Errorf("update operation status: %w", err)
	}
	audit := OperationAuditLog{
		OperationID: id,
		Action:      ActionStatus,
		PriorStatus: string(prior),
		Reason:      reason,
	}
	if err := tx.Create(&audit).Error; err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AttachReceipt merges a submitted receipt into the operation's transaction
// map under the chain it executed on.
func (s *Store) AttachReceipt(ctx context.Context, id uuid.UUID, chainID uint64, receipt *chain.Receipt) error {
	if receipt == nil {
		return fmt.Errorf("storage: receipt required")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var op RebalanceOperation
		if err := lockForUpdate(tx).First(&op, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: operation %s", ErrNotFound, id)
			}
			return fmt.Errorf("lock operation: %w", err)
		}
		merged := TxReceipts(chain.ReceiptMap(op.Transactions).Merge(chainID, receipt))
		if err := tx.Model(&op).Update("transactions", merged).Error; err != nil {
			return fmt.Errorf("update receipts: %w", err)
		}
		return nil
	})
}

// UpdateOperationAmount overrides the stored amount. Bridges that settle a
// different figure than requested report it through the send entry's
// effective amount; the override happens before the operation leaves PENDING.
func (s *Store) UpdateOperationAmount(ctx context.Context, id uuid.UUID, amount string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var op RebalanceOperation
		if err := lockForUpdate(tx).First(&op, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: operation %s", ErrNotFound, id)
			}
			return fmt.Errorf("lock operation: %w", err)
		}
		if op.Status.Terminal() {
			return fmt.Errorf("%w: operation %s is %s", ErrTerminalStatus, id, op.Status)
		}
		if err := tx.Model(&op).Update("amount", amount).Error; err != nil {
			return fmt.Errorf("update amount: %w", err)
		}
		return nil
	})
}

// CancelOperation cancels an operation. Preconditions: the operation must be
// PENDING or AWAITING_CALLBACK. When the operation belongs to an earmark, the
// sibling promotion check runs in the same transaction so the earmark flips
// to READY the moment its last sibling reaches a terminal status.
func (s *Store) CancelOperation(ctx context.Context, id uuid.UUID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var op RebalanceOperation
		if err := lockForUpdate(tx).First(&op, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: operation %s", ErrNotFound, id)
			}
			return fmt.Errorf("lock operation: %w", err)
		}
		if op.Status != OperationPending && op.Status != OperationAwaitingCallback {
			return fmt.Errorf("%w: operation %s is %s", ErrPrecondition, id, op.Status)
		}
		if err := transitionOperation(tx, id, OperationCancelled, reason); err != nil {
			return err
		}
		if op.EarmarkID != nil && !op.IsOrphaned {
			if _, err := promoteIfComplete(tx, *op.EarmarkID, "all sibling operations terminal"); err != nil {
				return err
			}
		}
		return nil
	})
}

// promoteIfComplete is the in-transaction body of PromoteEarmarkIfComplete.
// FAILED siblings block promotion: the earmark never becomes READY over a
// transfer that is known to have lost its inventory.
func promoteIfComplete(tx *gorm.DB, earmarkID uuid.UUID, reason string) (bool, error) {
	var earmark Earmark
	if err := lockForUpdate(tx).First(&earmark, "id = ?", earmarkID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("%w: earmark %s", ErrNotFound, earmarkID)
		}
		return false, fmt.Errorf("lock earmark: %w", err)
	}
	if earmark.Status != EarmarkPending {
		return false, nil
	}
	var siblings []RebalanceOperation
	if err := tx.Where("earmark_id = ?", earmarkID).Find(&siblings).Error; err != nil {
		return false, fmt.Errorf("load child operations: %w", err)
	}
	completed := 0
	for _, sibling := range siblings {
		switch sibling.Status {
		case OperationCompleted:
			completed++
		case OperationCancelled, OperationExpired:
		default:
			return false, nil
		}
	}
	if completed == 0 {
		return false, nil
	}
	if err := transitionEarmark(tx, earmarkID, EarmarkReady, reason); err != nil {
		return false, err
	}
	return true, nil
}

// ExpireStandaloneOperationsBefore marks every non-terminal standalone
// operation created before the cutoff as EXPIRED. Returns the number expired.
func (s *Store) ExpireStandaloneOperationsBefore(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	expired := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []RebalanceOperation
		if err := tx.Where(
			"earmark_id IS NULL AND status IN ? AND created_at < ?",
			[]OperationStatus{OperationPending, OperationAwaitingCallback},
			cutoff,
		).Find(&stale).Error; err != nil {
			return fmt.Errorf("query stale operations: %w", err)
		}
		for _, op := range stale {
			if err := transitionOperation(tx, op.ID, OperationExpired, reason); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	return expired, err
}

// EarmarkAudits returns the audit trail of one earmark, oldest first.
func (s *Store) EarmarkAudits(ctx context.Context, earmarkID uuid.UUID) ([]EarmarkAuditLog, error) {
	var audits []EarmarkAuditLog
	if err := s.db.WithContext(ctx).Where("earmark_id = ?", earmarkID).Order("id ASC").Find(&audits).Error; err != nil {
		return nil, fmt.Errorf("list earmark audits: %w", err)
	}
	return audits, nil
}

// OperationAudits returns the audit trail of one operation, oldest first.
func (s *Store) OperationAudits(ctx context.Context, operationID uuid.UUID) ([]OperationAuditLog, error) {
	var audits []OperationAuditLog
	if err := s.db.WithContext(ctx).Where("operation_id = ?", operationID).Order("id ASC").Find(&audits).Error; err != nil {
		return nil, fmt.Errorf("list operation audits: %w", err)
	}
	return audits, nil
}
