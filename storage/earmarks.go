package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EarmarkFilter selects earmarks for a listing.
type EarmarkFilter struct {
	Statuses []EarmarkStatus
	ChainID  *uint64
	Limit    int
	Offset   int
}

// CreateEarmark persists a new PENDING earmark. The invoice id is unique; a
// duplicate leaves no partial rows behind.
func (s *Store) CreateEarmark(ctx context.Context, earmark *Earmark) error {
	if earmark == nil {
		return fmt.Errorf("storage: earmark required")
	}
	if strings.TrimSpace(earmark.InvoiceID) == "" {
		return fmt.Errorf("storage: invoice id required")
	}
	if earmark.ID == uuid.Nil {
		earmark.ID = uuid.New()
	}
	if earmark.Status == "" {
		earmark.Status = EarmarkPending
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The unique index on invoice_id is the arbiter; racing creates
		// both insert and the loser surfaces the translated conflict.
		if err := tx.Create(earmark).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s", ErrDuplicateInvoice, earmark.InvoiceID)
			}
			return fmt.Errorf("insert earmark: %w", err)
		}
		audit := EarmarkAuditLog{
			EarmarkID:   earmark.ID,
			Action:      ActionCreate,
			PriorStatus: "",
			Reason:      "earmark created",
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
}

// GetEarmark loads one earmark with its child operations.
func (s *Store) GetEarmark(ctx context.Context, id uuid.UUID) (*Earmark, error) {
	var earmark Earmark
	err := s.db.WithContext(ctx).Preload("Operations").First(&earmark, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: earmark %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("query earmark: %w", err)
	}
	return &earmark, nil
}

// ListEarmarks returns earmarks matching the filter, newest first.
func (s *Store) ListEarmarks(ctx context.Context, filter EarmarkFilter) ([]Earmark, error) {
	limit, offset, err := normalizeLimit(filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Model(&Earmark{})
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.ChainID != nil {
		query = query.Where("designated_purchase_chain = ?", *filter.ChainID)
	}
	var earmarks []Earmark
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&earmarks).Error; err != nil {
		return nil, fmt.Errorf("list earmarks: %w", err)
	}
	return earmarks, nil
}

// UpdateEarmarkStatus transitions the earmark and appends an audit row in one
// transaction. Terminal statuses are immutable.
func (s *Store) UpdateEarmarkStatus(ctx context.Context, id uuid.UUID, status EarmarkStatus, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return transitionEarmark(tx, id, status, reason)
	})
}

func transitionEarmark(tx *gorm.DB, id uuid.UUID, status EarmarkStatus, reason string) error {
	var earmark Earmark
	if err := lockForUpdate(tx).First(&earmark, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: earmark %s", ErrNotFound, id)
		}
		return fmt.Errorf("lock earmark: %w", err)
	}
	if earmark.Status.Terminal() {
		return fmt.Errorf("%w: earmark %s is %s", ErrTerminalStatus, id, earmark.Status)
	}
	prior := earmark.Status
	if err := tx.Model(&earmark).Update("status", status).Error; err != nil {
		return fmt.Errorf("update earmark status: %w", err)
	}
	audit := EarmarkAuditLog{
		EarmarkID:   id,
		Action:      ActionStatus,
		PriorStatus: string(prior),
		Reason:      reason,
	}
	if err := tx.Create(&audit).Error; err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// CancelEarmark cancels an earmark and orphans its non-terminal child
// operations without changing their status. Preconditions: the earmark must
// not already be COMPLETED, CANCELLED, or EXPIRED.
func (s *Store) CancelEarmark(ctx context.Context, id uuid.UUID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var earmark Earmark
		if err := lockForUpdate(tx).First(&earmark, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: earmark %s", ErrNotFound, id)
			}
			return fmt.Errorf("lock earmark: %w", err)
		}
		if earmark.Status.Terminal() {
			return fmt.Errorf("%w: earmark %s is %s", ErrPrecondition, id, earmark.Status)
		}
		if err := transitionEarmark(tx, id, EarmarkCancelled, reason); err != nil {
			return err
		}
		return orphanChildren(tx, id, reason)
	})
}

// orphanChildren flags every non-terminal child operation as orphaned. The
// operations keep progressing through the callback engine; the earmark simply
// stops gating on them.
func orphanChildren(tx *gorm.DB, earmarkID uuid.UUID, reason string) error {
	var children []RebalanceOperation
	if err := tx.Where("earmark_id = ?", earmarkID).Find(&children).Error; err != nil {
		return fmt.Errorf("load child operations: %w", err)
	}
	for _, child := range children {
		if child.Status.Terminal() || child.IsOrphaned {
			continue
		}
		if err := tx.Model(&RebalanceOperation{}).Where("id = ?", child.ID).Update("is_orphaned", true).Error; err != nil {
			return fmt.Errorf("orphan operation %s: %w", child.ID, err)
		}
		audit := OperationAuditLog{
			OperationID: child.ID,
			Action:      ActionOrphan,
			PriorStatus: string(child.Status),
			Reason:      reason,
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
	}
	return nil
}

// DeleteEarmark removes an earmark and its child operations in one
// transaction, leaving a single audit row behind.
func (s *Store) DeleteEarmark(ctx context.Context, id uuid.UUID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var earmark Earmark
		if err := lockForUpdate(tx).First(&earmark, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: earmark %s", ErrNotFound, id)
			}
			return fmt.Errorf("lock earmark: %w", err)
		}
		if err := tx.Where("earmark_id = ?", id).Delete(&RebalanceOperation{}).Error; err != nil {
			return fmt.Errorf("delete child operations: %w", err)
		}
		if err := tx.Delete(&Earmark{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("delete earmark: %w", err)
		}
		audit := EarmarkAuditLog{
			EarmarkID:   id,
			Action:      ActionDelete,
			PriorStatus: string(earmark.Status),
			Reason:      reason,
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
}

// PromoteEarmarkIfComplete flips a PENDING earmark to READY once every child
// operation is terminal and at least one completed. The sibling check and the
// earmark update run in the same transaction. Returns true when the earmark
// was promoted.
func (s *Store) PromoteEarmarkIfComplete(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	promoted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		promoted, err = promoteIfComplete(tx, id, reason)
		return err
	})
	return promoted, err
}

// ExpireEarmarksBefore marks every PENDING or READY earmark created before
// the cutoff as EXPIRED and orphans its non-terminal children. Returns the
// number of earmarks expired.
func (s *Store) ExpireEarmarksBefore(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	expired := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []Earmark
		if err := tx.Where("status IN ? AND created_at < ?", []EarmarkStatus{EarmarkPending, EarmarkReady}, cutoff).Find(&stale).Error; err != nil {
			return fmt.Errorf("query stale earmarks: %w", err)
		}
		for _, earmark := range stale {
			if err := transitionEarmark(tx, earmark.ID, EarmarkExpired, reason); err != nil {
				return err
			}
			if err := orphanChildren(tx, earmark.ID, reason); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	return expired, err
}
