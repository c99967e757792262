package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"markd/chain"
)

// EarmarkStatus enumerates the earmark lifecycle.
type EarmarkStatus string

const (
	EarmarkPending   EarmarkStatus = "PENDING"
	EarmarkReady     EarmarkStatus = "READY"
	EarmarkCompleted EarmarkStatus = "COMPLETED"
	EarmarkCancelled EarmarkStatus = "CANCELLED"
	EarmarkExpired   EarmarkStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s EarmarkStatus) Terminal() bool {
	switch s {
	case EarmarkCompleted, EarmarkCancelled, EarmarkExpired:
		return true
	}
	return false
}

// OperationStatus enumerates the rebalance operation lifecycle.
type OperationStatus string

const (
	OperationPending          OperationStatus = "PENDING"
	OperationAwaitingCallback OperationStatus = "AWAITING_CALLBACK"
	OperationCompleted        OperationStatus = "COMPLETED"
	OperationCancelled        OperationStatus = "CANCELLED"
	OperationExpired          OperationStatus = "EXPIRED"
	OperationFailed           OperationStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationCompleted, OperationCancelled, OperationExpired, OperationFailed:
		return true
	}
	return false
}

// Earmark reserves upcoming inventory against a specific invoice.
type Earmark struct {
	ID                      uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	InvoiceID               string        `gorm:"uniqueIndex;size:128" json:"invoiceId"`
	DesignatedPurchaseChain uint64        `gorm:"index" json:"designatedPurchaseChain"`
	TickerHash              string        `gorm:"size:66;index" json:"tickerHash"`
	MinAmount               string        `json:"minAmount"`
	Status                  EarmarkStatus `gorm:"size:32;index" json:"status"`
	CreatedAt               time.Time     `json:"createdAt"`
	UpdatedAt               time.Time     `json:"updatedAt"`
	Operations              []RebalanceOperation `gorm:"foreignKey:EarmarkID" json:"operations,omitempty"`
}

// TxReceipts persists the per-chain receipt map as a JSON document.
type TxReceipts chain.ReceiptMap

// Value implements driver.Valuer.
func (t TxReceipts) Value() (driver.Value, error) {
	if t == nil {
		return "{}", nil
	}
	data, err := json.Marshal(chain.ReceiptMap(t))
	if err != nil {
		return nil, fmt.Errorf("marshal receipts: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (t *TxReceipts) Scan(value any) error {
	if value == nil {
		*t = TxReceipts{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported receipts column type %T", value)
	}
	if len(data) == 0 {
		*t = TxReceipts{}
		return nil
	}
	var m chain.ReceiptMap
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("unmarshal receipts: %w", err)
	}
	*t = TxReceipts(m)
	return nil
}

// GormDataType hints the column type; postgres gets jsonb, sqlite stores text.
func (TxReceipts) GormDataType() string { return "jsonb" }

// RebalanceOperation is one multi-phase transfer of inventory from an origin
// chain to a destination chain through a bridge.
type RebalanceOperation struct {
	ID                 uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	EarmarkID          *uuid.UUID      `gorm:"type:uuid;index" json:"earmarkId,omitempty"`
	OriginChainID      uint64          `gorm:"index" json:"originChainId"`
	DestinationChainID uint64          `gorm:"index" json:"destinationChainId"`
	TickerHash         string          `gorm:"size:66;index" json:"tickerHash"`
	// PrincipalChainID is the chain the Rebalance entry executed on. Usually
	// the origin chain, but bridges may place the principal elsewhere.
	PrincipalChainID uint64          `json:"principalChainId"`
	Amount           string          `json:"amount"`   // canonical 18-decimal units
	Slippage         int32           `json:"slippage"` // basis points
	Status           OperationStatus `gorm:"size:32;index" json:"status"`
	Bridge           string          `gorm:"size:64" json:"bridge"`
	Recipient        string          `gorm:"size:64" json:"recipient"`
	Transactions     TxReceipts      `json:"transactions"`
	IsOrphaned       bool            `gorm:"default:false" json:"isOrphaned"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// EarmarkAuditLog is the append-only trail of earmark status mutations.
type EarmarkAuditLog struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	EarmarkID   uuid.UUID `gorm:"type:uuid;index" json:"earmarkId"`
	Action      string    `gorm:"size:64" json:"action"`
	PriorStatus string    `gorm:"size:32" json:"priorStatus"`
	Reason      string    `gorm:"size:512" json:"reason"`
	CreatedAt   time.Time `json:"createdAt"`
}

// OperationAuditLog is the append-only trail of operation status mutations.
type OperationAuditLog struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	OperationID uuid.UUID `gorm:"type:uuid;index" json:"operationId"`
	Action      string    `gorm:"size:64" json:"action"`
	PriorStatus string    `gorm:"size:32" json:"priorStatus"`
	Reason      string    `gorm:"size:512" json:"reason"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Pause is a durable subsystem gate.
type Pause struct {
	Key       string    `gorm:"primaryKey;size:32" json:"key"`
	Paused    bool      `json:"paused"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Audit actions.
const (
	ActionCreate = "CREATE"
	ActionStatus = "STATUS_CHANGE"
	ActionOrphan = "ORPHAN"
	ActionDelete = "DELETE"
)
