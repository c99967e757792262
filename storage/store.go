// Package storage owns every persisted entity of the rebalance engine:
// earmarks, rebalance operations, their audit trails, and the durable pause
// flags. All status transitions are single transactions that write the row
// and append one audit row; no other component mutates rows.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrTerminalStatus is returned when a transition would mutate an
	// entity already in a terminal status.
	ErrTerminalStatus = errors.New("storage: status is terminal")

	// ErrPrecondition is returned when an admin action's preconditions do
	// not hold, e.g. cancelling a completed operation.
	ErrPrecondition = errors.New("storage: precondition failed")

	// ErrDuplicateInvoice is returned when an earmark already exists for
	// the invoice id.
	ErrDuplicateInvoice = errors.New("storage: invoice already earmarked")

	// ErrInvalidFilter is returned for out-of-range pagination parameters.
	ErrInvalidFilter = errors.New("storage: invalid filter")

	// ErrUnknownPause is returned for pause keys outside the defined set.
	ErrUnknownPause = errors.New("storage: unknown pause key")
)

// Pause keys. No others are defined.
const (
	PauseRebalance = "rebalance"
	PauseOndemand  = "ondemand"
	PausePurchase  = "purchase"
)

// MaxListLimit bounds paginated listings.
const MaxListLimit = 1000

// Store wraps the persistence layer.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to postgres with the supplied DSN and migrates the schema.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("storage: dsn required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an existing gorm handle; tests pass an in-memory sqlite
// database here and run against the same code paths as production.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: db required")
	}
	if err := db.AutoMigrate(
		&Earmark{},
		&RebalanceOperation{},
		&EarmarkAuditLog{},
		&OperationAuditLog{},
		&Pause{},
	); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	store := &Store{db: db, now: time.Now}
	if err := store.seedPauses(); err != nil {
		return nil, err
	}
	return store, nil
}

// WithClock overrides the timestamp source; tests use this for determinism.
func (s *Store) WithClock(clock func() time.Time) *Store {
	if clock != nil {
		s.now = clock
	}
	return s
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) seedPauses() error {
	for _, key := range []string{PauseRebalance, PauseOndemand, PausePurchase} {
		row := Pause{Key: key, Paused: false, UpdatedAt: s.now().UTC()}
		if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("seed pause %s: %w", key, err)
		}
	}
	return nil
}

// lockForUpdate applies row locking on dialects that support it. SQLite
// serializes writers on its own.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func normalizeLimit(limit, offset int) (int, int, error) {
	if limit < 0 || limit > MaxListLimit {
		return 0, 0, fmt.Errorf("%w: limit %d out of range", ErrInvalidFilter, limit)
	}
	if offset < 0 {
		return 0, 0, fmt.Errorf("%w: offset %d out of range", ErrInvalidFilter, offset)
	}
	if limit == 0 {
		limit = 100
	}
	return limit, offset, nil
}
