package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

func validPauseKey(key string) bool {
	switch key {
	case PauseRebalance, PauseOndemand, PausePurchase:
		return true
	}
	return false
}

// IsPaused reports the durable pause flag for the supplied key.
func (s *Store) IsPaused(ctx context.Context, key string) (bool, error) {
	if !validPauseKey(key) {
		return false, fmt.Errorf("%w: %q", ErrUnknownPause, key)
	}
	var pause Pause
	if err := s.db.WithContext(ctx).First(&pause, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("query pause %s: %w", key, err)
	}
	return pause.Paused, nil
}

// SetPause flips the durable pause flag for the supplied key.
func (s *Store) SetPause(ctx context.Context, key string, paused bool) error {
	if !validPauseKey(key) {
		return fmt.Errorf("%w: %q", ErrUnknownPause, key)
	}
	result := s.db.WithContext(ctx).Model(&Pause{}).Where("key = ?", key).
		Updates(map[string]any{"paused": paused, "updated_at": s.now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("update pause %s: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		row := Pause{Key: key, Paused: paused, UpdatedAt: s.now().UTC()}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("insert pause %s: %w", key, err)
		}
	}
	return nil
}

// Pauses returns all pause flags keyed by name.
func (s *Store) Pauses(ctx context.Context) (map[string]bool, error) {
	var rows []Pause
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query pauses: %w", err)
	}
	out := make(map[string]bool, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Paused
	}
	return out, nil
}
