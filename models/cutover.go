package models

import (
	"context"
	"errors"
	"time"

	"github.com/lengolf/possync_backend/utils"
	"gorm.io/gorm"
)

// ErrCutoverConflict is returned when a new cutover date would retroactively
// contradict already-committed provenance and reprocess was not requested.
var ErrCutoverConflict = errors.New("cutover date contradicts committed provenance")

// CutoverConfig is the single piece of global mutable state in the engine:
// the boundary date separating which source owns a transaction date.
// Rows are append-only; changing the boundary inserts a new active row and
// deactivates the prior one, so every historical resolution decision stays
// reproducible from stored state.
type CutoverConfig struct {
	ID             uint      `gorm:"primary_key" json:"id"`
	CutoverDate    time.Time `gorm:"not null" json:"cutover_date"`
	Description    string    `gorm:"size:255" json:"description"`
	EffectiveSince time.Time `gorm:"not null" json:"effective_since"`
	Active         *bool     `gorm:"index;not null;default:false" json:"active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Resolve answers which source owns the given transaction date.
// Dates on or before the boundary belong to the legacy extract.
func (c CutoverConfig) Resolve(date time.Time) string {
	if !date.After(c.CutoverDate) {
		return SourceLegacy
	}
	return SourceLive
}

func ActiveCutover(ctx context.Context, db *gorm.DB) (CutoverConfig, error) {
	var cfg CutoverConfig
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Order("id DESC").
		Take(&cfg).Error
	return cfg, err
}

// SetCutover records a new boundary date. Committed ledger rows are never
// touched here; reclassifying them requires an explicit reprocess run.
// Without allowReprocess the change is rejected if any committed row's
// provenance would contradict the new boundary.
func SetCutover(ctx context.Context, db *gorm.DB, newDate time.Time, description string, allowReprocess bool) (CutoverConfig, error) {
	if !allowReprocess {
		conflicts, err := CountProvenanceConflicts(ctx, db, newDate)
		if err != nil {
			return CutoverConfig{}, err
		}
		if conflicts > 0 {
			return CutoverConfig{}, ErrCutoverConflict
		}
	}

	now := time.Now()
	next := CutoverConfig{
		CutoverDate:    newDate,
		Description:    description,
		EffectiveSince: now,
		Active:         utils.NewTrue(),
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&CutoverConfig{}).
			Where("active = ?", true).
			Update("active", false).Error; err != nil {
			return err
		}
		return tx.Create(&next).Error
	})
	if err != nil {
		return CutoverConfig{}, err
	}
	return next, nil
}
