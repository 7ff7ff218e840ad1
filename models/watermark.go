package models

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// ErrWatermarkRegression is fatal for a cycle: the cursor moved backward.
// Never auto-corrected; an administrator has to look at it.
var ErrWatermarkRegression = errors.New("watermark moved backward")

// SyncWatermark holds, per source, the highest successfully-committed
// cursor. Legacy positions are stringified extract row ids; live positions
// are RFC3339 updated_at timestamps. Both orderings are preserved by a
// source-aware compare, and a watermark is only ever mutated in the same
// transaction as the rows it covers.
type SyncWatermark struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	Source    string    `gorm:"uniqueIndex;size:10;not null" json:"source"`
	Position  string    `gorm:"size:64;not null" json:"position"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetWatermark(ctx context.Context, db *gorm.DB, source string) (SyncWatermark, error) {
	var wm SyncWatermark
	err := db.WithContext(ctx).Where("source = ?", source).Take(&wm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncWatermark{Source: source}, nil
	}
	return wm, err
}

// AdvanceWatermark moves the watermark for source forward to position.
// Equal positions are a no-op; a smaller position is ErrWatermarkRegression.
func AdvanceWatermark(tx *gorm.DB, source string, position string) error {
	var wm SyncWatermark
	err := tx.Where("source = ?", source).Take(&wm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&SyncWatermark{Source: source, Position: position}).Error
	}
	if err != nil {
		return err
	}

	switch ComparePositions(source, position, wm.Position) {
	case 0:
		return nil
	case -1:
		return ErrWatermarkRegression
	}

	return tx.Model(&wm).Update("position", position).Error
}

// ComparePositions orders two cursor positions for a source: -1, 0 or 1.
// An empty position sorts before everything (fresh watermark).
func ComparePositions(source string, a string, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}

	if source == SourceLegacy {
		ai, aerr := strconv.ParseInt(a, 10, 64)
		bi, berr := strconv.ParseInt(b, 10, 64)
		if aerr == nil && berr == nil {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			default:
				return 0
			}
		}
	}

	// RFC3339 timestamps order lexicographically.
	if a < b {
		return -1
	}
	return 1
}
