package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProductRef is the product/category reference catalog the enrichment pass
// joins against. UnitCost is nullable: absence means cost data simply is not
// known for that product, and derived margin stays null too.
type ProductRef struct {
	ID   uint   `gorm:"primary_key" json:"id"`
	Code string `gorm:"uniqueIndex;size:100;not null" json:"code"`
	Name string `gorm:"size:255;not null" json:"name"`
	// LegacyName is the display name the old register printed; used as the
	// fallback match for extract rows that predate product codes.
	LegacyName string           `gorm:"index;size:255" json:"legacy_name"`
	Category   string           `gorm:"size:100" json:"category"`
	UnitCost   *decimal.Decimal `gorm:"type:decimal(20,4)" json:"unit_cost"`
	IsActive   *bool            `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// LookupProductRef matches by product code first, then by legacy display
// name. A miss returns (nil, nil): missing reference data is a gap, not an
// error.
func LookupProductRef(ctx context.Context, db *gorm.DB, code string, name string) (*ProductRef, error) {
	code = strings.TrimSpace(code)
	if code != "" {
		var ref ProductRef
		err := db.WithContext(ctx).Where("code = ?", code).Take(&ref).Error
		if err == nil {
			return &ref, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	var ref ProductRef
	err := db.WithContext(ctx).Where("legacy_name = ?", name).Take(&ref).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ref, nil
}
