package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// LegacyPosLine is one sale line of the batch-extracted history from the old
// register. Columns stay text-typed on purpose: the extract is dirty and all
// parsing happens in the normalizer, per run, so a bad cell never blocks the
// import itself. Rows are frozen once imported; the auto-increment id is the
// legacy source's cursor.
type LegacyPosLine struct {
	ID            uint   `gorm:"primary_key" json:"id"`
	ReceiptNumber string `gorm:"index;size:64;not null" json:"receipt_number"`
	LineNumber    int    `gorm:"not null" json:"line_number"`
	DateText      string `gorm:"size:40" json:"date_text"`
	ProductCode   string `gorm:"size:100" json:"product_code"`
	ProductName   string `gorm:"size:255" json:"product_name"`
	QtyText       string `gorm:"size:20" json:"qty_text"`
	UnitPriceText string `gorm:"size:20" json:"unit_price_text"`
	ListPriceText string `gorm:"size:20" json:"list_price_text"`
	PaymentMethod string `gorm:"size:50" json:"payment_method"`
	CustomerPhone string `gorm:"size:50" json:"customer_phone"`
	// SaleDate is a best-effort parse of DateText done at import so range
	// reprocessing can scan by date. The normalizer reparses DateText and
	// remains authoritative.
	SaleDate   *time.Time `gorm:"index" json:"sale_date"`
	ImportedAt time.Time  `gorm:"autoCreateTime" json:"imported_at"`
}

func MaxLegacyLineId(ctx context.Context, db *gorm.DB) (uint, error) {
	var maxId *uint
	err := db.WithContext(ctx).
		Model(&LegacyPosLine{}).
		Select("MAX(id)").
		Scan(&maxId).Error
	if err != nil || maxId == nil {
		return 0, err
	}
	return *maxId, nil
}
