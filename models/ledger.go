package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	SourceLegacy = "legacy"
	SourceLive   = "live"
)

// CanonicalSaleRecord is the unified ledger row every downstream reader
// consumes. The natural key (receipt_number, line_seq, source) is the
// idempotency anchor: re-inserting the same key is a no-op, not a duplicate.
type CanonicalSaleRecord struct {
	ID            uint            `gorm:"primary_key" json:"id"`
	ReceiptNumber string          `gorm:"uniqueIndex:idx_canonical_natural_key,priority:1;size:64;not null" json:"receipt_number"`
	LineSeq       int             `gorm:"uniqueIndex:idx_canonical_natural_key,priority:2;not null" json:"line_seq"`
	Source        string          `gorm:"uniqueIndex:idx_canonical_natural_key,priority:3;size:10;not null" json:"source"`
	SaleDate      time.Time       `gorm:"index;not null" json:"sale_date"`
	ProductCode   string          `gorm:"index;size:100" json:"product_code"`
	ProductName   string          `gorm:"size:255" json:"product_name"`
	Qty           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	GrossAmount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"gross_amount"`
	NetAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"net_amount"`
	TaxAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax_amount"`
	// DiscountAmount is stored as a positive reduction.
	DiscountAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount_amount"`
	PaymentMethod  string          `gorm:"size:50" json:"payment_method"`
	CustomerPhone  string          `gorm:"size:50" json:"customer_phone"`

	// Enrichment fields stay null when no catalog match or no cost data
	// exists; defaulting to zero would corrupt margin math downstream.
	Category *string          `gorm:"size:100" json:"category"`
	UnitCost *decimal.Decimal `gorm:"type:decimal(20,4)" json:"unit_cost"`
	Margin   *decimal.Decimal `gorm:"type:decimal(20,4)" json:"margin"`

	CustomerId  *uint     `gorm:"index" json:"customer_id"`
	SyncBatchId string    `gorm:"index;size:64;not null" json:"sync_batch_id"`
	ProcessedAt time.Time `gorm:"not null" json:"processed_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CountSaleRecords(ctx context.Context, db *gorm.DB, source string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&CanonicalSaleRecord{}).
		Where("source = ?", source).
		Count(&count).Error
	return count, err
}

// CountProvenanceConflicts reports how many committed rows a cutover at
// newDate would contradict: legacy rows dated after it plus live rows dated
// on or before it.
func CountProvenanceConflicts(ctx context.Context, db *gorm.DB, newDate time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&CanonicalSaleRecord{}).
		Where("(source = ? AND sale_date > ?) OR (source = ? AND sale_date <= ?)",
			SourceLegacy, newDate, SourceLive, newDate).
		Count(&count).Error
	return count, err
}

// DeleteSaleRange removes committed rows for an exact (source, date range)
// combination. Only the explicit reprocessing path may call this.
func DeleteSaleRange(tx *gorm.DB, source string, from time.Time, to time.Time) (int64, error) {
	res := tx.
		Where("source = ? AND sale_date >= ? AND sale_date <= ?", source, from, to).
		Delete(&CanonicalSaleRecord{})
	return res.RowsAffected, res.Error
}
