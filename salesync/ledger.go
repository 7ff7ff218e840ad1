package salesync

import (
	"context"
	"errors"
	"time"

	"github.com/lengolf/possync_backend/models"
	"gorm.io/gorm"
)

// commitBatch inserts normalized records into the canonical ledger.
// Insertion keys on the natural key; an existing key is a successful no-op,
// which is what makes retried and overlapping cycles safe. Rows are stamped
// with the batch id and processing time.
func commitBatch(ctx context.Context, tx *gorm.DB, batch []StagingRecord, batchId string) (inserted int, duplicates int, err error) {
	now := time.Now()
	for _, rec := range batch {
		var existing models.CanonicalSaleRecord
		findErr := tx.
			Select("id").
			Where("receipt_number = ? AND line_seq = ? AND source = ?",
				rec.ReceiptNumber, rec.LineSeq, rec.Source).
			Take(&existing).Error
		if findErr == nil {
			duplicates++
			continue
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return inserted, duplicates, findErr
		}

		row := models.CanonicalSaleRecord{
			ReceiptNumber:  rec.ReceiptNumber,
			LineSeq:        rec.LineSeq,
			Source:         rec.Source,
			SaleDate:       rec.SaleDate,
			ProductCode:    rec.ProductCode,
			ProductName:    rec.ProductName,
			Qty:            rec.Qty,
			GrossAmount:    rec.GrossAmount,
			NetAmount:      rec.NetAmount,
			TaxAmount:      rec.TaxAmount,
			DiscountAmount: rec.Discount,
			PaymentMethod:  rec.PaymentMethod,
			CustomerPhone:  rec.CustomerPhone,
			SyncBatchId:    batchId,
			ProcessedAt:    now,
		}
		if createErr := tx.Create(&row).Error; createErr != nil {
			return inserted, duplicates, createErr
		}
		inserted++
	}
	return inserted, duplicates, nil
}

// enrichBatch is the deferred join pass: rows are inserted with their stable
// identifier first, then reference data is attached here, outside the insert
// transaction, so a slow catalog never holds ledger locks. Products with no
// catalog match (or no cost data) keep null enrichment fields.
func enrichBatch(ctx context.Context, db *gorm.DB, batchId string) error {
	var rows []models.CanonicalSaleRecord
	if err := db.WithContext(ctx).
		Where("sync_batch_id = ? AND category IS NULL", batchId).
		Find(&rows).Error; err != nil {
		return err
	}

	for _, row := range rows {
		ref, err := models.LookupProductRef(ctx, db, row.ProductCode, row.ProductName)
		if err != nil {
			return err
		}
		if ref == nil {
			continue
		}

		updates := map[string]interface{}{
			"category": ref.Category,
		}
		if ref.UnitCost != nil {
			cost := *ref.UnitCost
			margin := row.NetAmount.Sub(cost.Mul(row.Qty))
			updates["unit_cost"] = cost
			updates["margin"] = margin
		}
		if err := db.WithContext(ctx).
			Model(&models.CanonicalSaleRecord{}).
			Where("id = ?", row.ID).
			Updates(updates).Error; err != nil {
			return err
		}
	}
	return nil
}
