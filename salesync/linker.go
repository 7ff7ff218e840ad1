package salesync

import (
	"context"

	"github.com/lengolf/possync_backend/config"
	"github.com/lengolf/possync_backend/models"
	"github.com/lengolf/possync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LinkBatch attaches stable customer identities to the rows of one commit
// batch. Best effort and deliberately decoupled from the ledger commit:
// nothing here may ever block financial data from being recorded. Rows whose
// contact number resolves to no known identity keep a null customer_id; an
// identity is never invented.
func LinkBatch(ctx context.Context, db *gorm.DB, batchId string) (int, error) {
	logger := config.GetLogger()

	var rows []models.CanonicalSaleRecord
	if err := db.WithContext(ctx).
		Select("id", "customer_phone").
		Where("sync_batch_id = ? AND customer_id IS NULL AND customer_phone <> ''", batchId).
		Find(&rows).Error; err != nil {
		return 0, err
	}

	linked := 0
	for _, row := range rows {
		if err := utils.ValidatePhoneNumber(row.CustomerPhone, utils.CountryCode); err != nil {
			// Not a subscriber number at all; a suffix lookup on free text
			// would risk a false match.
			logger.WithFields(logrus.Fields{
				"module": "salesync",
				"row_id": row.ID,
			}).Debug("contact number failed validation; leaving row unlinked")
			continue
		}

		identity, err := models.FindCustomerIdentityByPhone(ctx, db, row.CustomerPhone)
		if err != nil {
			return linked, err
		}
		if identity == nil {
			continue
		}

		if err := db.WithContext(ctx).
			Model(&models.CanonicalSaleRecord{}).
			Where("id = ?", row.ID).
			Update("customer_id", identity.ID).Error; err != nil {
			return linked, err
		}
		linked++
	}
	return linked, nil
}
