package models

import (
	"log"

	"github.com/lengolf/possync_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&CanonicalSaleRecord{},
		&CutoverConfig{},
		&SyncWatermark{},
		&SyncRun{}, &SyncRunError{},
		&CustomerIdentity{},
		&ProductRef{},
		&LegacyPosLine{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
