package models

import (
	"log"

	"bitbucket.org/brokermate/crm_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&LedgerConnection{},
		&LedgerAccount{},
		&LedgerTransactionLine{},
		&Invoice{},
		&LedgerSyncRun{}, &LedgerSyncError{},
		&SyncAuditEntry{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
