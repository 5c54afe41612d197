package qbsync

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"bitbucket.org/brokermate/crm_backend/config"
	"bitbucket.org/brokermate/crm_backend/models"
)

// Only catalog-relevant account types are mirrored locally.
var syncedAccountTypes = []string{
	"Income",
	"Other Income",
	"Cost of Goods Sold",
	"Expense",
	"Other Expense",
}

func accountQueryStatement() string {
	quoted := make([]string, 0, len(syncedAccountTypes))
	for _, t := range syncedAccountTypes {
		quoted = append(quoted, "'"+t+"'")
	}
	return fmt.Sprintf("SELECT * FROM Account WHERE Active = true AND AccountType IN (%s)", strings.Join(quoted, ", "))
}

// SyncAccounts pulls the active chart of accounts and upserts it into the
// local catalog. Accounts missing from the pull are left untouched; only an
// explicit inactive flag deactivates a local row.
func SyncAccounts(ctx context.Context, db *gorm.DB, client *qbClient, conn *models.LedgerConnection, runID uint) (int, error) {
	logger := config.GetLogger()
	synced := 0
	failed := 0

	err := client.queryAll(ctx, conn, accountQueryStatement(), func(resp *qbQueryResponse) (int, error) {
		for _, acct := range resp.Account {
			row := accountRowFromRemote(acct)
			if err := models.UpsertLedgerAccount(ctx, db, &row); err != nil {
				failed++
				config.LogError(logger, "qbsync", "SyncAccounts", acct.Id, acct, err)
				if runID > 0 {
					_ = createSyncError(ctx, db, runID, "account", acct.Id, "upsert_failed", err.Error(), true)
				}
				continue
			}
			synced++
		}
		return len(resp.Account), nil
	})
	if err != nil {
		recordAudit(ctx, db, models.SyncAuditEntry{
			SyncType:     models.SyncTypeAccounts,
			Direction:    models.SyncDirectionInbound,
			Status:       models.SyncAuditStatusFailed,
			ErrorMessage: err.Error(),
		})
		return synced, err
	}

	recordAudit(ctx, db, models.SyncAuditEntry{
		SyncType:       models.SyncTypeAccounts,
		Direction:      models.SyncDirectionInbound,
		Status:         models.SyncAuditStatusSuccess,
		LocalEntityRef: fmt.Sprintf("synced=%d failed=%d", synced, failed),
	})
	if failed > 0 {
		return synced, fmt.Errorf("%d accounts failed to upsert", failed)
	}
	return synced, nil
}

func accountRowFromRemote(acct qbAccount) models.LedgerAccount {
	active := acct.Active
	return models.LedgerAccount{
		RemoteAccountId: acct.Id,
		Name:            acct.Name,
		AccountType:     acct.AccountType,
		HierarchyPath:   models.EncodeHierarchyPath(models.HierarchyPathFromQualifiedName(acct.FullyQualifiedName)),
		IsActive:        &active,
	}
}
