package qbsync

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	"bitbucket.org/brokermate/crm_backend/config"
	"bitbucket.org/brokermate/crm_backend/models"
)

// recordAudit appends one outcome row. Audit failures are logged and
// swallowed; the trail never blocks the operation it records.
func recordAudit(ctx context.Context, db *gorm.DB, entry models.SyncAuditEntry) {
	if err := db.WithContext(ctx).Create(&entry).Error; err != nil {
		config.LogError(config.GetLogger(), "qbsync", "recordAudit", entry.SyncType, entry, err)
	}
}

// createSyncError records one failed item inside a run.
func createSyncError(ctx context.Context, db *gorm.DB, runID uint, entityType, externalId, code, message string, retryable bool) error {
	row := models.LedgerSyncError{
		SyncRunId:  runID,
		EntityType: entityType,
		ExternalId: externalId,
		ErrorCode:  code,
		Message:    message,
		Retryable:  retryable,
	}
	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		config.LogError(config.GetLogger(), "qbsync", "createSyncError", entityType, row, err)
		return err
	}
	return nil
}

// ListAuditEntries returns the newest audit rows, optionally filtered by
// sync type.
func ListAuditEntries(ctx context.Context, db *gorm.DB, syncType string, limit int) ([]models.SyncAuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := db.WithContext(ctx).Order("id desc").Limit(limit)
	if syncType != "" {
		q = q.Where("sync_type = ?", syncType)
	}
	var entries []models.SyncAuditEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func marshalStats(stats map[string]ModuleStat) []byte {
	b, _ := json.Marshal(stats)
	return b
}
