package qbsync

import (
	"context"

	"gorm.io/gorm"

	"bitbucket.org/brokermate/crm_backend/models"
)

// AttachmentInput is one file to push to the remote ledger, bound to an
// existing remote entity.
type AttachmentInput struct {
	EntityType  string
	EntityId    string
	FileName    string
	ContentType string
	Content     []byte
}

// UploadAttachments pushes each file in turn. A failing item is recorded and
// skipped; the rest of the batch still runs.
func UploadAttachments(ctx context.Context, db *gorm.DB, client *qbClient, conn *models.LedgerConnection, items []AttachmentInput) BatchResult {
	var result BatchResult
	for i, item := range items {
		remoteRef := item.EntityType + "/" + item.EntityId
		err := client.uploadAttachment(ctx, conn, item.EntityType, item.EntityId, item.FileName, item.ContentType, item.Content)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BatchItemError{Index: i, Ref: item.FileName, Message: err.Error()})
			recordAudit(ctx, db, models.SyncAuditEntry{
				SyncType:        models.SyncTypeAttachment,
				Direction:       models.SyncDirectionOutbound,
				Status:          models.SyncAuditStatusFailed,
				LocalEntityRef:  item.FileName,
				RemoteEntityRef: remoteRef,
				ErrorMessage:    err.Error(),
			})
			continue
		}
		result.Succeeded++
		recordAudit(ctx, db, models.SyncAuditEntry{
			SyncType:        models.SyncTypeAttachment,
			Direction:       models.SyncDirectionOutbound,
			Status:          models.SyncAuditStatusSuccess,
			LocalEntityRef:  item.FileName,
			RemoteEntityRef: remoteRef,
		})
	}
	return result
}
