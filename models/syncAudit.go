package models

import "time"

const (
	SyncDirectionInbound  = "inbound"
	SyncDirectionOutbound = "outbound"
)

const (
	SyncAuditStatusSuccess = "success"
	SyncAuditStatusFailed  = "failed"
	SyncAuditStatusPending = "pending"
)

const (
	SyncTypeAccounts     = "accounts"
	SyncTypeTransactions = "transactions"
	SyncTypeLineUpdate   = "line_update"
	SyncTypeReconcile    = "reconciliation"
	SyncTypeAttachment   = "attachment"
)

// SyncAuditEntry is an append-only record of one sync/update/reconcile
// attempt. Rows are written once and never mutated.
type SyncAuditEntry struct {
	ID              uint      `gorm:"primary_key" json:"id"`
	SyncType        string    `gorm:"index;size:32;not null" json:"sync_type"`
	Direction       string    `gorm:"size:10;not null" json:"direction"`
	Status          string    `gorm:"size:10;not null" json:"status"`
	LocalEntityRef  string    `gorm:"size:128" json:"local_entity_ref"`
	RemoteEntityRef string    `gorm:"size:128" json:"remote_entity_ref"`
	ErrorMessage    string    `gorm:"type:text" json:"error_message"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
