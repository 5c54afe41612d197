package models

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"time"

	"gorm.io/gorm"
)

// LedgerAccount mirrors one chart-of-accounts entry from the remote ledger.
// RemoteAccountId is the stable remote identifier and the only join key;
// name and hierarchy are display-only and may change between syncs.
type LedgerAccount struct {
	ID              int       `gorm:"primary_key" json:"id"`
	RemoteAccountId string    `gorm:"uniqueIndex;size:64;not null" json:"remote_account_id"`
	Name            string    `gorm:"index;size:255;not null" json:"name"`
	AccountType     string    `gorm:"index;size:64" json:"account_type"`
	HierarchyPath   []byte    `gorm:"type:json" json:"hierarchy_path"`
	IsActive        *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// HierarchyPathFromQualifiedName splits a remote fully-qualified name
// ("Payroll:Management:Wages") into the ordered list of ancestor names.
func HierarchyPathFromQualifiedName(qualified string) []string {
	parts := strings.Split(qualified, ":")
	if len(parts) <= 1 {
		return []string{}
	}
	ancestors := make([]string, 0, len(parts)-1)
	for _, p := range parts[:len(parts)-1] {
		p = strings.TrimSpace(p)
		if p != "" {
			ancestors = append(ancestors, p)
		}
	}
	return ancestors
}

func EncodeHierarchyPath(path []string) []byte {
	if path == nil {
		path = []string{}
	}
	b, _ := json.Marshal(path)
	return b
}

func DecodeHierarchyPath(raw []byte) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var path []string
	if err := json.Unmarshal(raw, &path); err != nil {
		return []string{}
	}
	return path
}

// UpsertLedgerAccount writes a mirror row keyed by RemoteAccountId.
// Re-running a sync against an unchanged remote catalog is a no-op update,
// never a second insert.
func UpsertLedgerAccount(ctx context.Context, db *gorm.DB, row *LedgerAccount) error {
	var existing LedgerAccount
	err := db.WithContext(ctx).
		Where("remote_account_id = ?", row.RemoteAccountId).
		Take(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return db.WithContext(ctx).Create(row).Error
		}
		return err
	}

	updates := map[string]interface{}{
		"name":           row.Name,
		"account_type":   row.AccountType,
		"hierarchy_path": row.HierarchyPath,
	}
	// Deactivation requires an explicit inactive signal from the remote record;
	// absence from a result page never flips a local row.
	if row.IsActive != nil {
		updates["is_active"] = *row.IsActive
	}
	if err := db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
		return err
	}
	row.ID = existing.ID
	return nil
}

// GetLedgerAccountByRemoteId returns nil when no mirror row exists.
func GetLedgerAccountByRemoteId(ctx context.Context, db *gorm.DB, remoteAccountId string) (*LedgerAccount, error) {
	var account LedgerAccount
	err := db.WithContext(ctx).
		Where("remote_account_id = ?", remoteAccountId).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}
