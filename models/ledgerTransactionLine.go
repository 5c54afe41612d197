package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	LedgerDocTypePurchase = "Purchase"
	LedgerDocTypeBill     = "Bill"
)

// LedgerTransactionLine mirrors one expense line of a multi-line remote
// document. Identity is the composite (DocType, RemoteDocId, LineNum); LineNum
// is the remote line's own number, not its array position, so re-syncing an
// unchanged document can never create a duplicate row.
type LedgerTransactionLine struct {
	ID               int             `gorm:"primary_key" json:"id"`
	DocType          string          `gorm:"uniqueIndex:idx_ledger_line,priority:1;size:20;not null" json:"doc_type"`
	RemoteDocId      string          `gorm:"uniqueIndex:idx_ledger_line,priority:2;size:64;not null" json:"remote_doc_id"`
	LineNum          int             `gorm:"uniqueIndex:idx_ledger_line,priority:3;not null" json:"line_num"`
	LineId           string          `gorm:"size:64" json:"line_id"`
	TransactionDate  time.Time       `gorm:"index" json:"transaction_date"`
	CounterpartyName string          `gorm:"index;size:255" json:"counterparty_name"`
	RemoteAccountId  string          `gorm:"index;size:64" json:"remote_account_id"`
	AccountName      string          `gorm:"size:255" json:"account_name"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	Description      string          `gorm:"type:text" json:"description"`
	// SyncToken is the remote document's version stamp at the time of the last
	// sync, stored per line for convenience. It is advisory only; updates always
	// re-read the parent document for the current token.
	SyncToken string    `gorm:"size:20" json:"sync_token"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

const lineUpsertBatchSize = 200

// UpsertLedgerTransactionLines writes mirror rows keyed by the composite
// identity, in batches, and returns how many rows were written.
func UpsertLedgerTransactionLines(ctx context.Context, db *gorm.DB, rows []LedgerTransactionLine) (int, error) {
	total := 0
	for start := 0; start < len(rows); start += lineUpsertBatchSize {
		end := start + lineUpsertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		for i := start; i < end; i++ {
			if err := upsertLedgerTransactionLine(ctx, db, &rows[i]); err != nil {
				return total, err
			}
			total++
		}
	}
	return total, nil
}

func upsertLedgerTransactionLine(ctx context.Context, db *gorm.DB, row *LedgerTransactionLine) error {
	var existing LedgerTransactionLine
	err := db.WithContext(ctx).
		Where("doc_type = ? AND remote_doc_id = ? AND line_num = ?",
			row.DocType, row.RemoteDocId, row.LineNum).
		Take(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return db.WithContext(ctx).Create(row).Error
		}
		return err
	}

	updates := map[string]interface{}{
		"line_id":           row.LineId,
		"transaction_date":  row.TransactionDate,
		"counterparty_name": row.CounterpartyName,
		"remote_account_id": row.RemoteAccountId,
		"account_name":      row.AccountName,
		"amount":            row.Amount,
		"description":       row.Description,
		"sync_token":        row.SyncToken,
	}
	if err := db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
		return err
	}
	row.ID = existing.ID
	return nil
}

// GetLedgerTransactionLine returns nil when the mirror row does not exist.
func GetLedgerTransactionLine(ctx context.Context, db *gorm.DB, id int) (*LedgerTransactionLine, error) {
	var line LedgerTransactionLine
	err := db.WithContext(ctx).Where("id = ?", id).Take(&line).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &line, nil
}

// UpdateLedgerTransactionLineAccount writes back the confirmed remote state
// after a successful recategorization.
func UpdateLedgerTransactionLineAccount(ctx context.Context, db *gorm.DB, id int, remoteAccountId string, accountName string, syncToken string) error {
	return db.WithContext(ctx).Model(&LedgerTransactionLine{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"remote_account_id": remoteAccountId,
			"account_name":      accountName,
			"sync_token":        syncToken,
		}).Error
}
