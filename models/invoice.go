package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Invoice is a locally originated invoice/payment record. RemoteInvoiceId and
// RemoteInvoiceNumber stay null until the record is linked to its counterpart
// in the remote ledger; the two ledgers share no common primary key, so
// linking goes through the reconciliation report.
type Invoice struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	InvoiceNumber       string          `gorm:"index;size:100" json:"invoice_number"`
	RemoteInvoiceId     *string         `gorm:"index;size:64" json:"remote_invoice_id"`
	RemoteInvoiceNumber *string         `gorm:"size:100" json:"remote_invoice_number"`
	Amount              decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	CounterpartyName    string          `gorm:"index;size:255" json:"counterparty_name"`
	BillToName          string          `gorm:"size:255" json:"bill_to_name"`
	IsReceived          *bool           `gorm:"not null;default:false" json:"is_received"`
	IsSent              *bool           `gorm:"not null;default:false" json:"is_sent"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetReconcilableInvoices loads every invoice that has ever been sent,
// received, or tagged with a local invoice number.
func GetReconcilableInvoices(ctx context.Context, db *gorm.DB) ([]Invoice, error) {
	var invoices []Invoice
	err := db.WithContext(ctx).
		Where("is_sent = ? OR is_received = ? OR invoice_number <> ''", true, true).
		Order("id").
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

// LinkInvoiceToRemote records a confirmed pairing between a local invoice and
// a remote one.
func LinkInvoiceToRemote(ctx context.Context, db *gorm.DB, id int, remoteInvoiceId string, remoteInvoiceNumber string) error {
	result := db.WithContext(ctx).Model(&Invoice{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"remote_invoice_id":     remoteInvoiceId,
			"remote_invoice_number": remoteInvoiceNumber,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("invoice not found")
	}
	return nil
}
