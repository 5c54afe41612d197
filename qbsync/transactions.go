package qbsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/brokermate/crm_backend/config"
	"bitbucket.org/brokermate/crm_backend/models"
)

const txnDateLayout = "2006-01-02"

// SyncTransactions pulls expense documents (purchases and bills) for the date
// window and mirrors their account-based expense lines locally. Each remote
// line becomes one local row keyed by (docType, remoteDocId, lineNum).
func SyncTransactions(ctx context.Context, db *gorm.DB, client *qbClient, conn *models.LedgerConnection, runID uint, from, to time.Time) (int, error) {
	logger := config.GetLogger()
	total := 0

	for _, docType := range []string{models.LedgerDocTypePurchase, models.LedgerDocTypeBill} {
		statement := fmt.Sprintf("SELECT * FROM %s WHERE TxnDate >= '%s' AND TxnDate <= '%s'",
			docType, from.Format(txnDateLayout), to.Format(txnDateLayout))

		err := client.queryAll(ctx, conn, statement, func(resp *qbQueryResponse) (int, error) {
			var rows []models.LedgerTransactionLine
			var pageCount int
			switch docType {
			case models.LedgerDocTypePurchase:
				pageCount = len(resp.Purchase)
				for _, p := range resp.Purchase {
					rows = append(rows, linesFromPurchase(p)...)
				}
			case models.LedgerDocTypeBill:
				pageCount = len(resp.Bill)
				for _, b := range resp.Bill {
					rows = append(rows, linesFromBill(b)...)
				}
			}

			n, err := models.UpsertLedgerTransactionLines(ctx, db, rows)
			total += n
			if err != nil {
				config.LogError(logger, "qbsync", "SyncTransactions", docType, map[string]interface{}{"rows": len(rows)}, err)
				if runID > 0 {
					_ = createSyncError(ctx, db, runID, docType, "", "upsert_failed", err.Error(), true)
				}
				return pageCount, nil
			}
			return pageCount, nil
		})
		if err != nil {
			recordAudit(ctx, db, models.SyncAuditEntry{
				SyncType:     models.SyncTypeTransactions,
				Direction:    models.SyncDirectionInbound,
				Status:       models.SyncAuditStatusFailed,
				ErrorMessage: err.Error(),
			})
			return total, err
		}
	}

	recordAudit(ctx, db, models.SyncAuditEntry{
		SyncType:       models.SyncTypeTransactions,
		Direction:      models.SyncDirectionInbound,
		Status:         models.SyncAuditStatusSuccess,
		LocalEntityRef: fmt.Sprintf("lines=%d from=%s to=%s", total, from.Format(txnDateLayout), to.Format(txnDateLayout)),
	})
	return total, nil
}

func linesFromPurchase(p qbPurchase) []models.LedgerTransactionLine {
	return expenseLines(models.LedgerDocTypePurchase, p.Id, p.SyncToken, p.TxnDate, refName(p.EntityRef), p.Line)
}

func linesFromBill(b qbBill) []models.LedgerTransactionLine {
	return expenseLines(models.LedgerDocTypeBill, b.Id, b.SyncToken, b.TxnDate, refName(b.VendorRef), b.Line)
}

// expenseLines decomposes a document into mirror rows. Lines that are not
// account-based expenses, carry a zero amount, or carry no line number are
// skipped: without a line number the row has no stable identity.
func expenseLines(docType, docId, syncToken, txnDate, counterparty string, lines []qbLine) []models.LedgerTransactionLine {
	var out []models.LedgerTransactionLine
	date := parseTxnDate(txnDate)
	for _, ln := range lines {
		if ln.DetailType != detailTypeAccountExpense || ln.AccountBasedExpenseLineDetail == nil {
			continue
		}
		if ln.LineNum == 0 {
			continue
		}
		amount := decimalFromNumber(ln.Amount)
		if amount.IsZero() {
			continue
		}
		out = append(out, models.LedgerTransactionLine{
			DocType:          docType,
			RemoteDocId:      docId,
			LineNum:          ln.LineNum,
			LineId:           ln.Id,
			TransactionDate:  date,
			CounterpartyName: counterparty,
			RemoteAccountId:  ln.AccountBasedExpenseLineDetail.AccountRef.Value,
			AccountName:      ln.AccountBasedExpenseLineDetail.AccountRef.Name,
			Amount:           amount,
			Description:      ln.Description,
			SyncToken:        syncToken,
		})
	}
	return out
}

func refName(ref *qbRef) string {
	if ref == nil {
		return ""
	}
	return ref.Name
}

func parseTxnDate(s string) time.Time {
	t, err := time.Parse(txnDateLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func decimalFromNumber(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}
