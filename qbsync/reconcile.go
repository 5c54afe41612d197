package qbsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/brokermate/crm_backend/models"
)

var (
	// Amounts this close still count as "matching" when the document number
	// already agrees; invoices often differ by rounding or a small fee.
	docNumberAmountTolerance = decimal.NewFromInt(1)

	// Amounts within a cent are treated as equal everywhere else.
	amountMatchTolerance = decimal.NewFromFloat(0.01)
)

const maxCandidatesPerInvoice = 5

// Reconcile compares local invoices against the remote ledger's invoices and
// produces an advisory report. It writes nothing to either ledger.
func Reconcile(ctx context.Context, db *gorm.DB, client *qbClient, conn *models.LedgerConnection) (*ReconciliationReport, error) {
	invoices, err := models.GetReconcilableInvoices(ctx, db)
	if err != nil {
		return nil, err
	}

	var remote []RemoteInvoiceSummary
	err = client.queryAll(ctx, conn, "SELECT * FROM Invoice", func(resp *qbQueryResponse) (int, error) {
		for _, inv := range resp.Invoice {
			remote = append(remote, summaryFromInvoice(inv))
		}
		return len(resp.Invoice), nil
	})
	if err != nil {
		recordAudit(ctx, db, models.SyncAuditEntry{
			SyncType:     models.SyncTypeReconcile,
			Direction:    models.SyncDirectionInbound,
			Status:       models.SyncAuditStatusFailed,
			ErrorMessage: err.Error(),
		})
		return nil, err
	}

	report := classifyInvoices(invoices, remote, time.Now())

	recordAudit(ctx, db, models.SyncAuditEntry{
		SyncType:  models.SyncTypeReconcile,
		Direction: models.SyncDirectionInbound,
		Status:    models.SyncAuditStatusSuccess,
		LocalEntityRef: fmt.Sprintf("linked=%d unlinked=%d orphaned=%d remoteOnly=%d",
			len(report.AlreadyLinked), len(report.NeedsLinking), len(report.NoMatchInRemote), len(report.RemoteOnly)),
	})
	return report, nil
}

func summaryFromInvoice(inv qbInvoice) RemoteInvoiceSummary {
	name := ""
	if inv.CustomerRef != nil {
		name = inv.CustomerRef.Name
	}
	return RemoteInvoiceSummary{
		RemoteId:     inv.Id,
		DocNumber:    inv.DocNumber,
		CustomerName: name,
		Amount:       decimalFromNumber(inv.TotalAmt),
		TxnDate:      inv.TxnDate,
	}
}

// classifyInvoices partitions local invoices into linked / needs-linking /
// orphaned and flags remote invoices nothing local points at.
func classifyInvoices(local []models.Invoice, remote []RemoteInvoiceSummary, generatedAt time.Time) *ReconciliationReport {
	report := &ReconciliationReport{GeneratedAt: generatedAt}

	byRemoteId := make(map[string]RemoteInvoiceSummary, len(remote))
	byDocNumber := make(map[string]RemoteInvoiceSummary, len(remote))
	for _, r := range remote {
		byRemoteId[r.RemoteId] = r
		if r.DocNumber != "" {
			key := normalizeName(r.DocNumber)
			if _, exists := byDocNumber[key]; !exists {
				byDocNumber[key] = r
			}
		}
	}

	referenced := make(map[string]bool)
	seenSuggestion := make(map[string]bool)

	for _, inv := range local {
		if r, ok := resolveLink(inv, byRemoteId, byDocNumber); ok {
			report.AlreadyLinked = append(report.AlreadyLinked, LinkedInvoice{Local: inv, Remote: r})
			referenced[r.RemoteId] = true
			continue
		}

		candidates := scoreAll(inv, remote)
		if len(candidates) == 0 {
			report.NoMatchInRemote = append(report.NoMatchInRemote, inv)
			continue
		}
		if len(candidates) > maxCandidatesPerInvoice {
			candidates = candidates[:maxCandidatesPerInvoice]
		}
		for _, c := range candidates {
			referenced[c.Remote.RemoteId] = true
		}
		report.NeedsLinking = append(report.NeedsLinking, UnlinkedInvoice{Local: inv, Candidates: candidates})

		for _, c := range candidates {
			if c.Confidence == MatchConfidenceLow {
				continue
			}
			if normalizeName(inv.CounterpartyName) == normalizeName(c.Remote.CustomerName) {
				continue
			}
			key := normalizeName(inv.CounterpartyName)
			if key == "" || seenSuggestion[key] {
				continue
			}
			seenSuggestion[key] = true
			report.NameSuggestions = append(report.NameSuggestions, NameSuggestion{
				LocalName:  inv.CounterpartyName,
				RemoteName: c.Remote.CustomerName,
			})
		}
	}

	for _, r := range remote {
		if !referenced[r.RemoteId] {
			report.RemoteOnly = append(report.RemoteOnly, r)
		}
	}
	return report
}

// resolveLink checks the stored remote id first, then the stored remote
// document number.
func resolveLink(inv models.Invoice, byRemoteId, byDocNumber map[string]RemoteInvoiceSummary) (RemoteInvoiceSummary, bool) {
	if inv.RemoteInvoiceId != nil && *inv.RemoteInvoiceId != "" {
		if r, ok := byRemoteId[*inv.RemoteInvoiceId]; ok {
			return r, true
		}
	}
	if inv.RemoteInvoiceNumber != nil && *inv.RemoteInvoiceNumber != "" {
		if r, ok := byDocNumber[normalizeName(*inv.RemoteInvoiceNumber)]; ok {
			return r, true
		}
	}
	return RemoteInvoiceSummary{}, false
}

// scoreAll scores every remote invoice against one local invoice and returns
// the scored candidates ordered high, medium, low. The sort is stable so
// remote pull order breaks ties.
func scoreAll(inv models.Invoice, remote []RemoteInvoiceSummary) []InvoiceCandidate {
	var candidates []InvoiceCandidate
	for _, r := range remote {
		confidence, reason := scoreCandidate(inv, r)
		if confidence == "" {
			continue
		}
		candidates = append(candidates, InvoiceCandidate{Remote: r, Confidence: confidence, Reason: reason})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return confidenceRank(candidates[i].Confidence) < confidenceRank(candidates[j].Confidence)
	})
	return candidates
}

func scoreCandidate(inv models.Invoice, r RemoteInvoiceSummary) (MatchConfidence, string) {
	docNumberMatch := inv.InvoiceNumber != "" && normalizeName(inv.InvoiceNumber) == normalizeName(r.DocNumber)
	amountClose := amountWithin(inv.Amount, r.Amount, docNumberAmountTolerance)
	amountEqual := amountWithin(inv.Amount, r.Amount, amountMatchTolerance)
	nameExact := namesEqual(inv.CounterpartyName, r.CustomerName) ||
		(inv.BillToName != "" && namesEqual(inv.BillToName, r.CustomerName))
	nameOverlap := partialNameOverlap(inv.CounterpartyName, r.CustomerName) ||
		partialNameOverlap(inv.BillToName, r.CustomerName)

	switch {
	case docNumberMatch && amountClose:
		return MatchConfidenceHigh, "document number and amount match"
	case amountEqual && nameExact:
		return MatchConfidenceHigh, "amount and name match"
	case amountEqual && nameOverlap:
		return MatchConfidenceMedium, "amount match with partial name overlap"
	case nameExact:
		return MatchConfidenceLow, "name match with different amount"
	}
	return "", ""
}

func confidenceRank(c MatchConfidence) int {
	switch c {
	case MatchConfidenceHigh:
		return 0
	case MatchConfidenceMedium:
		return 1
	default:
		return 2
	}
}

func amountWithin(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func namesEqual(a, b string) bool {
	na, nb := normalizeName(a), normalizeName(b)
	return na != "" && na == nb
}

// partialNameOverlap reports whether either name's leading token appears in
// the other, so "Acme Corp" still finds "Acme Corporation".
func partialNameOverlap(a, b string) bool {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return false
	}
	ta := leadingToken(na)
	tb := leadingToken(nb)
	return (ta != "" && strings.Contains(nb, ta)) || (tb != "" && strings.Contains(na, tb))
}

func leadingToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
