package qbsync

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"bitbucket.org/brokermate/crm_backend/models"
)

func expenseLine(id string, lineNum int, accountId, amount string) qbLine {
	return qbLine{
		Id:         id,
		LineNum:    lineNum,
		Amount:     json.Number(amount),
		DetailType: detailTypeAccountExpense,
		AccountBasedExpenseLineDetail: &qbExpenseDetail{
			AccountRef: qbRef{Value: accountId},
		},
	}
}

func TestMatchExpenseLine_ExactLineIdWins(t *testing.T) {
	lines := []qbLine{
		expenseLine("1", 1, "61", "50.00"),
		expenseLine("2", 2, "61", "50.00"),
	}
	local := &models.LedgerTransactionLine{
		LineId:          "2",
		RemoteAccountId: "61",
		Amount:          decimal.NewFromFloat(50.00),
	}
	if idx := matchExpenseLine(lines, local); idx != 1 {
		t.Fatalf("idx = %d, expected 1", idx)
	}
}

func TestMatchExpenseLine_FallbackByAccountAndAmount(t *testing.T) {
	lines := []qbLine{
		expenseLine("1", 1, "12", "99.00"),
		expenseLine("2", 2, "61", "153.85"),
	}
	// remote renumbered its line ids, so the stored one no longer exists
	local := &models.LedgerTransactionLine{
		LineId:          "9",
		RemoteAccountId: "61",
		Amount:          decimal.NewFromFloat(153.85),
	}
	if idx := matchExpenseLine(lines, local); idx != 1 {
		t.Fatalf("idx = %d, expected 1", idx)
	}
}

func TestMatchExpenseLine_FallbackToleratesOneCent(t *testing.T) {
	lines := []qbLine{expenseLine("1", 1, "61", "153.86")}
	local := &models.LedgerTransactionLine{
		RemoteAccountId: "61",
		Amount:          decimal.NewFromFloat(153.85),
	}
	if idx := matchExpenseLine(lines, local); idx != 0 {
		t.Fatalf("idx = %d, expected 0", idx)
	}
}

func TestMatchExpenseLine_FirstOfAmbiguousWins(t *testing.T) {
	lines := []qbLine{
		expenseLine("1", 1, "61", "50.00"),
		expenseLine("2", 2, "61", "50.00"),
	}
	local := &models.LedgerTransactionLine{
		RemoteAccountId: "61",
		Amount:          decimal.NewFromFloat(50.00),
	}
	if idx := matchExpenseLine(lines, local); idx != 0 {
		t.Fatalf("idx = %d, expected first match 0", idx)
	}
}

func TestMatchExpenseLine_NoMatch(t *testing.T) {
	lines := []qbLine{
		expenseLine("1", 1, "12", "99.00"),
		{Id: "2", LineNum: 2, DetailType: "ItemBasedExpenseLineDetail"},
	}
	local := &models.LedgerTransactionLine{
		LineId:          "7",
		RemoteAccountId: "61",
		Amount:          decimal.NewFromFloat(153.85),
	}
	if idx := matchExpenseLine(lines, local); idx != -1 {
		t.Fatalf("idx = %d, expected -1", idx)
	}
}

func TestParseDocumentEnvelope_RoundTripPreservesUnknownFields(t *testing.T) {
	raw := []byte(`{
		"Purchase": {
			"Id": "245",
			"SyncToken": "3",
			"TxnDate": "2026-07-14",
			"PaymentType": "Cash",
			"PrivateNote": "keep me",
			"TotalAmt": 153.85,
			"Line": [
				{
					"Id": "1",
					"LineNum": 1,
					"Amount": 153.85,
					"DetailType": "AccountBasedExpenseLineDetail",
					"AccountBasedExpenseLineDetail": {
						"AccountRef": {"value": "61", "name": "Office Supplies"},
						"TaxCodeRef": {"value": "NON"}
					}
				}
			]
		},
		"time": "2026-07-14T10:00:00Z"
	}`)

	doc, docMap, err := parseDocumentEnvelope(models.LedgerDocTypePurchase, raw)
	if err != nil {
		t.Fatalf("parseDocumentEnvelope error: %v", err)
	}
	if doc.SyncToken != "3" || len(doc.Line) != 1 {
		t.Fatalf("typed view = %+v", doc)
	}

	if err := setLineAccount(docMap, 0, "99", "Marketing"); err != nil {
		t.Fatalf("setLineAccount error: %v", err)
	}
	out, err := json.Marshal(docMap)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	body := string(out)

	if !strings.Contains(body, `"PrivateNote":"keep me"`) {
		t.Fatalf("unknown top-level field dropped: %s", body)
	}
	if !strings.Contains(body, `"TaxCodeRef":{"value":"NON"}`) {
		t.Fatalf("unknown line detail field dropped: %s", body)
	}
	if !strings.Contains(body, `"value":"99"`) || !strings.Contains(body, `"name":"Marketing"`) {
		t.Fatalf("account ref not rewritten: %s", body)
	}
	if !strings.Contains(body, `"TotalAmt":153.85`) {
		t.Fatalf("numeric field mangled: %s", body)
	}
}

func TestParseDocumentEnvelope_MissingEntity(t *testing.T) {
	_, _, err := parseDocumentEnvelope(models.LedgerDocTypeBill, []byte(`{"Purchase":{"Id":"1"}}`))
	if err == nil {
		t.Fatal("expected error for missing entity key")
	}
}

func TestSyncTokenFromResponse(t *testing.T) {
	raw := []byte(`{"Purchase":{"Id":"245","SyncToken":"4","Line":[]}}`)
	if got := syncTokenFromResponse(models.LedgerDocTypePurchase, raw); got != "4" {
		t.Fatalf("syncToken = %q, expected 4", got)
	}
	if got := syncTokenFromResponse(models.LedgerDocTypePurchase, []byte(`not json`)); got != "" {
		t.Fatalf("syncToken = %q, expected empty", got)
	}
}
