package qbsync

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/brokermate/crm_backend/models"
)

func strPtr(s string) *string { return &s }

func amt(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestClassifyInvoices_AlreadyLinkedByRemoteId(t *testing.T) {
	local := []models.Invoice{
		{ID: 1, InvoiceNumber: "INV-1", RemoteInvoiceId: strPtr("42"), Amount: amt("500.00"), CounterpartyName: "Acme Corp"},
	}
	remote := []RemoteInvoiceSummary{
		{RemoteId: "42", DocNumber: "1042", CustomerName: "Acme Corporation", Amount: amt("500.00")},
	}

	report := classifyInvoices(local, remote, time.Now())
	if len(report.AlreadyLinked) != 1 {
		t.Fatalf("alreadyLinked = %d, expected 1", len(report.AlreadyLinked))
	}
	if report.AlreadyLinked[0].Remote.RemoteId != "42" {
		t.Fatalf("linked remote id = %s", report.AlreadyLinked[0].Remote.RemoteId)
	}
	if len(report.NeedsLinking) != 0 || len(report.NoMatchInRemote) != 0 || len(report.RemoteOnly) != 0 {
		t.Fatalf("unexpected partitions: %+v", report)
	}
}

func TestClassifyInvoices_AmountAndPartialNameIsMedium(t *testing.T) {
	local := []models.Invoice{
		{ID: 1, Amount: amt("500.00"), CounterpartyName: "Acme Corp"},
	}
	remote := []RemoteInvoiceSummary{
		{RemoteId: "7", DocNumber: "1007", CustomerName: "Acme Corporation", Amount: amt("500.00")},
	}

	report := classifyInvoices(local, remote, time.Now())
	if len(report.NeedsLinking) != 1 {
		t.Fatalf("needsLinking = %d, expected 1", len(report.NeedsLinking))
	}
	cands := report.NeedsLinking[0].Candidates
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, expected 1", len(cands))
	}
	if cands[0].Confidence != MatchConfidenceMedium {
		t.Fatalf("confidence = %s, expected medium", cands[0].Confidence)
	}
	// a candidate referenced here must not appear as remote-only
	if len(report.RemoteOnly) != 0 {
		t.Fatalf("remoteOnly = %d, expected 0", len(report.RemoteOnly))
	}
}

func TestClassifyInvoices_DocNumberAndAmountIsHigh(t *testing.T) {
	local := []models.Invoice{
		{ID: 1, InvoiceNumber: "INV-7", Amount: amt("500.00"), CounterpartyName: "Someone Else"},
	}
	remote := []RemoteInvoiceSummary{
		{RemoteId: "7", DocNumber: "inv-7", CustomerName: "Unrelated Name", Amount: amt("500.75")},
	}

	report := classifyInvoices(local, remote, time.Now())
	if len(report.NeedsLinking) != 1 {
		t.Fatalf("needsLinking = %d, expected 1", len(report.NeedsLinking))
	}
	cands := report.NeedsLinking[0].Candidates
	if len(cands) != 1 || cands[0].Confidence != MatchConfidenceHigh {
		t.Fatalf("candidates = %+v, expected one high", cands)
	}
}

func TestClassifyInvoices_ExactNameDifferentAmountIsLow(t *testing.T) {
	local := []models.Invoice{
		{ID: 1, Amount: amt("500.00"), CounterpartyName: "Acme Corp"},
	}
	remote := []RemoteInvoiceSummary{
		{RemoteId: "7", CustomerName: "acme corp", Amount: amt("900.00")},
	}

	report := classifyInvoices(local, remote, time.Now())
	cands := report.NeedsLinking[0].Candidates
	if len(cands) != 1 || cands[0].Confidence != MatchConfidenceLow {
		t.Fatalf("candidates = %+v, expected one low", cands)
	}
}

func TestClassifyInvoices_BillToNameAlsoMatches(t *testing.T) {
	local := []models.Invoice{
		{ID: 1, Amount: amt("500.00"), CounterpartyName: "Jordan Smith", BillToName: "Acme Corp"},
	}
	remote := []RemoteInvoiceSummary{
		{RemoteId: "7", CustomerName: "Acme Corp", Amount: amt("500.00")},
	}

	report := classifyInvoices(local, remote, time.Now())
	cands := report.NeedsLinking[0].Candidates
	if len(cands) != 1 || cands[0].Confidence != MatchConfidenceHigh {
		t.Fatalf("candidates = %+v, expected one high via bill-to", cands)
	}
}

func TestClassifyInvoices_OrphansOnBothSides(t *testing.T) {
	local := []models.Invoice{
		{ID: 1, InvoiceNumber: "INV-1", Amount: amt("123.00"), CounterpartyName: "Nowhere LLC"},
	}
	remote := []RemoteInvoiceSummary{
		{RemoteId: "50", DocNumber: "9999", CustomerName: "Stranger Inc", Amount: amt("777.00")},
	}

	report := classifyInvoices(local, remote, time.Now())
	if len(report.NoMatchInRemote) != 1 || report.NoMatchInRemote[0].ID != 1 {
		t.Fatalf("noMatchInRemote = %+v", report.NoMatchInRemote)
	}
	if len(report.RemoteOnly) != 1 || report.RemoteOnly[0].RemoteId != "50" {
		t.Fatalf("remoteOnly = %+v", report.RemoteOnly)
	}
}

func TestClassifyInvoices_CandidatesOrderedAndCapped(t *testing.T) {
	local := []models.Invoice{
		{ID: 1, Amount: amt("500.00"), CounterpartyName: "Acme Corp"},
	}
	var remote []RemoteInvoiceSummary
	// one exact-name high, then six partial-overlap mediums
	remote = append(remote, RemoteInvoiceSummary{RemoteId: "m1", CustomerName: "Acme Corporation", Amount: amt("500.00")})
	remote = append(remote, RemoteInvoiceSummary{RemoteId: "h1", CustomerName: "Acme Corp", Amount: amt("500.00")})
	for _, id := range []string{"m2", "m3", "m4", "m5", "m6"} {
		remote = append(remote, RemoteInvoiceSummary{RemoteId: id, CustomerName: "Acme Holdings " + id, Amount: amt("500.00")})
	}

	report := classifyInvoices(local, remote, time.Now())
	cands := report.NeedsLinking[0].Candidates
	if len(cands) != maxCandidatesPerInvoice {
		t.Fatalf("candidates = %d, expected %d", len(cands), maxCandidatesPerInvoice)
	}
	if cands[0].Confidence != MatchConfidenceHigh || cands[0].Remote.RemoteId != "h1" {
		t.Fatalf("first candidate = %+v, expected the high one", cands[0])
	}
	// stable sort keeps pull order among equal confidence
	if cands[1].Remote.RemoteId != "m1" || cands[2].Remote.RemoteId != "m2" {
		t.Fatalf("medium order = %s, %s", cands[1].Remote.RemoteId, cands[2].Remote.RemoteId)
	}
}

func TestClassifyInvoices_NameSuggestionsDeduplicated(t *testing.T) {
	local := []models.Invoice{
		{ID: 1, Amount: amt("500.00"), CounterpartyName: "Acme Corp"},
		{ID: 2, Amount: amt("800.00"), CounterpartyName: "Acme Corp"},
	}
	remote := []RemoteInvoiceSummary{
		{RemoteId: "1", CustomerName: "Acme Corporation", Amount: amt("500.00")},
		{RemoteId: "2", CustomerName: "Acme Corporation", Amount: amt("800.00")},
	}

	report := classifyInvoices(local, remote, time.Now())
	if len(report.NameSuggestions) != 1 {
		t.Fatalf("suggestions = %+v, expected exactly 1", report.NameSuggestions)
	}
	s := report.NameSuggestions[0]
	if s.LocalName != "Acme Corp" || s.RemoteName != "Acme Corporation" {
		t.Fatalf("suggestion = %+v", s)
	}
}

func TestClassifyInvoices_NoSuggestionWhenNamesAlreadyEqual(t *testing.T) {
	local := []models.Invoice{
		{ID: 1, Amount: amt("500.00"), CounterpartyName: "Acme Corp"},
	}
	remote := []RemoteInvoiceSummary{
		{RemoteId: "1", CustomerName: "ACME CORP", Amount: amt("500.00")},
	}

	report := classifyInvoices(local, remote, time.Now())
	if len(report.NameSuggestions) != 0 {
		t.Fatalf("suggestions = %+v, expected none", report.NameSuggestions)
	}
}

func TestScoreCandidate_NoSignalIsNoCandidate(t *testing.T) {
	inv := models.Invoice{Amount: amt("100.00"), CounterpartyName: "Alpha"}
	r := RemoteInvoiceSummary{CustomerName: "Zeta", Amount: amt("900.00")}
	if conf, _ := scoreCandidate(inv, r); conf != "" {
		t.Fatalf("confidence = %s, expected none", conf)
	}
}

func TestPartialNameOverlap(t *testing.T) {
	cases := []struct {
		a, b     string
		expected bool
	}{
		{"Acme Corp", "Acme Corporation", true},
		{"Corporation Acme", "acme", true},
		{"Acme", "", false},
		{"", "", false},
		{"Alpha", "Beta", false},
	}
	for _, tc := range cases {
		if got := partialNameOverlap(tc.a, tc.b); got != tc.expected {
			t.Fatalf("partialNameOverlap(%q, %q) = %v, expected %v", tc.a, tc.b, got, tc.expected)
		}
	}
}
