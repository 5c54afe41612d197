package qbsync

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// ReportToExcel renders a reconciliation report as a workbook with one sheet
// per report section.
func ReportToExcel(report *ReconciliationReport) (*excelize.File, error) {
	f := excelize.NewFile()

	if err := writeSheet(f, "Needs Linking",
		[]string{"LocalInvoiceId", "LocalInvoiceNumber", "LocalName", "Amount", "RemoteId", "RemoteDocNumber", "RemoteName", "RemoteAmount", "Confidence", "Reason"},
		needsLinkingRows(report.NeedsLinking)); err != nil {
		return nil, err
	}
	if err := writeSheet(f, "Already Linked",
		[]string{"LocalInvoiceId", "LocalInvoiceNumber", "LocalName", "Amount", "RemoteId", "RemoteDocNumber"},
		linkedRows(report.AlreadyLinked)); err != nil {
		return nil, err
	}
	if err := writeSheet(f, "No Match",
		[]string{"LocalInvoiceId", "LocalInvoiceNumber", "LocalName", "Amount"},
		noMatchRows(report)); err != nil {
		return nil, err
	}
	if err := writeSheet(f, "Remote Only",
		[]string{"RemoteId", "DocNumber", "CustomerName", "Amount", "TxnDate"},
		remoteOnlyRows(report.RemoteOnly)); err != nil {
		return nil, err
	}
	if err := writeSheet(f, "Name Suggestions",
		[]string{"LocalName", "RemoteName"},
		suggestionRows(report.NameSuggestions)); err != nil {
		return nil, err
	}

	// The default sheet is replaced by the report sheets.
	if idx, err := f.GetSheetIndex("Sheet1"); err == nil && idx >= 0 {
		_ = f.DeleteSheet("Sheet1")
	}
	return f, nil
}

func writeSheet(f *excelize.File, sheetName string, headings []string, rows [][]interface{}) error {
	if _, err := f.NewSheet(sheetName); err != nil {
		return err
	}

	col := 'A'
	for _, h := range headings {
		if err := f.SetCellValue(sheetName, string(col)+"1", h); err != nil {
			return err
		}
		col++
	}

	rowNo := 2
	for _, row := range rows {
		col := 'A'
		for _, value := range row {
			if err := f.SetCellValue(sheetName, string(col)+fmt.Sprint(rowNo), value); err != nil {
				return err
			}
			col++
		}
		rowNo++
	}
	return nil
}

func needsLinkingRows(items []UnlinkedInvoice) [][]interface{} {
	var rows [][]interface{}
	for _, item := range items {
		for _, cand := range item.Candidates {
			rows = append(rows, []interface{}{
				item.Local.ID,
				item.Local.InvoiceNumber,
				item.Local.CounterpartyName,
				item.Local.Amount.StringFixed(2),
				cand.Remote.RemoteId,
				cand.Remote.DocNumber,
				cand.Remote.CustomerName,
				cand.Remote.Amount.StringFixed(2),
				string(cand.Confidence),
				cand.Reason,
			})
		}
	}
	return rows
}

func linkedRows(items []LinkedInvoice) [][]interface{} {
	var rows [][]interface{}
	for _, item := range items {
		rows = append(rows, []interface{}{
			item.Local.ID,
			item.Local.InvoiceNumber,
			item.Local.CounterpartyName,
			item.Local.Amount.StringFixed(2),
			item.Remote.RemoteId,
			item.Remote.DocNumber,
		})
	}
	return rows
}

func noMatchRows(report *ReconciliationReport) [][]interface{} {
	var rows [][]interface{}
	for _, inv := range report.NoMatchInRemote {
		rows = append(rows, []interface{}{
			inv.ID,
			inv.InvoiceNumber,
			inv.CounterpartyName,
			inv.Amount.StringFixed(2),
		})
	}
	return rows
}

func remoteOnlyRows(items []RemoteInvoiceSummary) [][]interface{} {
	var rows [][]interface{}
	for _, r := range items {
		rows = append(rows, []interface{}{r.RemoteId, r.DocNumber, r.CustomerName, r.Amount.StringFixed(2), r.TxnDate})
	}
	return rows
}

func suggestionRows(items []NameSuggestion) [][]interface{} {
	var rows [][]interface{}
	for _, s := range items {
		rows = append(rows, []interface{}{s.LocalName, s.RemoteName})
	}
	return rows
}
