package qbsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"bitbucket.org/brokermate/crm_backend/models"
	"bitbucket.org/brokermate/crm_backend/utils"
)

// RecategorizeLine moves one expense line to a different account in the
// remote ledger and, only after the remote write succeeds, in the local
// mirror. The document is fetched fresh, mutated, and written back whole;
// a remote conflict leaves the mirror untouched.
func RecategorizeLine(ctx context.Context, db *gorm.DB, client *qbClient, conn *models.LedgerConnection, lineID int, newAccountId string) (*models.LedgerTransactionLine, error) {
	line, err := models.GetLedgerTransactionLine(ctx, db, lineID)
	if err != nil {
		return nil, err
	}
	if line == nil {
		return nil, utils.ErrorRecordNotFound
	}
	if line.DocType == "" || line.RemoteDocId == "" {
		return nil, ErrMissingSyncMetadata
	}

	account, err := models.GetLedgerAccountByRemoteId(ctx, db, newAccountId)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("account %s is not in the local catalog", newAccountId)
	}

	localRef := strconv.Itoa(lineID)
	remoteRef := line.DocType + "/" + line.RemoteDocId

	raw, err := client.getEntity(ctx, conn, line.DocType, line.RemoteDocId)
	if err != nil {
		auditLineUpdate(ctx, db, models.SyncAuditStatusFailed, localRef, remoteRef, err)
		return nil, err
	}

	doc, docMap, err := parseDocumentEnvelope(line.DocType, raw)
	if err != nil {
		auditLineUpdate(ctx, db, models.SyncAuditStatusFailed, localRef, remoteRef, err)
		return nil, err
	}

	idx := matchExpenseLine(doc.Line, line)
	if idx < 0 {
		auditLineUpdate(ctx, db, models.SyncAuditStatusFailed, localRef, remoteRef, ErrNotFound)
		return nil, fmt.Errorf("%w: line not present on %s", ErrNotFound, remoteRef)
	}

	if err := setLineAccount(docMap, idx, newAccountId, account.Name); err != nil {
		auditLineUpdate(ctx, db, models.SyncAuditStatusFailed, localRef, remoteRef, err)
		return nil, err
	}

	body, err := json.Marshal(docMap)
	if err != nil {
		return nil, err
	}
	respBody, err := client.postEntity(ctx, conn, line.DocType, body)
	if err != nil {
		auditLineUpdate(ctx, db, models.SyncAuditStatusFailed, localRef, remoteRef, err)
		return nil, err
	}

	newSyncToken := syncTokenFromResponse(line.DocType, respBody)
	if newSyncToken == "" {
		newSyncToken = doc.SyncToken
	}
	if err := models.UpdateLedgerTransactionLineAccount(ctx, db, lineID, newAccountId, account.Name, newSyncToken); err != nil {
		auditLineUpdate(ctx, db, models.SyncAuditStatusFailed, localRef, remoteRef, err)
		return nil, err
	}

	auditLineUpdate(ctx, db, models.SyncAuditStatusSuccess, localRef, remoteRef, nil)

	updated, err := models.GetLedgerTransactionLine(ctx, db, lineID)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

type remoteDocument struct {
	SyncToken string   `json:"SyncToken"`
	Line      []qbLine `json:"Line"`
}

// parseDocumentEnvelope unwraps {"Purchase": {...}} / {"Bill": {...}} into a
// typed view for matching plus a generic map for write-back, so fields this
// package does not model survive the round trip.
func parseDocumentEnvelope(docType string, raw []byte) (*remoteDocument, map[string]interface{}, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, nil, err
	}
	entityRaw, ok := envelope[docType]
	if !ok {
		return nil, nil, fmt.Errorf("response has no %s entity", docType)
	}

	var doc remoteDocument
	if err := json.Unmarshal(entityRaw, &doc); err != nil {
		return nil, nil, err
	}

	var docMap map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(entityRaw))
	dec.UseNumber()
	if err := dec.Decode(&docMap); err != nil {
		return nil, nil, err
	}
	return &doc, docMap, nil
}

// matchExpenseLine locates the mirror row's line on the fresh document:
// first by exact (lineId, detailType), then by (old accountId, amount within
// a cent). The first hit wins in either pass.
func matchExpenseLine(lines []qbLine, local *models.LedgerTransactionLine) int {
	if local.LineId != "" {
		for i, ln := range lines {
			if ln.Id == local.LineId && ln.DetailType == detailTypeAccountExpense {
				return i
			}
		}
	}
	for i, ln := range lines {
		if ln.DetailType != detailTypeAccountExpense || ln.AccountBasedExpenseLineDetail == nil {
			continue
		}
		if ln.AccountBasedExpenseLineDetail.AccountRef.Value != local.RemoteAccountId {
			continue
		}
		if amountWithin(decimalFromNumber(ln.Amount), local.Amount, amountMatchTolerance) {
			return i
		}
	}
	return -1
}

func setLineAccount(docMap map[string]interface{}, idx int, accountId, accountName string) error {
	linesAny, ok := docMap["Line"].([]interface{})
	if !ok || idx >= len(linesAny) {
		return fmt.Errorf("document line array is malformed")
	}
	entry, ok := linesAny[idx].(map[string]interface{})
	if !ok {
		return fmt.Errorf("document line %d is malformed", idx)
	}
	detail, ok := entry["AccountBasedExpenseLineDetail"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("document line %d has no expense detail", idx)
	}
	detail["AccountRef"] = map[string]interface{}{"value": accountId, "name": accountName}
	return nil
}

func syncTokenFromResponse(docType string, raw []byte) string {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	entityRaw, ok := envelope[docType]
	if !ok {
		return ""
	}
	var doc remoteDocument
	if err := json.Unmarshal(entityRaw, &doc); err != nil {
		return ""
	}
	return doc.SyncToken
}

func auditLineUpdate(ctx context.Context, db *gorm.DB, status, localRef, remoteRef string, cause error) {
	entry := models.SyncAuditEntry{
		SyncType:        models.SyncTypeLineUpdate,
		Direction:       models.SyncDirectionOutbound,
		Status:          status,
		LocalEntityRef:  localRef,
		RemoteEntityRef: remoteRef,
	}
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}
	recordAudit(ctx, db, entry)
}
