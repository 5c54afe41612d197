package qbsync

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/brokermate/crm_backend/models"
)

const detailTypeAccountExpense = "AccountBasedExpenseLineDetail"

// qbRef is the remote ledger's {value, name} reference shape.
type qbRef struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

type qbAccount struct {
	Id                 string `json:"Id"`
	Name               string `json:"Name"`
	FullyQualifiedName string `json:"FullyQualifiedName"`
	AccountType        string `json:"AccountType"`
	Active             bool   `json:"Active"`
	SyncToken          string `json:"SyncToken"`
}

type qbExpenseDetail struct {
	AccountRef qbRef `json:"AccountRef"`
}

type qbLine struct {
	Id                            string           `json:"Id,omitempty"`
	LineNum                       int              `json:"LineNum,omitempty"`
	Description                   string           `json:"Description,omitempty"`
	Amount                        json.Number      `json:"Amount,omitempty"`
	DetailType                    string           `json:"DetailType,omitempty"`
	AccountBasedExpenseLineDetail *qbExpenseDetail `json:"AccountBasedExpenseLineDetail,omitempty"`
}

type qbPurchase struct {
	Id          string      `json:"Id"`
	SyncToken   string      `json:"SyncToken"`
	TxnDate     string      `json:"TxnDate"`
	PaymentType string      `json:"PaymentType,omitempty"`
	EntityRef   *qbRef      `json:"EntityRef,omitempty"`
	TotalAmt    json.Number `json:"TotalAmt,omitempty"`
	Line        []qbLine    `json:"Line"`
}

type qbBill struct {
	Id        string      `json:"Id"`
	SyncToken string      `json:"SyncToken"`
	TxnDate   string      `json:"TxnDate"`
	VendorRef *qbRef      `json:"VendorRef,omitempty"`
	TotalAmt  json.Number `json:"TotalAmt,omitempty"`
	Line      []qbLine    `json:"Line"`
}

type qbInvoice struct {
	Id          string      `json:"Id"`
	DocNumber   string      `json:"DocNumber"`
	TxnDate     string      `json:"TxnDate"`
	CustomerRef *qbRef      `json:"CustomerRef,omitempty"`
	TotalAmt    json.Number `json:"TotalAmt"`
	SyncToken   string      `json:"SyncToken"`
}

type qbQueryResponse struct {
	Account       []qbAccount  `json:"Account"`
	Purchase      []qbPurchase `json:"Purchase"`
	Bill          []qbBill     `json:"Bill"`
	Invoice       []qbInvoice  `json:"Invoice"`
	StartPosition int          `json:"startPosition"`
	MaxResults    int          `json:"maxResults"`
}

type qbFaultError struct {
	Message string `json:"Message"`
	Detail  string `json:"Detail"`
	Code    string `json:"code"`
}

type qbFault struct {
	Error []qbFaultError `json:"Error"`
	Type  string         `json:"type"`
}

type qbQueryEnvelope struct {
	QueryResponse qbQueryResponse `json:"QueryResponse"`
	Fault         *qbFault        `json:"Fault"`
	Time          string          `json:"time"`
}

type qbTokenResponse struct {
	AccessToken            string `json:"access_token"`
	RefreshToken           string `json:"refresh_token"`
	TokenType              string `json:"token_type"`
	ExpiresIn              int    `json:"expires_in"`
	XRefreshTokenExpiresIn int    `json:"x_refresh_token_expires_in"`
}

// SyncModules selects which pulls a sync run performs.
type SyncModules struct {
	Accounts     bool `json:"accounts"`
	Transactions bool `json:"transactions"`
}

func DefaultSyncModules() SyncModules {
	return SyncModules{Accounts: true, Transactions: true}
}

func EncodeSyncModules(m SyncModules) []byte {
	b, _ := json.Marshal(m)
	return b
}

func DecodeSyncModules(raw []byte) SyncModules {
	if len(raw) == 0 {
		return DefaultSyncModules()
	}
	var m SyncModules
	if err := json.Unmarshal(raw, &m); err != nil {
		return DefaultSyncModules()
	}
	return m
}

// ModuleStat is the per-module rollup stored on a finished run.
type ModuleStat struct {
	Synced int    `json:"synced"`
	Errors int    `json:"errors"`
	Status string `json:"status"`
}

// MatchConfidence ranks a reconciliation candidate.
type MatchConfidence string

const (
	MatchConfidenceHigh   MatchConfidence = "high"
	MatchConfidenceMedium MatchConfidence = "medium"
	MatchConfidenceLow    MatchConfidence = "low"
)

// RemoteInvoiceSummary is the slice of a remote invoice the reconciliation
// report needs.
type RemoteInvoiceSummary struct {
	RemoteId     string          `json:"remote_id"`
	DocNumber    string          `json:"doc_number"`
	CustomerName string          `json:"customer_name"`
	Amount       decimal.Decimal `json:"amount"`
	TxnDate      string          `json:"txn_date"`
}

// InvoiceCandidate is one scored remote match for an unlinked local invoice.
type InvoiceCandidate struct {
	Remote     RemoteInvoiceSummary `json:"remote"`
	Confidence MatchConfidence      `json:"confidence"`
	Reason     string               `json:"reason"`
}

// LinkedInvoice pairs an already linked local invoice with its remote side.
type LinkedInvoice struct {
	Local  models.Invoice       `json:"local"`
	Remote RemoteInvoiceSummary `json:"remote"`
}

// UnlinkedInvoice is a local invoice with its ranked remote candidates.
type UnlinkedInvoice struct {
	Local      models.Invoice     `json:"local"`
	Candidates []InvoiceCandidate `json:"candidates"`
}

// NameSuggestion proposes aligning a local counterparty name with the remote
// customer name it most likely corresponds to.
type NameSuggestion struct {
	LocalName  string `json:"local_name"`
	RemoteName string `json:"remote_name"`
}

type ConnectRequest struct {
	RealmId      string `json:"realmId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

type TriggerSyncRequest struct {
	Modules  SyncModules `json:"modules"`
	FromDate string      `json:"fromDate"`
	ToDate   string      `json:"toDate"`
}

type RecategorizeRequest struct {
	AccountId string `json:"accountId"`
}

type LinkInvoiceRequest struct {
	RemoteInvoiceId     string `json:"remoteInvoiceId"`
	RemoteInvoiceNumber string `json:"remoteInvoiceNumber"`
}

type ConnectionResponse struct {
	Status  string `json:"status"`
	RealmId string `json:"realmId,omitempty"`
}

type StatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        string             `json:"lastSyncAt,omitempty"`
	LastSuccessSyncAt string             `json:"lastSuccessSyncAt,omitempty"`
}

type SyncRunResponse struct {
	ID            uint                  `json:"id"`
	Status        string                `json:"status"`
	TriggeredBy   string                `json:"triggeredBy"`
	Modules       SyncModules           `json:"modules"`
	Stats         map[string]ModuleStat `json:"stats,omitempty"`
	FromDate      string                `json:"fromDate,omitempty"`
	ToDate        string                `json:"toDate,omitempty"`
	RecordsSynced int                   `json:"recordsSynced"`
	ErrorCount    int                   `json:"errorCount"`
	ParentRunId   *uint                 `json:"parentRunId,omitempty"`
	StartedAt     string                `json:"startedAt,omitempty"`
	FinishedAt    string                `json:"finishedAt,omitempty"`
	DurationMs    int64                 `json:"durationMs"`
	CreatedAt     string                `json:"createdAt"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId,omitempty"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	CreatedAt  string `json:"createdAt"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

// ReconciliationReport is a point-in-time comparison of the two ledgers. It is
// advisory only; producing it writes nothing to either side.
type ReconciliationReport struct {
	GeneratedAt     time.Time              `json:"generated_at"`
	AlreadyLinked   []LinkedInvoice        `json:"already_linked"`
	NeedsLinking    []UnlinkedInvoice      `json:"needs_linking"`
	NoMatchInRemote []models.Invoice       `json:"no_match_in_remote"`
	RemoteOnly      []RemoteInvoiceSummary `json:"remote_only"`
	NameSuggestions []NameSuggestion       `json:"name_suggestions"`
}
