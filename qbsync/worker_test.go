package qbsync

import (
	"strings"
	"testing"
	"time"

	"bitbucket.org/brokermate/crm_backend/models"
)

func TestSyncWindow(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	explicitFrom := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	explicitTo := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	lastSuccess := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)

	t.Run("explicit range wins", func(t *testing.T) {
		run := &models.LedgerSyncRun{FromDate: &explicitFrom, ToDate: &explicitTo}
		from, to := syncWindow(run, &models.LedgerConnection{LastSuccessSyncAt: &lastSuccess}, now)
		if !from.Equal(explicitFrom) || !to.Equal(explicitTo) {
			t.Fatalf("window = %v .. %v", from, to)
		}
	})

	t.Run("last success with overlap", func(t *testing.T) {
		from, to := syncWindow(&models.LedgerSyncRun{}, &models.LedgerConnection{LastSuccessSyncAt: &lastSuccess}, now)
		if !from.Equal(lastSuccess.Add(-24 * time.Hour)) {
			t.Fatalf("from = %v", from)
		}
		if !to.Equal(now) {
			t.Fatalf("to = %v", to)
		}
	})

	t.Run("first pull uses lookback", func(t *testing.T) {
		from, _ := syncWindow(&models.LedgerSyncRun{}, &models.LedgerConnection{}, now)
		if !from.Equal(now.Add(-defaultSyncLookback)) {
			t.Fatalf("from = %v", from)
		}
	})
}

func TestDecodeSyncModules(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		expected SyncModules
	}{
		{"empty defaults to all", "", SyncModules{Accounts: true, Transactions: true}},
		{"garbage defaults to all", "not json", SyncModules{Accounts: true, Transactions: true}},
		{"accounts only", `{"accounts":true,"transactions":false}`, SyncModules{Accounts: true}},
	}
	for _, tc := range cases {
		if got := DecodeSyncModules([]byte(tc.raw)); got != tc.expected {
			t.Fatalf("%s: DecodeSyncModules = %+v, expected %+v", tc.name, got, tc.expected)
		}
	}
}

func TestAccountQueryStatement(t *testing.T) {
	statement := accountQueryStatement()
	if !strings.HasPrefix(statement, "SELECT * FROM Account WHERE Active = true") {
		t.Fatalf("statement = %q", statement)
	}
	for _, accountType := range syncedAccountTypes {
		if !strings.Contains(statement, "'"+accountType+"'") {
			t.Fatalf("statement missing type %q: %s", accountType, statement)
		}
	}
}
