package qbsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func invoicePage(count, offset int) []byte {
	invoices := make([]qbInvoice, 0, count)
	for i := 0; i < count; i++ {
		invoices = append(invoices, qbInvoice{
			Id:        fmt.Sprint(offset + i + 1),
			DocNumber: fmt.Sprintf("INV-%d", offset+i+1),
			TotalAmt:  json.Number("100.00"),
		})
	}
	body, _ := json.Marshal(qbQueryEnvelope{QueryResponse: qbQueryResponse{Invoice: invoices}})
	return body
}

func TestQueryAll_WalksPagesUntilShortPage(t *testing.T) {
	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		statement := r.URL.Query().Get("query")
		requests = append(requests, statement)
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(statement, "STARTPOSITION 1 ") {
			w.Write(invoicePage(1000, 0))
			return
		}
		w.Write(invoicePage(400, 1000))
	}))
	defer srv.Close()

	client := testClient(srv.URL, &fakeStore{})
	conn := testConnection()

	total := 0
	err := client.queryAll(context.Background(), conn, "SELECT * FROM Invoice", func(resp *qbQueryResponse) (int, error) {
		total += len(resp.Invoice)
		return len(resp.Invoice), nil
	})
	if err != nil {
		t.Fatalf("queryAll error: %v", err)
	}
	if total != 1400 {
		t.Fatalf("total = %d, expected 1400", total)
	}
	if len(requests) != 2 {
		t.Fatalf("expected exactly 2 fetches, got %d", len(requests))
	}
	if !strings.Contains(requests[0], "STARTPOSITION 1 MAXRESULTS 1000") {
		t.Fatalf("first page statement = %q", requests[0])
	}
	if !strings.Contains(requests[1], "STARTPOSITION 1001 MAXRESULTS 1000") {
		t.Fatalf("second page statement = %q", requests[1])
	}
}

func TestDo_RefreshesOnceAndReplaysOn401(t *testing.T) {
	companyCalls := 0
	tokenCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			tokenCalls++
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"access-new","refresh_token":"refresh-new","expires_in":3600}`))
			return
		}
		companyCalls++
		if r.Header.Get("Authorization") != "Bearer access-new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(invoicePage(1, 0))
	}))
	defer srv.Close()

	store := &fakeStore{}
	client := testClient(srv.URL, store)
	conn := testConnection()

	resp, err := client.query(context.Background(), conn, "SELECT * FROM Invoice", 1, 1000)
	if err != nil {
		t.Fatalf("query error: %v", err)
	}
	if len(resp.Invoice) != 1 {
		t.Fatalf("expected 1 invoice, got %d", len(resp.Invoice))
	}
	if companyCalls != 2 {
		t.Fatalf("expected 1 failed call plus 1 replay, got %d calls", companyCalls)
	}
	if tokenCalls != 1 {
		t.Fatalf("expected exactly 1 refresh, got %d", tokenCalls)
	}
	if store.saveCalls != 1 {
		t.Fatalf("expected tokens saved once, got %d", store.saveCalls)
	}
}

func TestDo_SecondUnauthorizedFailsHard(t *testing.T) {
	companyCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"access-new","refresh_token":"refresh-new","expires_in":3600}`))
			return
		}
		companyCalls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := &fakeStore{}
	client := testClient(srv.URL, store)
	conn := testConnection()

	_, err := client.query(context.Background(), conn, "SELECT * FROM Invoice", 1, 1000)
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	if companyCalls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", companyCalls)
	}
	if store.expireCalls == 0 {
		t.Fatal("expected connection to be marked expired")
	}
}

func TestMapAPIError(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		expected error
	}{
		{"not found", 404, "", ErrNotFound},
		{"rate limited", 429, "", ErrRateLimited},
		{"stale object code", 400, `{"Fault":{"Error":[{"Message":"Stale Object Error","code":"5010"}],"type":"ValidationFault"}}`, ErrConflict},
		{"conflict status", 409, "", ErrConflict},
		{"missing entity fault", 400, `{"Fault":{"Error":[{"Message":"Object Not Found","code":"610"}],"type":"ValidationFault"}}`, ErrNotFound},
	}
	for _, tc := range cases {
		err := mapAPIError(tc.status, []byte(tc.body))
		if !errors.Is(err, tc.expected) {
			t.Fatalf("%s: mapAPIError(%d) = %v, expected %v", tc.name, tc.status, err, tc.expected)
		}
	}
}
