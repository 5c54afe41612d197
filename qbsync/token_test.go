package qbsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bitbucket.org/brokermate/crm_backend/models"
)

func TestNeedsRefresh(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name      string
		expiresIn time.Duration
		expected  bool
	}{
		{"expires in 2 minutes", 2 * time.Minute, true},
		{"expires in 10 minutes", 10 * time.Minute, false},
		{"already expired", -1 * time.Minute, true},
		{"expires exactly at threshold", accessTokenRefreshThreshold, true},
	}
	for _, tc := range cases {
		exp := now.Add(tc.expiresIn)
		conn := &models.LedgerConnection{AccessTokenExpiresAt: &exp}
		if got := needsRefresh(conn, now); got != tc.expected {
			t.Fatalf("%s: needsRefresh = %v, expected %v", tc.name, got, tc.expected)
		}
	}
}

func TestNeedsRefresh_UnknownExpiry(t *testing.T) {
	conn := &models.LedgerConnection{}
	if !needsRefresh(conn, time.Now()) {
		t.Fatal("connection without expiry should need refresh")
	}
}

type fakeStore struct {
	saveCalls   int
	expireCalls int
}

func (s *fakeStore) SaveTokens(ctx context.Context, conn *models.LedgerConnection, accessToken, refreshToken string, accessExp, refreshExp time.Time) error {
	s.saveCalls++
	conn.AccessToken = accessToken
	conn.RefreshToken = refreshToken
	conn.AccessTokenExpiresAt = &accessExp
	conn.RefreshTokenExpiresAt = &refreshExp
	conn.Status = models.ConnectionStatusConnected
	return nil
}

func (s *fakeStore) MarkExpired(ctx context.Context, conn *models.LedgerConnection) error {
	s.expireCalls++
	conn.Status = models.ConnectionStatusExpired
	return nil
}

func testClient(serverURL string, store ConnectionStore) *qbClient {
	return &qbClient{
		baseURL:      serverURL,
		tokenURL:     serverURL + "/token",
		clientID:     "test-client",
		clientSecret: "test-secret",
		minorVersion: "65",
		http:         &http.Client{Timeout: 5 * time.Second},
		limiter:      time.Tick(time.Millisecond),
		store:        store,
		pageSize:     defaultPageSize,
	}
}

func testConnection() *models.LedgerConnection {
	exp := time.Now().Add(time.Hour)
	refreshExp := time.Now().Add(30 * 24 * time.Hour)
	return &models.LedgerConnection{
		ID:                    1,
		Provider:              models.LedgerProviderQuickBooks,
		RealmId:               "9130350000000",
		Status:                models.ConnectionStatusConnected,
		AccessToken:           "access-old",
		RefreshToken:          "refresh-old",
		AccessTokenExpiresAt:  &exp,
		RefreshTokenExpiresAt: &refreshExp,
	}
}

func TestRefreshConnection_PersistsNewTokenPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" {
			t.Fatalf("grant_type = %q", r.Form.Get("grant_type"))
		}
		if r.Form.Get("refresh_token") != "refresh-old" {
			t.Fatalf("refresh_token = %q", r.Form.Get("refresh_token"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"access-new","refresh_token":"refresh-new","token_type":"bearer","expires_in":3600,"x_refresh_token_expires_in":8726400}`))
	}))
	defer srv.Close()

	store := &fakeStore{}
	client := testClient(srv.URL, store)
	conn := testConnection()

	before := time.Now()
	if err := client.refreshConnection(context.Background(), conn); err != nil {
		t.Fatalf("refreshConnection error: %v", err)
	}
	if store.saveCalls != 1 {
		t.Fatalf("expected 1 SaveTokens call, got %d", store.saveCalls)
	}
	if conn.AccessToken != "access-new" || conn.RefreshToken != "refresh-new" {
		t.Fatalf("tokens not rotated: %s / %s", conn.AccessToken, conn.RefreshToken)
	}
	if conn.RefreshTokenExpiresAt == nil {
		t.Fatal("refresh expiry not set")
	}
	lifetime := conn.RefreshTokenExpiresAt.Sub(before)
	if lifetime < refreshTokenLifetime-time.Minute || lifetime > refreshTokenLifetime+time.Minute {
		t.Fatalf("refresh token lifetime = %v, expected ~%v", lifetime, refreshTokenLifetime)
	}
}

func TestRefreshConnection_RejectionMarksExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	store := &fakeStore{}
	client := testClient(srv.URL, store)
	conn := testConnection()

	err := client.refreshConnection(context.Background(), conn)
	if err == nil {
		t.Fatal("expected error")
	}
	if store.expireCalls != 1 {
		t.Fatalf("expected MarkExpired to be called once, got %d", store.expireCalls)
	}
	if conn.Status != models.ConnectionStatusExpired {
		t.Fatalf("status = %s, expected expired", conn.Status)
	}
}

func TestEnsureFreshConnection_SkipsFreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for a fresh token")
	}))
	defer srv.Close()

	client := testClient(srv.URL, &fakeStore{})
	conn := testConnection()
	if err := client.ensureFreshConnection(context.Background(), conn); err != nil {
		t.Fatalf("ensureFreshConnection error: %v", err)
	}
}

func TestEnsureFreshConnection_DisconnectedFailsFast(t *testing.T) {
	client := testClient("http://unused", &fakeStore{})
	conn := testConnection()
	conn.Status = models.ConnectionStatusDisconnected
	if err := client.ensureFreshConnection(context.Background(), conn); err != ErrAuthMissing {
		t.Fatalf("expected ErrAuthMissing, got %v", err)
	}
}
