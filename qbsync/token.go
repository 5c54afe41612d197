package qbsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bitbucket.org/brokermate/crm_backend/config"
	"bitbucket.org/brokermate/crm_backend/models"
)

const (
	// Tokens within this window of expiry are refreshed before use, so a
	// token never dies mid-operation.
	accessTokenRefreshThreshold = 5 * time.Minute

	// The remote ledger rotates the refresh token on every refresh; each new
	// one is good for 100 days.
	refreshTokenLifetime = 100 * 24 * time.Hour
)

// needsRefresh reports whether the access token is expired or inside the
// refresh threshold. An unknown expiry counts as expired.
func needsRefresh(conn *models.LedgerConnection, now time.Time) bool {
	if conn.AccessTokenExpiresAt == nil {
		return true
	}
	return !conn.AccessTokenExpiresAt.After(now.Add(accessTokenRefreshThreshold))
}

// ensureFreshConnection refreshes the access token when it is expired or
// about to expire. A connection without a refresh token cannot recover.
func (c *qbClient) ensureFreshConnection(ctx context.Context, conn *models.LedgerConnection) error {
	if conn == nil || conn.Status == models.ConnectionStatusDisconnected {
		return ErrAuthMissing
	}
	if conn.Status == models.ConnectionStatusExpired {
		return ErrRefreshFailed
	}
	if !needsRefresh(conn, time.Now()) {
		return nil
	}
	return c.refreshConnection(ctx, conn)
}

// refreshConnection exchanges the refresh token for a new token pair and
// persists both before returning. On a definitive rejection the connection is
// marked expired so every later operation fails fast.
func (c *qbClient) refreshConnection(ctx context.Context, conn *models.LedgerConnection) error {
	if strings.TrimSpace(conn.RefreshToken) == "" {
		_ = c.store.MarkExpired(ctx, conn)
		return ErrRefreshFailed
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", conn.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = c.store.MarkExpired(ctx, conn)
		config.LogError(config.GetLogger(), "qbsync", "refreshConnection", "token endpoint rejection",
			map[string]interface{}{"status": resp.StatusCode}, ErrRefreshFailed)
		return fmt.Errorf("%w: status %d: %s", ErrRefreshFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var token qbTokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		_ = c.store.MarkExpired(ctx, conn)
		return fmt.Errorf("%w: token endpoint returned empty tokens", ErrRefreshFailed)
	}

	now := time.Now()
	accessExpiresAt := now.Add(time.Duration(token.ExpiresIn) * time.Second)
	refreshExpiresAt := now.Add(refreshTokenLifetime)

	if err := c.store.SaveTokens(ctx, conn, token.AccessToken, token.RefreshToken, accessExpiresAt, refreshExpiresAt); err != nil {
		return err
	}
	return nil
}
