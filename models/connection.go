package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/brokermate/crm_backend/config"
	"gorm.io/gorm"
)

const LedgerProviderQuickBooks = "quickbooks"

const (
	ConnectionStatusConnected    = "connected"
	ConnectionStatusExpired      = "expired"
	ConnectionStatusDisconnected = "disconnected"
)

const connectionCacheKey = "LedgerConnection:active"

// LedgerConnection is the OAuth credential state for the remote ledger link.
// Exactly one row per provider is considered active; every sync operation
// fetches it fresh at the start of the run and passes it down the call chain.
type LedgerConnection struct {
	ID                    uint       `gorm:"primary_key" json:"id"`
	Provider              string     `gorm:"uniqueIndex;size:50;not null" json:"provider"`
	RealmId               string     `gorm:"index;size:100;not null" json:"realm_id"`
	Status                string     `gorm:"size:20;not null" json:"status"`
	AccessToken           string     `gorm:"type:text" json:"-"`
	RefreshToken          string     `gorm:"type:text" json:"-"`
	AccessTokenExpiresAt  *time.Time `json:"access_token_expires_at"`
	RefreshTokenExpiresAt *time.Time `json:"refresh_token_expires_at"`
	LastSyncAt            *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt     *time.Time `json:"last_success_sync_at"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetActiveConnection returns the QuickBooks connection row, nil if none exists.
func GetActiveConnection(ctx context.Context, db *gorm.DB) (*LedgerConnection, error) {
	var conn LedgerConnection
	exists, err := config.GetRedisObject(connectionCacheKey, &conn)
	if err == nil && exists {
		return &conn, nil
	}

	err = db.WithContext(ctx).
		Where("provider = ?", LedgerProviderQuickBooks).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	_ = config.SetRedisObject(connectionCacheKey, &conn, 5*time.Minute)
	return &conn, nil
}

// UpsertConnection stores the token set produced by the OAuth handshake
// (performed outside this subsystem) and marks the connection connected.
func UpsertConnection(ctx context.Context, db *gorm.DB, realmId string, accessToken string, refreshToken string, accessExp time.Time, refreshExp time.Time) (*LedgerConnection, error) {
	var conn LedgerConnection
	err := db.WithContext(ctx).
		Where("provider = ?", LedgerProviderQuickBooks).
		Take(&conn).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		conn = LedgerConnection{
			Provider:              LedgerProviderQuickBooks,
			RealmId:               realmId,
			Status:                ConnectionStatusConnected,
			AccessToken:           accessToken,
			RefreshToken:          refreshToken,
			AccessTokenExpiresAt:  &accessExp,
			RefreshTokenExpiresAt: &refreshExp,
		}
		if err := db.WithContext(ctx).Create(&conn).Error; err != nil {
			return nil, err
		}
	} else {
		updates := map[string]interface{}{
			"realm_id":                 realmId,
			"status":                   ConnectionStatusConnected,
			"access_token":             accessToken,
			"refresh_token":            refreshToken,
			"access_token_expires_at":  accessExp,
			"refresh_token_expires_at": refreshExp,
		}
		if err := db.WithContext(ctx).Model(&conn).Updates(updates).Error; err != nil {
			return nil, err
		}
	}

	_ = config.RemoveRedisKey(connectionCacheKey)
	return &conn, nil
}

// GormConnectionStore persists token-lifecycle changes for a connection.
type GormConnectionStore struct {
	DB *gorm.DB
}

func (s GormConnectionStore) SaveTokens(ctx context.Context, conn *LedgerConnection, accessToken string, refreshToken string, accessExp time.Time, refreshExp time.Time) error {
	updates := map[string]interface{}{
		"status":                   ConnectionStatusConnected,
		"access_token":             accessToken,
		"refresh_token":            refreshToken,
		"access_token_expires_at":  accessExp,
		"refresh_token_expires_at": refreshExp,
	}
	if err := s.DB.WithContext(ctx).Model(&LedgerConnection{}).
		Where("id = ?", conn.ID).
		Updates(updates).Error; err != nil {
		return err
	}
	conn.Status = ConnectionStatusConnected
	conn.AccessToken = accessToken
	conn.RefreshToken = refreshToken
	conn.AccessTokenExpiresAt = &accessExp
	conn.RefreshTokenExpiresAt = &refreshExp
	_ = config.RemoveRedisKey(connectionCacheKey)
	return nil
}

func (s GormConnectionStore) MarkExpired(ctx context.Context, conn *LedgerConnection) error {
	if err := s.DB.WithContext(ctx).Model(&LedgerConnection{}).
		Where("id = ?", conn.ID).
		Update("status", ConnectionStatusExpired).Error; err != nil {
		return err
	}
	conn.Status = ConnectionStatusExpired
	_ = config.RemoveRedisKey(connectionCacheKey)
	return nil
}

// MarkConnectionDisconnected clears the stored credentials. Re-authorizing
// through the OAuth handshake is the only way back to connected.
func MarkConnectionDisconnected(ctx context.Context, db *gorm.DB, conn *LedgerConnection) error {
	if err := db.WithContext(ctx).Model(conn).Updates(map[string]interface{}{
		"status":        ConnectionStatusDisconnected,
		"access_token":  "",
		"refresh_token": "",
	}).Error; err != nil {
		return err
	}
	_ = config.RemoveRedisKey(connectionCacheKey)
	return nil
}

// TouchConnectionSyncTime records the finish time of a sync run on the connection.
func TouchConnectionSyncTime(ctx context.Context, db *gorm.DB, connId uint, finishedAt time.Time, success bool) error {
	updates := map[string]interface{}{
		"last_sync_at": finishedAt,
	}
	if success {
		updates["last_success_sync_at"] = finishedAt
	}
	err := db.WithContext(ctx).Model(&LedgerConnection{}).
		Where("id = ?", connId).
		Updates(updates).Error
	if err != nil {
		return err
	}
	_ = config.RemoveRedisKey(connectionCacheKey)
	return nil
}
