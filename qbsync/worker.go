package qbsync

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"gorm.io/gorm"

	"bitbucket.org/brokermate/crm_backend/config"
	"bitbucket.org/brokermate/crm_backend/models"
)

const (
	syncRunLockKey = "qbsync:run-lock"
	syncRunLockTTL = 10 * time.Minute

	// First-ever sync pulls this far back when no window is given.
	defaultSyncLookback = 90 * 24 * time.Hour
)

// errRunLockHeld makes push delivery retry the run later instead of
// dropping it.
var errRunLockHeld = errors.New("sync run lock held by another worker")

// SyncPubSubPayload is the message body queued per run.
type SyncPubSubPayload struct {
	RunId        uint `json:"run_id"`
	ConnectionId uint `json:"connection_id"`
}

// PubSubPushEnvelope is the push-subscription wrapper around a message.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// processSyncRun executes one queued run end to end: takes the run lock so
// pulls never overlap, runs the selected modules, then rolls the results up
// onto the run row and the connection.
func processSyncRun(ctx context.Context, payload SyncPubSubPayload) error {
	if payload.RunId == 0 {
		return errors.New("invalid payload")
	}

	db := config.GetDB().WithContext(ctx)

	var run models.LedgerSyncRun
	if err := db.Where("id = ?", payload.RunId).Take(&run).Error; err != nil {
		return err
	}
	if run.Status == models.SyncRunStatusSuccess || run.Status == models.SyncRunStatusFailed || run.Status == models.SyncRunStatusPartial {
		return nil
	}

	conn, err := models.GetActiveConnection(ctx, db)
	if err != nil {
		return err
	}
	if conn == nil || conn.ID != run.ConnectionId {
		_ = markRunFailed(ctx, db, &run, "connection missing")
		return ErrAuthMissing
	}
	if conn.Status != models.ConnectionStatusConnected {
		_ = markRunFailed(ctx, db, &run, "connection not usable: "+conn.Status)
		return ErrAuthMissing
	}

	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, syncRunLockKey, syncRunLockTTL, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return errRunLockHeld
			}
			return err
		}
		defer lock.Release(context.Background())
	}

	now := time.Now()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	client := newQBClient(models.GormConnectionStore{DB: db})
	modules := DecodeSyncModules(run.ModulesJSON)
	from, to := syncWindow(&run, conn, now)

	stats := map[string]ModuleStat{}
	errorCount := 0
	totalSynced := 0

	if modules.Accounts {
		count, err := SyncAccounts(ctx, db, client, conn, run.ID)
		stat := ModuleStat{Synced: count, Status: models.SyncRunStatusSuccess}
		if err != nil {
			errorCount++
			stat.Errors = 1
			stat.Status = models.SyncRunStatusFailed
			_ = createSyncError(ctx, db, run.ID, "accounts", "", "sync_failed", err.Error(), !errors.Is(err, ErrRefreshFailed))
		}
		totalSynced += count
		stats["accounts"] = stat
	}

	if modules.Transactions {
		count, err := SyncTransactions(ctx, db, client, conn, run.ID, from, to)
		stat := ModuleStat{Synced: count, Status: models.SyncRunStatusSuccess}
		if err != nil {
			errorCount++
			stat.Errors = 1
			stat.Status = models.SyncRunStatusFailed
			_ = createSyncError(ctx, db, run.ID, "transactions", "", "sync_failed", err.Error(), !errors.Is(err, ErrRefreshFailed))
		}
		totalSynced += count
		stats["transactions"] = stat
	}

	finishedAt := time.Now()
	status := models.SyncRunStatusSuccess
	if errorCount > 0 && totalSynced == 0 {
		status = models.SyncRunStatusFailed
	} else if errorCount > 0 {
		status = models.SyncRunStatusPartial
	}

	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":         status,
		"finished_at":    finishedAt,
		"duration_ms":    finishedAt.Sub(*startedAt).Milliseconds(),
		"records_synced": totalSynced,
		"error_count":    errorCount,
		"stats_json":     marshalStats(stats),
		"from_date":      from,
		"to_date":        to,
	}).Error; err != nil {
		return err
	}

	return models.TouchConnectionSyncTime(ctx, db, conn.ID, finishedAt, status == models.SyncRunStatusSuccess)
}

// syncWindow resolves the transaction date window for a run: an explicit
// range on the run wins, then the last successful sync, then a fixed
// lookback for a first pull.
func syncWindow(run *models.LedgerSyncRun, conn *models.LedgerConnection, now time.Time) (time.Time, time.Time) {
	to := now
	if run.ToDate != nil {
		to = *run.ToDate
	}
	if run.FromDate != nil {
		return *run.FromDate, to
	}
	if conn.LastSuccessSyncAt != nil {
		// Re-pull a day of overlap so late edits near the boundary land.
		return conn.LastSuccessSyncAt.Add(-24 * time.Hour), to
	}
	return now.Add(-defaultSyncLookback), to
}

func markRunFailed(ctx context.Context, db *gorm.DB, run *models.LedgerSyncRun, message string) error {
	finishedAt := time.Now()
	_ = createSyncError(ctx, db, run.ID, "run", "", "aborted", message, false)
	return db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":      models.SyncRunStatusFailed,
		"finished_at": finishedAt,
		"error_count": 1,
	}).Error
}
