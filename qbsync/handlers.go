package qbsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"bitbucket.org/brokermate/crm_backend/config"
	"bitbucket.org/brokermate/crm_backend/models"
	"bitbucket.org/brokermate/crm_backend/utils"
)

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireUser(c) {
			return
		}
		db := config.GetDB().WithContext(c.Request.Context())

		conn, err := models.GetActiveConnection(c.Request.Context(), db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, StatusResponse{
				Connection: ConnectionResponse{Status: models.ConnectionStatusDisconnected},
			})
			return
		}

		c.JSON(http.StatusOK, StatusResponse{
			Connection: ConnectionResponse{
				Status:  conn.Status,
				RealmId: conn.RealmId,
			},
			LastSyncAt:        formatTime(conn.LastSyncAt),
			LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
		})
	}
}

// ConnectHandler stores a token pair obtained from the provider's OAuth
// consent flow. The access token expiry comes from the grant; the refresh
// token is good for its full fixed lifetime from now.
func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireUser(c) {
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if strings.TrimSpace(req.RealmId) == "" || strings.TrimSpace(req.AccessToken) == "" || strings.TrimSpace(req.RefreshToken) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "realmId, accessToken and refreshToken are required"})
			return
		}
		if req.ExpiresIn <= 0 {
			req.ExpiresIn = 3600
		}

		now := time.Now()
		db := config.GetDB().WithContext(c.Request.Context())
		conn, err := models.UpsertConnection(c.Request.Context(), db, req.RealmId,
			req.AccessToken, req.RefreshToken,
			now.Add(time.Duration(req.ExpiresIn)*time.Second),
			now.Add(refreshTokenLifetime))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true, "id": conn.ID})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireUser(c) {
			return
		}
		db := config.GetDB().WithContext(c.Request.Context())

		conn, err := models.GetActiveConnection(c.Request.Context(), db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}
		if err := models.MarkConnectionDisconnected(c.Request.Context(), db, conn); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// TriggerSyncHandler queues a run and hands it to the worker through pub/sub.
// The request itself returns immediately with the run id.
func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireUser(c) {
			return
		}

		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		conn, _ := requireConnectedLedger(c, db)
		if conn == nil {
			return
		}

		modules := req.Modules
		if !modules.Accounts && !modules.Transactions {
			modules = DefaultSyncModules()
		}

		run := models.LedgerSyncRun{
			ConnectionId: conn.ID,
			Provider:     models.LedgerProviderQuickBooks,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredManual,
			ModulesJSON:  EncodeSyncModules(modules),
			FromDate:     parseDateParam(req.FromDate),
			ToDate:       parseDateParam(req.ToDate),
		}
		if err := db.Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := PublishSyncRun(c.Request.Context(), run.ID, conn.ID); err != nil {
			config.LogError(config.GetLogger(), "qbsync", "TriggerSyncHandler", "publish", run.ID, err)
		}

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireUser(c) {
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var runs []models.LedgerSyncRun
		if err := db.Where("provider = ?", models.LedgerProviderQuickBooks).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireUser(c) {
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var run models.LedgerSyncRun
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.LedgerSyncError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(run),
			Errors:          mapErrors(errs),
		})
	}
}

func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireUser(c) {
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var run models.LedgerSyncRun
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		newRun := models.LedgerSyncRun{
			ConnectionId: run.ConnectionId,
			Provider:     run.Provider,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredRetry,
			ModulesJSON:  run.ModulesJSON,
			FromDate:     run.FromDate,
			ToDate:       run.ToDate,
			ParentRunId:  &run.ID,
		}
		if err := db.Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := PublishSyncRun(c.Request.Context(), newRun.ID, run.ConnectionId); err != nil {
			config.LogError(config.GetLogger(), "qbsync", "RetrySyncRunHandler", "publish", newRun.ID, err)
		}

		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

// RecategorizeLineHandler moves one expense line to a new account in the
// remote ledger first, the local mirror second.
func RecategorizeLineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireUser(c) {
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid line id"})
			return
		}

		var req RecategorizeRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.AccountId) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "accountId is required"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		conn, _ := requireConnectedLedger(c, db)
		if conn == nil {
			return
		}

		client := newQBClient(models.GormConnectionStore{DB: db})
		line, err := RecategorizeLine(c.Request.Context(), db, client, conn, id, req.AccountId)
		if err != nil {
			respondLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, line)
	}
}

// ReconcileHandler builds the invoice reconciliation report synchronously.
func ReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireUser(c) {
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		conn, _ := requireConnectedLedger(c, db)
		if conn == nil {
			return
		}

		client := newQBClient(models.GormConnectionStore{DB: db})
		report, err := Reconcile(c.Request.Context(), db, client, conn)
		if err != nil {
			respondLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// ReconcileExportHandler streams the report as a spreadsheet download.
func ReconcileExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireUser(c) {
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		conn, _ := requireConnectedLedger(c, db)
		if conn == nil {
			return
		}

		client := newQBClient(models.GormConnectionStore{DB: db})
		report, err := Reconcile(c.Request.Context(), db, client, conn)
		if err != nil {
			respondLedgerError(c, err)
			return
		}

		file, err := ReportToExcel(report)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		filename := fmt.Sprintf("reconciliation-%s.xlsx", report.GeneratedAt.Format("2006-01-02"))
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		if err := file.Write(c.Writer); err != nil {
			config.LogError(config.GetLogger(), "qbsync", "ReconcileExportHandler", "write", filename, err)
		}
	}
}

// LinkInvoiceHandler confirms a reconciliation candidate: the local invoice
// is permanently paired with the given remote invoice.
func LinkInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireUser(c) {
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
			return
		}

		var req LinkInvoiceRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.RemoteInvoiceId) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "remoteInvoiceId is required"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		if err := models.LinkInvoiceToRemote(c.Request.Context(), db, id, req.RemoteInvoiceId, req.RemoteInvoiceNumber); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// AttachmentUploadHandler pushes uploaded files to the remote ledger as
// attachments on one entity. Partial failures return per-file errors.
func AttachmentUploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireUser(c) {
			return
		}

		entityType := strings.TrimSpace(c.PostForm("entityType"))
		entityId := strings.TrimSpace(c.PostForm("entityId"))
		if entityType == "" || entityId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "entityType and entityId are required"})
			return
		}

		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
			return
		}
		files := form.File["files"]
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no files provided"})
			return
		}

		items := make([]AttachmentInput, 0, len(files))
		for _, fh := range files {
			content, err := readFormFile(fh)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			contentType := fh.Header.Get("Content-Type")
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			items = append(items, AttachmentInput{
				EntityType:  entityType,
				EntityId:    entityId,
				FileName:    fh.Filename,
				ContentType: contentType,
				Content:     content,
			})
		}

		db := config.GetDB().WithContext(c.Request.Context())
		conn, _ := requireConnectedLedger(c, db)
		if conn == nil {
			return
		}

		client := newQBClient(models.GormConnectionStore{DB: db})
		result := UploadAttachments(c.Request.Context(), db, client, conn, items)
		status := http.StatusOK
		if result.Failed > 0 {
			status = http.StatusMultiStatus
		}
		c.JSON(status, result)
	}
}

func AuditLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireUser(c) {
			return
		}

		limit := 0
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			limit, _ = strconv.Atoi(v)
		}

		db := config.GetDB().WithContext(c.Request.Context())
		entries, err := ListAuditEntries(c.Request.Context(), db, strings.TrimSpace(c.Query("type")), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": entries})
	}
}

func requireUser(c *gin.Context) bool {
	if username, ok := utils.GetUsernameFromContext(c.Request.Context()); ok && strings.TrimSpace(username) != "" {
		return true
	}
	if _, ok := utils.GetUserIdFromContext(c.Request.Context()); ok {
		return true
	}
	c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	return false
}

// requireConnectedLedger loads the active connection and writes the error
// response itself when there is no usable one.
func requireConnectedLedger(c *gin.Context, db *gorm.DB) (*models.LedgerConnection, error) {
	conn, err := models.GetActiveConnection(c.Request.Context(), db)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, err
	}
	if conn == nil || conn.Status == models.ConnectionStatusDisconnected {
		c.JSON(http.StatusConflict, gin.H{"error": "ledger is not connected"})
		return nil, ErrAuthMissing
	}
	if conn.Status == models.ConnectionStatusExpired {
		c.JSON(http.StatusConflict, gin.H{"error": "ledger connection expired; reconnect required"})
		return nil, ErrRefreshFailed
	}
	return conn, nil
}

// respondLedgerError maps the error taxonomy onto HTTP statuses.
func respondLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrMissingSyncMetadata):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotFound), errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrRefreshFailed), errors.Is(err, ErrAuthMissing):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func mapRunToResponse(run models.LedgerSyncRun) SyncRunResponse {
	var stats map[string]ModuleStat
	if len(run.StatsJSON) > 0 {
		_ = json.Unmarshal(run.StatsJSON, &stats)
	}
	return SyncRunResponse{
		ID:            run.ID,
		Status:        run.Status,
		TriggeredBy:   run.TriggeredBy,
		Modules:       DecodeSyncModules(run.ModulesJSON),
		Stats:         stats,
		FromDate:      formatTime(run.FromDate),
		ToDate:        formatTime(run.ToDate),
		RecordsSynced: run.RecordsSynced,
		ErrorCount:    run.ErrorCount,
		ParentRunId:   run.ParentRunId,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		CreatedAt:     run.CreatedAt.Format(time.RFC3339),
	}
}

func mapErrors(errs []models.LedgerSyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errs))
	for _, e := range errs {
		out = append(out, SyncErrorResponse{
			ID:         e.ID,
			EntityType: e.EntityType,
			ExternalId: e.ExternalId,
			ErrorCode:  e.ErrorCode,
			Message:    e.Message,
			Retryable:  e.Retryable,
			CreatedAt:  e.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func parseDateParam(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(txnDateLayout, s)
	if err != nil {
		return nil
	}
	return &t
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
