package salesync

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lengolf/possync_backend/config"
	"github.com/lengolf/possync_backend/models"
	"github.com/lengolf/possync_backend/utils"
	"gorm.io/gorm"
)

// StatusHandler reports the boundary, both watermarks, ledger counts per
// source and the most recent run in a single payload.
func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		db := config.GetDB().WithContext(ctx)

		resp := StatusResponse{
			Watermarks:   map[string]string{},
			LedgerCounts: map[string]int64{},
		}

		cutover, err := models.ActiveCutover(ctx, db)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err == nil {
			d := cutover.CutoverDate.UTC().Format(scopeDateLayout)
			resp.CutoverDate = &d
		}

		for _, source := range []string{models.SourceLegacy, models.SourceLive} {
			wm, wErr := models.GetWatermark(ctx, db, source)
			if wErr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": wErr.Error()})
				return
			}
			resp.Watermarks[source] = wm.Position

			count, cErr := models.CountSaleRecords(ctx, db, source)
			if cErr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": cErr.Error()})
				return
			}
			resp.LedgerCounts[source] = count
		}

		var last models.SyncRun
		err = db.Order("id desc").Take(&last).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err == nil {
			run := mapRunToResponse(last)
			resp.LastRun = &run
		}

		c.JSON(http.StatusOK, resp)
	}
}

func RunHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		db := config.GetDB().WithContext(c.Request.Context())

		query := db.Order("id desc").Limit(limit)
		if status := strings.TrimSpace(c.Query("status")); status != "" {
			query = query.Where("status = ?", status)
		}

		var runs []models.SyncRun
		if err := query.Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, RunHistoryResponse{Items: items})
	}
}

func RunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())

		var run models.SyncRun
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.SyncRunError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := RunDetailResponse{
			RunResponse: mapRunToResponse(run),
			Stats:       run.StatsJSON,
			Scope:       run.ScopeJSON,
			Errors:      mapErrors(errs),
		}
		c.JSON(http.StatusOK, resp)
	}
}

// TriggerSyncHandler queues an incremental cycle and hands it to the
// worker over Pub/Sub. The endpoint returns as soon as the audit row
// exists; progress is observable through the run detail endpoint.
func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Body is optional; an empty POST means a manual trigger.
		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		triggeredBy := req.TriggeredBy
		if triggeredBy == "" {
			triggeredBy = models.SyncTriggeredManual
		}

		db := config.GetDB().WithContext(c.Request.Context())

		run := models.SyncRun{
			Status:      models.SyncRunStatusQueued,
			TriggeredBy: triggeredBy,
			BatchId:     uuid.NewString(),
		}
		if err := db.Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishRun(c.Request.Context(), run.ID)

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

// SetCutoverHandler moves the ownership boundary. Refused with 409 when
// committed rows would land on the wrong side, unless the caller plans a
// reprocess and says so.
func SetCutoverHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SetCutoverRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		date, err := time.Parse(scopeDateLayout, strings.TrimSpace(req.Date))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB().WithContext(ctx)

		cutover, err := models.SetCutover(ctx, db, date, req.Description, req.Reprocess)
		if err != nil {
			if errors.Is(err, models.ErrCutoverConflict) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"cutoverDate": cutover.CutoverDate.UTC().Format(scopeDateLayout),
		})
	}
}

// TriggerReprocessHandler queues a scoped rebuild of one (source, range).
func TriggerReprocessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerReprocessRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		scope := ReprocessScope{Source: req.Source, From: req.From, To: req.To}
		if _, _, err := scope.Range(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())

		run := models.SyncRun{
			Status:      models.SyncRunStatusQueued,
			TriggeredBy: models.SyncTriggeredReprocess,
			BatchId:     uuid.NewString(),
			ScopeJSON:   EncodeScope(scope),
		}
		if err := db.Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishRun(c.Request.Context(), run.ID)

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func mapRunToResponse(run models.SyncRun) RunResponse {
	return RunResponse{
		ID:            run.ID,
		Status:        run.Status,
		TriggeredBy:   run.TriggeredBy,
		BatchId:       run.BatchId,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsSynced: run.RecordsSynced,
		ErrorCount:    run.ErrorCount,
	}
}

func mapErrors(errorsList []models.SyncRunError) []RunErrorResponse {
	out := make([]RunErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, RunErrorResponse{
			ID:         errItem.ID,
			Source:     errItem.Source,
			ExternalId: errItem.ExternalId,
			ErrorCode:  errItem.ErrorCode,
			Message:    errItem.Message,
			Retryable:  errItem.Retryable,
		})
	}
	return out
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
