package salesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lengolf/possync_backend/config"
	"github.com/lengolf/possync_backend/models"
	"github.com/lengolf/possync_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const moduleName = "salesync"

var tracer = otel.Tracer(moduleName)

func cycleBudget() time.Duration {
	return time.Duration(envInt("SYNC_CYCLE_BUDGET_SECONDS", 600)) * time.Second
}

func safetyLag() time.Duration {
	return time.Duration(envInt("SYNC_SAFETY_LAG_SECONDS", 120)) * time.Second
}

func batchSize() int {
	return envInt("SYNC_BATCH_SIZE", 500)
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ProcessRun executes one queued sync run. Invoked from the Pub/Sub push
// endpoint; safe to deliver more than once because terminal runs are
// ignored and every write downstream is idempotent.
func ProcessRun(ctx context.Context, payload RunPubSubPayload) error {
	if payload.RunId == 0 {
		return errors.New("invalid payload")
	}

	db := config.GetDB().WithContext(ctx)

	var run models.SyncRun
	if err := db.Where("id = ?", payload.RunId).Take(&run).Error; err != nil {
		return err
	}

	switch run.Status {
	case models.SyncRunStatusSuccess, models.SyncRunStatusFailed,
		models.SyncRunStatusPartial, models.SyncRunStatusSkipped:
		return nil
	}

	ctx = utils.SetTriggeredByInContext(ctx, run.TriggeredBy)

	if run.TriggeredBy == models.SyncTriggeredReprocess {
		return runReprocess(ctx, db, run)
	}
	return runCycle(ctx, db, run)
}

// runCycle is the scheduler-invoked incremental path: decide what is new
// per source since the last successful run, normalize it, commit it, link
// it, and record one audit row regardless of outcome.
func runCycle(ctx context.Context, db *gorm.DB, run models.SyncRun) error {
	logger := config.GetLogger()
	budget := cycleBudget()

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var span trace.Span
	ctx, span = tracer.Start(ctx, "salesync.cycle")
	defer span.End()
	span.SetAttributes(attribute.Int("sync.run_id", int(run.ID)))

	now := time.Now()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	batchId := run.BatchId
	if batchId == "" {
		batchId = uuid.NewString()
	}

	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": startedAt,
		"batch_id":   batchId,
	}).Error; err != nil {
		return err
	}

	cutover, err := models.ActiveCutover(ctx, db)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			_ = models.CreateSyncRunError(ctx, db, run.ID, "", "", models.SyncErrorCodeSyncFailed,
				"no active cutover configured", nil, false)
			return finalizeRun(db, run, *startedAt, models.SyncRunStatusFailed, SyncStats{}, 1)
		}
		return err
	}

	stats := SyncStats{}
	errorCount := 0
	fatal := false
	lockedSources := 0

	sources := []struct {
		name string
		sync func(context.Context, *gorm.DB, uint, models.CutoverConfig, string) (int, int, int, error)
	}{
		{models.SourceLegacy, syncLegacy},
		{models.SourceLive, syncLive},
	}

	for _, src := range sources {
		lock, lockErr := utils.ObtainRunLock(ctx, "salesync:run:"+src.name, budget, moduleName, "runCycle")
		if lockErr != nil {
			if errors.Is(lockErr, utils.ErrLockNotObtained) {
				logger.WithFields(logrus.Fields{
					"module": moduleName,
					"source": src.name,
				}).Warn("cycle already in flight; skipping source")
				continue
			}
			return lockErr
		}
		lockedSources++

		processed, dups, skipped, syncErr := src.sync(ctx, db, run.ID, cutover, batchId)
		_ = lock.Release(ctx)

		switch src.name {
		case models.SourceLegacy:
			stats.Legacy += processed
		default:
			stats.Live += processed
		}
		stats.Duplicates += dups
		stats.Skipped += skipped

		if syncErr != nil {
			errorCount++
			code := models.SyncErrorCodeSyncFailed
			retryable := true
			if errors.Is(syncErr, models.ErrWatermarkRegression) {
				// Never auto-corrected; surface for an administrator.
				code = models.SyncErrorCodeWatermark
				retryable = false
				fatal = true
			} else if errors.Is(syncErr, context.DeadlineExceeded) {
				code = models.SyncErrorCodeTransientIO
			}
			_ = models.CreateSyncRunError(ctx, db, run.ID, src.name, "", code, syncErr.Error(), nil, retryable)
			config.LogError(logger, moduleName, "runCycle", "source sync failed", src.name, syncErr)
		}
	}

	if lockedSources == 0 {
		return finalizeRun(db, run, *startedAt, models.SyncRunStatusSkipped, stats, errorCount)
	}

	if stats.Legacy+stats.Live > 0 {
		if err := enrichBatch(ctx, db, batchId); err != nil {
			// Enrichment gaps never block committed financial data.
			config.LogError(logger, moduleName, "runCycle", "enrichment pass failed", batchId, err)
			_ = models.CreateSyncRunError(ctx, db, run.ID, "", batchId, models.SyncErrorCodeReferentialGap, err.Error(), nil, true)
		}

		linked, linkErr := LinkBatch(ctx, db, batchId)
		if linkErr != nil {
			config.LogError(logger, moduleName, "runCycle", "identity linking failed", batchId, linkErr)
			_ = models.CreateSyncRunError(ctx, db, run.ID, "", batchId, models.SyncErrorCodeSyncFailed, linkErr.Error(), nil, true)
		}
		stats.Linked = linked
	}

	status := models.SyncRunStatusSuccess
	synced := stats.Legacy + stats.Live
	switch {
	case fatal:
		status = models.SyncRunStatusFailed
	case errorCount > 0 && synced == 0:
		status = models.SyncRunStatusFailed
	case errorCount > 0 || stats.Skipped > 0:
		status = models.SyncRunStatusPartial
	}

	triggeredBy, _ := utils.GetTriggeredByFromContext(ctx)
	logger.WithFields(logrus.Fields{
		"module":       moduleName,
		"run_id":       run.ID,
		"triggered_by": triggeredBy,
		"status":       status,
		"records":      synced,
		"skipped":      stats.Skipped,
	}).Info("sync cycle finished")

	return finalizeRun(db, run, *startedAt, status, stats, errorCount)
}

// syncLegacy drains the frozen extract past the stored watermark. Once the
// watermark covers the extract's last row this is zero work every cycle;
// legacy history is only ever revisited by an explicit scoped reprocess.
func syncLegacy(ctx context.Context, db *gorm.DB, runId uint, cutover models.CutoverConfig, batchId string) (processed, duplicates, skipped int, err error) {
	wm, err := models.GetWatermark(ctx, db, models.SourceLegacy)
	if err != nil {
		return 0, 0, 0, err
	}
	maxId, err := models.MaxLegacyLineId(ctx, db)
	if err != nil {
		return 0, 0, 0, err
	}
	if maxId == 0 {
		return 0, 0, 0, nil
	}
	maxPos := strconv.FormatUint(uint64(maxId), 10)
	if wm.Position != "" && models.ComparePositions(models.SourceLegacy, wm.Position, maxPos) >= 0 {
		return 0, 0, 0, nil
	}

	afterId := uint(0)
	if wm.Position != "" {
		n, perr := strconv.ParseUint(wm.Position, 10, 64)
		if perr != nil {
			return 0, 0, 0, fmt.Errorf("legacy watermark %q: %w", wm.Position, perr)
		}
		afterId = uint(n)
	}

	limit := batchSize()
	for {
		// Cancellation only at batch boundaries; the watermark always
		// points at the last fully committed batch.
		if ctx.Err() != nil {
			return processed, duplicates, skipped, ctx.Err()
		}

		lines, readErr := readLegacySince(ctx, db, afterId, limit)
		if readErr != nil {
			return processed, duplicates, skipped, readErr
		}
		if len(lines) == 0 {
			return processed, duplicates, skipped, nil
		}

		staged := make([]StagingRecord, 0, len(lines))
		for _, line := range lines {
			rec, normErr := NormalizeLegacy(line)
			if normErr != nil {
				skipped++
				payload, _ := json.Marshal(line)
				_ = models.CreateSyncRunError(ctx, db, runId, models.SourceLegacy,
					fmt.Sprintf("%d", line.ID), models.SyncErrorCodeValidation, normErr.Error(), payload, false)
				continue
			}
			if cutover.Resolve(rec.SaleDate) != models.SourceLegacy {
				// The adapter and the boundary disagree. Flag it rather
				// than writing a row with corrupt provenance.
				skipped++
				payload, _ := json.Marshal(line)
				_ = models.CreateSyncRunError(ctx, db, runId, models.SourceLegacy,
					rec.ReceiptNumber, models.SyncErrorCodeProvenance,
					fmt.Sprintf("line dated %s resolves to %s", rec.SaleDate.Format("2006-01-02"), models.SourceLive),
					payload, false)
				continue
			}
			staged = append(staged, rec)
		}

		lastId := lines[len(lines)-1].ID
		txErr := db.Transaction(func(tx *gorm.DB) error {
			ins, dups, cErr := commitBatch(ctx, tx, staged, batchId)
			if cErr != nil {
				return cErr
			}
			if aErr := models.AdvanceWatermark(tx, models.SourceLegacy,
				strconv.FormatUint(uint64(lastId), 10)); aErr != nil {
				return aErr
			}
			processed += ins
			duplicates += dups
			return nil
		})
		if txErr != nil {
			return processed, duplicates, skipped, txErr
		}

		afterId = lastId
		if len(lines) < limit {
			return processed, duplicates, skipped, nil
		}
	}
}

// syncLive pulls everything the live register changed since the stored
// watermark, bounded above by now minus the safety lag so half-written
// upstream records are never read. Pages arrive in ascending updated_at
// order; the watermark advances with each committed page, in the same
// transaction as the rows it covers.
func syncLive(ctx context.Context, db *gorm.DB, runId uint, cutover models.CutoverConfig, batchId string) (processed, duplicates, skipped int, err error) {
	wm, err := models.GetWatermark(ctx, db, models.SourceLive)
	if err != nil {
		return 0, 0, 0, err
	}

	client, err := newPosClient()
	if err != nil {
		return 0, 0, 0, err
	}

	updatedSince := wm.Position
	if updatedSince == "" {
		// Fresh watermark: live ownership starts right after the boundary.
		updatedSince = cutover.CutoverDate.UTC().Format(time.RFC3339)
	}
	updatedBefore := time.Now().Add(-safetyLag()).UTC().Format(time.RFC3339)

	nextCursor := ""
	for {
		if ctx.Err() != nil {
			return processed, duplicates, skipped, ctx.Err()
		}

		params := url.Values{}
		params.Set("updated_since", updatedSince)
		params.Set("updated_before", updatedBefore)
		if nextCursor != "" {
			params.Set("cursor", nextCursor)
		}
		params.Set("limit", "200")

		resp, listErr := client.getListWithRetry(ctx, "/v1/sales", params)
		if listErr != nil {
			return processed, duplicates, skipped, listErr
		}

		records := resp.records()
		if len(records) == 0 {
			return processed, duplicates, skipped, nil
		}

		staged := make([]StagingRecord, 0, len(records))
		pageMax := wm.Position
		for _, raw := range records {
			var sale posSale
			if uErr := json.Unmarshal(raw, &sale); uErr != nil {
				skipped++
				_ = models.CreateSyncRunError(ctx, db, runId, models.SourceLive, "",
					models.SyncErrorCodeValidation, uErr.Error(), raw, false)
				continue
			}

			updated := strings.TrimSpace(sale.UpdatedAt)
			if updated == "" {
				skipped++
				_ = models.CreateSyncRunError(ctx, db, runId, models.SourceLive, sale.ID,
					models.SyncErrorCodeValidation, "updated_at missing", raw, false)
				continue
			}
			if wm.Position != "" && models.ComparePositions(models.SourceLive, updated, wm.Position) < 0 {
				return processed, duplicates, skipped,
					fmt.Errorf("%w: upstream returned %s behind watermark %s",
						models.ErrWatermarkRegression, updated, wm.Position)
			}

			for _, item := range sale.Items {
				rec, normErr := NormalizeLive(sale, item)
				if normErr != nil {
					skipped++
					_ = models.CreateSyncRunError(ctx, db, runId, models.SourceLive, sale.ID,
						models.SyncErrorCodeValidation, normErr.Error(), raw, false)
					continue
				}
				if cutover.Resolve(rec.SaleDate) != models.SourceLive {
					skipped++
					_ = models.CreateSyncRunError(ctx, db, runId, models.SourceLive,
						rec.ReceiptNumber, models.SyncErrorCodeProvenance,
						fmt.Sprintf("sale dated %s resolves to %s", rec.SaleDate.Format("2006-01-02"), models.SourceLegacy),
						raw, false)
					continue
				}
				staged = append(staged, rec)
			}

			if models.ComparePositions(models.SourceLive, updated, pageMax) > 0 {
				pageMax = updated
			}
		}

		txErr := db.Transaction(func(tx *gorm.DB) error {
			ins, dups, cErr := commitBatch(ctx, tx, staged, batchId)
			if cErr != nil {
				return cErr
			}
			if pageMax != "" {
				if aErr := models.AdvanceWatermark(tx, models.SourceLive, pageMax); aErr != nil {
					return aErr
				}
			}
			processed += ins
			duplicates += dups
			return nil
		})
		if txErr != nil {
			return processed, duplicates, skipped, txErr
		}

		if resp.NextCursor == "" || (resp.HasMore != nil && !*resp.HasMore) {
			return processed, duplicates, skipped, nil
		}
		nextCursor = resp.NextCursor
	}
}

// runReprocess is the administrator-triggered full replacement of one exact
// (source, date range): delete the committed rows for that scope, re-read
// the range from the owning source and commit it again under a fresh batch
// id. This is the only place replacement is allowed, and the watermark is
// never touched here. The range and the source's periodic cycle are
// excluded from each other by taking the same run lock.
func runReprocess(ctx context.Context, db *gorm.DB, run models.SyncRun) error {
	logger := config.GetLogger()
	budget := cycleBudget()

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var span trace.Span
	ctx, span = tracer.Start(ctx, "salesync.reprocess")
	defer span.End()
	span.SetAttributes(attribute.Int("sync.run_id", int(run.ID)))

	scope, err := DecodeScope(run.ScopeJSON)
	if err != nil {
		return err
	}
	from, to, err := scope.Range()
	if err != nil {
		return err
	}
	if scope.Source != models.SourceLegacy && scope.Source != models.SourceLive {
		return fmt.Errorf("unknown source %q", scope.Source)
	}

	now := time.Now()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	batchId := run.BatchId
	if batchId == "" {
		batchId = uuid.NewString()
	}

	// Same lock as the periodic cycle so the scheduler cannot write into
	// the range while it is being rebuilt. A held lock finalizes the run as
	// skipped: the push delivery already succeeded, so leaving the row
	// queued would strand it forever.
	lock, err := utils.ObtainRunLock(ctx, "salesync:run:"+scope.Source, budget, moduleName, "runReprocess")
	if err != nil {
		if errors.Is(err, utils.ErrLockNotObtained) {
			logger.WithFields(logrus.Fields{
				"module": moduleName,
				"source": scope.Source,
			}).Warn("cycle already in flight; skipping reprocess")
			return finalizeRun(db, run, *startedAt, models.SyncRunStatusSkipped, SyncStats{}, 0)
		}
		return err
	}
	defer func() { _ = lock.Release(ctx) }()

	rangeKey := fmt.Sprintf("salesync:reprocess:%s:%s:%s", scope.Source, scope.From, scope.To)
	rangeLock, err := utils.ObtainRunLock(ctx, rangeKey, budget, moduleName, "runReprocess")
	if err != nil {
		if errors.Is(err, utils.ErrLockNotObtained) {
			return finalizeRun(db, run, *startedAt, models.SyncRunStatusSkipped, SyncStats{}, 0)
		}
		return err
	}
	defer func() { _ = rangeLock.Release(ctx) }()

	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": startedAt,
		"batch_id":   batchId,
	}).Error; err != nil {
		return err
	}

	staged, skipped, err := stageRange(ctx, db, run.ID, scope.Source, from, to)
	if err != nil {
		_ = models.CreateSyncRunError(ctx, db, run.ID, scope.Source, "",
			models.SyncErrorCodeSyncFailed, err.Error(), nil, true)
		return finalizeRun(db, run, *startedAt, models.SyncRunStatusFailed, SyncStats{Skipped: skipped}, 1)
	}

	stats := SyncStats{Skipped: skipped}
	txErr := db.Transaction(func(tx *gorm.DB) error {
		deleted, dErr := models.DeleteSaleRange(tx, scope.Source, from, to)
		if dErr != nil {
			return dErr
		}
		stats.Replaced = int(deleted)

		ins, dups, cErr := commitBatch(ctx, tx, staged, batchId)
		if cErr != nil {
			return cErr
		}
		if scope.Source == models.SourceLegacy {
			stats.Legacy = ins
		} else {
			stats.Live = ins
		}
		stats.Duplicates = dups
		return nil
	})
	if txErr != nil {
		_ = models.CreateSyncRunError(ctx, db, run.ID, scope.Source, "",
			models.SyncErrorCodeSyncFailed, txErr.Error(), nil, true)
		return finalizeRun(db, run, *startedAt, models.SyncRunStatusFailed, stats, 1)
	}

	if err := enrichBatch(ctx, db, batchId); err != nil {
		config.LogError(logger, moduleName, "runReprocess", "enrichment pass failed", batchId, err)
		_ = models.CreateSyncRunError(ctx, db, run.ID, scope.Source, batchId,
			models.SyncErrorCodeReferentialGap, err.Error(), nil, true)
	}
	linked, linkErr := LinkBatch(ctx, db, batchId)
	if linkErr != nil {
		config.LogError(logger, moduleName, "runReprocess", "identity linking failed", batchId, linkErr)
	}
	stats.Linked = linked

	status := models.SyncRunStatusSuccess
	if skipped > 0 {
		status = models.SyncRunStatusPartial
	}
	return finalizeRun(db, run, *startedAt, status, stats, 0)
}

// stageRange re-reads and normalizes one date range from its owning source.
func stageRange(ctx context.Context, db *gorm.DB, runId uint, source string, from, to time.Time) ([]StagingRecord, int, error) {
	skipped := 0

	if source == models.SourceLegacy {
		lines, err := readLegacyRange(ctx, db, from, to)
		if err != nil {
			return nil, 0, err
		}
		staged := make([]StagingRecord, 0, len(lines))
		for _, line := range lines {
			rec, normErr := NormalizeLegacy(line)
			if normErr != nil {
				skipped++
				payload, _ := json.Marshal(line)
				_ = models.CreateSyncRunError(ctx, db, runId, source,
					fmt.Sprintf("%d", line.ID), models.SyncErrorCodeValidation, normErr.Error(), payload, false)
				continue
			}
			staged = append(staged, rec)
		}
		return staged, skipped, nil
	}

	client, err := newPosClient()
	if err != nil {
		return nil, 0, err
	}

	var staged []StagingRecord
	nextCursor := ""
	for {
		if ctx.Err() != nil {
			return nil, skipped, ctx.Err()
		}

		params := url.Values{}
		params.Set("date_from", from.Format(scopeDateLayout))
		params.Set("date_to", to.Format(scopeDateLayout))
		if nextCursor != "" {
			params.Set("cursor", nextCursor)
		}
		params.Set("limit", "200")

		resp, listErr := client.getListWithRetry(ctx, "/v1/sales", params)
		if listErr != nil {
			return nil, skipped, listErr
		}

		records := resp.records()
		if len(records) == 0 {
			return staged, skipped, nil
		}
		for _, raw := range records {
			var sale posSale
			if uErr := json.Unmarshal(raw, &sale); uErr != nil {
				skipped++
				_ = models.CreateSyncRunError(ctx, db, runId, source, "",
					models.SyncErrorCodeValidation, uErr.Error(), raw, false)
				continue
			}
			for _, item := range sale.Items {
				rec, normErr := NormalizeLive(sale, item)
				if normErr != nil {
					skipped++
					_ = models.CreateSyncRunError(ctx, db, runId, source, sale.ID,
						models.SyncErrorCodeValidation, normErr.Error(), raw, false)
					continue
				}
				// The replacement is keyed by sale date; anything the API
				// returns outside the requested range stays untouched.
				if rec.SaleDate.Before(from) || rec.SaleDate.After(to) {
					continue
				}
				staged = append(staged, rec)
			}
		}

		if resp.NextCursor == "" || (resp.HasMore != nil && !*resp.HasMore) {
			return staged, skipped, nil
		}
		nextCursor = resp.NextCursor
	}
}

func finalizeRun(db *gorm.DB, run models.SyncRun, startedAt time.Time, status string, stats SyncStats, errorCount int) error {
	finishedAt := time.Now()
	return db.Model(&run).Updates(map[string]interface{}{
		"status":         status,
		"finished_at":    finishedAt,
		"duration_ms":    finishedAt.Sub(startedAt).Milliseconds(),
		"records_synced": stats.Legacy + stats.Live,
		"error_count":    errorCount,
		"stats_json":     stats.Encode(),
	}).Error
}
