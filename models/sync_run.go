package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
	SyncRunStatusSkipped = "skipped"
)

const (
	SyncTriggeredManual    = "manual"
	SyncTriggeredSchedule  = "schedule"
	SyncTriggeredRetry     = "retry"
	SyncTriggeredReprocess = "reprocess"
)

const (
	SyncErrorCodeValidation     = "validation_error"
	SyncErrorCodeReferentialGap = "referential_gap"
	SyncErrorCodeTransientIO    = "transient_io_error"
	SyncErrorCodeWatermark      = "watermark_inconsistency"
	SyncErrorCodeProvenance     = "provenance_mismatch"
	SyncErrorCodeSyncFailed     = "sync_failed"
)

// SyncRun is the durable audit record of one cycle (or reprocess run).
type SyncRun struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	Status        string     `gorm:"index;size:20;not null" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	BatchId       string     `gorm:"index;size:64" json:"batch_id"`
	ScopeJSON     []byte     `gorm:"type:json" json:"scope"`
	StatsJSON     []byte     `gorm:"type:json" json:"stats"`
	RecordsSynced int        `json:"records_synced"`
	ErrorCount    int        `json:"error_count"`
	ParentRunId   *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncRunError is one skipped/failed record (or source-level failure) of a run.
type SyncRunError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	Source      string    `gorm:"size:10" json:"source"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateSyncRunError(ctx context.Context, db *gorm.DB, runId uint, source string, externalId string, code string, message string, payload []byte, retryable bool) error {
	errRec := SyncRunError{
		SyncRunId:   runId,
		Source:      source,
		ExternalId:  externalId,
		ErrorCode:   code,
		Message:     message,
		PayloadJSON: payload,
		Retryable:   retryable,
	}
	return db.WithContext(ctx).Create(&errRec).Error
}
