package salesync

import (
	"encoding/json"
	"errors"
	"time"
)

// ReprocessScope is the explicit range an administrator asked to rebuild.
// Dates are inclusive calendar days (YYYY-MM-DD).
type ReprocessScope struct {
	Source string `json:"source"`
	From   string `json:"from"`
	To     string `json:"to"`
}

const scopeDateLayout = "2006-01-02"

func (s ReprocessScope) Range() (from time.Time, to time.Time, err error) {
	from, err = time.Parse(scopeDateLayout, s.From)
	if err != nil {
		return
	}
	to, err = time.Parse(scopeDateLayout, s.To)
	if err != nil {
		return
	}
	if to.Before(from) {
		err = errors.New("scope end date before start date")
	}
	return
}

func DecodeScope(raw []byte) (ReprocessScope, error) {
	var scope ReprocessScope
	if len(raw) == 0 {
		return scope, errors.New("empty reprocess scope")
	}
	err := json.Unmarshal(raw, &scope)
	return scope, err
}

func EncodeScope(scope ReprocessScope) []byte {
	b, _ := json.Marshal(scope)
	return b
}

// SyncStats is persisted on the audit row as JSON.
type SyncStats struct {
	Legacy     int `json:"legacy"`
	Live       int `json:"live"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Linked     int `json:"linked"`
	Replaced   int `json:"replaced,omitempty"`
}

func (s SyncStats) Encode() []byte {
	b, _ := json.Marshal(s)
	return b
}

type SetCutoverRequest struct {
	Date        string `json:"date" binding:"required"`
	Description string `json:"description"`
	Reprocess   bool   `json:"reprocess"`
}

type TriggerSyncRequest struct {
	TriggeredBy string `json:"triggeredBy" binding:"omitempty,oneof=manual schedule retry"`
}

type TriggerReprocessRequest struct {
	Source string `json:"source" binding:"required,oneof=legacy live"`
	From   string `json:"from" binding:"required"`
	To     string `json:"to" binding:"required"`
}

type StatusResponse struct {
	CutoverDate  *string           `json:"cutoverDate"`
	Watermarks   map[string]string `json:"watermarks"`
	LedgerCounts map[string]int64  `json:"ledgerCounts"`
	LastRun      *RunResponse      `json:"lastRun"`
}

type RunHistoryResponse struct {
	Items []RunResponse `json:"items"`
}

type RunResponse struct {
	ID            uint    `json:"id"`
	Status        string  `json:"status"`
	TriggeredBy   string  `json:"triggeredBy"`
	BatchId       string  `json:"batchId"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RecordsSynced int     `json:"recordsSynced"`
	ErrorCount    int     `json:"errorCount"`
}

type RunDetailResponse struct {
	RunResponse
	Stats  json.RawMessage    `json:"stats,omitempty"`
	Scope  json.RawMessage    `json:"scope,omitempty"`
	Errors []RunErrorResponse `json:"errors"`
}

type RunErrorResponse struct {
	ID         uint   `json:"id"`
	Source     string `json:"source"`
	ExternalId string `json:"externalId"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type RunPubSubPayload struct {
	RunId uint `json:"run_id"`
}
