package domain

import (
	"encoding/json"
	"time"
)

// Job status constants
const (
	JobStatusPending   = "PENDING"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusPartial   = "PARTIAL"
	JobStatusFailed    = "FAILED"
	JobStatusCanceled  = "CANCELED"
)

// IsTerminalStatus reports whether a job run can no longer change
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusPartial, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Stage is a media pipeline state
type Stage string

const (
	StageReceived   Stage = "RECEIVED"
	StageFetching   Stage = "FETCHING"
	StageExtracting Stage = "EXTRACTING"
	StageEmbedding  Stage = "EMBEDDING"
	StagePersisting Stage = "PERSISTING"
	StageCompleted  Stage = "COMPLETED"
	StageFailed     Stage = "FAILED"
)

// FailureReason is carried by the Failed stage
type FailureReason string

const (
	ReasonFetchError   FailureReason = "fetch_error"
	ReasonExtractError FailureReason = "extract_error"
	ReasonCancelled    FailureReason = "cancelled"
	ReasonInvalidInput FailureReason = "invalid_input"
	ReasonEmbedError   FailureReason = "embed_error"
)

// JobRun is the ledger row of one job as seen by the workers
type JobRun struct {
	JobID      string          `db:"job_id"`
	JobType    string          `db:"job_type"`
	Queue      string          `db:"queue"`
	PayloadRef string          `db:"payload_ref"`
	Status     string          `db:"status"`
	Stage      string          `db:"stage"`
	Attempt    int             `db:"attempt"`
	Reason     string          `db:"reason"`
	Outcome    json.RawMessage `db:"outcome"`
	CreatedAt  time.Time       `db:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

// JobStatusFor maps a run status to the job ledger status
func JobStatusFor(status RunStatus) string {
	switch status {
	case RunCompleted:
		return JobStatusCompleted
	case RunPartial:
		return JobStatusPartial
	default:
		return JobStatusFailed
	}
}
