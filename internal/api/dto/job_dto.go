package dto

import "encoding/json"

type TriggerMediaRequest struct {
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	SourceID       string `json:"source_id" binding:"required"`
	PayloadRef     string `json:"payload_ref" binding:"required"`
}

type TriggerBackupRequest struct {
	IdempotencyKey string   `json:"idempotency_key"`
	ReplicaIDs     []string `json:"replica_ids"`
	Limit          int      `json:"limit" binding:"gte=0"`
}

type TriggerResponse struct {
	JobID      string `json:"job_id"`
	JobType    string `json:"job_type"`
	PayloadRef string `json:"payload_ref"`
	Status     string `json:"status"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is one job ledger row.
//
// Status is the job-level result: PENDING, RUNNING, COMPLETED, PARTIAL,
// FAILED or CANCELED. Stage is the last media pipeline stage the job reached
// and is independent of Status. A media job whose frames were only partly
// embedded reports status PARTIAL with stage COMPLETED: the pipeline ran to
// the end and Outcome lists the units that failed. FAILED and CANCELED jobs
// report stage FAILED, with Reason set.
type JobDTO struct {
	JobID      string          `json:"job_id"`
	JobType    string          `json:"job_type"`
	Queue      string          `json:"queue"`
	PayloadRef string          `json:"payload_ref"`
	Status     string          `json:"status"`
	Stage      string          `json:"stage,omitempty"`
	Attempt    int             `json:"attempt"`
	Reason     string          `json:"reason,omitempty"`
	Outcome    json.RawMessage `json:"outcome,omitempty"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

type CancelJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type QueueDepthResponse struct {
	Queue               string  `json:"queue"`
	Depth               int64   `json:"depth"`
	OldestMessageAgeSec float64 `json:"oldest_message_age_seconds"`
	SampledAt           string  `json:"sampled_at"`
}
