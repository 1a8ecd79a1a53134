package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/offchain-agent/internal/domain"
)

// CurrentVersion is the codec version written by Encode
const CurrentVersion byte = 1

var (
	// ErrUnknownCodecVersion is returned for messages written by an unknown codec
	ErrUnknownCodecVersion = errors.New("unknown codec version")

	// ErrMalformed is returned when a message body cannot be parsed
	ErrMalformed = errors.New("malformed envelope")
)

// JobType identifies the handler of an envelope
type JobType string

const (
	JobTypeExtractMedia      JobType = "ExtractMedia"
	JobTypeGenerateEmbedding JobType = "GenerateEmbedding"
	JobTypeBackup            JobType = "Backup"
)

// Valid reports whether t is a known job type
func (t JobType) Valid() bool {
	switch t {
	case JobTypeExtractMedia, JobTypeGenerateEmbedding, JobTypeBackup:
		return true
	}
	return false
}

// Envelope is the durable unit of work placed on a queue. A redelivered copy
// differs from the original only in Attempt.
type Envelope struct {
	Version    byte            `json:"-"`
	JobID      uuid.UUID       `json:"job_id"`
	JobType    JobType         `json:"job_type"`
	PayloadRef string          `json:"payload_ref"`
	Attempt    uint32          `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	TraceID    uuid.UUID       `json:"trace_id"`
	SourceID   string          `json:"source_id,omitempty"`
	ParentID   *uuid.UUID      `json:"parent_id,omitempty"`
	Modality   domain.Modality `json:"modality,omitempty"`
}

// New builds a first-attempt envelope
func New(jobID uuid.UUID, jobType JobType, payloadRef string) Envelope {
	return Envelope{
		Version:    CurrentVersion,
		JobID:      jobID,
		JobType:    jobType,
		PayloadRef: payloadRef,
		EnqueuedAt: time.Now().UTC(),
		TraceID:    uuid.New(),
	}
}

// Redelivery returns the copy published when the handler asks for a retry
func (e Envelope) Redelivery() Envelope {
	e.Attempt++
	return e
}

// SubJob builds the embedding sub-job of e for one modality. The sub-job ID is
// derived from the parent ID and modality so parent redeliveries reuse it.
func (e Envelope) SubJob(modality domain.Modality, payloadRef string) Envelope {
	parent := e.JobID
	return Envelope{
		Version:    CurrentVersion,
		JobID:      SubJobID(parent, modality),
		JobType:    JobTypeGenerateEmbedding,
		PayloadRef: payloadRef,
		EnqueuedAt: time.Now().UTC(),
		TraceID:    e.TraceID,
		SourceID:   e.SourceID,
		ParentID:   &parent,
		Modality:   modality,
	}
}

// SubJobID is the stable ID of a parent's modality sub-job
func SubJobID(parent uuid.UUID, modality domain.Modality) uuid.UUID {
	return uuid.NewSHA1(parent, []byte(modality))
}

// IDFromKey derives a job ID from a caller-supplied idempotency key
func IDFromKey(key string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("offchain-agent:"+key))
}

// Validate checks the fields every handler relies on
func (e Envelope) Validate() error {
	if e.JobID == uuid.Nil {
		return fmt.Errorf("%w: job_id is required", ErrMalformed)
	}
	if !e.JobType.Valid() {
		return fmt.Errorf("%w: unknown job_type %q", ErrMalformed, e.JobType)
	}
	if e.PayloadRef == "" {
		return fmt.Errorf("%w: payload_ref is required", ErrMalformed)
	}
	if e.JobType == JobTypeGenerateEmbedding {
		if e.ParentID == nil {
			return fmt.Errorf("%w: parent_id is required for %s", ErrMalformed, e.JobType)
		}
		if !e.Modality.Valid() {
			return fmt.Errorf("%w: unknown modality %q", ErrMalformed, e.Modality)
		}
	}
	return nil
}

// Encode writes the version byte followed by the JSON body
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, CurrentVersion)
	return append(out, body...), nil
}

// Decode parses a message written by Encode. Unknown versions are rejected
// before the body is looked at. Every error returned is permanent.
func Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, domain.NewPermanentError(fmt.Errorf("%w: empty message", ErrMalformed))
	}
	if data[0] != CurrentVersion {
		return Envelope{}, domain.NewPermanentError(fmt.Errorf("%w: %d", ErrUnknownCodecVersion, data[0]))
	}

	var e Envelope
	if err := json.Unmarshal(data[1:], &e); err != nil {
		return Envelope{}, domain.NewPermanentError(fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	e.Version = data[0]

	if err := e.Validate(); err != nil {
		return Envelope{}, domain.NewPermanentError(err)
	}
	return e, nil
}
