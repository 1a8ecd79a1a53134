package domain

import "time"

// ArtifactKind is the kind of a persisted media artifact
type ArtifactKind string

const (
	ArtifactVideo     ArtifactKind = "video"
	ArtifactAudio     ArtifactKind = "audio"
	ArtifactFrame     ArtifactKind = "frame"
	ArtifactMetadata  ArtifactKind = "metadata"
	ArtifactEmbedding ArtifactKind = "embedding"
)

// Modality is one feature-extraction track of a media source
type Modality string

const (
	ModalityVideo    Modality = "video"
	ModalityAudio    Modality = "audio"
	ModalityMetadata Modality = "metadata"
)

// AllModalities is the default fan-out set of a media job
var AllModalities = []Modality{ModalityVideo, ModalityAudio, ModalityMetadata}

// Valid reports whether m is a known modality
func (m Modality) Valid() bool {
	switch m {
	case ModalityVideo, ModalityAudio, ModalityMetadata:
		return true
	}
	return false
}

// MediaArtifactRecord is one artifact derived from a media source.
// At most one record exists per (SourceID, Kind, ContentHash).
type MediaArtifactRecord struct {
	SourceID    string       `db:"source_id"`
	Kind        ArtifactKind `db:"artifact_kind"`
	StorageURI  string       `db:"storage_uri"`
	ContentHash string       `db:"content_hash"`
	CreatedAt   time.Time    `db:"created_at"`
}

// EmbeddingRecord is the feature vector of one modality of a source.
// It is produced once per (SourceID, Modality, ModelVersion).
type EmbeddingRecord struct {
	SourceID     string
	Modality     Modality
	Vector       []float32
	ModelVersion string
}

// SnapshotRecord is one versioned snapshot of a replica
type SnapshotRecord struct {
	ReplicaID  string    `db:"replica_id"`
	Version    uint64    `db:"version"`
	StorageURI string    `db:"storage_uri"`
	TakenAt    time.Time `db:"taken_at"`
}

// QueueDepthSample is a point-in-time backlog reading of one queue
type QueueDepthSample struct {
	QueueName        string        `json:"queue_name"`
	Depth            int64         `json:"depth"`
	OldestMessageAge time.Duration `json:"oldest_message_age"`
	SampledAt        time.Time     `json:"sampled_at"`
}

// WriteResult says whether an idempotent write created a row
type WriteResult string

const (
	WriteWritten   WriteResult = "written"
	WriteDuplicate WriteResult = "duplicate"
)
