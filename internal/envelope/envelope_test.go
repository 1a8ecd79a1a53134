package envelope

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/offchain-agent/internal/domain"
)

func TestEncodeDecode(t *testing.T) {
	env := New(uuid.New(), JobTypeExtractMedia, "s3://media/S1.mp4")
	env.SourceID = "S1"
	env.Attempt = 2

	data, err := Encode(env)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, data[0])

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.JobID, got.JobID)
	assert.Equal(t, env.JobType, got.JobType)
	assert.Equal(t, env.PayloadRef, got.PayloadRef)
	assert.Equal(t, env.Attempt, got.Attempt)
	assert.Equal(t, env.TraceID, got.TraceID)
	assert.Equal(t, "S1", got.SourceID)
	assert.True(t, env.EnqueuedAt.Equal(got.EnqueuedAt))
	assert.Nil(t, got.ParentID)
}

func TestDecode_Errors(t *testing.T) {
	valid, err := Encode(New(uuid.New(), JobTypeBackup, "backup://all"))
	require.NoError(t, err)

	future := append([]byte{CurrentVersion + 1}, valid[1:]...)

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "empty message", data: nil, wantErr: ErrMalformed},
		{name: "unknown version", data: future, wantErr: ErrUnknownCodecVersion},
		{name: "garbage body", data: []byte{CurrentVersion, '{', 'x'}, wantErr: ErrMalformed},
		{name: "missing job id", data: append([]byte{CurrentVersion}, []byte(`{"job_type":"Backup","payload_ref":"backup://all"}`)...), wantErr: ErrMalformed},
		{name: "unknown job type", data: append([]byte{CurrentVersion}, []byte(`{"job_id":"`+uuid.NewString()+`","job_type":"Nope","payload_ref":"x"}`)...), wantErr: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr))
			assert.True(t, domain.IsPermanent(err), "decode errors must be permanent")
		})
	}
}

func TestRedelivery_KeepsJobID(t *testing.T) {
	env := New(uuid.New(), JobTypeExtractMedia, "s3://media/S1.mp4")

	again := env.Redelivery().Redelivery()

	assert.Equal(t, env.JobID, again.JobID)
	assert.Equal(t, env.TraceID, again.TraceID)
	assert.Equal(t, uint32(2), again.Attempt)
	assert.Equal(t, uint32(0), env.Attempt)
}

func TestSubJob(t *testing.T) {
	parent := New(uuid.New(), JobTypeExtractMedia, "s3://media/S1.mp4")
	parent.SourceID = "S1"

	audio := parent.SubJob(domain.ModalityAudio, "s3://bucket/artifacts/S1/audio/abc")
	audioAgain := parent.Redelivery().SubJob(domain.ModalityAudio, "s3://bucket/artifacts/S1/audio/abc")
	video := parent.SubJob(domain.ModalityVideo, "s3://bucket/artifacts/S1/video/def")

	require.NoError(t, audio.Validate())
	assert.Equal(t, audio.JobID, audioAgain.JobID, "sub-job id must be stable across parent redeliveries")
	assert.NotEqual(t, audio.JobID, video.JobID)
	require.NotNil(t, audio.ParentID)
	assert.Equal(t, parent.JobID, *audio.ParentID)
	assert.Equal(t, JobTypeGenerateEmbedding, audio.JobType)
	assert.Equal(t, "S1", audio.SourceID)
	assert.Equal(t, parent.TraceID, audio.TraceID)

	data, err := Encode(audio)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, domain.ModalityAudio, got.Modality)
	assert.Equal(t, parent.JobID, *got.ParentID)
}

func TestIDFromKey(t *testing.T) {
	assert.Equal(t, IDFromKey("order-1"), IDFromKey("order-1"))
	assert.NotEqual(t, IDFromKey("order-1"), IDFromKey("order-2"))
}

func TestEncode_RejectsInvalid(t *testing.T) {
	env := New(uuid.New(), JobTypeGenerateEmbedding, "s3://bucket/x")

	_, err := Encode(env)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}
