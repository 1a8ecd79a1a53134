package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/cuongbtq/offchain-agent/internal/domain"
)

// Embedding is the model output for one modality
type Embedding struct {
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
}

// Embedder runs feature extraction for one modality
type Embedder interface {
	Embed(ctx context.Context, sourceID string, modality domain.Modality, input []byte) (Embedding, error)
}

// HTTPEmbedder calls the inference service over JSON/HTTP
type HTTPEmbedder struct {
	endpoint string
	client   *http.Client
}

// NewHTTPEmbedder creates an embedder posting to endpoint
func NewHTTPEmbedder(endpoint string, client *http.Client) *HTTPEmbedder {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEmbedder{endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

type embedRequest struct {
	SourceID string          `json:"source_id"`
	Modality domain.Modality `json:"modality"`
	Content  []byte          `json:"content"`
}

// Embed posts the modality input and decodes the vector. Client errors and
// malformed responses are permanent; the rest are transient.
func (e *HTTPEmbedder) Embed(ctx context.Context, sourceID string, modality domain.Modality, input []byte) (Embedding, error) {
	body, err := json.Marshal(embedRequest{SourceID: sourceID, Modality: modality, Content: input})
	if err != nil {
		return Embedding{}, domain.NewPermanentError(fmt.Errorf("failed to marshal embed request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return Embedding{}, domain.NewPermanentError(fmt.Errorf("failed to build embed request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Embedding{}, domain.NewTransientError(fmt.Errorf("failed to call inference service: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("inference service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if retryableStatus(resp.StatusCode) && resp.StatusCode != http.StatusNotFound {
			return Embedding{}, domain.NewTransientError(err)
		}
		return Embedding{}, domain.NewPermanentError(err)
	}

	var out Embedding
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Embedding{}, domain.NewPermanentError(fmt.Errorf("failed to decode embed response: %w", err))
	}
	if len(out.Vector) == 0 || out.ModelVersion == "" {
		return Embedding{}, domain.NewPermanentError(fmt.Errorf("inference service returned an empty embedding"))
	}
	return out, nil
}

// EncodeVector renders v as little-endian float32 bytes
func EncodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

// DecodeVector parses bytes written by EncodeVector
func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}
