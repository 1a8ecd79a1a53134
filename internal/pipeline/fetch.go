package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/shared/objectstore"
)

// DefaultMaxSourceBytes caps a fetched media source when no limit is set
const DefaultMaxSourceBytes int64 = 1 << 30

// ErrSourceTooLarge is returned for sources above the fetch limit
var ErrSourceTooLarge = errors.New("source exceeds size limit")

// Fetcher resolves a payload reference to the source bytes
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// SourceFetcher reads s3:// references from the object store and http(s)
// references over HTTP
type SourceFetcher struct {
	store    objectstore.Store
	client   *http.Client
	maxBytes int64
}

// NewSourceFetcher creates a fetcher; a nil client uses http.DefaultClient
// and a non-positive maxBytes uses DefaultMaxSourceBytes
func NewSourceFetcher(store objectstore.Store, client *http.Client, maxBytes int64) *SourceFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSourceBytes
	}
	return &SourceFetcher{store: store, client: client, maxBytes: maxBytes}
}

// Fetch returns the bytes behind ref. Unsupported schemes, client errors and
// oversized sources are permanent; not-found and network failures are
// transient.
func (f *SourceFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "s3://"):
		data, err := f.store.Get(ctx, ref)
		if errors.Is(err, objectstore.ErrInvalidURI) {
			return nil, domain.NewPermanentError(err)
		}
		if err != nil {
			return nil, domain.NewTransientError(err)
		}
		if int64(len(data)) > f.maxBytes {
			return nil, f.tooLarge(ref)
		}
		return data, nil

	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return f.fetchHTTP(ctx, ref)

	default:
		return nil, domain.NewPermanentError(fmt.Errorf("%w: unsupported payload_ref %q", domain.ErrInvalidPayload, ref))
	}
}

func (f *SourceFetcher) fetchHTTP(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, domain.NewPermanentError(fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, domain.NewTransientError(fmt.Errorf("failed to fetch %s: %w", ref, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("failed to fetch %s: status %d", ref, resp.StatusCode)
		if retryableStatus(resp.StatusCode) {
			return nil, domain.NewTransientError(err)
		}
		return nil, domain.NewPermanentError(err)
	}

	if resp.ContentLength > f.maxBytes {
		return nil, f.tooLarge(ref)
	}

	// One byte past the limit tells a truncated read from a source that fits
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, domain.NewTransientError(fmt.Errorf("failed to read %s: %w", ref, err))
	}
	if int64(len(data)) > f.maxBytes {
		return nil, f.tooLarge(ref)
	}
	return data, nil
}

func (f *SourceFetcher) tooLarge(ref string) error {
	return domain.NewPermanentError(fmt.Errorf("%w: %s is larger than %d bytes", ErrSourceTooLarge, ref, f.maxBytes))
}

// retryableStatus reports whether an HTTP status may succeed later
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusNotFound, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}
