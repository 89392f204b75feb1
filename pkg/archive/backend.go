// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Backend is an optional shared mirror consulted before falling back to a
// network download through the registry client, and written through to
// after a successful download. A nil Backend means every archive store
// operates purely against the local disk cache.
type Backend interface {
	// Fetch returns the cached bytes for key, or ok=false on a clean miss.
	Fetch(ctx context.Context, key string) (data []byte, ok bool, err error)
	// Store writes data under key for future Fetch calls to find.
	Store(ctx context.Context, key string, data []byte) error
}

// Default configuration for the GCS mirror backend.
const (
	// DefaultMaxRetries is the number of retry attempts for transient failures.
	DefaultMaxRetries = 5
	// DefaultInitialBackoff is the initial backoff duration for retries.
	DefaultInitialBackoff = 100 * time.Millisecond
	// DefaultMaxBackoff caps the exponential backoff.
	DefaultMaxBackoff = 30 * time.Second
)

// GCSBackend mirrors downloaded archives into a shared Google Cloud
// Storage bucket so multiple harness hosts reuse one another's downloads.
type GCSBackend struct {
	client *storage.Client
	bucket string

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// GCSOption configures a GCSBackend instance.
type GCSOption func(*GCSBackend)

// WithRetryConfig overrides the retry/backoff schedule used for uploads.
func WithRetryConfig(maxRetries int, initialBackoff, maxBackoff time.Duration) GCSOption {
	return func(b *GCSBackend) {
		b.maxRetries = maxRetries
		b.initialBackoff = initialBackoff
		b.maxBackoff = maxBackoff
	}
}

// NewGCSBackend creates a mirror backend backed by bucket.
func NewGCSBackend(ctx context.Context, bucket string, opts ...GCSOption) (*GCSBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: creating GCS client: %w", err)
	}
	b := &GCSBackend{
		client:         client,
		bucket:         bucket,
		maxRetries:     DefaultMaxRetries,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Close releases the underlying GCS client.
func (b *GCSBackend) Close() error {
	return b.client.Close()
}

// retryableGoogleAPICodes are the HTTP statuses GCS itself documents as
// safe to retry: rate limiting and transient server-side failures.
var retryableGoogleAPICodes = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && retryableGoogleAPICodes[apiErr.Code] {
		return true
	}

	for _, substr := range []string{"connection reset", "connection refused", "temporary failure"} {
		if strings.Contains(err.Error(), substr) {
			return true
		}
	}
	return false
}

// Fetch downloads key from the bucket, reporting a clean miss on
// storage.ErrObjectNotExist.
func (b *GCSBackend) Fetch(ctx context.Context, key string) ([]byte, bool, error) {
	r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("archive: opening gcs object %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("archive: reading gcs object %s: %w", key, err)
	}
	return data, true, nil
}

// Store uploads data under key, retrying transient failures with
// exponential backoff.
func (b *GCSBackend) Store(ctx context.Context, key string, data []byte) error {
	backoff := b.initialBackoff
	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > b.maxBackoff {
				backoff = b.maxBackoff
			}
		}

		err := b.upload(ctx, key, data)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return err
		}
	}
	return fmt.Errorf("archive: max retries exceeded uploading %s: %w", key, lastErr)
}

func (b *GCSBackend) upload(ctx context.Context, key string, data []byte) error {
	wc := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(wc, bytes.NewReader(data)); err != nil {
		wc.Close()
		return fmt.Errorf("archive: writing gcs object %s: %w", key, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("archive: closing gcs writer for %s: %w", key, err)
	}
	return nil
}
