package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Supabase stores objects in a Supabase Storage bucket.
type Supabase struct {
	url        string
	serviceKey string
	bucket     string
	client     *http.Client
	logger     zerolog.Logger
}

func NewSupabase(url, serviceKey, bucket string, logger zerolog.Logger) *Supabase {
	return &Supabase{
		url:        url,
		serviceKey: serviceKey,
		bucket:     bucket,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.With().Str("component", "storage").Str("bucket", bucket).Logger(),
	}
}

// Upload PUTs the object with x-upsert, retrying transient failures with
// exponential backoff, and returns its public URL.
func (s *Supabase) Upload(ctx context.Context, objectPath string, data []byte, contentType string) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.bucket, objectPath)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn().Err(lastErr).Str("path", objectPath).Int("attempt", attempt).Msg("retrying upload")
			if err := waitRetry(ctx, attempt); err != nil {
				return "", fmt.Errorf("upload cancelled: %w", err)
			}
		}

		retry, err := s.put(ctx, url, data, contentType)
		if err == nil {
			return s.PublicURL(objectPath), nil
		}
		lastErr = err
		if !retry {
			return "", lastErr
		}
	}

	return "", fmt.Errorf("upload failed after %d attempts: %w", maxRetries+1, lastErr)
}

// put makes one upload attempt and reports whether a failure is retryable.
func (s *Supabase) put(ctx context.Context, url string, data []byte, contentType string) (bool, error) {
	uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(uploadCtx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")
	req.ContentLength = int64(len(data))

	resp, err := s.client.Do(req)
	if err != nil {
		return isRetryableError(err), fmt.Errorf("failed to upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return false, nil
	}
	body, _ := io.ReadAll(resp.Body)
	return isRetryableStatus(resp.StatusCode), fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
}

func (s *Supabase) UploadFile(ctx context.Context, objectPath, localPath, contentType string) (string, error) {
	return uploadFile(ctx, s, objectPath, localPath, contentType)
}

func (s *Supabase) PublicURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.bucket, objectPath)
}
