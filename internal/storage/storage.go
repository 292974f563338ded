// Package storage keeps rendered clips, frames and films, and fetches remote
// media for the drains.
package storage

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/bobarin/storyreel/internal/config"
	"github.com/rs/zerolog"
)

const (
	uploadTimeout   = 180 * time.Second
	downloadTimeout = 120 * time.Second

	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// Store persists artifacts and returns the URL they are reachable at.
type Store interface {
	Upload(ctx context.Context, objectPath string, data []byte, contentType string) (string, error)
	UploadFile(ctx context.Context, objectPath, localPath, contentType string) (string, error)
}

// New builds the store selected by STORAGE_PROVIDER.
func New(cfg *config.Config, logger zerolog.Logger) (Store, error) {
	switch cfg.StorageProvider {
	case "supabase":
		return NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, logger), nil
	case "", "local":
		return NewLocal(cfg.StorageDir, cfg.StoragePublicURL)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.StorageProvider)
	}
}

// ClipPath, FramePath and FilmPath lay out objects per project.
func ClipPath(projectID, beatID, jobID string) string {
	return path.Join(projectID, "scenes", beatID, jobID+".mp4")
}

func FramePath(projectID, beatID, jobID string) string {
	return path.Join(projectID, "scenes", beatID, jobID+"_last.jpg")
}

func FilmPath(projectID, filmID string) string {
	return path.Join(projectID, "films", "final_"+filmID+".mp4")
}

func uploadFile(ctx context.Context, s Store, objectPath, localPath, contentType string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", localPath, err)
	}
	return s.Upload(ctx, objectPath, data, contentType)
}

// retryDelay is base * 2^(attempt-1) capped at maxRetryDelay, plus 0-25% jitter.
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func waitRetry(ctx context.Context, attempt int) error {
	t := time.NewTimer(retryDelay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
