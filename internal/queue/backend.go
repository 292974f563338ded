package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
)

// Kind names a queue backend implementation.
type Kind string

const (
	KindPolling Kind = "polling"
	KindBroker  Kind = "broker"
)

// Select picks the backend from configuration alone. An explicit polling or
// broker override wins; auto (or empty) means broker exactly when a broker
// URL is configured.
func Select(override, brokerURL string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(override)) {
	case string(KindPolling):
		return KindPolling, nil
	case string(KindBroker):
		return KindBroker, nil
	case "", "auto":
		if strings.TrimSpace(brokerURL) != "" {
			return KindBroker, nil
		}
		return KindPolling, nil
	default:
		return "", fmt.Errorf("unknown queue backend %q", override)
	}
}

// DrainFunc does the work for a job the claimer has already moved to
// processing. A nil return means the job reached a terminal state (or was
// taken over by someone else); an error leaves the job for redelivery or
// the stale reclaimer.
type DrainFunc func(ctx context.Context, ref models.JobRef) error

// Claimer is the slice of the job store the backends need.
type Claimer interface {
	ClaimNextQueued(ctx context.Context, jobType models.JobType) (models.JobRef, bool, error)
	ClaimQueued(ctx context.Context, jobType models.JobType, id uuid.UUID) (models.JobRef, bool, error)
	RequeueStaleProcessing(ctx context.Context, jobType models.JobType, olderThan time.Duration) ([]models.JobRef, error)
	ListQueuedBefore(ctx context.Context, jobType models.JobType, olderThan time.Duration) ([]models.JobRef, error)
	JobStatus(ctx context.Context, jobType models.JobType, id uuid.UUID) (models.JobStatus, error)
}

// Backend delivers queued jobs to drains.
type Backend interface {
	Kind() Kind
	// Enqueue signals that ref is claimable. Redundant calls for the same
	// job are harmless.
	Enqueue(ctx context.Context, ref models.JobRef) error
	// Run consumes jobs until ctx is cancelled.
	Run(ctx context.Context, drains map[models.JobType]DrainFunc) error
}
