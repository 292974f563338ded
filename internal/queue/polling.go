package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/rs/zerolog"
)

// Polling treats the job store as the queue: a queued row is already
// enqueued, and workers sweep for the oldest claimable one.
type Polling struct {
	claimer     Claimer
	concurrency int
	interval    time.Duration
	logger      zerolog.Logger
}

func NewPolling(claimer Claimer, concurrency int, interval time.Duration, logger zerolog.Logger) *Polling {
	if concurrency < 1 {
		concurrency = 1
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Polling{
		claimer:     claimer,
		concurrency: concurrency,
		interval:    interval,
		logger:      logger.With().Str("backend", string(KindPolling)).Logger(),
	}
}

func (p *Polling) Kind() Kind {
	return KindPolling
}

// Enqueue is a no-op; the row's presence is the signal.
func (p *Polling) Enqueue(ctx context.Context, ref models.JobRef) error {
	return nil
}

// SweepOnce claims the oldest queued job of jobType and drains it inline.
// It reports whether a job was claimed.
func (p *Polling) SweepOnce(ctx context.Context, jobType models.JobType, drain DrainFunc) (bool, error) {
	ref, ok, err := p.claimer.ClaimNextQueued(ctx, jobType)
	if err != nil {
		return false, err
	}
	if !ok {
		p.logger.Debug().Str("job_type", string(jobType)).Msg("nothing to claim")
		return false, nil
	}

	metrics.JobClaimed(string(jobType), string(KindPolling))
	if err := drain(ctx, ref); err != nil {
		return true, fmt.Errorf("drain %s: %w", ref, err)
	}
	return true, nil
}

// Run starts concurrency sweep loops per job type and blocks until ctx is
// cancelled.
func (p *Polling) Run(ctx context.Context, drains map[models.JobType]DrainFunc) error {
	p.logger.Info().Int("concurrency", p.concurrency).Dur("interval", p.interval).Msg("polling backend started")

	var wg sync.WaitGroup
	for jobType, drain := range drains {
		for i := 0; i < p.concurrency; i++ {
			wg.Add(1)
			go func(jobType models.JobType, drain DrainFunc) {
				defer wg.Done()
				p.loop(ctx, jobType, drain)
			}(jobType, drain)
		}
	}

	wg.Wait()
	p.logger.Info().Msg("polling backend stopped")
	return nil
}

func (p *Polling) loop(ctx context.Context, jobType models.JobType, drain DrainFunc) {
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := p.SweepOnce(ctx, jobType, drain)
		if err != nil {
			p.logger.Error().Err(err).Str("job_type", string(jobType)).Msg("sweep failed")
		}
		if claimed && err == nil {
			// Keep draining while there is work.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}
