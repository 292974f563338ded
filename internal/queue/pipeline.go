package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type Options struct {
	Backend           string // auto | polling | broker
	BrokerURL         string
	Prefix            string
	Concurrency       int
	PollInterval      time.Duration
	StaleAfter        time.Duration
	ReclaimInterval   time.Duration
	VisibilityTimeout time.Duration
	DedupeTTL         time.Duration
}

// Pipeline is built once per process and shared by the API handlers and the
// workers. It owns the backend, the registered drains and the stale job
// reclaimer.
type Pipeline struct {
	backend         Backend
	claimer         Claimer
	staleAfter      time.Duration
	reclaimInterval time.Duration
	logger          zerolog.Logger
	closeFn         func() error

	mu     sync.RWMutex
	drains map[models.JobType]DrainFunc
}

// Open selects and constructs the backend described by opts.
func Open(opts Options, claimer Claimer, logger zerolog.Logger) (*Pipeline, error) {
	kind, err := Select(opts.Backend, opts.BrokerURL)
	if err != nil {
		return nil, err
	}

	var (
		backend Backend
		closeFn func() error
	)
	switch kind {
	case KindBroker:
		client, err := Dial(opts.BrokerURL)
		if err != nil {
			return nil, err
		}
		b := NewBroker(client, claimer, BrokerOptions{
			Prefix:            opts.Prefix,
			Concurrency:       opts.Concurrency,
			VisibilityTimeout: opts.VisibilityTimeout,
			DedupeTTL:         opts.DedupeTTL,
		}, logger)
		backend, closeFn = b, b.Close
	default:
		backend = NewPolling(claimer, opts.Concurrency, opts.PollInterval, logger)
	}

	p := NewPipeline(backend, claimer, opts.StaleAfter, opts.ReclaimInterval, logger)
	p.closeFn = closeFn
	return p, nil
}

func NewPipeline(backend Backend, claimer Claimer, staleAfter, reclaimInterval time.Duration, logger zerolog.Logger) *Pipeline {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if reclaimInterval <= 0 {
		reclaimInterval = time.Minute
	}
	return &Pipeline{
		backend:         backend,
		claimer:         claimer,
		staleAfter:      staleAfter,
		reclaimInterval: reclaimInterval,
		logger:          logger.With().Str("component", "queue").Logger(),
		drains:          map[models.JobType]DrainFunc{},
	}
}

func (p *Pipeline) Kind() Kind {
	return p.backend.Kind()
}

func (p *Pipeline) Backend() Backend {
	return p.backend
}

// Register sets the drain for a job type. It must be called before Run.
func (p *Pipeline) Register(jobType models.JobType, drain DrainFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drains[jobType] = drain
}

// Drain returns the registered drain for jobType.
func (p *Pipeline) Drain(jobType models.JobType) (DrainFunc, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.drains[jobType]
	return d, ok
}

func (p *Pipeline) Enqueue(ctx context.Context, ref models.JobRef) error {
	if !ref.Type.Valid() {
		return fmt.Errorf("unknown job type %q", ref.Type)
	}
	if err := p.backend.Enqueue(ctx, ref); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", ref, err)
	}
	p.logger.Debug().Str("job_type", string(ref.Type)).Str("job_id", ref.ID.String()).Msg("enqueued")
	return nil
}

// ReclaimStale returns stale processing jobs of every type to queued and
// enqueues them again. Jobs that have sat queued for as long are enqueued
// again too, so a row whose publish was lost still reaches a worker. It
// returns how many processing jobs moved.
func (p *Pipeline) ReclaimStale(ctx context.Context) (int, error) {
	total := 0
	for _, jobType := range models.AllJobTypes {
		refs, err := p.claimer.RequeueStaleProcessing(ctx, jobType, p.staleAfter)
		if err != nil {
			return total, err
		}
		metrics.StaleRequeued(string(jobType), len(refs))
		total += len(refs)

		for _, ref := range refs {
			p.logger.Warn().Err(apperr.StaleJob(string(jobType), ref.ID.String())).Str("job_id", ref.ID.String()).Msg("reclaimed stale job")
			if err := p.backend.Enqueue(ctx, ref); err != nil {
				p.logger.Error().Err(err).Str("job_id", ref.ID.String()).Msg("failed to re-enqueue reclaimed job")
			}
		}

		waiting, err := p.claimer.ListQueuedBefore(ctx, jobType, p.staleAfter)
		if err != nil {
			return total, err
		}
		for _, ref := range waiting {
			if err := p.backend.Enqueue(ctx, ref); err != nil {
				p.logger.Error().Err(err).Str("job_id", ref.ID.String()).Msg("failed to re-enqueue waiting job")
			}
		}
		if len(waiting) > 0 {
			p.logger.Debug().Str("job_type", string(jobType)).Int("count", len(waiting)).Msg("re-enqueued long-queued jobs")
		}
	}
	return total, nil
}

// Run starts the reclaimer schedule and the backend, and blocks until ctx
// is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.RLock()
	drains := make(map[models.JobType]DrainFunc, len(p.drains))
	for t, d := range p.drains {
		drains[t] = d
	}
	p.mu.RUnlock()

	if len(drains) == 0 {
		return fmt.Errorf("no drains registered")
	}

	reclaim := func() {
		if n, err := p.ReclaimStale(ctx); err != nil {
			p.logger.Error().Err(err).Msg("stale job reclaim failed")
		} else if n > 0 {
			p.logger.Warn().Int("count", n).Msg("reclaimed stale jobs")
		}
	}

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc("@every "+p.reclaimInterval.String(), reclaim); err != nil {
		return fmt.Errorf("failed to schedule reclaimer: %w", err)
	}

	reclaim()
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	p.logger.Info().Str("backend", string(p.backend.Kind())).Dur("stale_after", p.staleAfter).Dur("reclaim_interval", p.reclaimInterval).Msg("queue pipeline running")
	return p.backend.Run(ctx, drains)
}

func (p *Pipeline) Close() error {
	if p.closeFn != nil {
		return p.closeFn()
	}
	return nil
}
