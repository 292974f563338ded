package services

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/rs/zerolog"
)

// GenerateRequest is one clip render.
type GenerateRequest struct {
	ModelKey        string
	Prompt          string
	ImageURL        string // first frame to continue from, empty for text-to-video
	DurationSeconds int
	AspectRatio     string
}

// GenerateResult is a finished render. Video holds the MP4 bytes.
type GenerateResult struct {
	Provider        string
	ModelKey        string
	ExternalJobID   string
	Video           []byte
	RemoteURL       string
	DurationSeconds float64
}

// VideoProvider renders clips for the model keys it serves.
type VideoProvider interface {
	Name() string
	Models() []string
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// FetchFunc downloads a remote file, returning its bytes and content type.
type FetchFunc func(ctx context.Context, url string) ([]byte, string, error)

// permanentError marks a provider failure that retrying will not fix
// (safety filters, rejected input, bad credentials).
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryPolicy bounds provider retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Registry routes renders to providers by model key and retries transient
// failures with exponential backoff and jitter.
type Registry struct {
	providers map[string]VideoProvider
	policy    RetryPolicy
	logger    zerolog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewRegistry(policy RetryPolicy, logger zerolog.Logger) *Registry {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 2 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = time.Minute
	}
	return &Registry{
		providers: map[string]VideoProvider{},
		policy:    policy,
		logger:    logger.With().Str("component", "providers").Logger(),
		sleep:     sleepCtx,
	}
}

// Register makes p serve every model key it lists. Later registrations win.
func (r *Registry) Register(p VideoProvider) {
	for _, m := range p.Models() {
		r.providers[strings.ToLower(m)] = p
	}
}

// Models lists the registered model keys, sorted.
func (r *Registry) Models() []string {
	keys := make([]string, 0, len(r.providers))
	for k := range r.providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) Resolve(modelKey string) (VideoProvider, error) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(modelKey))]
	if !ok {
		return nil, apperr.Precondition("no video provider is enabled for model %q", modelKey)
	}
	return p, nil
}

// Generate renders req with the provider serving req.ModelKey. A failure after
// the last attempt is returned as a PROVIDER_ERROR whose message is the
// provider's own.
func (r *Registry) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	p, err := r.Resolve(req.ModelKey)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.backoff(attempt)
			r.logger.Warn().
				Err(lastErr).
				Str("provider", p.Name()).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying video generation")
			if err := r.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		res, err := p.Generate(ctx, req)
		metrics.ObserveProviderCall(p.Name(), time.Since(start), err == nil)
		if err == nil {
			res.Provider = p.Name()
			if res.ModelKey == "" {
				res.ModelKey = req.ModelKey
			}
			return res, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if IsPermanent(err) {
			break
		}
	}

	return nil, apperr.Provider(p.Name(), lastErr)
}

// backoff is base * 2^(attempt-2) capped at MaxDelay, plus up to 25% jitter.
func (r *Registry) backoff(attempt int) time.Duration {
	delay := float64(r.policy.BaseDelay) * math.Pow(2, float64(attempt-2))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	return time.Duration(delay + delay*0.25*rand.Float64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
