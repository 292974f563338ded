package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Dial connects to the Redis broker and checks the connection.
func Dial(brokerURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse broker URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	return client, nil
}

// enqueueScript publishes a job at most once per dedupe window: the XADD
// only happens when the dedupe key was newly set.
var enqueueScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "EX", ARGV[2]) then
	redis.call("XADD", KEYS[2], "*", "job_type", ARGV[3], "job_id", ARGV[4], "project_id", ARGV[5], "delivery_id", ARGV[1])
	return 1
end
return 0`)

type BrokerOptions struct {
	Prefix            string
	Concurrency       int
	VisibilityTimeout time.Duration
	DedupeTTL         time.Duration
	BlockTimeout      time.Duration
	Consumer          string
}

// Broker is the Redis Streams backend. Each job type has its own stream and
// all workers share one consumer group; a message is acked only after the
// drain settled the job.
type Broker struct {
	client   *redis.Client
	claimer  Claimer
	opts     BrokerOptions
	logger   zerolog.Logger
	groupsMu sync.Mutex
	groups   map[models.JobType]bool
}

func NewBroker(client *redis.Client, claimer Claimer, opts BrokerOptions, logger zerolog.Logger) *Broker {
	if opts.Prefix == "" {
		opts.Prefix = "storyreel"
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 15 * time.Minute
	}
	if opts.DedupeTTL < time.Second {
		opts.DedupeTTL = 24 * time.Hour
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	if opts.Consumer == "" {
		host, _ := os.Hostname()
		opts.Consumer = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}

	return &Broker{
		client:  client,
		claimer: claimer,
		opts:    opts,
		logger:  logger.With().Str("backend", string(KindBroker)).Str("consumer", opts.Consumer).Logger(),
		groups:  map[models.JobType]bool{},
	}
}

func (b *Broker) Kind() Kind {
	return KindBroker
}

func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) stream(jobType models.JobType) string {
	return fmt.Sprintf("%s:jobs:%s", b.opts.Prefix, jobType)
}

func (b *Broker) group() string {
	return b.opts.Prefix + "-workers"
}

func (b *Broker) dedupeKey(deliveryID string) string {
	return fmt.Sprintf("%s:dedupe:%s", b.opts.Prefix, deliveryID)
}

// DeliveryID is derived from the job alone so repeated enqueues collapse.
func DeliveryID(ref models.JobRef) string {
	return fmt.Sprintf("%s:%s", ref.Type, ref.ID)
}

func (b *Broker) Enqueue(ctx context.Context, ref models.JobRef) error {
	if err := b.ensureGroup(ctx, ref.Type); err != nil {
		return err
	}

	delivery := DeliveryID(ref)
	added, err := enqueueScript.Run(ctx, b.client,
		[]string{b.dedupeKey(delivery), b.stream(ref.Type)},
		delivery, int64(b.opts.DedupeTTL/time.Second), string(ref.Type), ref.ID.String(), ref.ProjectID.String(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", delivery, err)
	}

	if added == 0 {
		b.logger.Debug().Str("delivery_id", delivery).Msg("already enqueued")
	}
	return nil
}

func (b *Broker) ensureGroup(ctx context.Context, jobType models.JobType) error {
	b.groupsMu.Lock()
	defer b.groupsMu.Unlock()
	if b.groups[jobType] {
		return nil
	}

	err := b.client.XGroupCreateMkStream(ctx, b.stream(jobType), b.group(), "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group for %s: %w", jobType, err)
	}
	b.groups[jobType] = true
	return nil
}

// Run consumes every registered job type until ctx is cancelled.
func (b *Broker) Run(ctx context.Context, drains map[models.JobType]DrainFunc) error {
	for jobType := range drains {
		if err := b.ensureGroup(ctx, jobType); err != nil {
			return err
		}
	}

	b.logger.Info().Int("concurrency", b.opts.Concurrency).Dur("visibility_timeout", b.opts.VisibilityTimeout).Msg("broker backend started")

	var wg sync.WaitGroup
	for jobType, drain := range drains {
		wg.Add(2)
		go func(jobType models.JobType, drain DrainFunc) {
			defer wg.Done()
			b.consume(ctx, jobType, drain)
		}(jobType, drain)
		go func(jobType models.JobType, drain DrainFunc) {
			defer wg.Done()
			b.redeliverLoop(ctx, jobType, drain)
		}(jobType, drain)
	}

	wg.Wait()
	b.logger.Info().Msg("broker backend stopped")
	return nil
}

func (b *Broker) consume(ctx context.Context, jobType models.JobType, drain DrainFunc) {
	var g errgroup.Group
	g.SetLimit(b.opts.Concurrency)
	defer g.Wait()

	for ctx.Err() == nil {
		msgs, err := b.read(ctx, jobType, b.opts.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error().Err(err).Str("job_type", string(jobType)).Msg("failed to read from stream")
			sleep(ctx, time.Second)
			continue
		}

		for _, msg := range msgs {
			msg := msg
			g.Go(func() error {
				if err := b.handle(ctx, jobType, msg, drain); err != nil {
					b.logger.Error().Err(err).Str("message_id", msg.ID).Msg("delivery left pending")
				}
				return nil
			})
		}
	}
}

// ConsumeOnce handles at most one new message without blocking. It reports
// whether a message was read.
func (b *Broker) ConsumeOnce(ctx context.Context, jobType models.JobType, drain DrainFunc) (bool, error) {
	if err := b.ensureGroup(ctx, jobType); err != nil {
		return false, err
	}

	// A negative block omits BLOCK entirely; zero would wait forever.
	msgs, err := b.read(ctx, jobType, -1)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}
	return true, b.handle(ctx, jobType, msgs[0], drain)
}

func (b *Broker) read(ctx context.Context, jobType models.JobType, block time.Duration) ([]redis.XMessage, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group(),
		Consumer: b.opts.Consumer,
		Streams:  []string{b.stream(jobType), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

// handle claims the job named by msg and drains it. A message is acked (and
// its dedupe key released) when the drain succeeds or the job has moved on
// without us. A drain error, or a job that is queued but not yet claimable,
// leaves it pending for redelivery.
func (b *Broker) handle(ctx context.Context, jobType models.JobType, msg redis.XMessage, drain DrainFunc) error {
	id, err := uuid.Parse(fmt.Sprint(msg.Values["job_id"]))
	if err != nil {
		b.logger.Error().Str("message_id", msg.ID).Interface("values", msg.Values).Msg("dropping malformed message")
		return b.settle(ctx, jobType, msg, "")
	}
	delivery := fmt.Sprint(msg.Values["delivery_id"])

	ref, ok, err := b.claimer.ClaimQueued(ctx, jobType, id)
	if err != nil {
		metrics.BrokerDelivery(string(jobType), "pending")
		return fmt.Errorf("claim %s:%s: %w", jobType, id, err)
	}
	if !ok {
		status, err := b.claimer.JobStatus(ctx, jobType, id)
		switch {
		case apperr.IsCode(err, apperr.CodeNotFound):
			b.logger.Debug().Str("delivery_id", delivery).Msg("job no longer exists, acking")
		case err != nil:
			metrics.BrokerDelivery(string(jobType), "pending")
			return fmt.Errorf("read status of %s:%s: %w", jobType, id, err)
		case status == models.JobStatusQueued:
			// Still claimable later (a film waiting on its project's
			// running compile). Keep the message pending for redelivery.
			b.logger.Debug().Str("delivery_id", delivery).Msg("job not claimable yet, leaving pending")
			metrics.BrokerDelivery(string(jobType), "deferred")
			return nil
		default:
			b.logger.Debug().Str("delivery_id", delivery).Err(apperr.ErrClaimConflict).Msg("claim missed, acking")
		}
		metrics.BrokerDelivery(string(jobType), "conflict")
		return b.settle(ctx, jobType, msg, delivery)
	}

	metrics.JobClaimed(string(jobType), string(KindBroker))
	if err := drain(ctx, ref); err != nil {
		metrics.BrokerDelivery(string(jobType), "pending")
		return fmt.Errorf("drain %s: %w", ref, err)
	}

	metrics.BrokerDelivery(string(jobType), "acked")
	return b.settle(ctx, jobType, msg, delivery)
}

func (b *Broker) settle(ctx context.Context, jobType models.JobType, msg redis.XMessage, delivery string) error {
	pipe := b.client.TxPipeline()
	pipe.XAck(ctx, b.stream(jobType), b.group(), msg.ID)
	if delivery != "" {
		pipe.Del(ctx, b.dedupeKey(delivery))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack %s: %w", msg.ID, err)
	}
	return nil
}

func (b *Broker) redeliverLoop(ctx context.Context, jobType models.JobType, drain DrainFunc) {
	interval := b.opts.VisibilityTimeout / 3
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := b.Redeliver(ctx, jobType, drain); err != nil {
				b.logger.Error().Err(err).Str("job_type", string(jobType)).Msg("redelivery failed")
			} else if n > 0 {
				b.logger.Info().Int("count", n).Str("job_type", string(jobType)).Msg("redelivered pending messages")
			}
		}
	}
}

// Redeliver takes over pending messages idle longer than the visibility
// timeout and handles them again.
func (b *Broker) Redeliver(ctx context.Context, jobType models.JobType, drain DrainFunc) (int, error) {
	if err := b.ensureGroup(ctx, jobType); err != nil {
		return 0, err
	}

	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.stream(jobType),
		Group:  b.group(),
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list pending messages: %w", err)
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= b.opts.VisibilityTimeout {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   b.stream(jobType),
		Group:    b.group(),
		Consumer: b.opts.Consumer,
		MinIdle:  b.opts.VisibilityTimeout,
		Messages: ids,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to claim pending messages: %w", err)
	}

	for _, msg := range msgs {
		if err := b.handle(ctx, jobType, msg, drain); err != nil {
			b.logger.Error().Err(err).Str("message_id", msg.ID).Msg("redelivery left pending")
		}
	}
	return len(msgs), nil
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
