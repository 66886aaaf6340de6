// Package redis implements the job broker on Redis Streams with a consumer group.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/jobs"
)

const (
	jobTTL        = 24 * time.Hour
	failedKeep    = 1000
	claimBatch    = 10
	defaultClaim  = 35 * time.Minute
	defaultPrefix = "ragpipe"
)

var _ jobs.Broker = (*Broker)(nil)

// Config names the stream, group and consumer.
type Config struct {
	Stream   string
	Group    string
	Consumer string
	// ClaimAfter is how long a delivery may stay unacknowledged before another
	// consumer takes it over.
	ClaimAfter time.Duration
}

// Broker stores job payloads under keys and job ids in a stream.
// Delayed retries wait in a sorted set scored by due time in milliseconds.
type Broker struct {
	client *redis.Client
	cfg    Config
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewFromURL dials Redis from a redis:// URL.
func NewFromURL(ctx context.Context, rawURL string, cfg Config, logger *zap.Logger) (*Broker, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(ctx, redis.NewClient(opts), cfg, logger)
}

// New prepares the consumer group. The broker owns client and closes it.
func New(ctx context.Context, client *redis.Client, cfg Config, logger *zap.Logger) (*Broker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Stream == "" {
		cfg.Stream = defaultPrefix + ":jobs"
	}
	if cfg.Group == "" {
		cfg.Group = defaultPrefix + "-workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	if cfg.ClaimAfter <= 0 {
		cfg.ClaimAfter = defaultClaim
	}
	b := &Broker{
		client: client,
		cfg:    cfg,
		prefix: cfg.Stream + ":",
		logger: logger.Named("redis_broker").With(zap.String("stream", cfg.Stream), zap.String("consumer", cfg.Consumer)),
		now:    time.Now,
	}
	if err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err(); err != nil && !isGroupExists(err) {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return b, nil
}

func (b *Broker) jobKey(id string) string { return b.prefix + "job:" + id }
func (b *Broker) scheduledKey() string { return b.prefix + "scheduled" }
func (b *Broker) failedKey() string { return b.prefix + "failed" }
func (b *Broker) counterKey(n string) string { return b.prefix + "stats:" + n }

// Push stores the payload and appends the job id to the stream.
func (b *Broker) Push(ctx context.Context, job jobs.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.jobKey(job.ID), data, jobTTL)
	pipe.XAdd(ctx, b.streamArgs(job))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (b *Broker) streamArgs(job jobs.Job) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]interface{}{
			"job_id":    job.ID,
			"type":      string(job.Type),
			"source_id": job.SourceID,
		},
	}
}

// Pop promotes due retries, reclaims abandoned deliveries, then reads new ones.
func (b *Broker) Pop(ctx context.Context, block time.Duration) (jobs.Delivery, bool, error) {
	if err := b.promoteScheduled(ctx); err != nil {
		b.logger.Warn("promote scheduled jobs", zap.Error(err))
	}
	if d, ok := b.claimAbandoned(ctx); ok {
		return d, true, nil
	}

	if block <= 0 {
		block = -1
	}
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{b.cfg.Stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return jobs.Delivery{}, false, nil
		}
		if ctx.Err() != nil {
			return jobs.Delivery{}, false, fmt.Errorf("read stream: %w", ctx.Err())
		}
		return jobs.Delivery{}, false, fmt.Errorf("read stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return jobs.Delivery{}, false, nil
	}
	return b.deliver(ctx, streams[0].Messages[0])
}

// deliver loads the payload for msg, dropping messages whose payload is gone.
func (b *Broker) deliver(ctx context.Context, msg redis.XMessage) (jobs.Delivery, bool, error) {
	id, _ := msg.Values["job_id"].(string)
	job, err := b.load(ctx, id)
	if err != nil {
		return jobs.Delivery{}, false, err
	}
	if job == nil {
		b.logger.Warn("dropping stream entry without payload", zap.String("message_id", msg.ID), zap.String("job_id", id))
		b.drop(ctx, msg.ID)
		return jobs.Delivery{}, false, nil
	}
	return jobs.Delivery{Job: *job, Receipt: msg.ID}, true, nil
}

func (b *Broker) load(ctx context.Context, id string) (*jobs.Job, error) {
	if id == "" {
		return nil, nil
	}
	data, err := b.client.Get(ctx, b.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job jobs.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (b *Broker) drop(ctx context.Context, msgID string) {
	pipe := b.client.Pipeline()
	pipe.XAck(ctx, b.cfg.Stream, b.cfg.Group, msgID)
	pipe.XDel(ctx, b.cfg.Stream, msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Warn("drop stream entry", zap.String("message_id", msgID), zap.Error(err))
	}
}

// Complete acknowledges the delivery and discards the payload.
func (b *Broker) Complete(ctx context.Context, d jobs.Delivery) error {
	pipe := b.client.TxPipeline()
	pipe.XAck(ctx, b.cfg.Stream, b.cfg.Group, d.Receipt)
	pipe.XDel(ctx, b.cfg.Stream, d.Receipt)
	pipe.Del(ctx, b.jobKey(d.Job.ID))
	pipe.Incr(ctx, b.counterKey("completed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Retry acknowledges the delivery and schedules the updated job after delay.
func (b *Broker) Retry(ctx context.Context, d jobs.Delivery, delay time.Duration) error {
	data, err := json.Marshal(d.Job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	due := b.now().Add(delay).UnixMilli()
	pipe := b.client.TxPipeline()
	pipe.XAck(ctx, b.cfg.Stream, b.cfg.Group, d.Receipt)
	pipe.XDel(ctx, b.cfg.Stream, d.Receipt)
	pipe.Set(ctx, b.jobKey(d.Job.ID), data, jobTTL)
	pipe.ZAdd(ctx, b.scheduledKey(), redis.Z{Score: float64(due), Member: d.Job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// Fail acknowledges the delivery and keeps the job in the failed list.
func (b *Broker) Fail(ctx context.Context, d jobs.Delivery) error {
	data, err := json.Marshal(d.Job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.XAck(ctx, b.cfg.Stream, b.cfg.Group, d.Receipt)
	pipe.XDel(ctx, b.cfg.Stream, d.Receipt)
	pipe.Set(ctx, b.jobKey(d.Job.ID), data, jobTTL)
	pipe.LPush(ctx, b.failedKey(), d.Job.ID)
	pipe.LTrim(ctx, b.failedKey(), 0, failedKeep-1)
	pipe.Incr(ctx, b.counterKey("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// FailedJobs returns the most recent failed jobs, newest first.
func (b *Broker) FailedJobs(ctx context.Context, limit int64) ([]jobs.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := b.client.LRange(ctx, b.failedKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	out := make([]jobs.Job, 0, len(ids))
	for _, id := range ids {
		job, err := b.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			out = append(out, *job)
		}
	}
	return out, nil
}

// Stats reads stream length, pending deliveries and the outcome counters.
func (b *Broker) Stats(ctx context.Context) (jobs.BrokerStats, error) {
	var stats jobs.BrokerStats

	length, err := b.client.XLen(ctx, b.cfg.Stream).Result()
	if err != nil {
		return stats, fmt.Errorf("stream length: %w", err)
	}
	pending, err := b.client.XPending(ctx, b.cfg.Stream, b.cfg.Group).Result()
	if err != nil {
		return stats, fmt.Errorf("pending deliveries: %w", err)
	}
	scheduled, err := b.client.ZCard(ctx, b.scheduledKey()).Result()
	if err != nil {
		return stats, fmt.Errorf("scheduled jobs: %w", err)
	}
	counters, err := b.client.MGet(ctx, b.counterKey("completed"), b.counterKey("failed")).Result()
	if err != nil {
		return stats, fmt.Errorf("job counters: %w", err)
	}

	stats.Active = pending.Count
	stats.Waiting = length - pending.Count + scheduled
	stats.Completed = parseCounter(counters[0])
	stats.Failed = parseCounter(counters[1])
	return stats, nil
}

func parseCounter(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Ping checks connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Durable is true: jobs survive process restarts.
func (b *Broker) Durable() bool { return true }

// Close closes the client.
func (b *Broker) Close() error {
	if err := b.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// promoteScheduled moves due retries back onto the stream. ZRem decides
// which consumer wins when several promote at once.
func (b *Broker) promoteScheduled(ctx context.Context) error {
	due, err := b.client.ZRangeByScore(ctx, b.scheduledKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(b.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("range scheduled: %w", err)
	}
	for _, id := range due {
		removed, err := b.client.ZRem(ctx, b.scheduledKey(), id).Result()
		if err != nil {
			return fmt.Errorf("remove scheduled %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		job, err := b.load(ctx, id)
		if err != nil {
			return err
		}
		if job == nil {
			continue
		}
		if err := b.client.XAdd(ctx, b.streamArgs(*job)).Err(); err != nil {
			return fmt.Errorf("promote job %s: %w", id, err)
		}
	}
	return nil
}

// claimAbandoned takes over a delivery another consumer never acknowledged.
func (b *Broker) claimAbandoned(ctx context.Context) (jobs.Delivery, bool) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.cfg.Stream,
		Group:  b.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  claimBatch,
		Idle:   b.cfg.ClaimAfter,
	}).Result()
	if err != nil {
		return jobs.Delivery{}, false
	}
	for _, p := range pending {
		claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   b.cfg.Stream,
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			MinIdle:  b.cfg.ClaimAfter,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}
		d, ok, err := b.deliver(ctx, claimed[0])
		if err != nil || !ok {
			continue
		}
		b.logger.Info("claimed abandoned job",
			zap.String("job_id", d.Job.ID),
			zap.String("previous_consumer", p.Consumer),
		)
		return d, true
	}
	return jobs.Delivery{}, false
}

func isGroupExists(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
