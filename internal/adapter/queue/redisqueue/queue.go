// Package redisqueue implements the durable work queue on Redis.
//
// Jobs are keyed by transaction id, which gives deduplication for free:
// an enqueue while a job with that id is waiting, delayed, or active is
// a no-op. Scheduling uses a sorted set scored by run-at time, so
// "waiting" and "delayed" are the same set split by the clock. Reserved
// jobs move to an active set scored by lease deadline; a maintenance
// pass requeues expired leases, which is what makes delivery
// at-least-once. All multi-key steps run as Lua scripts.
package redisqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/txn-gateway/internal/domain"
)

type jobState string

const (
	jobScheduled jobState = "scheduled"
	jobActive    jobState = "active"
	jobCompleted jobState = "completed"
	jobFailed    jobState = "failed"
)

// Options configures queue behavior. Zero values fall back to defaults.
type Options struct {
	// MaxAttempts is the total attempt budget per job, the first
	// attempt included. A job whose attempt counter reaches this value
	// is moved to the failed set on nack regardless of retryability.
	MaxAttempts int
	// LeaseTimeout bounds how long a reservation may stay active before
	// the job becomes eligible for redelivery.
	LeaseTimeout time.Duration
	// BaseDelay seeds the retry backoff: delay = BaseDelay * 2^attempt.
	BaseDelay time.Duration
	// Retention windows for terminal jobs.
	CompletedRetention   time.Duration
	CompletedRetainCount int64
	FailedRetention      time.Duration
}

// DefaultOptions returns the queue defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:          5,
		LeaseTimeout:         30 * time.Second,
		BaseDelay:            time.Second,
		CompletedRetention:   time.Hour,
		CompletedRetainCount: 1000,
		FailedRetention:      24 * time.Hour,
	}
}

// Queue implements domain.Queue on Redis.
type Queue struct {
	client redis.UniversalClient
	opts   Options

	jobPrefix    string
	scheduledSet string
	activeSet    string
	completedSet string
	failedSet    string

	enqueueScript *redis.Script
	reserveScript *redis.Script
	ackScript     *redis.Script
	nackScript    *redis.Script
	requeueScript *redis.Script
}

// New constructs a Queue namespaced by name so deployments can share a
// backend without crosstalk.
func New(client redis.UniversalClient, name string, opts Options) *Queue {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = def.LeaseTimeout
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.CompletedRetention <= 0 {
		opts.CompletedRetention = def.CompletedRetention
	}
	if opts.CompletedRetainCount <= 0 {
		opts.CompletedRetainCount = def.CompletedRetainCount
	}
	if opts.FailedRetention <= 0 {
		opts.FailedRetention = def.FailedRetention
	}
	prefix := "queue:" + name + ":"
	return &Queue{
		client:        client,
		opts:          opts,
		jobPrefix:     prefix + "job:",
		scheduledSet:  prefix + "scheduled",
		activeSet:     prefix + "active",
		completedSet:  prefix + "completed",
		failedSet:     prefix + "failed",
		enqueueScript: redis.NewScript(luaEnqueue),
		reserveScript: redis.NewScript(luaReserve),
		ackScript:     redis.NewScript(luaAck),
		nackScript:    redis.NewScript(luaNack),
		requeueScript: redis.NewScript(luaRequeueExpired),
	}
}

func (q *Queue) jobKey(id string) string { return q.jobPrefix + id }

func nowMillis() int64 { return time.Now().UnixMilli() }

// Ping checks backend reachability for readiness probes.
func (q *Queue) Ping(ctx domain.Context) error {
	return q.client.Ping(ctx).Err()
}

// luaEnqueue creates the job unless a live (non-terminal) job with the
// same id exists. A terminal leftover is replaced by a fresh job.
// KEYS: job, scheduled, completed, failed. ARGV: id, payload, nowMs.
const luaEnqueue = `
local status = redis.call('HGET', KEYS[1], 'status')
if status and status ~= 'completed' and status ~= 'failed' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'payload', ARGV[2], 'attempts', '0', 'status', 'scheduled', 'error', '', 'enqueued_at', ARGV[3])
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[1])
return 1
`

// Enqueue adds a job for tx, deduplicating by id. The returned job
// reflects the enqueued (or pre-existing) work; enqueueing over a live
// job is a no-op.
func (q *Queue) Enqueue(ctx domain.Context, tx domain.Transaction) (domain.QueueJob, error) {
	tracer := otel.Tracer("queue.redis")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()

	payload, err := json.Marshal(tx)
	if err != nil {
		return domain.QueueJob{}, fmt.Errorf("op=queue.enqueue: encode: %w", err)
	}
	keys := []string{q.jobKey(tx.ID), q.scheduledSet, q.completedSet, q.failedSet}
	if err := q.enqueueScript.Run(ctx, q.client, keys, tx.ID, payload, nowMillis()).Err(); err != nil {
		return domain.QueueJob{}, fmt.Errorf("op=queue.enqueue: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return domain.QueueJob{ID: tx.ID, Payload: tx}, nil
}

// luaReserve pops one due job, moves it to the active set under a lease
// and increments its attempt counter. Returns {id, payload, attempt}
// with attempt being the zero-based pre-increment value.
// KEYS: scheduled, active. ARGV: nowMs, leaseMs, jobPrefix, worker.
const luaReserve = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
  return false
end
local id = due[1]
redis.call('ZREM', KEYS[1], id)
local jobKey = ARGV[3] .. id
local payload = redis.call('HGET', jobKey, 'payload')
if payload == false then
  return false
end
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]) + tonumber(ARGV[2]), id)
local attempt = redis.call('HGET', jobKey, 'attempts')
if attempt == false then attempt = '0' end
redis.call('HSET', jobKey, 'status', 'active', 'worker', ARGV[4])
redis.call('HINCRBY', jobKey, 'attempts', 1)
return {id, payload, attempt}
`

// Reserve hands the caller the next due job, or (nil, nil) when none is
// due. The queue guarantees at most one active holder per id until the
// lease expires.
func (q *Queue) Reserve(ctx domain.Context, workerID string) (*domain.QueueJob, error) {
	tracer := otel.Tracer("queue.redis")
	ctx, span := tracer.Start(ctx, "queue.Reserve")
	defer span.End()

	res, err := q.reserveScript.Run(ctx, q.client, []string{q.scheduledSet, q.activeSet},
		nowMillis(), q.opts.LeaseTimeout.Milliseconds(), q.jobPrefix, workerID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=queue.reserve: %w: %v", domain.ErrQueueUnavailable, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, fmt.Errorf("op=queue.reserve: unexpected reply %T", res)
	}
	id, _ := vals[0].(string)
	payload, _ := vals[1].(string)
	attemptStr, _ := vals[2].(string)
	attempt, err := strconv.Atoi(attemptStr)
	if err != nil {
		return nil, fmt.Errorf("op=queue.reserve: attempt counter: %w", err)
	}
	var tx domain.Transaction
	if err := json.Unmarshal([]byte(payload), &tx); err != nil {
		return nil, fmt.Errorf("op=queue.reserve: decode payload: %w", err)
	}
	return &domain.QueueJob{ID: id, Payload: tx, Attempt: attempt}, nil
}

// luaAck marks the job completed and starts its retention clock.
// KEYS: job, active, completed. ARGV: id, nowMs, retentionMs.
const luaAck = `
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'completed')
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`

// Ack positively acknowledges a reserved job.
func (q *Queue) Ack(ctx domain.Context, id string) error {
	keys := []string{q.jobKey(id), q.activeSet, q.completedSet}
	err := q.ackScript.Run(ctx, q.client, keys, id, nowMillis(), q.opts.CompletedRetention.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("op=queue.ack: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// luaNack reschedules a retryable job with exponential backoff, or
// quarantines it in the failed set once retryability or the attempt
// budget is gone. Returns 1 when requeued, 0 when failed.
// KEYS: job, active, scheduled, failed.
// ARGV: id, retryable, cause, nowMs, baseDelayMs, maxAttempts, failedTTLms.
const luaNack = `
redis.call('ZREM', KEYS[2], ARGV[1])
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0')
if tonumber(ARGV[2]) == 1 and attempts < tonumber(ARGV[6]) then
  local delay = tonumber(ARGV[5]) * (2 ^ math.max(attempts - 1, 0))
  redis.call('HSET', KEYS[1], 'status', 'scheduled', 'error', ARGV[3])
  redis.call('ZADD', KEYS[3], tonumber(ARGV[4]) + delay, ARGV[1])
  return 1
end
redis.call('HSET', KEYS[1], 'status', 'failed', 'error', ARGV[3])
redis.call('ZADD', KEYS[4], tonumber(ARGV[4]), ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
return 0
`

// Nack negatively acknowledges a reserved job. With retryable=true the
// job is redelivered after BaseDelay * 2^attempt, until MaxAttempts
// total attempts have been made; after that, or with retryable=false,
// it moves to the failed set and is not redelivered.
func (q *Queue) Nack(ctx domain.Context, id string, retryable bool, cause string) (bool, error) {
	retry := 0
	if retryable {
		retry = 1
	}
	keys := []string{q.jobKey(id), q.activeSet, q.scheduledSet, q.failedSet}
	res, err := q.nackScript.Run(ctx, q.client, keys,
		id, retry, cause, nowMillis(),
		q.opts.BaseDelay.Milliseconds(), q.opts.MaxAttempts,
		q.opts.FailedRetention.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("op=queue.nack: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return res == 1, nil
}

// luaRequeueExpired moves jobs whose lease deadline passed back to the
// scheduled set for redelivery.
// KEYS: active, scheduled. ARGV: nowMs, limit, jobPrefix.
const luaRequeueExpired = `
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[3] .. id
  if redis.call('EXISTS', jobKey) == 1 then
    redis.call('HSET', jobKey, 'status', 'scheduled')
    redis.call('ZADD', KEYS[2], tonumber(ARGV[1]), id)
    moved = moved + 1
  end
end
return moved
`

// RequeueExpired recovers jobs whose holder crashed or lost its lease.
// Returns the number of jobs made deliverable again.
func (q *Queue) RequeueExpired(ctx domain.Context) (int, error) {
	const batch = 100
	moved, err := q.requeueScript.Run(ctx, q.client, []string{q.activeSet, q.scheduledSet},
		nowMillis(), batch, q.jobPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("op=queue.requeue_expired: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return moved, nil
}

// TrimRetention drops completed jobs beyond the retention window or
// count cap, and failed jobs beyond theirs. Job hashes expire on their
// own; this keeps the index sets bounded.
func (q *Queue) TrimRetention(ctx domain.Context) error {
	now := time.Now()
	pipe := q.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, q.completedSet, "-inf",
		strconv.FormatInt(now.Add(-q.opts.CompletedRetention).UnixMilli(), 10))
	pipe.ZRemRangeByRank(ctx, q.completedSet, 0, -(q.opts.CompletedRetainCount + 1))
	pipe.ZRemRangeByScore(ctx, q.failedSet, "-inf",
		strconv.FormatInt(now.Add(-q.opts.FailedRetention).UnixMilli(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=queue.trim: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Metrics reports per-state job counts. Waiting and delayed are the
// scheduled set split at the current time.
func (q *Queue) Metrics(ctx domain.Context) (domain.QueueMetrics, error) {
	now := strconv.FormatInt(nowMillis(), 10)
	pipe := q.client.Pipeline()
	waiting := pipe.ZCount(ctx, q.scheduledSet, "-inf", now)
	delayed := pipe.ZCount(ctx, q.scheduledSet, "("+now, "+inf")
	active := pipe.ZCard(ctx, q.activeSet)
	completed := pipe.ZCard(ctx, q.completedSet)
	failed := pipe.ZCard(ctx, q.failedSet)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueMetrics{}, fmt.Errorf("op=queue.metrics: %w: %v", domain.ErrQueueUnavailable, err)
	}
	m := domain.QueueMetrics{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	m.Total = m.Waiting + m.Delayed + m.Active + m.Completed + m.Failed
	return m, nil
}
