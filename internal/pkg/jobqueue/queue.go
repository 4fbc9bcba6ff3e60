package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
)

// Redis keys. Pending and processing are lists of job ids; job bodies live
// under JobKeyPrefix+id.
const (
	JobKeyPrefix     = "payfox:job:"
	JobQueueKey      = "payfox:jobs:pending"
	JobProcessingKey = "payfox:jobs:processing"
	JobStatsKey      = "payfox:jobs:stats"

	DefaultMaxRetries = 3
	JobTTL            = 24 * time.Hour

	stuckAfter    = 10 * time.Minute
	sweepInterval = time.Minute
)

// Handler processes one job. Returning an error wrapping ErrPermanent skips retries.
type Handler func(ctx context.Context, job *Job) error

var (
	ErrPermanent = errors.New("permanent job failure")
	ErrNoHandler = errors.New("no handler registered")
)

// Queue runs registered handlers for jobs stored in Redis.
type Queue struct {
	client  *redis.Client
	workers int
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	handlersMu sync.RWMutex
	handlers   map[JobType]Handler
	backoff    time.Duration
}

// NewQueue binds a queue to the shared cache client.
func NewQueue(workers int) *Queue {
	return NewQueueWithClient(cache.GetClient(), workers)
}

func NewQueueWithClient(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = 3
	}
	return &Queue{
		client:   client,
		workers:  workers,
		stopCh:   make(chan struct{}),
		handlers: make(map[JobType]Handler),
		backoff:  time.Minute,
	}
}

// Handle registers the handler for a job type, replacing any previous one.
func (q *Queue) Handle(jobType JobType, h Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[jobType] = h
}

func (q *Queue) handler(jobType JobType) (Handler, bool) {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Start launches the workers and the stuck-job sweeper. Calling it twice is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true

	log.Infof("[JobQueue] Launching %d workers", q.workers)
	q.wg.Add(q.workers + 1)
	for i := 0; i < q.workers; i++ {
		go q.worker(i)
	}
	go q.stuckSweeper(stuckAfter, sweepInterval)
}

// Stop signals all goroutines and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	log.Info("[JobQueue] Workers drained")
}

// stuckSweeper requeues jobs whose worker died mid-run.
func (q *Queue) stuckSweeper(maxAge, interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case now := <-ticker.C:
			if n, err := q.RecoverStuck(context.Background(), maxAge, now); err != nil {
				log.Errorf("[JobQueue] Stuck sweep failed: %v", err)
			} else if n > 0 {
				log.Warnf("[JobQueue] Requeued %d stuck jobs", n)
			}
		}
	}
}

// RecoverStuck moves jobs that have been processing for longer than maxAge
// back to the pending list and drops processing entries without a body.
func (q *Queue) RecoverStuck(ctx context.Context, maxAge time.Duration, now time.Time) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil || job.Status != JobStatusProcessing {
			if err != nil && !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Dropping unreadable job %s: %v", id, err)
			}
			q.release(ctx, id)
			continue
		}
		if now.Sub(job.startedAt()) <= maxAge {
			continue
		}
		job.Status = JobStatusPending
		job.ErrorMsg = "requeued after stalling"
		job.UpdatedAt = now
		q.save(ctx, job)

		tx := q.client.TxPipeline()
		tx.LRem(ctx, JobProcessingKey, 1, id)
		tx.RPush(ctx, JobQueueKey, id)
		if _, err := tx.Exec(ctx); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			log.Debugf("[JobQueue] Worker %d exiting", n)
			return
		default:
		}

		job, err := q.claim(ctx)
		switch {
		case errors.Is(err, redis.Nil):
			// BRPOPLPUSH timed out on an empty list
		case err != nil:
			log.Errorf("[JobQueue] Worker %d could not claim a job: %v", n, err)
			time.Sleep(time.Second)
		default:
			log.Debugf("[JobQueue] Worker %d picked up %s job %s", n, job.Type, job.ID)
			q.run(ctx, job)
		}
	}
}

// EnqueueJob is Enqueue without a correlation id.
func (q *Queue) EnqueueJob(jobType JobType, payload map[string]interface{}) (*Job, error) {
	return q.Enqueue(context.Background(), jobType, payload, "")
}

// Enqueue stores a job carrying the correlation id of the request that caused it.
func (q *Queue) Enqueue(ctx context.Context, jobType JobType, payload map[string]interface{}, correlationID string) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:            uuid.NewString(),
		Type:          jobType,
		Status:        JobStatusPending,
		Payload:       payload,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
		MaxRetries:    DefaultMaxRetries,
	}

	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	tx := q.client.TxPipeline()
	tx.Set(ctx, JobKeyPrefix+job.ID, body, JobTTL)
	tx.LPush(ctx, JobQueueKey, job.ID)
	tx.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
	if _, err := tx.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", jobType, err)
	}

	log.Infof("[JobQueue] Queued %s job %s", job.Type, job.ID)
	return job, nil
}

// ProcessNext handles a single pending job on the caller's goroutine.
// It reports false when the queue was empty.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	job, err := q.claim(ctx)
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	q.run(ctx, job)
	return true, nil
}

// claim moves the oldest pending id onto the processing list and loads its body.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	id, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}
	job, err := q.GetJob(ctx, id)
	if err != nil {
		q.release(ctx, id)
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("job %s has no stored body", id)
		}
		return nil, err
	}
	return job, nil
}

func (q *Queue) run(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.save(ctx, job)

	if err := q.runHandler(ctx, job); err != nil {
		q.fail(ctx, job, err)
	} else {
		q.complete(ctx, job)
	}
	q.release(ctx, job.ID)
}

// complete drops the job body; only the stats counter remembers it.
func (q *Queue) complete(ctx context.Context, job *Job) {
	job.MarkAsCompleted()
	q.bumpStat(ctx, JobStatusCompleted)
	if err := q.client.Del(ctx, JobKeyPrefix+job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Could not delete finished job %s: %v", job.ID, err)
	}
	log.Infof("[JobQueue] %s job %s done", job.Type, job.ID)
}

// fail schedules a retry with linear backoff unless the error is permanent
// or the job has used up its attempts.
func (q *Queue) fail(ctx context.Context, job *Job, cause error) {
	job.MarkAsFailed(cause.Error())
	if errors.Is(cause, ErrPermanent) || errors.Is(cause, ErrNoHandler) {
		job.MaxRetries = job.RetryCount
	}

	if !job.IsRetryable() {
		log.Errorf("[JobQueue] %s job %s gave up after %d attempts: %v", job.Type, job.ID, job.RetryCount, cause)
		q.bumpStat(ctx, JobStatusFailed)
		q.save(ctx, job)
		return
	}

	job.MarkAsRetrying()
	q.save(ctx, job)
	delay := q.backoff * time.Duration(job.RetryCount)
	log.Warnf("[JobQueue] %s job %s failed (%d/%d), retrying in %s: %v",
		job.Type, job.ID, job.RetryCount, job.MaxRetries, delay, cause)
	time.AfterFunc(delay, func() {
		if err := q.client.LPush(context.Background(), JobQueueKey, job.ID).Err(); err != nil {
			log.Errorf("[JobQueue] Could not requeue job %s: %v", job.ID, err)
		}
	})
}

// runHandler dispatches to the registered handler and turns panics into failures.
func (q *Queue) runHandler(ctx context.Context, job *Job) (err error) {
	h, ok := q.handler(job.Type)
	if !ok {
		return fmt.Errorf("%w for job type %s", ErrNoHandler, job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) save(ctx context.Context, job *Job) {
	body, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Could not encode job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, body, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Could not persist job %s: %v", job.ID, err)
	}
}

func (q *Queue) release(ctx context.Context, id string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, id).Err(); err != nil {
		log.Errorf("[JobQueue] Could not release job %s: %v", id, err)
	}
}

func (q *Queue) bumpStat(ctx context.Context, status JobStatus) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), 1).Err(); err != nil {
		log.Errorf("[JobQueue] Could not update %s counter: %v", status, err)
	}
}

// GetJob loads a job body. A missing job returns redis.Nil.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	body, err := q.client.Get(ctx, JobKeyPrefix+jobID).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// GetJobStats returns the lifetime counters per status.
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	raw, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}
	stats := make(map[JobStatus]int64, len(raw))
	for status, count := range raw {
		if n, err := strconv.ParseInt(count, 10, 64); err == nil {
			stats[JobStatus(status)] = n
		}
	}
	return stats, nil
}

// GetQueueSize returns the number of pending jobs.
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of claimed jobs.
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}
