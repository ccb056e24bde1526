// Package jobqueue runs units of work on a bounded in-process worker pool with
// retries, idempotent submission and time-based retention of finished jobs.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"riskgate/internal/logging"
	"riskgate/internal/riskgate"
)

const component = "jobqueue"

var (
	ErrCapacityExceeded = errors.New("job queue capacity exceeded")
	ErrClosed           = errors.New("job queue closed")
)

// Worker is the unit of work executed for a job. It may be invoked more than
// once for the same payload when earlier attempts fail.
type Worker func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

type Record struct {
	JobID          string          `json:"job_id"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	FnName         string          `json:"fn_name"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// Observer receives job lifecycle signals. Implementations must be safe for
// concurrent use.
type Observer interface {
	JobFinished(fnName, status string, attempts int)
	QueueDepth(live int)
}

type Config struct {
	MaxAttempts  int
	MaxQueueSize int
	Retention    time.Duration
	Workers      int
	Backoff      time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		MaxQueueSize: 1000,
		Retention:    time.Hour,
		Workers:      4,
		Backoff:      200 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.Backoff <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

type task struct {
	rec    *Record
	worker Worker
}

type Queue struct {
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
	observer Observer

	mu        sync.Mutex
	jobs      map[string]*Record
	byKey     map[string]string
	closed    bool
	tasks     chan task
	wg        sync.WaitGroup
	baseCtx   context.Context
	cancelCtx context.CancelFunc
}

// New starts cfg.Workers goroutines draining the queue.
func New(cfg Config, opts ...Option) *Queue {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:       cfg,
		now:       time.Now,
		logger:    zap.NewNop(),
		jobs:      make(map[string]*Record),
		byKey:     make(map[string]string),
		tasks:     make(chan task, cfg.MaxQueueSize),
		baseCtx:   ctx,
		cancelCtx: cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
	return q
}

func (q *Queue) Config() Config {
	return q.cfg
}

// Enqueue registers a job and schedules it without waiting for execution.
// The bool reports whether a new job was created; a known idempotency key
// returns the existing job unchanged and false.
func (q *Queue) Enqueue(fnName string, payload json.RawMessage, worker Worker, idempotencyKey string) (Record, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Record{}, false, ErrClosed
	}
	q.cleanupLocked()

	if idempotencyKey != "" {
		if jobID, ok := q.byKey[idempotencyKey]; ok {
			if existing, ok := q.jobs[jobID]; ok {
				return snapshot(existing), false, nil
			}
		}
	}
	if len(q.jobs) >= q.cfg.MaxQueueSize {
		return Record{}, false, ErrCapacityExceeded
	}

	next := &Record{
		JobID:          riskgate.NewJobID(),
		Status:         riskgate.StatusQueued,
		MaxAttempts:    q.cfg.MaxAttempts,
		FnName:         fnName,
		Payload:        append(json.RawMessage(nil), payload...),
		IdempotencyKey: idempotencyKey,
		CreatedAt:      q.now().UTC(),
	}
	select {
	case q.tasks <- task{rec: next, worker: worker}:
	default:
		return Record{}, false, ErrCapacityExceeded
	}
	q.jobs[next.JobID] = next
	if idempotencyKey != "" {
		q.byKey[idempotencyKey] = next.JobID
	}
	q.reportDepthLocked()
	logging.Audit(q.logger, component, logging.LevelInfo, "job_enqueued", "", map[string]any{
		"job_id":          next.JobID,
		"fn_name":         fnName,
		"idempotency_key": idempotencyKey,
	})
	return snapshot(next), true, nil
}

// Get returns a copy of the job, purging expired jobs first.
func (q *Queue) Get(jobID string) (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanupLocked()
	rec, ok := q.jobs[jobID]
	if !ok {
		return Record{}, false
	}
	return snapshot(rec), true
}

// Sweep purges terminal jobs past the retention window and reports how many
// were removed.
func (q *Queue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cleanupLocked()
}

// Len is the number of live jobs, counting finished jobs not yet purged.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops accepting jobs and waits for queued and running jobs to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	q.wg.Wait()
	q.cancelCtx()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.execute(t)
	}
}

func (q *Queue) execute(t task) {
	for {
		attempt, payload := q.beginAttempt(t.rec)
		result, err := q.invoke(t.worker, payload)
		if err == nil {
			q.finish(t.rec, riskgate.StatusCompleted, result, "")
			return
		}
		if attempt >= q.cfg.MaxAttempts {
			q.finish(t.rec, riskgate.StatusFailed, nil, err.Error())
			return
		}
		q.recordError(t.rec, err.Error())
		logging.Audit(q.logger, component, logging.LevelWarn, "job_attempt_failed", "", map[string]any{
			"job_id":  t.rec.JobID,
			"attempt": attempt,
			"error":   err.Error(),
		})
		time.Sleep(q.cfg.Backoff)
	}
}

func (q *Queue) beginAttempt(rec *Record) (int, json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	next := riskgate.StatusRunning
	if rec.Attempts > 0 {
		next = riskgate.StatusRetrying
	}
	q.transitionLocked(rec, next)
	rec.Attempts++
	return rec.Attempts, rec.Payload
}

func (q *Queue) recordError(rec *Record, msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec.Error = msg
}

func (q *Queue) finish(rec *Record, status string, result json.RawMessage, msg string) {
	q.mu.Lock()
	q.transitionLocked(rec, status)
	rec.Result = result
	rec.Error = msg
	finished := q.now().UTC()
	rec.FinishedAt = &finished
	attempts := rec.Attempts
	q.mu.Unlock()

	level := logging.LevelInfo
	if status == riskgate.StatusFailed {
		level = logging.LevelError
	}
	logging.Audit(q.logger, component, level, "job_"+status, "", map[string]any{
		"job_id":   rec.JobID,
		"fn_name":  rec.FnName,
		"attempts": attempts,
		"error":    msg,
	})
	if q.observer != nil {
		q.observer.JobFinished(rec.FnName, status, attempts)
	}
}

func (q *Queue) transitionLocked(rec *Record, next string) {
	if !riskgate.IsValidTransition(rec.Status, next) {
		panic(fmt.Sprintf("jobqueue: invalid transition %s -> %s for job %s", rec.Status, next, rec.JobID))
	}
	rec.Status = next
}

// invoke runs one attempt; a panicking worker is reported as a failed attempt.
func (q *Queue) invoke(worker Worker, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return worker(q.baseCtx, payload)
}

func (q *Queue) cleanupLocked() int {
	cutoff := q.now().UTC().Add(-q.cfg.Retention)
	removed := 0
	for id, rec := range q.jobs {
		if rec.FinishedAt == nil || !rec.FinishedAt.Before(cutoff) {
			continue
		}
		delete(q.jobs, id)
		if rec.IdempotencyKey != "" && q.byKey[rec.IdempotencyKey] == id {
			delete(q.byKey, rec.IdempotencyKey)
		}
		removed++
	}
	if removed > 0 {
		q.reportDepthLocked()
	}
	return removed
}

func (q *Queue) reportDepthLocked() {
	if q.observer != nil {
		q.observer.QueueDepth(len(q.jobs))
	}
}

func snapshot(rec *Record) Record {
	out := *rec
	out.Payload = append(json.RawMessage(nil), rec.Payload...)
	if rec.Result != nil {
		out.Result = append(json.RawMessage(nil), rec.Result...)
	}
	if rec.FinishedAt != nil {
		finished := *rec.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}
