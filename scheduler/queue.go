package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"mf_backend_project/services/lock"
	"mf_backend_project/services/marketdata"
	"mf_backend_project/services/runlog"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// errAlreadyPending is returned when a cron tick finds an earlier tick still waiting
var errAlreadyPending = errors.New("cron tick already pending")

type outcome struct {
	status     string
	result     Result
	err        error
	attempts   int
	startedAt  time.Time
	finishedAt time.Time
}

// Queue serialises the tasks of one job. Manual triggers wait in a separate
// channel that the worker always drains first.
type Queue struct {
	def      Definition
	tasks    chan Task
	priority chan Task
	onFinish func(Task, outcome)

	mu          sync.Mutex
	cronPending bool
	stats       JobStats
}

func newQueue(def Definition, size int, onFinish func(Task, outcome)) *Queue {
	return &Queue{
		def:      def,
		tasks:    make(chan Task, size),
		priority: make(chan Task, size),
		onFinish: onFinish,
		stats:    JobStats{Schedule: def.Schedule.String()},
	}
}

func (q *Queue) seed(t runlog.Totals) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stats.Completed = t.Completed
	q.stats.Failed = t.Failed
	q.stats.Skipped = t.Skipped
	q.stats.LastRunAt = t.LastRunAt
}

// offer adds a task without blocking. Only one cron tick may wait at a time.
func (q *Queue) offer(trigger string, payload interface{}) (string, error) {
	task := Task{
		ID:         uuid.NewString(),
		Job:        q.def.Name,
		Trigger:    trigger,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if trigger == TriggerCron && q.cronPending {
		return "", errAlreadyPending
	}

	ch := q.tasks
	if trigger == TriggerManual {
		ch = q.priority
	}
	select {
	case ch <- task:
	default:
		return "", fmt.Errorf("%s: %w", q.def.Name, ErrQueueFull)
	}

	if trigger == TriggerCron {
		q.cronPending = true
	}
	q.stats.Waiting++
	return task.ID, nil
}

// next blocks for a task, preferring manual triggers
func (q *Queue) next(ctx context.Context) (Task, bool) {
	select {
	case t := <-q.priority:
		return t, true
	default:
	}
	select {
	case <-ctx.Done():
		return Task{}, false
	case t := <-q.priority:
		return t, true
	case t := <-q.tasks:
		return t, true
	}
}

func (q *Queue) work(ctx context.Context) {
	for {
		task, ok := q.next(ctx)
		if !ok {
			return
		}

		q.mu.Lock()
		q.stats.Waiting--
		q.stats.Active = 1
		if task.Trigger == TriggerCron {
			q.cronPending = false
		}
		q.mu.Unlock()

		o := q.process(ctx, task)

		q.mu.Lock()
		q.stats.Active = 0
		q.stats.LastRunAt = &o.finishedAt
		switch o.status {
		case runlog.StatusCompleted:
			q.stats.Completed++
			q.stats.LastError = ""
		case runlog.StatusSkipped:
			q.stats.Skipped++
		case runlog.StatusFailed:
			q.stats.Failed++
			q.stats.LastError = o.err.Error()
		}
		if o.status != runlog.StatusFailed {
			result := o.result
			q.stats.LastResult = &result
		}
		q.mu.Unlock()

		if q.onFinish != nil {
			q.onFinish(task, o)
		}
	}
}

// process runs a task with the job's retry policy
func (q *Queue) process(ctx context.Context, task Task) outcome {
	o := outcome{startedAt: time.Now()}

	operation := func() error {
		o.attempts++
		result, err := q.attempt(ctx, task)
		if err != nil {
			log.Printf("ERROR: %s attempt %d/%d (task %s): %v",
				q.def.Name, o.attempts, q.def.Retry.MaxRetries+1, task.ID, err)
			var perm *backoff.PermanentError
			if errors.As(err, &perm) || !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		o.result = result
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(q.def.Retry.Delay), uint64(q.def.Retry.MaxRetries)),
		ctx,
	)
	o.err = backoff.Retry(operation, policy)
	o.finishedAt = time.Now()

	switch {
	case o.err != nil:
		o.status = runlog.StatusFailed
		log.Printf("ERROR: %s failed after %d attempts (task %s, trigger %s): %v",
			q.def.Name, o.attempts, task.ID, task.Trigger, o.err)
	case o.result.Skipped:
		o.status = runlog.StatusSkipped
		log.Printf("%s skipped (task %s): %s", q.def.Name, task.ID, o.result.Reason)
	default:
		o.status = runlog.StatusCompleted
		log.Printf("%s completed in %s (task %s, trigger %s, processed %d, failed %d)",
			q.def.Name, o.finishedAt.Sub(o.startedAt).Round(time.Millisecond), task.ID, task.Trigger,
			o.result.Processed, o.result.Failed)
	}
	return o
}

// attempt runs the job once, turning a panic into an error
func (q *Queue) attempt(ctx context.Context, task Task) (result Result, err error) {
	if q.def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.def.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: %s panicked: %v\n%s", q.def.Name, r, debug.Stack())
			err = fmt.Errorf("%s panicked: %v", q.def.Name, r)
		}
	}()
	return q.def.Run(ctx, task)
}

func (q *Queue) snapshot() JobStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	if s.LastResult != nil {
		r := *s.LastResult
		s.LastResult = &r
	}
	return s
}

// retryable reports whether another attempt may succeed. Lost leases and
// rejected provider requests are final.
func retryable(err error) bool {
	if errors.Is(err, lock.ErrNotHeld) || errors.Is(err, context.Canceled) {
		return false
	}
	return marketdata.IsRetryable(err)
}
