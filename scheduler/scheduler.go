// Package scheduler runs the pipeline jobs. Every job owns a queue with a
// single worker: cron ticks, manual triggers and follow-up tasks all pass
// through it, so retries, stats and the run log apply to each of them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"mf_backend_project/services/events"
	"mf_backend_project/services/runlog"

	"github.com/go-co-op/gocron"
)

var (
	// ErrUnknownJob is returned for a job name that was never registered
	ErrUnknownJob = errors.New("unknown job")
	// ErrQueueFull is returned when a job already has too many waiting tasks
	ErrQueueFull = errors.New("job queue full")
	// ErrStopped is returned for tasks offered after Stop
	ErrStopped = errors.New("scheduler stopped")
)

// Trigger sources
const (
	TriggerCron     = "cron"
	TriggerManual   = "manual"
	TriggerFollowUp = "follow-up"
)

// Schedule describes when a job fires. Every and At are mutually
// exclusive; a zero Schedule means the job only runs when enqueued.
// At is "HH:MM" in the scheduler location, on Weekdays when set and
// every day otherwise.
type Schedule struct {
	Every    time.Duration
	At       string
	Weekdays []time.Weekday
}

// IsZero reports whether the job has no cron schedule
func (s Schedule) IsZero() bool {
	return s.Every == 0 && s.At == ""
}

func (s Schedule) String() string {
	switch {
	case s.Every > 0:
		return "every " + s.Every.String()
	case s.At != "" && len(s.Weekdays) > 0:
		days := make([]string, len(s.Weekdays))
		for i, d := range s.Weekdays {
			days[i] = d.String()
		}
		return strings.Join(days, ",") + " at " + s.At
	case s.At != "":
		return "daily at " + s.At
	}
	return "on demand"
}

// minGap is the shortest time between two ticks, zero when on demand
func (s Schedule) minGap() time.Duration {
	switch {
	case s.Every > 0:
		return s.Every
	case s.At != "":
		return 24 * time.Hour
	}
	return 0
}

func (s Schedule) validate() error {
	if s.Every < 0 {
		return errors.New("interval must be positive")
	}
	if s.Every > 0 && s.At != "" {
		return errors.New("every and at are mutually exclusive")
	}
	if s.At != "" {
		if _, err := time.Parse("15:04", s.At); err != nil {
			return fmt.Errorf("invalid time of day %q", s.At)
		}
	}
	if len(s.Weekdays) > 0 && s.At == "" {
		return errors.New("weekdays require a time of day")
	}
	return nil
}

// RetryPolicy bounds how often a failed run is redriven
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// Task is one queued execution of a job
type Task struct {
	ID         string      `json:"id"`
	Job        string      `json:"job"`
	Trigger    string      `json:"trigger"`
	Payload    interface{} `json:"payload,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// Result is the structured outcome of a job run
type Result struct {
	Success   bool                   `json:"success"`
	Skipped   bool                   `json:"skipped,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Processed int                    `json:"processed,omitempty"`
	Failed    int                    `json:"failed,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// JobFunc executes one task. A returned error is a failed attempt.
type JobFunc func(ctx context.Context, task Task) (Result, error)

// Definition registers a job with the scheduler
type Definition struct {
	Name     string
	Schedule Schedule
	Retry    RetryPolicy
	// Timeout bounds a single attempt; zero means no limit.
	Timeout time.Duration
	Run     JobFunc
}

// JobStats is the monitoring view of one job
type JobStats struct {
	Schedule   string     `json:"schedule"`
	Waiting    int        `json:"waiting"`
	Active     int        `json:"active"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastResult *Result    `json:"last_result,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// RunStore persists finished runs
type RunStore interface {
	Record(ctx context.Context, r runlog.Run) error
	Summary(ctx context.Context) (map[string]runlog.Totals, error)
}

// Scheduler owns the cron clock and one queue per job
type Scheduler struct {
	cron      *gocron.Scheduler
	loc       *time.Location
	runs      RunStore
	publisher events.Publisher
	queueSize int

	mu      sync.RWMutex
	queues  map[string]*Queue
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithRunStore records every finished run and seeds stats on start
func WithRunStore(runs RunStore) Option {
	return func(s *Scheduler) { s.runs = runs }
}

// WithPublisher publishes a job.failed event when retries are exhausted
func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithQueueSize sets how many tasks may wait per job
func WithQueueSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// New creates a scheduler whose time-of-day schedules are read in loc
func New(loc *time.Location, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:      gocron.NewScheduler(loc),
		loc:       loc,
		publisher: events.NoopPublisher{},
		queueSize: 64,
		queues:    make(map[string]*Queue),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("job name is required")
	}
	if def.Run == nil {
		return fmt.Errorf("job %s: run function is required", def.Name)
	}
	if def.Retry.MaxRetries < 0 || def.Retry.Delay < 0 {
		return fmt.Errorf("job %s: retry policy must not be negative", def.Name)
	}
	if err := def.Schedule.validate(); err != nil {
		return fmt.Errorf("job %s: %w", def.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("job %s: scheduler already started", def.Name)
	}
	if _, exists := s.queues[def.Name]; exists {
		return fmt.Errorf("job %s: already registered", def.Name)
	}
	s.queues[def.Name] = newQueue(def, s.queueSize, s.finish)
	return nil
}

// Start seeds stats from the run log, starts one worker per job and the
// cron clock.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}

	if s.runs != nil {
		totals, err := s.runs.Summary(ctx)
		if err != nil {
			log.Printf("Warning: failed to load run history, stats start empty: %v", err)
		}
		for name, t := range totals {
			if q, ok := s.queues[name]; ok {
				q.seed(t)
			}
		}
	}

	for name, q := range s.queues {
		if q.def.Schedule.IsZero() {
			continue
		}
		if err := s.schedule(q); err != nil {
			s.cron.Clear()
			return fmt.Errorf("failed to schedule %s: %w", name, err)
		}
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for _, q := range s.queues {
		s.wg.Add(1)
		go func(q *Queue) {
			defer s.wg.Done()
			q.work(workerCtx)
		}(q)
	}

	s.cron.StartAsync()
	s.started = true
	log.Printf("Scheduler started with %d jobs", len(s.queues))
	return nil
}

// schedule maps the descriptor onto the cron clock
func (s *Scheduler) schedule(q *Queue) error {
	sched := q.def.Schedule
	var job *gocron.Scheduler
	switch {
	case sched.Every > 0:
		job = s.cron.Every(sched.Every)
	case len(sched.Weekdays) > 0:
		job = s.cron.Every(1).Week()
		for _, d := range sched.Weekdays {
			job = job.Weekday(d)
		}
		job = job.At(sched.At)
	default:
		job = s.cron.Every(1).Day().At(sched.At)
	}

	_, err := job.Tag(q.def.Name).Do(func() {
		if _, err := q.offer(TriggerCron, nil); err != nil && !errors.Is(err, errAlreadyPending) {
			log.Printf("Warning: dropped cron tick of %s: %v", q.def.Name, err)
		}
	})
	return err
}

// Stop halts the cron clock and waits for running tasks to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cron.Stop()
	s.cancel()
	s.wg.Wait()
	log.Println("Scheduler stopped")
}

func (s *Scheduler) queue(name string) (*Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return nil, ErrStopped
	}
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return q, nil
}

// Trigger enqueues an operator run ahead of any waiting task
func (s *Scheduler) Trigger(name string) (string, error) {
	q, err := s.queue(name)
	if err != nil {
		return "", err
	}
	return q.offer(TriggerManual, nil)
}

// Enqueue adds a follow-up task with a payload for the job
func (s *Scheduler) Enqueue(name string, payload interface{}) (string, error) {
	q, err := s.queue(name)
	if err != nil {
		return "", err
	}
	return q.offer(TriggerFollowUp, payload)
}

// Jobs lists registered job names in order
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot of every job's counters
func (s *Scheduler) Stats() map[string]JobStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[string]JobStats, len(s.queues))
	for name, q := range s.queues {
		stats[name] = q.snapshot()
	}
	return stats
}

// finish records a finished run and surfaces exhausted failures
func (s *Scheduler) finish(task Task, o outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.runs != nil {
		run := runlog.Run{
			ID:         task.ID,
			JobName:    task.Job,
			Trigger:    task.Trigger,
			Status:     o.status,
			Attempts:   o.attempts,
			Reason:     o.result.Reason,
			StartedAt:  o.startedAt,
			FinishedAt: o.finishedAt,
		}
		if o.err != nil {
			run.Error = o.err.Error()
		}
		if err := s.runs.Record(ctx, run); err != nil {
			log.Printf("Warning: failed to record run %s of %s: %v", task.ID, task.Job, err)
		}
	}

	if o.status == runlog.StatusFailed {
		evt := events.NewEvent(events.TypeJobFailed, task.Job, map[string]interface{}{
			"task_id":  task.ID,
			"trigger":  task.Trigger,
			"attempts": o.attempts,
			"error":    o.err.Error(),
		})
		if err := s.publisher.Publish(ctx, evt); err != nil {
			log.Printf("Warning: failed to publish failure of %s: %v", task.Job, err)
		}
	}
}
