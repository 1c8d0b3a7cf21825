package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"mf_backend_project/config"
	"mf_backend_project/models"
	"mf_backend_project/services/calendar"
	"mf_backend_project/services/events"
	"mf_backend_project/services/lock"
	"mf_backend_project/services/marketdata"
	"mf_backend_project/services/store"

	"github.com/cenkalti/backoff/v4"
)

// Job names
const (
	JobIndicesRefresh   = "indices-refresh"
	JobDailyNAV         = "daily-nav"
	JobWeeklyGraph      = "weekly-graph"
	JobReturnsRecompute = "returns-recompute"
	JobNAVCleanup       = "nav-cleanup"
	JobHolidayReload    = "holiday-reload"
)

// FundBatchSize is how many funds the graph job loads per page
const FundBatchSize = 50

// RunLogRetention is how long finished runs are kept by the cleanup job
const RunLogRetention = 90 * 24 * time.Hour

// MarketSource fetches provider data
type MarketSource interface {
	FetchIndices(ctx context.Context) ([]marketdata.IndexQuote, error)
	FetchNAVDump(ctx context.Context) ([]byte, error)
}

// SnapshotWriter stores the latest index values
type SnapshotWriter interface {
	UpsertMany(ctx context.Context, snapshots []models.IndexSnapshot) (store.BulkResult, error)
}

// HistoryWriter appends index history points
type HistoryWriter interface {
	Append(ctx context.Context, points []models.IndexHistoryPoint) (store.BulkResult, error)
}

// NAVWriter stores daily NAVs
type NAVWriter interface {
	UpsertMany(ctx context.Context, records []models.NAVRecord) (store.BulkResult, error)
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// FundSource lists the funds that receive updates
type FundSource interface {
	FindActiveFunds(ctx context.Context, offset, limit int) ([]models.FundRef, error)
	ActiveFundsByAMFICode(ctx context.Context) (map[string]models.FundRef, error)
}

// Aggregator derives returns and graphs from NAV history
type Aggregator interface {
	ComputeReturns(ctx context.Context, fundID uint) (*models.ReturnsSnapshot, error)
	AggregateAllPeriods(ctx context.Context, fundID uint) error
}

// HolidaySource loads the exchange calendar rows
type HolidaySource interface {
	All(ctx context.Context) ([]models.MarketHoliday, error)
}

// Broadcaster pushes index updates to connected clients
type Broadcaster interface {
	BroadcastIndices(snapshots []models.IndexSnapshot) error
}

// RunPruner trims old run history
type RunPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pipeline holds the collaborators of the built-in jobs. Broadcaster,
// Publisher and Runs may be nil.
type Pipeline struct {
	Locker      *lock.Locker
	Calendar    *calendar.Calendar
	Source      MarketSource
	Snapshots   SnapshotWriter
	History     HistoryWriter
	NAVs        NAVWriter
	Funds       FundSource
	Aggregator  Aggregator
	Holidays    HolidaySource
	Broadcaster Broadcaster
	Publisher   events.Publisher
	Runs        RunPruner
	Now         func() time.Time

	lockTTLs map[string]time.Duration
	enqueue  func(name string, payload interface{}) (string, error)
}

type jobDefaults struct {
	schedule Schedule
	retry    RetryPolicy
	lockTTL  time.Duration
	run      func(p *Pipeline) JobFunc
}

func builtInJobs() map[string]jobDefaults {
	return map[string]jobDefaults{
		JobIndicesRefresh: {
			schedule: Schedule{Every: 5 * time.Minute},
			retry:    RetryPolicy{MaxRetries: 3, Delay: time.Minute},
			lockTTL:  4 * time.Minute,
			run:      func(p *Pipeline) JobFunc { return p.refreshIndices },
		},
		JobDailyNAV: {
			schedule: Schedule{At: "23:00"},
			retry:    RetryPolicy{MaxRetries: 5, Delay: 5 * time.Minute},
			lockTTL:  30 * time.Minute,
			run:      func(p *Pipeline) JobFunc { return p.updateDailyNAV },
		},
		JobWeeklyGraph: {
			schedule: Schedule{At: "02:00", Weekdays: []time.Weekday{time.Sunday}},
			retry:    RetryPolicy{MaxRetries: 3, Delay: 10 * time.Minute},
			lockTTL:  2 * time.Hour,
			run:      func(p *Pipeline) JobFunc { return p.aggregateWeeklyGraphs },
		},
		JobReturnsRecompute: {
			retry: RetryPolicy{MaxRetries: 3, Delay: time.Minute},
			run:   func(p *Pipeline) JobFunc { return p.recomputeReturns },
		},
		JobNAVCleanup: {
			schedule: Schedule{At: "03:00", Weekdays: []time.Weekday{time.Sunday}},
			retry:    RetryPolicy{MaxRetries: 2, Delay: 10 * time.Minute},
			lockTTL:  30 * time.Minute,
			run:      func(p *Pipeline) JobFunc { return p.cleanupNAVs },
		},
		JobHolidayReload: {
			schedule: Schedule{At: "00:05"},
			retry:    RetryPolicy{MaxRetries: 3, Delay: time.Minute},
			run:      func(p *Pipeline) JobFunc { return p.reloadHolidays },
		},
	}
}

// Definitions builds the built-in jobs with overrides from the pipeline file
func (p *Pipeline) Definitions(file *config.PipelineFile) ([]Definition, error) {
	jobs := builtInJobs()
	if file != nil {
		for name := range file.Jobs {
			if _, ok := jobs[name]; !ok {
				return nil, fmt.Errorf("%w in pipeline file: %s", ErrUnknownJob, name)
			}
		}
	}

	p.lockTTLs = make(map[string]time.Duration, len(jobs))
	defs := make([]Definition, 0, len(jobs))
	for name, d := range jobs {
		def := Definition{Name: name, Schedule: d.schedule, Retry: d.retry, Run: d.run(p)}
		lockTTL := d.lockTTL

		if file != nil {
			if spec, ok := file.Jobs[name]; ok {
				sched, err := scheduleFromSpec(spec, def.Schedule)
				if err != nil {
					return nil, fmt.Errorf("job %s: %w", name, err)
				}
				def.Schedule = sched
				if spec.Retries != nil {
					def.Retry.MaxRetries = *spec.Retries
				}
				def.Retry.Delay = config.Duration(spec.RetryDelay, def.Retry.Delay)
				lockTTL = config.Duration(spec.LockTTL, lockTTL)
			}
		}

		// A crashed holder's lock must expire before the next tick.
		if gap := def.Schedule.minGap(); lockTTL > 0 && gap > 0 && lockTTL >= gap {
			return nil, fmt.Errorf("job %s: lock_ttl %s must be shorter than the %s between runs", name, lockTTL, gap)
		}

		// An attempt must not outlive its lock.
		def.Timeout = lockTTL
		p.lockTTLs[name] = lockTTL
		defs = append(defs, def)
	}
	return defs, nil
}

// scheduleFromSpec applies a pipeline file entry to a default schedule
func scheduleFromSpec(spec config.JobSpec, fallback Schedule) (Schedule, error) {
	switch {
	case spec.Disabled:
		return Schedule{}, nil
	case spec.Every != "":
		return Schedule{Every: config.Duration(spec.Every, fallback.Every)}, nil
	case spec.At != "":
		days, err := parseWeekdays(spec.Weekday)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{At: spec.At, Weekdays: days}, nil
	}
	return fallback, nil
}

func parseWeekdays(value string) ([]time.Weekday, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var days []time.Weekday
	for _, part := range strings.Split(value, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		found := false
		for d := time.Sunday; d <= time.Saturday; d++ {
			full := strings.ToLower(d.String())
			if name == full || name == full[:3] {
				days = append(days, d)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("invalid weekday %q", part)
		}
	}
	return days, nil
}

// Register adds every built-in job to s. Follow-up tasks of the NAV job are
// enqueued on s.
func (p *Pipeline) Register(s *Scheduler, file *config.PipelineFile) error {
	defs, err := p.Definitions(file)
	if err != nil {
		return err
	}
	p.enqueue = s.Enqueue
	for _, def := range defs {
		if err := s.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) publish(ctx context.Context, evts ...events.Event) {
	if p.Publisher == nil {
		return
	}
	if err := p.Publisher.Publish(ctx, evts...); err != nil {
		log.Printf("Warning: failed to publish %d events: %v", len(evts), err)
	}
}

// withLock runs fn under the job's lock. Losing the race to another
// instance is a skip, not a failure.
func (p *Pipeline) withLock(ctx context.Context, job string, fn func(ctx context.Context, lease *lock.Lease) error) (bool, error) {
	acquired, err := p.Locker.WithLock(ctx, lock.Key(job), p.lockTTLs[job], fn)
	if err != nil {
		return acquired, err
	}
	if !acquired {
		log.Printf("%s: lock held by another instance, skipping", job)
	}
	return acquired, nil
}

func lockSkipped() Result {
	return Result{Skipped: true, Reason: "Lock held by another instance"}
}

// refreshIndices captures provider quotes while the market is open
func (p *Pipeline) refreshIndices(ctx context.Context, task Task) (Result, error) {
	status := p.Calendar.IsMarketOpen(p.now())
	if !status.IsOpen {
		return Result{Success: false, Skipped: true, Reason: status.Reason}, nil
	}

	var result Result
	acquired, err := p.withLock(ctx, JobIndicesRefresh, func(ctx context.Context, lease *lock.Lease) error {
		quotes, err := p.Source.FetchIndices(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch indices: %w", err)
		}
		if len(quotes) == 0 {
			result = Result{Success: true, Reason: "Provider returned no indices"}
			return nil
		}

		capturedAt := p.now()
		snapshots := make([]models.IndexSnapshot, 0, len(quotes))
		points := make([]models.IndexHistoryPoint, 0, 2*len(quotes))
		loc := p.Calendar.Location()
		for _, q := range quotes {
			snap := q.Snapshot(capturedAt, true)
			snapshots = append(snapshots, snap)

			points = append(points, models.HistoryPointFromSnapshot(snap, models.GranularityIntraday, loc))
			daily := models.HistoryPointFromSnapshot(snap, models.GranularityDaily, loc)
			daily.Timestamp = p.Calendar.StartOfDay(capturedAt)
			points = append(points, daily)
		}

		if err := lease.Check(ctx); err != nil {
			return err
		}

		written, err := p.Snapshots.UpsertMany(ctx, snapshots)
		if err != nil {
			return fmt.Errorf("failed to store index snapshots: %w", err)
		}
		appended, err := p.History.Append(ctx, points)
		if err != nil {
			return fmt.Errorf("failed to append index history: %w", err)
		}

		// Only snapshots the store accepted reach subscribers
		stored := make([]models.IndexSnapshot, 0, len(snapshots))
		for _, s := range snapshots {
			if written.Written(s.Symbol) {
				stored = append(stored, s)
			}
		}

		if len(stored) > 0 {
			if p.Broadcaster != nil {
				if err := p.Broadcaster.BroadcastIndices(stored); err != nil {
					log.Printf("Warning: failed to broadcast indices: %v", err)
				}
			}
			evts := make([]events.Event, 0, len(stored))
			for _, s := range stored {
				evts = append(evts, events.NewEvent(events.TypeIndicesUpdated, s.Symbol, s))
			}
			p.publish(ctx, evts...)
		}

		result = Result{
			Success:   true,
			Processed: len(stored),
			Failed:    len(written.Failed),
			Details: map[string]interface{}{
				"snapshots": written,
				"history":   appended,
			},
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if !acquired {
		return lockSkipped(), nil
	}
	return result, nil
}

// updateDailyNAV loads the AMFI dump for every registered fund
func (p *Pipeline) updateDailyNAV(ctx context.Context, task Task) (Result, error) {
	var result Result
	var touched []uint

	acquired, err := p.withLock(ctx, JobDailyNAV, func(ctx context.Context, lease *lock.Lease) error {
		dump, err := p.Source.FetchNAVDump(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch nav dump: %w", err)
		}
		quotes, stats, err := marketdata.ParseNAVDump(bytes.NewReader(dump), p.Calendar.Location())
		if err != nil {
			return err
		}

		funds, err := p.Funds.ActiveFundsByAMFICode(ctx)
		if err != nil {
			return err
		}

		records := make([]models.NAVRecord, 0, len(funds))
		for _, q := range quotes {
			ref, ok := funds[q.AMFICode]
			if !ok {
				continue
			}
			rec, err := models.NewNAVRecord(ref.ID, q.AMFICode, q.Date, q.NAV)
			if err != nil {
				log.Printf("Warning: %s: skipping scheme %s: %v", JobDailyNAV, q.AMFICode, err)
				continue
			}
			records = append(records, rec)
		}

		if err := lease.Check(ctx); err != nil {
			return err
		}

		written, err := p.NAVs.UpsertMany(ctx, records)
		if err != nil {
			return fmt.Errorf("failed to store navs: %w", err)
		}

		seen := make(map[uint]bool, len(records))
		stored := 0
		for _, r := range records {
			if !written.Written(store.NAVKey(r)) {
				continue
			}
			stored++
			if !seen[r.FundID] {
				seen[r.FundID] = true
				touched = append(touched, r.FundID)
			}
		}
		p.publish(ctx, events.NewEvent(events.TypeNAVUpdated, JobDailyNAV, map[string]interface{}{
			"funds":   len(touched),
			"records": stored,
		}))

		result = Result{
			Success:   true,
			Processed: stored,
			Failed:    len(written.Failed),
			Details: map[string]interface{}{
				"parsed":    stats,
				"matched":   len(records),
				"unmatched": len(quotes) - len(records),
				"written":   written,
			},
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if !acquired {
		return lockSkipped(), nil
	}

	// Returns are derived outside the lock so a slow recompute does not delay
	// this job's completion.
	if len(touched) > 0 && p.enqueue != nil {
		if _, err := p.enqueue(JobReturnsRecompute, touched); err != nil {
			log.Printf("ERROR: %s: failed to enqueue returns recompute for %d funds: %v", JobDailyNAV, len(touched), err)
		}
	}
	return result, nil
}

// recomputeReturns refreshes stored returns of the funds in the payload
func (p *Pipeline) recomputeReturns(ctx context.Context, task Task) (Result, error) {
	var fundIDs []uint
	switch payload := task.Payload.(type) {
	case []uint:
		fundIDs = payload
	case nil:
		// Manual runs cover every active fund
		ids, err := p.activeFundIDs(ctx)
		if err != nil {
			return Result{}, err
		}
		fundIDs = ids
	default:
		return Result{}, backoff.Permanent(fmt.Errorf("%s: unexpected payload %T", JobReturnsRecompute, task.Payload))
	}

	var result Result
	var lastErr error
	for _, id := range fundIDs {
		if _, err := p.Aggregator.ComputeReturns(ctx, id); err != nil {
			log.Printf("Warning: %s: fund %d: %v", JobReturnsRecompute, id, err)
			result.Failed++
			lastErr = err
			continue
		}
		result.Processed++
	}
	if len(fundIDs) > 0 && result.Processed == 0 {
		return result, fmt.Errorf("every returns computation failed: %w", lastErr)
	}
	result.Success = true
	return result, nil
}

func (p *Pipeline) activeFundIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	for offset := 0; ; offset += FundBatchSize {
		funds, err := p.Funds.FindActiveFunds(ctx, offset, FundBatchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list active funds: %w", err)
		}
		for _, f := range funds {
			ids = append(ids, f.ID)
		}
		if len(funds) < FundBatchSize {
			return ids, nil
		}
	}
}

// aggregateWeeklyGraphs rebuilds every period of every active fund
func (p *Pipeline) aggregateWeeklyGraphs(ctx context.Context, task Task) (Result, error) {
	var result Result
	acquired, err := p.withLock(ctx, JobWeeklyGraph, func(ctx context.Context, lease *lock.Lease) error {
		for offset := 0; ; offset += FundBatchSize {
			funds, err := p.Funds.FindActiveFunds(ctx, offset, FundBatchSize)
			if err != nil {
				return err
			}
			for _, f := range funds {
				if err := p.Aggregator.AggregateAllPeriods(ctx, f.ID); err != nil {
					log.Printf("Warning: %s: fund %d: %v", JobWeeklyGraph, f.ID, err)
					result.Failed++
					continue
				}
				result.Processed++
			}
			if len(funds) < FundBatchSize {
				break
			}
			if err := lease.Extend(ctx); err != nil {
				return err
			}
		}
		result.Success = true
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if !acquired {
		return lockSkipped(), nil
	}
	return result, nil
}

// cleanupNAVs sweeps NAVs past retention in case the TTL index lags behind
func (p *Pipeline) cleanupNAVs(ctx context.Context, task Task) (Result, error) {
	var result Result
	acquired, err := p.withLock(ctx, JobNAVCleanup, func(ctx context.Context, lease *lock.Lease) error {
		now := p.now()
		deleted, err := p.NAVs.CleanupOlderThan(ctx, now.Add(-models.NAVRetention))
		if err != nil {
			return err
		}
		result = Result{Success: true, Processed: int(deleted)}

		if p.Runs != nil {
			pruned, err := p.Runs.Prune(ctx, now.Add(-RunLogRetention))
			if err != nil {
				log.Printf("Warning: %s: failed to prune run log: %v", JobNAVCleanup, err)
			} else {
				result.Details = map[string]interface{}{"runs_pruned": pruned}
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if !acquired {
		return lockSkipped(), nil
	}
	return result, nil
}

// reloadHolidays refreshes this instance's calendar from the registry
func (p *Pipeline) reloadHolidays(ctx context.Context, task Task) (Result, error) {
	rows, err := p.Holidays.All(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := p.Calendar.Reload(rows); err != nil {
		// A bad row will not fix itself on retry.
		return Result{}, backoff.Permanent(err)
	}
	return Result{Success: true, Processed: len(rows)}, nil
}
