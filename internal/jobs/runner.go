package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prajwalk/classrelay/internal/db"
	"github.com/prajwalk/classrelay/internal/metrics"
)

// RunStore persists job run records, implemented by db.Repository.
type RunStore interface {
	CreateJobRun(ctx context.Context, run *db.JobRun) error
	FinishJobRun(ctx context.Context, id uuid.UUID, status string, records int, reason string, metadata map[string]any) error
	GetJobRun(ctx context.Context, id uuid.UUID) (*db.JobRun, error)
}

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("job already running")
	ErrRunNotFound    = errors.New("job run not found")
)

type registration struct {
	job      Job
	interval time.Duration
}

// Runner schedules registered jobs on fixed intervals and exposes manual
// triggering for the admin API. Each job has an in-flight guard: a tick
// or trigger that arrives while the previous run is still going is
// dropped, never queued.
type Runner struct {
	store  RunStore
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	jobs     map[string]*registration
	inFlight map[string]bool
}

func NewRunner(store RunStore, logger *zap.Logger) *Runner {
	return &Runner{
		store:    store,
		logger:   logger,
		now:      time.Now,
		jobs:     make(map[string]*registration),
		inFlight: make(map[string]bool),
	}
}

// Register adds a job to the schedule. Registering after Start has no
// effect on the running tickers.
func (r *Runner) Register(job Job, every time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.Name()] = &registration{job: job, interval: every}
}

// Start launches one ticker goroutine per registered job and returns.
// Goroutines exit when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, reg := range r.jobs {
		go r.loop(ctx, name, reg)
		r.logger.Info("job scheduled",
			zap.String("job", name),
			zap.Duration("interval", reg.interval),
		)
	}
}

func (r *Runner) loop(ctx context.Context, name string, reg *registration) {
	ticker := time.NewTicker(reg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := r.Trigger(ctx, name); err != nil {
				r.logger.Error("scheduled run failed",
					zap.Error(err),
					zap.String("job", name),
				)
			}
		}
	}
}

// Trigger runs a job by name right now, recording the run. It returns
// the persisted run record alongside the job's result. A job already in
// flight returns an error without starting a second run.
func (r *Runner) Trigger(ctx context.Context, name string) (*db.JobRun, *Result, error) {
	r.mu.Lock()
	reg, ok := r.jobs[name]
	if !ok {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	if r.inFlight[name] {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %q", ErrAlreadyRunning, name)
	}
	r.inFlight[name] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight[name] = false
		r.mu.Unlock()
	}()

	started := r.now()
	run := &db.JobRun{
		ID:        uuid.New(),
		JobName:   name,
		Status:    db.JobRunRunning,
		StartedAt: started,
	}
	if err := r.store.CreateJobRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("create job run: %w", err)
	}

	result, runErr := r.runSafely(ctx, reg.job, started)
	duration := r.now().Sub(started)

	if runErr != nil {
		if err := r.store.FinishJobRun(ctx, run.ID, db.JobRunFailed, 0, runErr.Error(), nil); err != nil {
			r.logger.Error("failed to finish job run record",
				zap.Error(err),
				zap.String("run_id", run.ID.String()),
			)
		}
		metrics.RecordJobRun(name, db.JobRunFailed, duration)
		run.Status = db.JobRunFailed
		return run, nil, runErr
	}

	if err := r.store.FinishJobRun(ctx, run.ID, result.Status, result.RecordsProcessed, result.Reason, result.Metadata); err != nil {
		r.logger.Error("failed to finish job run record",
			zap.Error(err),
			zap.String("run_id", run.ID.String()),
		)
	}
	metrics.RecordJobRun(name, result.Status, duration)
	run.Status = result.Status
	run.RecordsProcessed = result.RecordsProcessed

	r.logger.Info("job run finished",
		zap.String("job", name),
		zap.String("status", result.Status),
		zap.Int("records", result.RecordsProcessed),
		zap.Duration("duration", duration),
	)
	return run, result, nil
}

// RetryRun re-triggers the job a past run belonged to. Jobs are
// idempotent by construction, so a retry is simply a fresh run.
func (r *Runner) RetryRun(ctx context.Context, runID uuid.UUID) (*db.JobRun, *Result, error) {
	prev, err := r.store.GetJobRun(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("load job run: %w", err)
	}
	if prev == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r.Trigger(ctx, prev.JobName)
}

func (r *Runner) runSafely(ctx context.Context, job Job, now time.Time) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	result, err = job.Run(ctx, now)
	if err == nil && result == nil {
		err = fmt.Errorf("job returned no result")
	}
	return result, err
}
