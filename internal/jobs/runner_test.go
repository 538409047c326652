package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prajwalk/classrelay/internal/db"
)

type fakeRunStore struct {
	mu       sync.Mutex
	created  []*db.JobRun
	finished map[uuid.UUID]string
	runs     map[uuid.UUID]*db.JobRun
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		finished: make(map[uuid.UUID]string),
		runs:     make(map[uuid.UUID]*db.JobRun),
	}
}

func (s *fakeRunStore) CreateJobRun(_ context.Context, run *db.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, run)
	s.runs[run.ID] = run
	return nil
}

func (s *fakeRunStore) FinishJobRun(_ context.Context, id uuid.UUID, status string, _ int, _ string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[id] = status
	return nil
}

func (s *fakeRunStore) GetJobRun(_ context.Context, id uuid.UUID) (*db.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id], nil
}

type scriptedJob struct {
	name   string
	result *Result
	err    error
	block  chan struct{}
	runs   int
	mu     sync.Mutex
}

func (j *scriptedJob) Name() string { return j.name }

func (j *scriptedJob) Run(_ context.Context, _ time.Time) (*Result, error) {
	j.mu.Lock()
	j.runs++
	j.mu.Unlock()
	if j.block != nil {
		<-j.block
	}
	return j.result, j.err
}

func TestTriggerRecordsCompletedRun(t *testing.T) {
	store := newFakeRunStore()
	r := NewRunner(store, zap.NewNop())
	r.Register(&scriptedJob{name: "demo", result: completed(4, nil)}, time.Minute)

	run, res, err := r.Trigger(context.Background(), "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != db.JobRunCompleted {
		t.Errorf("run status = %q, want completed", run.Status)
	}
	if res.RecordsProcessed != 4 {
		t.Errorf("records = %d, want 4", res.RecordsProcessed)
	}
	if store.finished[run.ID] != db.JobRunCompleted {
		t.Errorf("persisted status = %q", store.finished[run.ID])
	}
}

func TestTriggerRecordsSkippedRun(t *testing.T) {
	store := newFakeRunStore()
	r := NewRunner(store, zap.NewNop())
	r.Register(&scriptedJob{name: "demo", result: skipped("nothing to do")}, time.Minute)

	run, res, err := r.Trigger(context.Background(), "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != db.JobRunSkipped {
		t.Errorf("run status = %q, want skipped", run.Status)
	}
	if res.Reason != "nothing to do" {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestTriggerRecordsFailedRun(t *testing.T) {
	store := newFakeRunStore()
	r := NewRunner(store, zap.NewNop())
	r.Register(&scriptedJob{name: "demo", err: errors.New("db down")}, time.Minute)

	run, _, err := r.Trigger(context.Background(), "demo")
	if err == nil {
		t.Fatal("expected error")
	}
	if run.Status != db.JobRunFailed {
		t.Errorf("run status = %q, want failed", run.Status)
	}
	if store.finished[run.ID] != db.JobRunFailed {
		t.Errorf("persisted status = %q", store.finished[run.ID])
	}
}

func TestTriggerUnknownJob(t *testing.T) {
	r := NewRunner(newFakeRunStore(), zap.NewNop())
	if _, _, err := r.Trigger(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestTriggerRejectsConcurrentRun(t *testing.T) {
	store := newFakeRunStore()
	r := NewRunner(store, zap.NewNop())
	job := &scriptedJob{name: "demo", result: completed(0, nil), block: make(chan struct{})}
	r.Register(job, time.Minute)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = r.Trigger(context.Background(), "demo")
	}()

	// Wait for the first run to be in flight.
	deadline := time.After(2 * time.Second)
	for {
		job.mu.Lock()
		started := job.runs == 1
		job.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first run never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, _, err := r.Trigger(context.Background(), "demo"); err == nil {
		t.Error("second trigger should be rejected while first is in flight")
	}

	close(job.block)
	<-done

	if _, _, err := r.Trigger(context.Background(), "demo"); err != nil {
		t.Errorf("trigger after completion should succeed: %v", err)
	}
}

func TestTriggerRecoversFromPanic(t *testing.T) {
	store := newFakeRunStore()
	r := NewRunner(store, zap.NewNop())
	r.Register(&panickingJob{}, time.Minute)

	run, _, err := r.Trigger(context.Background(), "boom")
	if err == nil {
		t.Fatal("expected error from panicking job")
	}
	if run.Status != db.JobRunFailed {
		t.Errorf("run status = %q, want failed", run.Status)
	}
}

type panickingJob struct{}

func (j *panickingJob) Name() string { return "boom" }

func (j *panickingJob) Run(_ context.Context, _ time.Time) (*Result, error) {
	panic("unexpected state")
}

func TestRetryRunReusesJobName(t *testing.T) {
	store := newFakeRunStore()
	r := NewRunner(store, zap.NewNop())
	job := &scriptedJob{name: "demo", result: completed(1, nil)}
	r.Register(job, time.Minute)

	first, _, err := r.Trigger(context.Background(), "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, _, err := r.RetryRun(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID == first.ID {
		t.Error("retry should create a fresh run record")
	}
	if second.JobName != "demo" {
		t.Errorf("retried job = %q", second.JobName)
	}
	if job.runs != 2 {
		t.Errorf("job ran %d times, want 2", job.runs)
	}
}

func TestRetryRunUnknownID(t *testing.T) {
	r := NewRunner(newFakeRunStore(), zap.NewNop())
	if _, _, err := r.RetryRun(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected error for unknown run id")
	}
}
