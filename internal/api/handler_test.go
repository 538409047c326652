package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prajwalk/classrelay/internal/db"
	"github.com/prajwalk/classrelay/internal/jobs"
)

type fakeRunner struct {
	run    *db.JobRun
	result *jobs.Result
	err    error

	triggered []string
	retried   []uuid.UUID
}

func (r *fakeRunner) Trigger(_ context.Context, name string) (*db.JobRun, *jobs.Result, error) {
	r.triggered = append(r.triggered, name)
	return r.run, r.result, r.err
}

func (r *fakeRunner) RetryRun(_ context.Context, runID uuid.UUID) (*db.JobRun, *jobs.Result, error) {
	r.retried = append(r.retried, runID)
	return r.run, r.result, r.err
}

type fakeStore struct {
	runs []*db.JobRun
	logs []*db.NotificationLog
}

func (s *fakeStore) ListJobRuns(_ context.Context, _ string, _, _ int) ([]*db.JobRun, error) {
	return s.runs, nil
}

func (s *fakeStore) ListNotificationLogs(_ context.Context, _, _ uuid.UUID, _ string, _, _ int) ([]*db.NotificationLog, error) {
	return s.logs, nil
}

type fakeRetrier struct {
	ok     bool
	called []uuid.UUID
}

func (r *fakeRetrier) RetryNotification(_ context.Context, id, _, _ uuid.UUID) bool {
	r.called = append(r.called, id)
	return r.ok
}

func newTestRouter(runner JobRunner, store Store, retrier NotificationRetrier) http.Handler {
	h := NewHandler(zap.NewNop(), runner, store, retrier, nil)
	r := chi.NewRouter()
	r.Route("/v1", h.Routes)
	return r
}

func TestTriggerJobReturnsRun(t *testing.T) {
	runner := &fakeRunner{
		run:    &db.JobRun{ID: uuid.New(), JobName: "fee_overdue", Status: db.JobRunCompleted},
		result: &jobs.Result{Status: jobs.StatusCompleted, RecordsProcessed: 3},
	}
	router := newTestRouter(runner, &fakeStore{}, &fakeRetrier{})

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/fee_overdue/trigger", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(runner.triggered) != 1 || runner.triggered[0] != "fee_overdue" {
		t.Errorf("triggered = %v", runner.triggered)
	}

	var resp RunResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Result.RecordsProcessed != 3 {
		t.Errorf("records = %d, want 3", resp.Result.RecordsProcessed)
	}
}

func TestTriggerJobUnknownReturns404(t *testing.T) {
	runner := &fakeRunner{err: jobs.ErrUnknownJob}
	router := newTestRouter(runner, &fakeStore{}, &fakeRetrier{})

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/nope/trigger", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestTriggerJobInFlightReturns409(t *testing.T) {
	runner := &fakeRunner{err: jobs.ErrAlreadyRunning}
	router := newTestRouter(runner, &fakeStore{}, &fakeRetrier{})

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/event_processor/trigger", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestListJobRuns(t *testing.T) {
	store := &fakeStore{runs: []*db.JobRun{
		{ID: uuid.New(), JobName: "fee_reminder", Status: db.JobRunSkipped},
	}}
	router := newTestRouter(&fakeRunner{}, store, &fakeRetrier{})

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/runs?job=fee_reminder", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Count != 1 {
		t.Errorf("count = %d, want 1", body.Count)
	}
}

func TestRetryJobRunInvalidID(t *testing.T) {
	router := newTestRouter(&fakeRunner{}, &fakeStore{}, &fakeRetrier{})

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/runs/not-a-uuid/retry", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListNotificationsRequiresTenant(t *testing.T) {
	router := newTestRouter(&fakeRunner{}, &fakeStore{}, &fakeRetrier{})

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListNotificationsRejectsBadStatus(t *testing.T) {
	router := newTestRouter(&fakeRunner{}, &fakeStore{}, &fakeRetrier{})

	url := "/v1/notifications?org_id=" + uuid.NewString() + "&branch_id=" + uuid.NewString() + "&status=bogus"
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRetryNotificationSuccess(t *testing.T) {
	retrier := &fakeRetrier{ok: true}
	router := newTestRouter(&fakeRunner{}, &fakeStore{}, retrier)

	notifID := uuid.New()
	body := `{"org_id":"` + uuid.NewString() + `","branch_id":"` + uuid.NewString() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/"+notifID.String()+"/retry", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(retrier.called) != 1 || retrier.called[0] != notifID {
		t.Errorf("retrier called with %v", retrier.called)
	}
}

func TestRetryNotificationMissingScope(t *testing.T) {
	router := newTestRouter(&fakeRunner{}, &fakeStore{}, &fakeRetrier{ok: true})

	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/"+uuid.NewString()+"/retry", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRetryNotificationFailureReturns409(t *testing.T) {
	router := newTestRouter(&fakeRunner{}, &fakeStore{}, &fakeRetrier{ok: false})

	body := `{"org_id":"` + uuid.NewString() + `","branch_id":"` + uuid.NewString() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/"+uuid.NewString()+"/retry", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}
