package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prajwalk/classrelay/internal/db"
	"github.com/prajwalk/classrelay/internal/provider"
)

type fakeStore struct {
	template     *db.MessageTemplate
	templateErr  error
	sentToday    bool
	student      *db.Student
	guardian     *db.Guardian
	installment  *db.FeeInstallment
	logs         map[uuid.UUID]*db.NotificationLog
	created      []*db.NotificationLog
	updates      []logUpdate
	dedupQueries int
}

type logUpdate struct {
	id       uuid.UUID
	status   string
	errorMsg *string
}

func newFakeStore() *fakeStore {
	return &fakeStore{logs: make(map[uuid.UUID]*db.NotificationLog)}
}

func (s *fakeStore) ActiveTemplate(_ context.Context, _ uuid.UUID, _ string) (*db.MessageTemplate, error) {
	return s.template, s.templateErr
}

// FindSentToday honours the sentToday override when set, otherwise scans
// rows actually recorded as sent within [from, to).
func (s *fakeStore) FindSentToday(_ context.Context, _, _ uuid.UUID, phone string, templateID uuid.UUID, entityID string, from, to time.Time) (bool, error) {
	s.dedupQueries++
	if s.sentToday {
		return true, nil
	}
	for _, row := range s.logs {
		if row.Status != db.NotificationSent || row.SentAt == nil {
			continue
		}
		if row.RecipientPhone != phone || row.TemplateID != templateID || row.EntityID != entityID {
			continue
		}
		if !row.SentAt.Before(from) && row.SentAt.Before(to) {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) CreateNotificationLog(_ context.Context, n *db.NotificationLog) error {
	s.created = append(s.created, n)
	s.logs[n.ID] = n
	return nil
}

func (s *fakeStore) UpdateNotificationLog(_ context.Context, id uuid.UUID, status string, _ *string, errorMessage *string, sentAt *time.Time) error {
	s.updates = append(s.updates, logUpdate{id: id, status: status, errorMsg: errorMessage})
	if row, ok := s.logs[id]; ok {
		row.Status = status
		row.SentAt = sentAt
	}
	return nil
}

func (s *fakeStore) GetNotificationLog(_ context.Context, id, _, _ uuid.UUID) (*db.NotificationLog, error) {
	return s.logs[id], nil
}

func (s *fakeStore) GetStudent(_ context.Context, _, _ uuid.UUID) (*db.Student, error) {
	return s.student, nil
}

func (s *fakeStore) GetPrimaryGuardian(_ context.Context, _, _ uuid.UUID) (*db.Guardian, error) {
	return s.guardian, nil
}

func (s *fakeStore) GetInstallment(_ context.Context, _, _ uuid.UUID) (*db.FeeInstallment, error) {
	return s.installment, nil
}

// fakeEvents mirrors the store's pending-only transitions: processed and
// failed are terminal, so a second mark of either kind is a defect.
type fakeEvents struct {
	t         *testing.T
	processed []string
	failed    map[string]string
	terminal  map[string]bool
}

func newFakeEvents(t *testing.T) *fakeEvents {
	return &fakeEvents{t: t, failed: make(map[string]string), terminal: make(map[string]bool)}
}

func (e *fakeEvents) MarkProcessed(_ context.Context, id string, _, _ uuid.UUID) error {
	if e.terminal[id] {
		e.t.Errorf("MarkProcessed on already terminal event %s", id)
	}
	e.terminal[id] = true
	e.processed = append(e.processed, id)
	return nil
}

func (e *fakeEvents) MarkFailed(_ context.Context, id string, _, _ uuid.UUID, reason string) error {
	if e.terminal[id] {
		e.t.Errorf("MarkFailed on already terminal event %s", id)
	}
	e.terminal[id] = true
	e.failed[id] = reason
	return nil
}

type fakeProvider struct {
	fail  bool
	sends []fakeSend
}

type fakeSend struct {
	to           string
	templateName string
	params       map[string]string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Send(_ context.Context, to, templateName string, params map[string]string) provider.Result {
	p.sends = append(p.sends, fakeSend{to: to, templateName: templateName, params: params})
	if p.fail {
		msg := "provider unavailable"
		return provider.Result{Success: false, Error: &msg}
	}
	id := "msg-123"
	return provider.Result{Success: true, MessageID: &id}
}

func testTemplate() *db.MessageTemplate {
	return &db.MessageTemplate{
		ID:       uuid.New(),
		OrgID:    uuid.New(),
		Type:     "absence_alert",
		Name:     "absence_alert_v2",
		IsActive: true,
	}
}

func testStudent() *db.Student {
	return &db.Student{ID: uuid.New(), FirstName: "Asha", LastName: "Rao"}
}

func absentEvent(studentID uuid.UUID) *db.Event {
	return &db.Event{
		ID:       "01HXAMPLE0000000000000000",
		OrgID:    uuid.New(),
		BranchID: uuid.New(),
		Type:     db.EventStudentAbsent,
		Payload: db.EventPayload{
			EntityType: db.EntityStudent,
			EntityID:   studentID.String(),
		},
		Status: db.EventPending,
	}
}

func newTestDispatcher(store *fakeStore, events *fakeEvents, prov provider.Provider) *Dispatcher {
	d := New(store, events, prov, zap.NewNop())
	d.now = func() time.Time { return time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC) }
	return d
}

func TestProcessEventSendsAndMarksProcessed(t *testing.T) {
	store := newFakeStore()
	store.template = testTemplate()
	student := testStudent()
	store.student = student
	store.guardian = &db.Guardian{ID: uuid.New(), StudentID: student.ID, Phone: "+919876543210", IsPrimary: true}
	events := newFakeEvents(t)
	prov := &fakeProvider{}

	d := newTestDispatcher(store, events, prov)
	ev := absentEvent(student.ID)
	d.ProcessEvent(context.Background(), ev, time.UTC)

	if len(prov.sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(prov.sends))
	}
	if prov.sends[0].to != "+919876543210" {
		t.Errorf("sent to %q, want +919876543210", prov.sends[0].to)
	}
	if prov.sends[0].params["student_name"] != "Asha Rao" {
		t.Errorf("student_name = %q, want Asha Rao", prov.sends[0].params["student_name"])
	}
	if len(store.created) != 1 {
		t.Fatalf("expected 1 log row, got %d", len(store.created))
	}
	if len(store.updates) != 1 || store.updates[0].status != db.NotificationSent {
		t.Errorf("log not marked sent: %+v", store.updates)
	}
	if len(events.processed) != 1 || events.processed[0] != ev.ID {
		t.Errorf("event not marked processed: %v", events.processed)
	}
	if len(events.failed) != 0 {
		t.Errorf("unexpected failures: %v", events.failed)
	}
}

func TestProcessEventUnmappedTypeIsProcessedSilently(t *testing.T) {
	store := newFakeStore()
	events := newFakeEvents(t)
	prov := &fakeProvider{}

	d := newTestDispatcher(store, events, prov)
	ev := absentEvent(uuid.New())
	ev.Type = db.EventAttendanceMarked
	d.ProcessEvent(context.Background(), ev, time.UTC)

	if len(prov.sends) != 0 {
		t.Errorf("expected no sends, got %d", len(prov.sends))
	}
	if len(events.processed) != 1 {
		t.Errorf("event should be marked processed, got %v", events.processed)
	}
}

func TestProcessEventNoTemplateIsProcessedSilently(t *testing.T) {
	store := newFakeStore()
	events := newFakeEvents(t)
	prov := &fakeProvider{}

	d := newTestDispatcher(store, events, prov)
	d.ProcessEvent(context.Background(), absentEvent(uuid.New()), time.UTC)

	if len(prov.sends) != 0 {
		t.Errorf("expected no sends, got %d", len(prov.sends))
	}
	if len(events.processed) != 1 {
		t.Errorf("event should be marked processed, got %v", events.processed)
	}
}

func TestProcessEventNoGuardianIsProcessedSilently(t *testing.T) {
	store := newFakeStore()
	store.template = testTemplate()
	store.student = testStudent()
	events := newFakeEvents(t)
	prov := &fakeProvider{}

	d := newTestDispatcher(store, events, prov)
	d.ProcessEvent(context.Background(), absentEvent(store.student.ID), time.UTC)

	if len(prov.sends) != 0 {
		t.Errorf("expected no sends, got %d", len(prov.sends))
	}
	if len(events.processed) != 1 {
		t.Errorf("event should be marked processed, got %v", events.processed)
	}
	if len(events.failed) != 0 {
		t.Errorf("unexpected failures: %v", events.failed)
	}
}

func TestProcessEventInvalidPhoneMarksFailed(t *testing.T) {
	store := newFakeStore()
	store.template = testTemplate()
	store.student = testStudent()
	store.guardian = &db.Guardian{ID: uuid.New(), Phone: "not-a-number", IsPrimary: true}
	events := newFakeEvents(t)
	prov := &fakeProvider{}

	d := newTestDispatcher(store, events, prov)
	ev := absentEvent(store.student.ID)
	d.ProcessEvent(context.Background(), ev, time.UTC)

	if len(prov.sends) != 0 {
		t.Errorf("expected no sends, got %d", len(prov.sends))
	}
	if reason := events.failed[ev.ID]; reason != "Invalid phone number" {
		t.Errorf("failure reason = %q, want Invalid phone number", reason)
	}
}

func TestProcessEventDedupSuppressesSecondSend(t *testing.T) {
	store := newFakeStore()
	store.template = testTemplate()
	store.student = testStudent()
	store.guardian = &db.Guardian{ID: uuid.New(), Phone: "+919876543210", IsPrimary: true}
	store.sentToday = true
	events := newFakeEvents(t)
	prov := &fakeProvider{}

	d := newTestDispatcher(store, events, prov)
	ev := absentEvent(store.student.ID)
	d.ProcessEvent(context.Background(), ev, time.UTC)

	if len(prov.sends) != 0 {
		t.Errorf("duplicate should not send, got %d sends", len(prov.sends))
	}
	if len(store.created) != 0 {
		t.Errorf("duplicate should not create a log row, got %d", len(store.created))
	}
	if len(events.processed) != 1 {
		t.Errorf("duplicate event should be marked processed, got %v", events.processed)
	}
}

// Two absences in one Tokyo school day straddle the UTC date boundary:
// 08:55 JST is still the previous day on the server clock. Dedup bounds
// must follow the org's calendar day, not the server's.
func TestProcessEventDedupFollowsOrgLocalDay(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	store := newFakeStore()
	store.template = testTemplate()
	student := testStudent()
	store.student = student
	store.guardian = &db.Guardian{ID: uuid.New(), StudentID: student.ID, Phone: "+8190123456789", IsPrimary: true}
	events := newFakeEvents(t)
	prov := &fakeProvider{}

	d := newTestDispatcher(store, events, prov)

	// 08:55 JST on March 10 = 23:55 UTC on March 9.
	d.now = func() time.Time { return time.Date(2026, 3, 9, 23, 55, 0, 0, time.UTC) }
	first := absentEvent(student.ID)
	d.ProcessEvent(context.Background(), first, tokyo)

	if len(prov.sends) != 1 {
		t.Fatalf("expected first event to send, got %d sends", len(prov.sends))
	}

	// 09:30 JST, same Tokyo day, but the server date has rolled over.
	d.now = func() time.Time { return time.Date(2026, 3, 10, 0, 30, 0, 0, time.UTC) }
	second := absentEvent(student.ID)
	second.ID = "01HXAMPLE0000000000000002"
	d.ProcessEvent(context.Background(), second, tokyo)

	if len(prov.sends) != 1 {
		t.Errorf("same-local-day duplicate sent, got %d sends", len(prov.sends))
	}
	if len(events.processed) != 2 {
		t.Errorf("both events should be processed, got %v", events.processed)
	}

	// 00:30 JST on March 11 is a new Tokyo day even though the server
	// date is unchanged, so the suppression must lift.
	d.now = func() time.Time { return time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC) }
	third := absentEvent(student.ID)
	third.ID = "01HXAMPLE0000000000000003"
	d.ProcessEvent(context.Background(), third, tokyo)

	if len(prov.sends) != 2 {
		t.Errorf("next-local-day event should send, got %d sends", len(prov.sends))
	}
}

func TestProcessEventProviderFailureMarksFailed(t *testing.T) {
	store := newFakeStore()
	store.template = testTemplate()
	store.student = testStudent()
	store.guardian = &db.Guardian{ID: uuid.New(), Phone: "+919876543210", IsPrimary: true}
	events := newFakeEvents(t)
	prov := &fakeProvider{fail: true}

	d := newTestDispatcher(store, events, prov)
	ev := absentEvent(store.student.ID)
	d.ProcessEvent(context.Background(), ev, time.UTC)

	if len(store.created) != 1 {
		t.Fatalf("expected 1 log row, got %d", len(store.created))
	}
	if store.updates[0].status != db.NotificationFailed {
		t.Errorf("log status = %q, want failed", store.updates[0].status)
	}
	if reason := events.failed[ev.ID]; reason != "provider unavailable" {
		t.Errorf("failure reason = %q, want provider unavailable", reason)
	}
}

func TestProcessEventFeeReminderPhoneFromPayload(t *testing.T) {
	store := newFakeStore()
	tmpl := testTemplate()
	tmpl.Type = "fee_reminder_alert"
	tmpl.Name = "fee_reminder_alert_v1"
	store.template = tmpl
	store.student = testStudent()
	installmentID := uuid.New()
	store.installment = &db.FeeInstallment{
		ID:          installmentID,
		StudentID:   store.student.ID,
		Label:       "Term 2",
		AmountCents: 250000,
		DueDate:     time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC),
		Status:      db.InstallmentDue,
	}
	events := newFakeEvents(t)
	prov := &fakeProvider{}

	d := newTestDispatcher(store, events, prov)
	ev := &db.Event{
		ID:       "01HXAMPLE0000000000000001",
		OrgID:    uuid.New(),
		BranchID: uuid.New(),
		Type:     db.EventFeeReminder,
		Payload: db.EventPayload{
			EntityType: db.EntityInstallment,
			EntityID:   installmentID.String(),
			Data:       map[string]any{"phone": "+919812345678"},
		},
		Status: db.EventPending,
	}
	d.ProcessEvent(context.Background(), ev, time.UTC)

	if len(prov.sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(prov.sends))
	}
	if prov.sends[0].to != "+919812345678" {
		t.Errorf("sent to %q, want payload phone", prov.sends[0].to)
	}
	if prov.sends[0].params["amount"] != "2500.00" {
		t.Errorf("amount = %q, want 2500.00", prov.sends[0].params["amount"])
	}
	if len(events.processed) != 1 {
		t.Errorf("event not marked processed: %v", events.processed)
	}
}

func TestRetryNotificationUsesCurrentTemplateName(t *testing.T) {
	store := newFakeStore()
	store.student = testStudent()
	events := newFakeEvents(t)
	prov := &fakeProvider{}

	row := &db.NotificationLog{
		ID:             uuid.New(),
		OrgID:          uuid.New(),
		BranchID:       uuid.New(),
		RecipientPhone: "+919876543210",
		TemplateName:   "absence_alert_v2",
		Status:         db.NotificationFailed,
		EntityType:     db.EntityStudent,
		EntityID:       store.student.ID.String(),
	}
	store.logs[row.ID] = row

	d := newTestDispatcher(store, events, prov)
	ok := d.RetryNotification(context.Background(), row.ID, row.OrgID, row.BranchID)

	if !ok {
		t.Fatal("retry should succeed")
	}
	if len(prov.sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(prov.sends))
	}
	if prov.sends[0].templateName != "absence_alert_v2" {
		t.Errorf("template = %q, want stored name", prov.sends[0].templateName)
	}
	if store.logs[row.ID].Status != db.NotificationSent {
		t.Errorf("log status = %q, want sent", store.logs[row.ID].Status)
	}
}

func TestRetryNotificationRejectsNonFailed(t *testing.T) {
	store := newFakeStore()
	events := newFakeEvents(t)
	prov := &fakeProvider{}

	row := &db.NotificationLog{
		ID:     uuid.New(),
		Status: db.NotificationSent,
	}
	store.logs[row.ID] = row

	d := newTestDispatcher(store, events, prov)
	if d.RetryNotification(context.Background(), row.ID, uuid.New(), uuid.New()) {
		t.Error("retry of a sent notification should be rejected")
	}
	if len(prov.sends) != 0 {
		t.Errorf("expected no sends, got %d", len(prov.sends))
	}
}

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		cents int64
		want  string
	}{
		{0, "0.00"},
		{5, "0.05"},
		{150050, "1500.50"},
		{-2500, "-25.00"},
	}
	for _, tc := range cases {
		if got := formatAmount(tc.cents); got != tc.want {
			t.Errorf("formatAmount(%d) = %q, want %q", tc.cents, got, tc.want)
		}
	}
}

func TestDaysOverdue(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	cases := []struct {
		due  time.Time
		want int
	}{
		{time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), 0},
		{time.Date(2026, 3, 9, 1, 0, 0, 0, time.UTC), 1},
		{time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), 9},
		{time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), -5},
	}
	for _, tc := range cases {
		if got := daysOverdue(tc.due, now); got != tc.want {
			t.Errorf("daysOverdue(%s) = %d, want %d", tc.due.Format("2006-01-02"), got, tc.want)
		}
	}
}
