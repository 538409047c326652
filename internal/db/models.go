package db

import (
	"time"

	"github.com/google/uuid"
)

// Event statuses. The lifecycle is pending -> processed or pending -> failed;
// both end states are terminal for a given event row.
const (
	EventPending   = "pending"
	EventProcessed = "processed"
	EventFailed    = "failed"
)

// Event types. This is a closed set - adding a type is a code change,
// not configuration.
const (
	EventAttendanceMarked = "attendance_marked"
	EventStudentAbsent    = "student_absent"
	EventFeeCreated       = "fee_created"
	EventFeePaid          = "fee_paid"
	EventFeeOverdue       = "fee_overdue"
	EventFeeReminder      = "fee_reminder"
)

// NotificationLog statuses
const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

// Fee installment statuses
const (
	InstallmentUpcoming = "upcoming"
	InstallmentDue      = "due"
	InstallmentOverdue  = "overdue"
	InstallmentPartial  = "partial"
	InstallmentPaid     = "paid"
)

// JobRun statuses
const (
	JobRunRunning   = "running"
	JobRunCompleted = "completed"
	JobRunSkipped   = "skipped"
	JobRunFailed    = "failed"
)

// Entity types carried on events and notification logs. The pair
// (entityType, entityId) is the dedup and retry key.
const (
	EntityStudent     = "student"
	EntityInstallment = "installment"
	EntityUnknown     = "unknown"
)

// EventPayload is the decoded payload of an event. Data is free-form;
// dispatch must never trust it for anything that has to reflect current
// state (names, amounts) - those are re-read from the store.
type EventPayload struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Data       map[string]any `json:"data"`
}

// Event is one row of the append-only, tenant-scoped event log.
type Event struct {
	ID          string       `json:"id"` // ulid, creation-ordered
	OrgID       uuid.UUID    `json:"org_id"`
	BranchID    uuid.UUID    `json:"branch_id"`
	Type        string       `json:"type"`
	Payload     EventPayload `json:"payload"`
	Status      string       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
}

// NotificationLog is one row per dispatch attempt.
type NotificationLog struct {
	ID                uuid.UUID  `json:"id"`
	OrgID             uuid.UUID  `json:"org_id"`
	BranchID          uuid.UUID  `json:"branch_id"`
	RecipientPhone    string     `json:"recipient_phone"`
	TemplateID        uuid.UUID  `json:"template_id"`
	TemplateName      string     `json:"template_name"`
	Status            string     `json:"status"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	EntityType        string     `json:"entity_type"`
	EntityID          string     `json:"entity_id"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// MessageTemplate is a per-organization template row, resolved by
// (org, type, active).
type MessageTemplate struct {
	ID       uuid.UUID `json:"id"`
	OrgID    uuid.UUID `json:"org_id"`
	Type     string    `json:"type"` // e.g. "absence_alert"
	Name     string    `json:"name"` // provider-side template name
	IsActive bool      `json:"is_active"`
}

// PeriodSlot is one period of an organization's default timetable,
// ordered by SlotOrder. Times are "HH:MM" local to the organization.
type PeriodSlot struct {
	SlotOrder int    `json:"slot_order"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	IsBreak   bool   `json:"is_break"`
}

// Branch is the second half of the tenant key.
type Branch struct {
	ID    uuid.UUID `json:"id"`
	OrgID uuid.UUID `json:"org_id"`
	Name  string    `json:"name"`
}

// Organization carries the settings the jobs need, loaded together with
// its branches and ordered non-break period slots.
type Organization struct {
	ID                      uuid.UUID    `json:"id"`
	Name                    string       `json:"name"`
	Timezone                string       `json:"timezone"`
	NotificationsEnabled    bool         `json:"notifications_enabled"`
	AttendanceBufferMinutes int          `json:"attendance_buffer_minutes"`
	FeeOverdueCheckHour     int          `json:"fee_overdue_check_hour"`
	FeeReminderDays         int          `json:"fee_reminder_days"`
	Branches                []Branch     `json:"branches,omitempty"`
	PeriodSlots             []PeriodSlot `json:"period_slots,omitempty"`
}

type Student struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	BranchID  uuid.UUID `json:"branch_id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
}

// FullName returns the display name used in message parameters.
func (s *Student) FullName() string {
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

type Guardian struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	StudentID uuid.UUID `json:"student_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	IsPrimary bool      `json:"is_primary"`
}

type FeeInstallment struct {
	ID             uuid.UUID  `json:"id"`
	OrgID          uuid.UUID  `json:"org_id"`
	BranchID       uuid.UUID  `json:"branch_id"`
	StudentID      uuid.UUID  `json:"student_id"`
	Label          string     `json:"label"`
	AmountCents    int64      `json:"amount_cents"`
	DueDate        time.Time  `json:"due_date"`
	Status         string     `json:"status"`
	RemindersSent  int        `json:"reminders_sent"`
	LastReminderAt *time.Time `json:"last_reminder_at,omitempty"`
}

// FeeReminderEntry is the reminder job's dedup ledger: one row per
// (installment, day), enforced by a unique constraint.
type FeeReminderEntry struct {
	ID            uuid.UUID `json:"id"`
	InstallmentID uuid.UUID `json:"installment_id"`
	OrgID         uuid.UUID `json:"org_id"`
	BranchID      uuid.UUID `json:"branch_id"`
	ReminderDate  time.Time `json:"reminder_date"`
	Phone         string    `json:"phone"`
	CreatedAt     time.Time `json:"created_at"`
}

// JobRun records one invocation of a scheduled job for observability
// and for the manual retry surface.
type JobRun struct {
	ID               uuid.UUID      `json:"id"`
	JobName          string         `json:"job_name"`
	Status           string         `json:"status"`
	RecordsProcessed int            `json:"records_processed"`
	Reason           *string        `json:"reason,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
}
