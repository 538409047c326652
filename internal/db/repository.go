package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles the tenant-scoped reads and writes the dispatcher
// and jobs need. Lookups that can legitimately find nothing (templates,
// guardians, students) return (nil, nil) on no rows - absence of
// configuration or of a parent record is expected tenant state, not
// an error.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// ---- notification logs ----

// CreateNotificationLog inserts a new dispatch attempt row.
func (r *Repository) CreateNotificationLog(ctx context.Context, n *NotificationLog) error {
	query := `
		INSERT INTO notification_logs (
			id, org_id, branch_id, recipient_phone, template_id, template_name,
			status, entity_type, entity_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		n.ID, n.OrgID, n.BranchID, n.RecipientPhone, n.TemplateID, n.TemplateName,
		n.Status, n.EntityType, n.EntityID,
	).Scan(&n.CreatedAt, &n.UpdatedAt)

	if err != nil {
		return fmt.Errorf("insert notification log: %w", err)
	}
	return nil
}

// UpdateNotificationLog records the outcome of a send attempt on the same
// row, keeping the "already notified today" check meaningful across retries.
func (r *Repository) UpdateNotificationLog(ctx context.Context, id uuid.UUID, status string, providerMessageID, errorMessage *string, sentAt *time.Time) error {
	query := `
		UPDATE notification_logs
		SET status = $1, provider_message_id = $2, error_message = $3, sent_at = $4, updated_at = NOW()
		WHERE id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, status, providerMessageID, errorMessage, sentAt, id)
	if err != nil {
		return fmt.Errorf("update notification log: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification log not found: %s", id)
	}
	return nil
}

// FindSentToday reports whether a sent row with the same dedup key
// (org, branch, phone, template, entity) exists inside [from, to).
func (r *Repository) FindSentToday(ctx context.Context, orgID, branchID uuid.UUID, phone string, templateID uuid.UUID, entityID string, from, to time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM notification_logs
			WHERE org_id = $1 AND branch_id = $2
			  AND recipient_phone = $3 AND template_id = $4 AND entity_id = $5
			  AND status = $6
			  AND sent_at >= $7 AND sent_at < $8
		)
	`

	var exists bool
	err := r.db.Pool().QueryRow(ctx, query, orgID, branchID, phone, templateID, entityID, NotificationSent, from, to).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query duplicate notification: %w", err)
	}
	return exists, nil
}

// GetNotificationLog retrieves one log row, scoped by tenant.
func (r *Repository) GetNotificationLog(ctx context.Context, id, orgID, branchID uuid.UUID) (*NotificationLog, error) {
	query := `
		SELECT id, org_id, branch_id, recipient_phone, template_id, template_name,
		       status, provider_message_id, error_message, entity_type, entity_id,
		       sent_at, created_at, updated_at
		FROM notification_logs
		WHERE id = $1 AND org_id = $2 AND branch_id = $3
	`

	var n NotificationLog
	err := r.db.Pool().QueryRow(ctx, query, id, orgID, branchID).Scan(
		&n.ID, &n.OrgID, &n.BranchID, &n.RecipientPhone, &n.TemplateID, &n.TemplateName,
		&n.Status, &n.ProviderMessageID, &n.ErrorMessage, &n.EntityType, &n.EntityID,
		&n.SentAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query notification log: %w", err)
	}
	return &n, nil
}

// ListNotificationLogs retrieves log rows for a tenant, newest first.
// status filters when non-empty.
func (r *Repository) ListNotificationLogs(ctx context.Context, orgID, branchID uuid.UUID, status string, limit, offset int) ([]*NotificationLog, error) {
	query := `
		SELECT id, org_id, branch_id, recipient_phone, template_id, template_name,
		       status, provider_message_id, error_message, entity_type, entity_id,
		       sent_at, created_at, updated_at
		FROM notification_logs
		WHERE org_id = $1 AND branch_id = $2
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`

	rows, err := r.db.Pool().Query(ctx, query, orgID, branchID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notification logs: %w", err)
	}
	defer rows.Close()

	var logs []*NotificationLog
	for rows.Next() {
		var n NotificationLog
		if err := rows.Scan(
			&n.ID, &n.OrgID, &n.BranchID, &n.RecipientPhone, &n.TemplateID, &n.TemplateName,
			&n.Status, &n.ProviderMessageID, &n.ErrorMessage, &n.EntityType, &n.EntityID,
			&n.SentAt, &n.CreatedAt, &n.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan notification log: %w", err)
		}
		logs = append(logs, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification logs: %w", err)
	}
	return logs, nil
}

// ---- message templates ----

// ActiveTemplate resolves the active template for (org, type).
// Returns (nil, nil) when the organization has none configured.
func (r *Repository) ActiveTemplate(ctx context.Context, orgID uuid.UUID, templateType string) (*MessageTemplate, error) {
	query := `
		SELECT id, org_id, type, name, is_active
		FROM message_templates
		WHERE org_id = $1 AND type = $2 AND is_active = TRUE
		LIMIT 1
	`

	var t MessageTemplate
	err := r.db.Pool().QueryRow(ctx, query, orgID, templateType).Scan(&t.ID, &t.OrgID, &t.Type, &t.Name, &t.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active template: %w", err)
	}
	return &t, nil
}

// ---- organizations ----

// ListNotifyingOrganizations loads every organization with notifications
// enabled, together with its branches and its ordered non-break period
// slots. The slots are what the processor derives attendance windows from.
func (r *Repository) ListNotifyingOrganizations(ctx context.Context) ([]*Organization, error) {
	query := `
		SELECT id, name, timezone, notifications_enabled,
		       attendance_buffer_minutes, fee_overdue_check_hour, fee_reminder_days
		FROM organizations
		WHERE notifications_enabled = TRUE
		ORDER BY name
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*Organization
	for rows.Next() {
		var org Organization
		if err := rows.Scan(
			&org.ID, &org.Name, &org.Timezone, &org.NotificationsEnabled,
			&org.AttendanceBufferMinutes, &org.FeeOverdueCheckHour, &org.FeeReminderDays,
		); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		orgs = append(orgs, &org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate organizations: %w", err)
	}

	for _, org := range orgs {
		branches, err := r.branchesForOrg(ctx, org.ID)
		if err != nil {
			return nil, err
		}
		org.Branches = branches

		slots, err := r.periodSlotsForOrg(ctx, org.ID)
		if err != nil {
			return nil, err
		}
		org.PeriodSlots = slots
	}

	return orgs, nil
}

func (r *Repository) branchesForOrg(ctx context.Context, orgID uuid.UUID) ([]Branch, error) {
	query := `SELECT id, org_id, name FROM branches WHERE org_id = $1 ORDER BY name`

	rows, err := r.db.Pool().Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("query branches: %w", err)
	}
	defer rows.Close()

	var branches []Branch
	for rows.Next() {
		var b Branch
		if err := rows.Scan(&b.ID, &b.OrgID, &b.Name); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

func (r *Repository) periodSlotsForOrg(ctx context.Context, orgID uuid.UUID) ([]PeriodSlot, error) {
	query := `
		SELECT slot_order, start_time, end_time, is_break
		FROM period_slots
		WHERE org_id = $1
		ORDER BY slot_order ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("query period slots: %w", err)
	}
	defer rows.Close()

	var slots []PeriodSlot
	for rows.Next() {
		var s PeriodSlot
		if err := rows.Scan(&s.SlotOrder, &s.StartTime, &s.EndTime, &s.IsBreak); err != nil {
			return nil, fmt.Errorf("scan period slot: %w", err)
		}
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

// ---- students & guardians ----

// GetStudent retrieves a student scoped by organization.
// Returns (nil, nil) when not found.
func (r *Repository) GetStudent(ctx context.Context, orgID, id uuid.UUID) (*Student, error) {
	query := `
		SELECT id, org_id, branch_id, first_name, last_name
		FROM students
		WHERE id = $1 AND org_id = $2
	`

	var s Student
	err := r.db.Pool().QueryRow(ctx, query, id, orgID).Scan(&s.ID, &s.OrgID, &s.BranchID, &s.FirstName, &s.LastName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query student: %w", err)
	}
	return &s, nil
}

// GetPrimaryGuardian retrieves the primary contact for a student.
// Returns (nil, nil) when the student has no guardian on record.
func (r *Repository) GetPrimaryGuardian(ctx context.Context, orgID, studentID uuid.UUID) (*Guardian, error) {
	query := `
		SELECT id, org_id, student_id, name, phone, is_primary
		FROM guardians
		WHERE org_id = $1 AND student_id = $2 AND is_primary = TRUE
		LIMIT 1
	`

	var g Guardian
	err := r.db.Pool().QueryRow(ctx, query, orgID, studentID).Scan(&g.ID, &g.OrgID, &g.StudentID, &g.Name, &g.Phone, &g.IsPrimary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query primary guardian: %w", err)
	}
	return &g, nil
}

// ---- fee installments ----

// GetInstallment retrieves an installment scoped by organization.
// Returns (nil, nil) when not found.
func (r *Repository) GetInstallment(ctx context.Context, orgID, id uuid.UUID) (*FeeInstallment, error) {
	query := `
		SELECT id, org_id, branch_id, student_id, label, amount_cents, due_date,
		       status, reminders_sent, last_reminder_at
		FROM fee_installments
		WHERE id = $1 AND org_id = $2
	`

	var f FeeInstallment
	err := r.db.Pool().QueryRow(ctx, query, id, orgID).Scan(
		&f.ID, &f.OrgID, &f.BranchID, &f.StudentID, &f.Label, &f.AmountCents,
		&f.DueDate, &f.Status, &f.RemindersSent, &f.LastReminderAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query installment: %w", err)
	}
	return &f, nil
}

// CountOverdueInstallments is the fee-overdue job's cheap existence check,
// deliberately unscoped: a zero here lets the job skip the per-org scan.
func (r *Repository) CountOverdueInstallments(ctx context.Context, asOf time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM fee_installments
		WHERE due_date < $1::date AND status <> $2
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, asOf, InstallmentPaid).Scan(&count); err != nil {
		return 0, fmt.Errorf("count overdue installments: %w", err)
	}
	return count, nil
}

// OverdueInstallmentsForBranch returns unpaid installments past their due
// date for one tenant.
func (r *Repository) OverdueInstallmentsForBranch(ctx context.Context, orgID, branchID uuid.UUID, asOf time.Time) ([]*FeeInstallment, error) {
	query := `
		SELECT id, org_id, branch_id, student_id, label, amount_cents, due_date,
		       status, reminders_sent, last_reminder_at
		FROM fee_installments
		WHERE org_id = $1 AND branch_id = $2
		  AND due_date < $3::date AND status <> $4
		ORDER BY due_date ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, orgID, branchID, asOf, InstallmentPaid)
	if err != nil {
		return nil, fmt.Errorf("query overdue installments: %w", err)
	}
	defer rows.Close()

	return scanInstallments(rows)
}

// InstallmentsDueOn returns installments due exactly on the given day for
// an organization, across its branches. Paid and already-overdue rows are
// excluded - the reminder is for upcoming obligations.
func (r *Repository) InstallmentsDueOn(ctx context.Context, orgID uuid.UUID, day time.Time) ([]*FeeInstallment, error) {
	query := `
		SELECT id, org_id, branch_id, student_id, label, amount_cents, due_date,
		       status, reminders_sent, last_reminder_at
		FROM fee_installments
		WHERE org_id = $1 AND due_date = $2::date
		  AND status IN ($3, $4)
		ORDER BY due_date ASC, id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, orgID, day, InstallmentUpcoming, InstallmentDue)
	if err != nil {
		return nil, fmt.Errorf("query installments due: %w", err)
	}
	defer rows.Close()

	return scanInstallments(rows)
}

func scanInstallments(rows pgx.Rows) ([]*FeeInstallment, error) {
	var installments []*FeeInstallment
	for rows.Next() {
		var f FeeInstallment
		if err := rows.Scan(
			&f.ID, &f.OrgID, &f.BranchID, &f.StudentID, &f.Label, &f.AmountCents,
			&f.DueDate, &f.Status, &f.RemindersSent, &f.LastReminderAt,
		); err != nil {
			return nil, fmt.Errorf("scan installment: %w", err)
		}
		installments = append(installments, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate installments: %w", err)
	}
	return installments, nil
}

// dueSoonDays is the window ahead of the due date in which an upcoming
// installment is promoted to due.
const dueSoonDays = 7

// UpdateInstallmentStatusesByDueDate rolls installment statuses forward by
// due-date thresholds: past-due unpaid rows (including partial) become
// overdue, upcoming rows inside the due-soon window become due. Runs as a
// side effect of the reminder job, independent of whether reminders go out.
func (r *Repository) UpdateInstallmentStatusesByDueDate(ctx context.Context, today time.Time) (int64, error) {
	overdueQuery := `
		UPDATE fee_installments
		SET status = $1
		WHERE due_date < $2::date AND status IN ($3, $4, $5)
	`

	res, err := r.db.Pool().Exec(ctx, overdueQuery,
		InstallmentOverdue, today, InstallmentUpcoming, InstallmentDue, InstallmentPartial)
	if err != nil {
		return 0, fmt.Errorf("roll installments to overdue: %w", err)
	}
	moved := res.RowsAffected()

	dueQuery := `
		UPDATE fee_installments
		SET status = $1
		WHERE due_date >= $2::date AND due_date <= $2::date + $3 AND status = $4
	`

	res, err = r.db.Pool().Exec(ctx, dueQuery, InstallmentDue, today, dueSoonDays, InstallmentUpcoming)
	if err != nil {
		return moved, fmt.Errorf("roll installments to due: %w", err)
	}
	moved += res.RowsAffected()

	return moved, nil
}

// IncrementReminderCount bumps the installment's reminder counter and
// timestamp after a reminder event has been emitted for it.
func (r *Repository) IncrementReminderCount(ctx context.Context, orgID, installmentID uuid.UUID, at time.Time) error {
	query := `
		UPDATE fee_installments
		SET reminders_sent = reminders_sent + 1, last_reminder_at = $1
		WHERE id = $2 AND org_id = $3
	`

	if _, err := r.db.Pool().Exec(ctx, query, at, installmentID, orgID); err != nil {
		return fmt.Errorf("increment reminder count: %w", err)
	}
	return nil
}

// ---- fee reminder ledger ----

// InsertFeeReminder conditionally inserts one ledger row per
// (installment, day). Returns false when the row already exists, which is
// the reminder job's dedup signal. The unique constraint makes this safe
// even under overlapping runs.
func (r *Repository) InsertFeeReminder(ctx context.Context, e *FeeReminderEntry) (bool, error) {
	query := `
		INSERT INTO fee_reminders (id, installment_id, org_id, branch_id, reminder_date, phone)
		VALUES ($1, $2, $3, $4, $5::date, $6)
		ON CONFLICT (installment_id, reminder_date) DO NOTHING
	`

	res, err := r.db.Pool().Exec(ctx, query, e.ID, e.InstallmentID, e.OrgID, e.BranchID, e.ReminderDate, e.Phone)
	if err != nil {
		return false, fmt.Errorf("insert fee reminder: %w", err)
	}
	return res.RowsAffected() == 1, nil
}

// ---- job runs ----

// CreateJobRun inserts a running job-run row.
func (r *Repository) CreateJobRun(ctx context.Context, run *JobRun) error {
	metadata, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("encode job run metadata: %w", err)
	}

	query := `
		INSERT INTO job_runs (id, job_name, status, records_processed, reason, metadata, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	if _, err := r.db.Pool().Exec(ctx, query,
		run.ID, run.JobName, run.Status, run.RecordsProcessed, run.Reason, metadata, run.StartedAt,
	); err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}
	return nil
}

// FinishJobRun records the outcome of a job run.
func (r *Repository) FinishJobRun(ctx context.Context, id uuid.UUID, status string, records int, reason string, metadata map[string]any) error {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode job run metadata: %w", err)
	}

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}

	query := `
		UPDATE job_runs
		SET status = $1, records_processed = $2, reason = $3, metadata = $4, finished_at = NOW()
		WHERE id = $5
	`

	if _, err := r.db.Pool().Exec(ctx, query, status, records, reasonPtr, encoded, id); err != nil {
		return fmt.Errorf("finish job run: %w", err)
	}
	return nil
}

// GetJobRun retrieves one job run.
func (r *Repository) GetJobRun(ctx context.Context, id uuid.UUID) (*JobRun, error) {
	query := `
		SELECT id, job_name, status, records_processed, reason, metadata, started_at, finished_at
		FROM job_runs
		WHERE id = $1
	`

	var (
		run JobRun
		raw []byte
	)
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&run.ID, &run.JobName, &run.Status, &run.RecordsProcessed, &run.Reason, &raw, &run.StartedAt, &run.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job run: %w", err)
	}

	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &run.Metadata)
	}
	return &run, nil
}

// ListJobRuns retrieves recent job runs, newest first. jobName filters
// when non-empty.
func (r *Repository) ListJobRuns(ctx context.Context, jobName string, limit, offset int) ([]*JobRun, error) {
	query := `
		SELECT id, job_name, status, records_processed, reason, metadata, started_at, finished_at
		FROM job_runs
		WHERE ($1 = '' OR job_name = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, jobName, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query job runs: %w", err)
	}
	defer rows.Close()

	var runs []*JobRun
	for rows.Next() {
		var (
			run JobRun
			raw []byte
		)
		if err := rows.Scan(
			&run.ID, &run.JobName, &run.Status, &run.RecordsProcessed, &run.Reason, &raw, &run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &run.Metadata)
		}
		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job runs: %w", err)
	}
	return runs, nil
}
