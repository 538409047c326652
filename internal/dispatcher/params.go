package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prajwalk/classrelay/internal/db"
)

// buildParams assembles template parameters for an event. Values are read
// from the database at dispatch time rather than from the payload, so a
// message always reflects the current record even when the event sat in
// the queue for a while.
func (d *Dispatcher) buildParams(ctx context.Context, ev *db.Event) (map[string]string, error) {
	switch ev.Type {
	case db.EventStudentAbsent:
		return d.studentParams(ctx, ev.OrgID, ev.Payload.EntityID, map[string]string{
			"date": d.now().Format("02 Jan 2006"),
		})
	case db.EventFeeOverdue, db.EventFeeReminder, db.EventFeePaid:
		return d.installmentParams(ctx, ev.OrgID, ev.Payload.EntityID)
	default:
		return nil, fmt.Errorf("no parameter builder for event type %q", ev.Type)
	}
}

// paramsForEntity rebuilds parameters from a stored entity reference. Used
// by retries, where the original event may already be gone.
func (d *Dispatcher) paramsForEntity(ctx context.Context, orgID uuid.UUID, entityType, entityID string) (map[string]string, error) {
	switch entityType {
	case db.EntityStudent:
		return d.studentParams(ctx, orgID, entityID, map[string]string{
			"date": d.now().Format("02 Jan 2006"),
		})
	case db.EntityInstallment:
		return d.installmentParams(ctx, orgID, entityID)
	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

func (d *Dispatcher) studentParams(ctx context.Context, orgID uuid.UUID, entityID string, extra map[string]string) (map[string]string, error) {
	studentID, err := uuid.Parse(entityID)
	if err != nil {
		return nil, fmt.Errorf("invalid student id %q: %w", entityID, err)
	}
	student, err := d.store.GetStudent(ctx, orgID, studentID)
	if err != nil {
		return nil, err
	}
	if student == nil {
		return nil, fmt.Errorf("student %s not found", entityID)
	}

	params := map[string]string{
		"student_name": student.FullName(),
	}
	for k, v := range extra {
		params[k] = v
	}
	return params, nil
}

func (d *Dispatcher) installmentParams(ctx context.Context, orgID uuid.UUID, entityID string) (map[string]string, error) {
	installmentID, err := uuid.Parse(entityID)
	if err != nil {
		return nil, fmt.Errorf("invalid installment id %q: %w", entityID, err)
	}
	installment, err := d.store.GetInstallment(ctx, orgID, installmentID)
	if err != nil {
		return nil, err
	}
	if installment == nil {
		return nil, fmt.Errorf("installment %s not found", entityID)
	}
	student, err := d.store.GetStudent(ctx, orgID, installment.StudentID)
	if err != nil {
		return nil, err
	}
	if student == nil {
		return nil, fmt.Errorf("student %s not found", installment.StudentID)
	}

	params := map[string]string{
		"student_name": student.FullName(),
		"label":        installment.Label,
		"amount":       formatAmount(installment.AmountCents),
		"due_date":     installment.DueDate.Format("02 Jan 2006"),
	}
	if days := daysOverdue(installment.DueDate, d.now()); days > 0 {
		params["days_overdue"] = fmt.Sprintf("%d", days)
	}
	return params, nil
}

// formatAmount renders a cent amount as a decimal string, e.g. 150050
// becomes "1500.50".
func formatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// daysOverdue counts whole calendar days between the due date and now,
// using date components only so a payment due yesterday is one day
// overdue regardless of clock time.
func daysOverdue(dueDate, now time.Time) int {
	due := time.Date(dueDate.Year(), dueDate.Month(), dueDate.Day(), 0, 0, 0, 0, time.UTC)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(today.Sub(due).Hours() / 24)
}
