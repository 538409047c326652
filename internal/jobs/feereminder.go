package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prajwalk/classrelay/internal/db"
)

// ReminderStore provides the reads and writes of the daily reminder
// pass. InsertFeeReminder is the dedup gate: it reports false when a
// reminder for the same installment and day already exists.
type ReminderStore interface {
	ListNotifyingOrganizations(ctx context.Context) ([]*db.Organization, error)
	UpdateInstallmentStatusesByDueDate(ctx context.Context, today time.Time) (int64, error)
	InstallmentsDueOn(ctx context.Context, orgID uuid.UUID, day time.Time) ([]*db.FeeInstallment, error)
	GetPrimaryGuardian(ctx context.Context, orgID, studentID uuid.UUID) (*db.Guardian, error)
	InsertFeeReminder(ctx context.Context, entry *db.FeeReminderEntry) (bool, error)
	IncrementReminderCount(ctx context.Context, orgID, installmentID uuid.UUID, at time.Time) error
}

// ReminderEmitter appends fee_reminder events.
type ReminderEmitter interface {
	Emit(ctx context.Context, ev db.NewEvent) (string, bool)
}

// FeeReminderJob runs daily. It first rolls installment statuses forward
// by due date, then emits a reminder for every installment falling due
// in the org's configured lead window. Dedup uses a dedicated ledger
// with a per-day unique constraint rather than an event scan, because a
// reminder must fire exactly once per installment per day even across
// concurrent runs.
type FeeReminderJob struct {
	store   ReminderStore
	emitter ReminderEmitter
	logger  *zap.Logger
}

func NewFeeReminderJob(store ReminderStore, emitter ReminderEmitter, logger *zap.Logger) *FeeReminderJob {
	return &FeeReminderJob{store: store, emitter: emitter, logger: logger}
}

func (j *FeeReminderJob) Name() string { return "fee_reminder" }

func (j *FeeReminderJob) Run(ctx context.Context, now time.Time) (*Result, error) {
	rolled, err := j.store.UpdateInstallmentStatusesByDueDate(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("update installment statuses: %w", err)
	}
	if rolled > 0 {
		j.logger.Info("installment statuses rolled forward", zap.Int64("count", rolled))
	}

	orgs, err := j.store.ListNotifyingOrganizations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	if len(orgs) == 0 {
		return skipped("no organizations with notifications enabled"), nil
	}

	emitted := 0
	for _, org := range orgs {
		n, err := j.remindOrg(ctx, org, now)
		if err != nil {
			j.logger.Error("reminder pass failed for org",
				zap.Error(err),
				zap.String("org_id", org.ID.String()),
			)
			continue
		}
		emitted += n
	}

	if emitted == 0 {
		return skipped("no installments due for reminder"), nil
	}
	return completed(emitted, map[string]any{"statuses_rolled": rolled}), nil
}

func (j *FeeReminderJob) remindOrg(ctx context.Context, org *db.Organization, now time.Time) (int, error) {
	loc, err := time.LoadLocation(org.Timezone)
	if err != nil {
		loc = time.UTC
	}
	localNow := now.In(loc)
	today := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, loc)
	target := today.AddDate(0, 0, org.FeeReminderDays)

	installments, err := j.store.InstallmentsDueOn(ctx, org.ID, target)
	if err != nil {
		return 0, fmt.Errorf("list installments due on %s: %w", target.Format("2006-01-02"), err)
	}

	emitted := 0
	for _, inst := range installments {
		guardian, err := j.store.GetPrimaryGuardian(ctx, org.ID, inst.StudentID)
		if err != nil {
			j.logger.Error("failed to load guardian",
				zap.Error(err),
				zap.String("installment_id", inst.ID.String()),
			)
			continue
		}
		if guardian == nil {
			continue
		}

		inserted, err := j.store.InsertFeeReminder(ctx, &db.FeeReminderEntry{
			ID:            uuid.New(),
			InstallmentID: inst.ID,
			OrgID:         org.ID,
			BranchID:      inst.BranchID,
			ReminderDate:  today,
			Phone:         guardian.Phone,
		})
		if err != nil {
			j.logger.Error("failed to record reminder",
				zap.Error(err),
				zap.String("installment_id", inst.ID.String()),
			)
			continue
		}
		if !inserted {
			// Already reminded today, likely a concurrent or repeated run.
			continue
		}

		if err := j.store.IncrementReminderCount(ctx, org.ID, inst.ID, now); err != nil {
			j.logger.Error("failed to bump reminder count",
				zap.Error(err),
				zap.String("installment_id", inst.ID.String()),
			)
		}

		_, ok := j.emitter.Emit(ctx, db.NewEvent{
			Type:     db.EventFeeReminder,
			OrgID:    org.ID,
			BranchID: inst.BranchID,
			Payload: db.EventPayload{
				EntityType: db.EntityInstallment,
				EntityID:   inst.ID.String(),
				Data: map[string]any{
					"phone":   guardian.Phone,
					"dueDate": target.Format("2006-01-02"),
					"amount":  inst.AmountCents,
				},
			},
		})
		if ok {
			emitted++
		}
	}
	return emitted, nil
}
