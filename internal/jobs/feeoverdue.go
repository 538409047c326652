package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prajwalk/classrelay/internal/db"
)

// OverdueStore provides the installment and tenant reads the overdue
// scan needs.
type OverdueStore interface {
	ListNotifyingOrganizations(ctx context.Context) ([]*db.Organization, error)
	CountOverdueInstallments(ctx context.Context, asOf time.Time) (int, error)
	OverdueInstallmentsForBranch(ctx context.Context, orgID, branchID uuid.UUID, asOf time.Time) ([]*db.FeeInstallment, error)
}

// OverdueDeduper answers which installments already had an overdue event
// emitted in a time range, so re-running the job within the same day does
// not double-notify. Backed by the event log itself.
type OverdueDeduper interface {
	EntityIDsEmittedBetween(ctx context.Context, orgID, branchID uuid.UUID, eventType string, from, to time.Time) (map[string]struct{}, error)
}

// OverdueEmitter appends fee_overdue events.
type OverdueEmitter interface {
	Emit(ctx context.Context, ev db.NewEvent) (string, bool)
}

// FeeOverdueJob scans for installments past their due date and emits one
// fee_overdue event per installment per day. The job runs hourly; each
// org only acts on the tick matching its configured check hour so the
// notification lands at a predictable local time.
type FeeOverdueJob struct {
	store   OverdueStore
	deduper OverdueDeduper
	emitter OverdueEmitter
	logger  *zap.Logger
}

func NewFeeOverdueJob(store OverdueStore, deduper OverdueDeduper, emitter OverdueEmitter, logger *zap.Logger) *FeeOverdueJob {
	return &FeeOverdueJob{store: store, deduper: deduper, emitter: emitter, logger: logger}
}

func (j *FeeOverdueJob) Name() string { return "fee_overdue" }

func (j *FeeOverdueJob) Run(ctx context.Context, now time.Time) (*Result, error) {
	count, err := j.store.CountOverdueInstallments(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("count overdue installments: %w", err)
	}
	if count == 0 {
		return skipped("no overdue installments"), nil
	}

	orgs, err := j.store.ListNotifyingOrganizations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	if len(orgs) == 0 {
		return skipped("no organizations with notifications enabled"), nil
	}

	emitted := 0
	dueOrgs := 0
	for _, org := range orgs {
		loc, err := time.LoadLocation(org.Timezone)
		if err != nil {
			loc = time.UTC
		}
		localNow := now.In(loc)
		if localNow.Hour() != org.FeeOverdueCheckHour {
			continue
		}
		dueOrgs++

		dayStart := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, loc)
		dayEnd := dayStart.AddDate(0, 0, 1)

		for _, branch := range org.Branches {
			n, err := j.scanBranch(ctx, org, branch.ID, localNow, dayStart, dayEnd)
			if err != nil {
				j.logger.Error("overdue scan failed for branch",
					zap.Error(err),
					zap.String("org_id", org.ID.String()),
					zap.String("branch_id", branch.ID.String()),
				)
				continue
			}
			emitted += n
		}
	}

	if dueOrgs == 0 {
		return skipped("no organization at its overdue check hour"), nil
	}
	return completed(emitted, map[string]any{"orgs_checked": dueOrgs}), nil
}

func (j *FeeOverdueJob) scanBranch(ctx context.Context, org *db.Organization, branchID uuid.UUID, localNow, dayStart, dayEnd time.Time) (int, error) {
	installments, err := j.store.OverdueInstallmentsForBranch(ctx, org.ID, branchID, localNow)
	if err != nil {
		return 0, fmt.Errorf("list overdue installments: %w", err)
	}
	if len(installments) == 0 {
		return 0, nil
	}

	alreadyEmitted, err := j.deduper.EntityIDsEmittedBetween(ctx, org.ID, branchID, db.EventFeeOverdue, dayStart, dayEnd)
	if err != nil {
		return 0, fmt.Errorf("load emitted entity ids: %w", err)
	}

	emitted := 0
	for _, inst := range installments {
		if _, done := alreadyEmitted[inst.ID.String()]; done {
			continue
		}
		_, ok := j.emitter.Emit(ctx, db.NewEvent{
			Type:     db.EventFeeOverdue,
			OrgID:    org.ID,
			BranchID: branchID,
			Payload: db.EventPayload{
				EntityType: db.EntityInstallment,
				EntityID:   inst.ID.String(),
				Data: map[string]any{
					"daysOverdue": daysPastDue(inst.DueDate, localNow),
					"amount":      inst.AmountCents,
					"studentId":   inst.StudentID.String(),
				},
			},
		})
		if ok {
			emitted++
		}
	}
	return emitted, nil
}

// daysPastDue counts whole calendar days since the due date.
func daysPastDue(dueDate, now time.Time) int {
	due := time.Date(dueDate.Year(), dueDate.Month(), dueDate.Day(), 0, 0, 0, 0, time.UTC)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(today.Sub(due).Hours() / 24)
}
