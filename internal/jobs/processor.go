package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prajwalk/classrelay/internal/db"
)

const eventBatchSize = 100

// ProcessorStore lists the tenants the processor walks each tick.
type ProcessorStore interface {
	ListNotifyingOrganizations(ctx context.Context) ([]*db.Organization, error)
}

// EventSource supplies pending events per branch, oldest first.
type EventSource interface {
	PendingForBranch(ctx context.Context, orgID, branchID uuid.UUID, limit int) ([]*db.Event, error)
}

// EventDispatcher consumes one event in the owning org's timezone. It
// must not return: all outcomes are recorded on the event itself.
type EventDispatcher interface {
	ProcessEvent(ctx context.Context, ev *db.Event, loc *time.Location)
}

// Processor drains pending events for every org whose attendance window
// is currently open in its local timezone. Orgs outside their window are
// left alone so late-night backfills do not page parents at 2am.
type Processor struct {
	store      ProcessorStore
	events     EventSource
	dispatcher EventDispatcher
	logger     *zap.Logger
}

func NewProcessor(store ProcessorStore, events EventSource, dispatcher EventDispatcher, logger *zap.Logger) *Processor {
	return &Processor{store: store, events: events, dispatcher: dispatcher, logger: logger}
}

func (p *Processor) Name() string { return "event_processor" }

func (p *Processor) Run(ctx context.Context, now time.Time) (*Result, error) {
	orgs, err := p.store.ListNotifyingOrganizations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	if len(orgs) == 0 {
		return skipped("no organizations with notifications enabled"), nil
	}

	processed := 0
	activeOrgs := 0
	for _, org := range orgs {
		loc, err := time.LoadLocation(org.Timezone)
		if err != nil {
			p.logger.Warn("unknown org timezone, using UTC",
				zap.String("org_id", org.ID.String()),
				zap.String("timezone", org.Timezone),
			)
			loc = time.UTC
		}
		localNow := now.In(loc)

		window := ComputeWindow(org.PeriodSlots, org.AttendanceBufferMinutes)
		if !window.Contains(localNow) {
			p.logger.Debug("org outside attendance window",
				zap.String("org_id", org.ID.String()),
				zap.String("window", window.String()),
				zap.String("local_time", localNow.Format("15:04")),
			)
			continue
		}
		activeOrgs++

		for _, branch := range org.Branches {
			n, err := p.drainBranch(ctx, org.ID, branch.ID, loc)
			if err != nil {
				p.logger.Error("failed to drain branch",
					zap.Error(err),
					zap.String("org_id", org.ID.String()),
					zap.String("branch_id", branch.ID.String()),
				)
				continue
			}
			processed += n
		}
	}

	if activeOrgs == 0 {
		return skipped("all organizations outside their attendance window"), nil
	}
	if processed == 0 {
		return skipped("no pending events in any active organization"), nil
	}
	return completed(processed, map[string]any{"active_orgs": activeOrgs}), nil
}

// maxDrainBatches bounds one branch's work per tick so a branch whose
// events never leave pending (e.g. a status-update outage) cannot spin
// the processor forever. The remainder is picked up next tick.
const maxDrainBatches = 50

// drainBranch processes pending events for one branch in batches until
// the backlog is empty. Events the dispatcher marks failed stay failed;
// they are not refetched because PendingForBranch selects pending only.
func (p *Processor) drainBranch(ctx context.Context, orgID, branchID uuid.UUID, loc *time.Location) (int, error) {
	total := 0
	for i := 0; i < maxDrainBatches; i++ {
		batch, err := p.events.PendingForBranch(ctx, orgID, branchID, eventBatchSize)
		if err != nil {
			return total, fmt.Errorf("fetch pending events: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}
		for _, ev := range batch {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			p.dispatcher.ProcessEvent(ctx, ev, loc)
			total++
		}
		if len(batch) < eventBatchSize {
			return total, nil
		}
	}
	return total, nil
}
