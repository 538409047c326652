// Package dispatcher turns domain events into outbound messages. One
// event yields at most one send attempt plus a notification log row;
// failures are contained per event so a bad row never stalls a batch.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prajwalk/classrelay/internal/db"
	"github.com/prajwalk/classrelay/internal/metrics"
	"github.com/prajwalk/classrelay/internal/provider"
)

// Store is the record access the dispatcher needs, implemented by
// db.Repository.
type Store interface {
	ActiveTemplate(ctx context.Context, orgID uuid.UUID, templateType string) (*db.MessageTemplate, error)
	FindSentToday(ctx context.Context, orgID, branchID uuid.UUID, phone string, templateID uuid.UUID, entityID string, from, to time.Time) (bool, error)
	CreateNotificationLog(ctx context.Context, n *db.NotificationLog) error
	UpdateNotificationLog(ctx context.Context, id uuid.UUID, status string, providerMessageID, errorMessage *string, sentAt *time.Time) error
	GetNotificationLog(ctx context.Context, id, orgID, branchID uuid.UUID) (*db.NotificationLog, error)
	GetStudent(ctx context.Context, orgID, id uuid.UUID) (*db.Student, error)
	GetPrimaryGuardian(ctx context.Context, orgID, studentID uuid.UUID) (*db.Guardian, error)
	GetInstallment(ctx context.Context, orgID, id uuid.UUID) (*db.FeeInstallment, error)
}

// Events is the event-status side, implemented by db.EventStore.
type Events interface {
	MarkProcessed(ctx context.Context, id string, orgID, branchID uuid.UUID) error
	MarkFailed(ctx context.Context, id string, orgID, branchID uuid.UUID, reason string) error
}

// templateTypeByEvent is the fixed event-to-template mapping. Events whose
// type is absent here are notifiable to nobody: they are marked processed
// without a dispatch. Extending this map is a code change by design.
var templateTypeByEvent = map[string]string{
	db.EventStudentAbsent: "absence_alert",
	db.EventFeeOverdue:    "fee_overdue_alert",
	db.EventFeeReminder:   "fee_reminder_alert",
	db.EventFeePaid:       "fee_receipt",
}

// Dispatcher resolves recipient and template for an event, dedups against
// the current day's sent log, and records every attempt.
type Dispatcher struct {
	store    Store
	events   Events
	provider provider.Provider
	logger   *zap.Logger
	now      func() time.Time
}

func New(store Store, events Events, prov provider.Provider, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		events:   events,
		provider: prov,
		logger:   logger,
		now:      time.Now,
	}
}

// ProcessEvent runs the full dispatch pipeline for one event. loc is the
// owning organization's timezone; the same-day dedup window is one calendar
// day in that zone, matching the attendance-window gating, so an org whose
// window straddles the server-day boundary still dedups per local day. A
// nil loc falls back to UTC. ProcessEvent never returns an error: every
// failure path ends in the event being marked failed with a reason, and a
// panic anywhere in the pipeline is converted to the same.
func (d *Dispatcher) ProcessEvent(ctx context.Context, ev *db.Event, loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while dispatching event",
				zap.String("event_id", ev.ID),
				zap.String("type", ev.Type),
				zap.Any("panic", r),
			)
			d.markFailed(ctx, ev, fmt.Sprintf("panic: %v", r))
		}
	}()

	templateType, notifiable := templateTypeByEvent[ev.Type]
	if !notifiable {
		d.markProcessed(ctx, ev)
		return
	}

	tmpl, err := d.store.ActiveTemplate(ctx, ev.OrgID, templateType)
	if err != nil {
		d.markFailed(ctx, ev, fmt.Sprintf("load template: %v", err))
		return
	}
	if tmpl == nil {
		// Missing template is expected tenant state, not a failure.
		d.logger.Debug("no active template for event",
			zap.String("event_id", ev.ID),
			zap.String("template_type", templateType),
			zap.String("org_id", ev.OrgID.String()),
		)
		d.markProcessed(ctx, ev)
		return
	}

	phone, err := d.resolveRecipient(ctx, ev)
	if err != nil {
		d.markFailed(ctx, ev, fmt.Sprintf("resolve recipient: %v", err))
		return
	}
	if phone == "" {
		// No guardian on record. Expected data, not an error.
		d.markProcessed(ctx, ev)
		return
	}

	phone = NormalizePhone(phone)
	if !ValidPhone(phone) {
		d.markFailed(ctx, ev, "Invalid phone number")
		return
	}

	dayStart, dayEnd := dayBounds(d.now().In(loc))
	alreadySent, err := d.store.FindSentToday(ctx, ev.OrgID, ev.BranchID, phone, tmpl.ID, ev.Payload.EntityID, dayStart, dayEnd)
	if err != nil {
		d.markFailed(ctx, ev, fmt.Sprintf("dedup check: %v", err))
		return
	}
	if alreadySent {
		d.logger.Debug("duplicate notification suppressed",
			zap.String("event_id", ev.ID),
			zap.String("entity_id", ev.Payload.EntityID),
		)
		d.markProcessed(ctx, ev)
		return
	}

	params, err := d.buildParams(ctx, ev)
	if err != nil {
		d.markFailed(ctx, ev, fmt.Sprintf("build params: %v", err))
		return
	}

	logRow := &db.NotificationLog{
		ID:             uuid.New(),
		OrgID:          ev.OrgID,
		BranchID:       ev.BranchID,
		RecipientPhone: phone,
		TemplateID:     tmpl.ID,
		TemplateName:   tmpl.Name,
		Status:         db.NotificationPending,
		EntityType:     ev.Payload.EntityType,
		EntityID:       ev.Payload.EntityID,
	}
	if err := d.store.CreateNotificationLog(ctx, logRow); err != nil {
		d.markFailed(ctx, ev, fmt.Sprintf("create notification log: %v", err))
		return
	}

	res := d.provider.Send(ctx, phone, tmpl.Name, params)
	metrics.RecordNotificationDispatched(d.provider.Name(), statusFor(res))

	if res.Success {
		sentAt := d.now()
		if err := d.store.UpdateNotificationLog(ctx, logRow.ID, db.NotificationSent, res.MessageID, nil, &sentAt); err != nil {
			d.logger.Error("failed to record sent notification",
				zap.Error(err),
				zap.String("notification_id", logRow.ID.String()),
			)
		}
		d.logger.Info("notification sent",
			zap.String("event_id", ev.ID),
			zap.String("notification_id", logRow.ID.String()),
			zap.String("template", tmpl.Name),
		)
		d.markProcessed(ctx, ev)
		return
	}

	errMsg := res.ErrorMessage()
	if err := d.store.UpdateNotificationLog(ctx, logRow.ID, db.NotificationFailed, nil, &errMsg, nil); err != nil {
		d.logger.Error("failed to record failed notification",
			zap.Error(err),
			zap.String("notification_id", logRow.ID.String()),
		)
	}
	d.markFailed(ctx, ev, errMsg)
}

// RetryNotification re-sends a failed notification in place. Template
// parameters are rebuilt from the stored entity reference, not from the
// original event, so the message reflects current state even if the event
// is long gone or the student has been renamed since.
func (d *Dispatcher) RetryNotification(ctx context.Context, id, orgID, branchID uuid.UUID) bool {
	logRow, err := d.store.GetNotificationLog(ctx, id, orgID, branchID)
	if err != nil {
		d.logger.Error("failed to load notification for retry",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return false
	}
	if logRow == nil {
		d.logger.Warn("retry requested for unknown notification",
			zap.String("notification_id", id.String()),
		)
		return false
	}
	if logRow.Status != db.NotificationFailed {
		d.logger.Warn("retry requested for non-failed notification",
			zap.String("notification_id", id.String()),
			zap.String("status", logRow.Status),
		)
		return false
	}

	params, err := d.paramsForEntity(ctx, orgID, logRow.EntityType, logRow.EntityID)
	if err != nil {
		errMsg := fmt.Sprintf("rebuild params: %v", err)
		_ = d.store.UpdateNotificationLog(ctx, logRow.ID, db.NotificationFailed, nil, &errMsg, nil)
		return false
	}

	res := d.provider.Send(ctx, logRow.RecipientPhone, logRow.TemplateName, params)
	metrics.RecordNotificationDispatched(d.provider.Name(), statusFor(res))

	if res.Success {
		sentAt := d.now()
		if err := d.store.UpdateNotificationLog(ctx, logRow.ID, db.NotificationSent, res.MessageID, nil, &sentAt); err != nil {
			d.logger.Error("failed to record retried notification",
				zap.Error(err),
				zap.String("notification_id", logRow.ID.String()),
			)
		}
		d.logger.Info("notification retry succeeded",
			zap.String("notification_id", logRow.ID.String()),
		)
		return true
	}

	errMsg := res.ErrorMessage()
	_ = d.store.UpdateNotificationLog(ctx, logRow.ID, db.NotificationFailed, nil, &errMsg, nil)
	return false
}

// resolveRecipient finds the phone number for an event using tenant-scoped
// lookups. An empty return with nil error means "nobody to notify", which
// is benign. The fee_reminder type is the one exception to re-resolution:
// its target was fixed at emission time and travels in the payload.
func (d *Dispatcher) resolveRecipient(ctx context.Context, ev *db.Event) (string, error) {
	if ev.Type == db.EventFeeReminder {
		phone, _ := ev.Payload.Data["phone"].(string)
		return phone, nil
	}

	switch ev.Payload.EntityType {
	case db.EntityStudent:
		studentID, err := uuid.Parse(ev.Payload.EntityID)
		if err != nil {
			return "", fmt.Errorf("invalid student id %q: %w", ev.Payload.EntityID, err)
		}
		guardian, err := d.store.GetPrimaryGuardian(ctx, ev.OrgID, studentID)
		if err != nil {
			return "", err
		}
		if guardian == nil {
			return "", nil
		}
		return guardian.Phone, nil

	case db.EntityInstallment:
		installmentID, err := uuid.Parse(ev.Payload.EntityID)
		if err != nil {
			return "", fmt.Errorf("invalid installment id %q: %w", ev.Payload.EntityID, err)
		}
		installment, err := d.store.GetInstallment(ctx, ev.OrgID, installmentID)
		if err != nil {
			return "", err
		}
		if installment == nil {
			return "", nil
		}
		guardian, err := d.store.GetPrimaryGuardian(ctx, ev.OrgID, installment.StudentID)
		if err != nil {
			return "", err
		}
		if guardian == nil {
			return "", nil
		}
		return guardian.Phone, nil

	default:
		return "", fmt.Errorf("unsupported entity type %q", ev.Payload.EntityType)
	}
}

func (d *Dispatcher) markProcessed(ctx context.Context, ev *db.Event) {
	if err := d.events.MarkProcessed(ctx, ev.ID, ev.OrgID, ev.BranchID); err != nil {
		// Logged and dropped: failure handling must not become a new
		// failure source, and the batch loop has to advance.
		d.logger.Error("failed to mark event processed",
			zap.Error(err),
			zap.String("event_id", ev.ID),
		)
		return
	}
	metrics.RecordEventProcessed(ev.Type, db.EventProcessed)
}

func (d *Dispatcher) markFailed(ctx context.Context, ev *db.Event, reason string) {
	d.logger.Warn("event failed",
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("reason", reason),
	)
	if err := d.events.MarkFailed(ctx, ev.ID, ev.OrgID, ev.BranchID, reason); err != nil {
		d.logger.Error("failed to mark event failed",
			zap.Error(err),
			zap.String("event_id", ev.ID),
		)
		return
	}
	metrics.RecordEventProcessed(ev.Type, db.EventFailed)
}

// dayBounds returns the start of the calendar day containing now and the
// start of the next day, in now's location.
func dayBounds(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return start, start.AddDate(0, 0, 1)
}

func statusFor(res provider.Result) string {
	if res.Success {
		return db.NotificationSent
	}
	return db.NotificationFailed
}
