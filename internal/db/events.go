package db

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/prajwalk/classrelay/internal/metrics"
)

// NewEvent is the write-side shape handed to Emit by domain modules and
// by the fee jobs. Callers append events only after their own transaction
// has committed; the store does not enforce that.
type NewEvent struct {
	Type     string
	OrgID    uuid.UUID
	BranchID uuid.UUID
	Payload  EventPayload
}

// EventStore is the append-only, tenant-scoped event log.
type EventStore struct {
	db     *DB
	logger *zap.Logger
}

func NewEventStore(db *DB, logger *zap.Logger) *EventStore {
	return &EventStore{db: db, logger: logger}
}

// newEventID returns a ulid. Event ids sort by creation time, which keeps
// the oldest-first read stable when two events share a created_at.
func newEventID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// Emit appends one event as pending. It never returns an error: a
// persistence failure is logged and reported as ok=false so that emitting
// a notification can never abort the domain action that triggered it.
func (s *EventStore) Emit(ctx context.Context, ev NewEvent) (string, bool) {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		s.logger.Error("failed to encode event payload",
			zap.Error(err),
			zap.String("type", ev.Type),
			zap.String("org_id", ev.OrgID.String()),
		)
		metrics.RecordEventEmitted(ev.Type, "dropped")
		return "", false
	}

	id := newEventID()
	query := `
		INSERT INTO events (id, org_id, branch_id, type, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if _, err := s.db.Pool().Exec(ctx, query, id, ev.OrgID, ev.BranchID, ev.Type, raw, EventPending); err != nil {
		s.logger.Error("failed to emit event",
			zap.Error(err),
			zap.String("type", ev.Type),
			zap.String("org_id", ev.OrgID.String()),
			zap.String("branch_id", ev.BranchID.String()),
		)
		metrics.RecordEventEmitted(ev.Type, "dropped")
		return "", false
	}

	s.logger.Debug("event emitted",
		zap.String("event_id", id),
		zap.String("type", ev.Type),
		zap.String("org_id", ev.OrgID.String()),
	)
	metrics.RecordEventEmitted(ev.Type, "ok")

	return id, true
}

// EmitBatch appends a batch of events and returns how many landed.
// Same no-raise contract as Emit; a failed row does not stop the rest.
func (s *EventStore) EmitBatch(ctx context.Context, evs []NewEvent) int {
	count := 0
	for _, ev := range evs {
		if _, ok := s.Emit(ctx, ev); ok {
			count++
		}
	}
	return count
}

// PendingForBranch returns up to limit pending events for one tenant,
// oldest first. Strict FIFO per tenant is what makes same-day dedup
// deterministic: processing order decides which duplicate wins.
func (s *EventStore) PendingForBranch(ctx context.Context, orgID, branchID uuid.UUID, limit int) ([]*Event, error) {
	query := `
		SELECT id, org_id, branch_id, type, payload, status, created_at, processed_at
		FROM events
		WHERE org_id = $1 AND branch_id = $2 AND status = $3
		ORDER BY created_at ASC, id ASC
		LIMIT $4
	`

	rows, err := s.db.Pool().Query(ctx, query, orgID, branchID, EventPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			ev  Event
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.OrgID, &ev.BranchID, &ev.Type, &raw, &ev.Status, &ev.CreatedAt, &ev.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = DecodePayload(raw)
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// MarkProcessed moves an event to its processed end state. The update is
// scoped by tenant; an id that does not match the tenant filter is a no-op,
// not an error.
func (s *EventStore) MarkProcessed(ctx context.Context, id string, orgID, branchID uuid.UUID) error {
	query := `
		UPDATE events
		SET status = $1, processed_at = NOW()
		WHERE id = $2 AND org_id = $3 AND branch_id = $4 AND status = $5
	`

	_, err := s.db.Pool().Exec(ctx, query, EventProcessed, id, orgID, branchID, EventPending)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// MarkFailed moves an event to failed and merges an _error key into the
// stored payload. The payload is only ever appended to on a terminal
// transition, never replaced. Like MarkProcessed, only pending events
// transition; a late failure cannot flip an already terminal event.
func (s *EventStore) MarkFailed(ctx context.Context, id string, orgID, branchID uuid.UUID, reason string) error {
	query := `
		UPDATE events
		SET status = $1,
		    processed_at = NOW(),
		    payload = payload || jsonb_build_object('_error', $2::text)
		WHERE id = $3 AND org_id = $4 AND branch_id = $5 AND status = $6
	`

	_, err := s.db.Pool().Exec(ctx, query, EventFailed, reason, id, orgID, branchID, EventPending)
	if err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return nil
}

// EntityIDsEmittedBetween returns the entity ids of events of one type
// emitted for a tenant inside [from, to). The fee-overdue job uses this as
// its same-day dedup check.
func (s *EventStore) EntityIDsEmittedBetween(ctx context.Context, orgID, branchID uuid.UUID, eventType string, from, to time.Time) (map[string]struct{}, error) {
	query := `
		SELECT payload->>'entityId'
		FROM events
		WHERE org_id = $1 AND branch_id = $2 AND type = $3
		  AND created_at >= $4 AND created_at < $5
	`

	rows, err := s.db.Pool().Query(ctx, query, orgID, branchID, eventType, from, to)
	if err != nil {
		return nil, fmt.Errorf("query emitted entity ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id *string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entity id: %w", err)
		}
		if id != nil {
			ids[*id] = struct{}{}
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity ids: %w", err)
	}

	return ids, nil
}

// DecodePayload decodes a stored payload, degrading to a sentinel on
// corrupt JSON so a single bad row cannot stall a whole batch.
func DecodePayload(raw []byte) EventPayload {
	var p EventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return EventPayload{
			EntityType: EntityUnknown,
			EntityID:   EntityUnknown,
			Data: map[string]any{
				"_parseError": true,
				"_rawPayload": string(raw),
			},
		}
	}
	return p
}
