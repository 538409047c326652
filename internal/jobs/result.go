// Package jobs holds the scheduled work of the pipeline: the windowed
// event processor, the fee overdue scan, and the fee reminder pass. Each
// job reports a structured Result so a run that found nothing to do is
// distinguishable from one that did work or one that broke.
package jobs

import (
	"context"
	"time"
)

const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Result describes the outcome of a single job run. Reason is set only
// for skipped runs; Metadata carries job-specific counters.
type Result struct {
	Status           string         `json:"status"`
	RecordsProcessed int            `json:"records_processed"`
	Reason           string         `json:"reason,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func completed(records int, metadata map[string]any) *Result {
	return &Result{Status: StatusCompleted, RecordsProcessed: records, Metadata: metadata}
}

func skipped(reason string) *Result {
	return &Result{Status: StatusSkipped, Reason: reason}
}

// Job is a named unit of scheduled work. Run receives the wall-clock time
// of the tick so that window math and tests stay deterministic.
type Job interface {
	Name() string
	Run(ctx context.Context, now time.Time) (*Result, error)
}
