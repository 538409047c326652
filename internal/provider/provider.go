// Package provider abstracts the outbound message transport. The
// dispatcher's dedup and retry logic is independent of which transport is
// configured; implementations are swapped at deploy time, not in code.
package provider

import "context"

// Result is the structured outcome of one send attempt. Transport
// problems are reported here, never as a Go error - the dispatcher turns
// a failed Result into a failed notification log, which is the normal
// failure path.
type Result struct {
	Success   bool    `json:"success"`
	MessageID *string `json:"message_id,omitempty"`
	Error     *string `json:"error,omitempty"`
}

// Provider sends one templated message to one recipient.
type Provider interface {
	Name() string
	Send(ctx context.Context, to, templateName string, params map[string]string) Result
}

func success(messageID string) Result {
	return Result{Success: true, MessageID: &messageID}
}

func failure(msg string) Result {
	return Result{Success: false, Error: &msg}
}

// ErrorMessage returns the error string or "" for a successful result.
func (r Result) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}
