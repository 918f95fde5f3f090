package ports

import (
	"context"
	"time"
)

// Notifier is the outbound notification collaborator. Actual delivery
// (SMTP, in-app fan-out, webhook POST) lives outside the engine.
type Notifier interface {
	Send(ctx context.Context, channel string, recipients []string, subject, body string) error
}

// ApiRequest is a rendered outbound HTTP call
type ApiRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

// ApiResponse is the outcome of an outbound HTTP call
type ApiResponse struct {
	StatusCode int
	Body       string
	DurationMs int64
}

// HTTPCaller is the outbound-call collaborator used by ApiCall steps
type HTTPCaller interface {
	Do(ctx context.Context, req *ApiRequest) (*ApiResponse, error)
}

// Directory resolves task assignment targets (Role/Group/Queue names) to the
// concrete user who should hold the task. User lookups live in the CRM
// backend; the engine only needs the resolved assignee.
type Directory interface {
	// ResolveAssignee returns the user ID a new task should be assigned to,
	// or "" for pool assignments (Queue) where any member may claim. An
	// unresolvable target returns an error.
	ResolveAssignee(ctx context.Context, assignmentType, assignedTo string) (string, error)
}
