// Package autopilot orchestrates the long-running document generation task:
// lifecycle (start/pause/resume/cancel), a monotone progress stream with
// replay-last-known-value for late subscribers, and bounded retry over
// transient stream drops.
package autopilot

import (
	"context"

	"autopen/domain"
)

// Event is one progress update from the generation backend. A terminal event
// carries either DocID (success) or Err (+Retryable).
type Event struct {
	Percent   int
	Note      string
	Terminal  bool
	DocID     string
	Err       string
	Retryable bool
}

// Backend is the generation collaborator. StreamProgress returns a channel
// that closes after a terminal event, on ctx cancellation, or on a transport
// drop (no terminal event seen); the orchestrator re-attaches after drops.
type Backend interface {
	StartTask(ctx context.Context, config domain.AutopilotConfig) (taskID string, err error)
	StreamProgress(ctx context.Context, taskID string, fromPercent int) (<-chan Event, error)
	PauseTask(ctx context.Context, taskID string) error
	ResumeTask(ctx context.Context, taskID string) error
	CancelTask(ctx context.Context, taskID string) error
}
