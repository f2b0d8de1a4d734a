// Package flow implements the teaching workflow state machine. Each user
// moves between a teaching phase, a quiz phase, and grading; the current
// phase is persisted so a conversation survives a process restart.
package flow

import (
	"context"

	"github.com/BTreeMap/TutorPipe/internal/models"
)

// StateManager handles persistence of per-user flow phase markers.
type StateManager interface {
	// GetCurrentState retrieves the persisted phase for a user, or "" if
	// none has been saved.
	GetCurrentState(ctx context.Context, userID string, flowType models.FlowType) (models.StateType, error)

	// SetCurrentState persists the phase for a user.
	SetCurrentState(ctx context.Context, userID string, flowType models.FlowType, state models.StateType) error

	// ResetState removes the persisted phase for a user.
	ResetState(ctx context.Context, userID string, flowType models.FlowType) error
}
