package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TutorPipe/internal/models"
	"github.com/BTreeMap/TutorPipe/internal/store"
)

// StoreBasedStateManager implements StateManager on top of a store.Store.
type StoreBasedStateManager struct {
	store store.Store
}

// NewStoreBasedStateManager creates a state manager backed by the given store.
func NewStoreBasedStateManager(s store.Store) *StoreBasedStateManager {
	return &StoreBasedStateManager{store: s}
}

// GetCurrentState retrieves the persisted phase for a user, or "" if none
// has been saved.
func (sm *StoreBasedStateManager) GetCurrentState(ctx context.Context, userID string, flowType models.FlowType) (models.StateType, error) {
	state, err := sm.store.GetFlowState(userID, string(flowType))
	if err != nil {
		slog.Error("StateManager.GetCurrentState: lookup failed", "userID", userID, "flowType", flowType, "error", err)
		return "", fmt.Errorf("failed to get flow state: %w", err)
	}
	if state == nil {
		return "", nil
	}
	return state.CurrentState, nil
}

// SetCurrentState persists the phase for a user.
func (sm *StoreBasedStateManager) SetCurrentState(ctx context.Context, userID string, flowType models.FlowType, state models.StateType) error {
	now := time.Now().UTC()
	err := sm.store.SaveFlowState(models.FlowState{
		ParticipantID: userID,
		FlowType:      flowType,
		CurrentState:  state,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		slog.Error("StateManager.SetCurrentState: save failed", "userID", userID, "flowType", flowType, "state", state, "error", err)
		return fmt.Errorf("failed to save flow state: %w", err)
	}
	slog.Debug("StateManager.SetCurrentState: state saved", "userID", userID, "state", state)
	return nil
}

// ResetState removes the persisted phase for a user.
func (sm *StoreBasedStateManager) ResetState(ctx context.Context, userID string, flowType models.FlowType) error {
	if err := sm.store.DeleteFlowState(userID, string(flowType)); err != nil {
		slog.Error("StateManager.ResetState: delete failed", "userID", userID, "flowType", flowType, "error", err)
		return fmt.Errorf("failed to reset flow state: %w", err)
	}
	return nil
}
