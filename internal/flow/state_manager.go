package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/motolink/waroute/internal/models"
	"github.com/motolink/waroute/internal/store"
)

// StateManager wraps the store's chat-state operations with payload
// marshalling and version-aware saves.
type StateManager struct {
	store store.Store
}

// NewStateManager creates a state manager over the given store.
func NewStateManager(st store.Store) *StateManager {
	return &StateManager{store: st}
}

// Get returns the current state, or nil when the user is at home.
func (m *StateManager) Get(profileID string) (*models.ChatState, error) {
	st, err := m.store.GetChatState(profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat state: %w", err)
	}
	return st, nil
}

// Put replaces the user's state with the given key and payload, conditioned
// on the version the caller read (0 when no state existed). A lost race is
// logged and reported as store.ErrVersionConflict.
func (m *StateManager) Put(profileID string, key models.FlowKey, payload any, expectedVersion int64) error {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode state payload: %w", err)
		}
		data = raw
	}
	_, err := m.store.SaveChatState(models.ChatState{
		ProfileID: profileID,
		Key:       key,
		Data:      data,
	}, expectedVersion)
	if errors.Is(err, store.ErrVersionConflict) {
		slog.Warn("Chat state save lost a race", "profileID", profileID, "key", key, "expectedVersion", expectedVersion)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to save chat state: %w", err)
	}
	slog.Debug("Chat state saved", "profileID", profileID, "key", key)
	return nil
}

// Clear resets the user to home.
func (m *StateManager) Clear(profileID string) error {
	if err := m.store.ClearChatState(profileID); err != nil {
		return fmt.Errorf("failed to clear chat state: %w", err)
	}
	slog.Debug("Chat state cleared", "profileID", profileID)
	return nil
}
