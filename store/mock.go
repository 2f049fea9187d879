package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MockStore is a mock implementation of Store for testing.
// Each method field can be set to a custom function to control behavior.
type MockStore struct {
	// Registrations
	RecordRegistrationFn func(ctx context.Context, reg *Registration) error
	RenameRegistrationFn func(ctx context.Context, id uuid.UUID, nick, folded string) error
	CloseRegistrationFn  func(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	LastSeenFn           func(ctx context.Context, folded string) (*Registration, error)
	PruneRegistrationsFn func(ctx context.Context, closedBefore time.Time) (int64, error)
}

// Compile-time check that MockStore implements Store.
var _ Store = (*MockStore)(nil)

func (m *MockStore) Close() {}

func (m *MockStore) RecordRegistration(ctx context.Context, reg *Registration) error {
	if m.RecordRegistrationFn != nil {
		return m.RecordRegistrationFn(ctx, reg)
	}
	return nil
}

func (m *MockStore) RenameRegistration(ctx context.Context, id uuid.UUID, nick, folded string) error {
	if m.RenameRegistrationFn != nil {
		return m.RenameRegistrationFn(ctx, id, nick, folded)
	}
	return nil
}

func (m *MockStore) CloseRegistration(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	if m.CloseRegistrationFn != nil {
		return m.CloseRegistrationFn(ctx, id, reason, at)
	}
	return nil
}

func (m *MockStore) LastSeen(ctx context.Context, folded string) (*Registration, error) {
	if m.LastSeenFn != nil {
		return m.LastSeenFn(ctx, folded)
	}
	return nil, nil
}

func (m *MockStore) PruneRegistrations(ctx context.Context, closedBefore time.Time) (int64, error) {
	if m.PruneRegistrationsFn != nil {
		return m.PruneRegistrationsFn(ctx, closedBefore)
	}
	return 0, nil
}
