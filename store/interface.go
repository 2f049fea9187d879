// Package store provides the registration history kept in PostgreSQL.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines the interface for all database operations.
// This interface enables mocking for unit tests.
type Store interface {
	// Close closes the database connection.
	Close()

	// Registrations
	RecordRegistration(ctx context.Context, reg *Registration) error
	RenameRegistration(ctx context.Context, id uuid.UUID, nick, folded string) error
	CloseRegistration(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	LastSeen(ctx context.Context, folded string) (*Registration, error)
	PruneRegistrations(ctx context.Context, closedBefore time.Time) (int64, error)
}

// Compile-time check that DB implements Store.
var _ Store = (*DB)(nil)
