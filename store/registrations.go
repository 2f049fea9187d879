package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when an update matches no row.
var ErrNotFound = errors.New("store: registration not found")

// Registration is one completed IRC registration, from welcome to quit.
type Registration struct {
	ID             uuid.UUID  `json:"id"`
	SessionID      string     `json:"sessionId"`
	Nick           string     `json:"nick"`
	NickFolded     string     `json:"-"`
	Username       string     `json:"username"`
	Account        string     `json:"account,omitempty"`
	HostnameSealed string     `json:"-"`
	TLS            bool       `json:"tls"`
	NodeID         string     `json:"nodeId,omitempty"`
	RegisteredAt   time.Time  `json:"registeredAt"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
	QuitReason     string     `json:"quitReason,omitempty"`
}

// RecordRegistration inserts a new registration row. reg.ID must be set.
func (db *DB) RecordRegistration(ctx context.Context, reg *Registration) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	_, err := db.pool.Exec(ctx, `
		INSERT INTO registrations
			(id, session_id, nick, nick_folded, username, account, hostname_sealed, tls, node_id, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, reg.ID, reg.SessionID, reg.Nick, reg.NickFolded, reg.Username, reg.Account,
		reg.HostnameSealed, reg.TLS, reg.NodeID, reg.RegisteredAt.UTC())
	return err
}

// RenameRegistration records a nick change on an open registration.
func (db *DB) RenameRegistration(ctx context.Context, id uuid.UUID, nick, folded string) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.pool.Exec(ctx, `
		UPDATE registrations SET nick = $1, nick_folded = $2
		WHERE id = $3 AND closed_at IS NULL
	`, nick, folded, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseRegistration stamps the registration closed.
func (db *DB) CloseRegistration(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.pool.Exec(ctx, `
		UPDATE registrations SET closed_at = $1, quit_reason = $2
		WHERE id = $3 AND closed_at IS NULL
	`, at.UTC(), reason, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LastSeen returns the most recent registration for a case-folded nick, or
// nil when the nick has never registered.
func (db *DB) LastSeen(ctx context.Context, folded string) (*Registration, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var reg Registration
	err := db.pool.QueryRow(ctx, `
		SELECT id, session_id, nick, nick_folded, username, account, hostname_sealed,
			tls, node_id, registered_at, closed_at, quit_reason
		FROM registrations
		WHERE nick_folded = $1
		ORDER BY registered_at DESC
		LIMIT 1
	`, folded).Scan(&reg.ID, &reg.SessionID, &reg.Nick, &reg.NickFolded, &reg.Username, &reg.Account,
		&reg.HostnameSealed, &reg.TLS, &reg.NodeID, &reg.RegisteredAt, &reg.ClosedAt, &reg.QuitReason)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// PruneRegistrations deletes closed registrations older than closedBefore
// and returns how many rows went.
func (db *DB) PruneRegistrations(ctx context.Context, closedBefore time.Time) (int64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.pool.Exec(ctx, `
		DELETE FROM registrations
		WHERE closed_at IS NOT NULL AND closed_at < $1
	`, closedBefore.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
