// Package room provides the Room Subscription Index: room membership reads
// backed by the external room store, cached per process with a freshness
// window and invalidated on mutation notices. The gateway never mutates
// membership itself.
package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrRoomNotFound is returned when the room does not exist or has been
// archived out of the hot tables.
var ErrRoomNotFound = errors.New("room: not found")

// MembershipStore is the boundary to the external room-membership
// collaborator.
type MembershipStore interface {
	// Members returns the participant user ids of a room, or
	// ErrRoomNotFound.
	Members(ctx context.Context, roomID string) ([]string, error)

	// RoomsOf returns the ids of all rooms the user participates in.
	RoomsOf(ctx context.Context, userID string) ([]string, error)
}

// Store reads room membership from PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a membership store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Members returns the participants of roomID. A room missing from the hot
// rooms table (never created, or moved to cold storage by the archival
// service) yields ErrRoomNotFound.
func (s *Store) Members(ctx context.Context, roomID string) ([]string, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`, roomID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("room: check room %s: %w", roomID, err)
	}
	if !exists {
		return nil, ErrRoomNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM room_participants WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, fmt.Errorf("room: query participants of %s: %w", roomID, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("room: scan participant: %w", err)
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("room: iterate participants: %w", err)
	}
	return members, nil
}

// RoomsOf returns the rooms the user currently participates in.
func (s *Store) RoomsOf(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id FROM room_participants WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("room: query rooms of %s: %w", userID, err)
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("room: scan room id: %w", err)
		}
		rooms = append(rooms, roomID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("room: iterate rooms: %w", err)
	}
	return rooms, nil
}
