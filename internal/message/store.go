package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Record is a chat message row. CreatedAt is assigned by the database on
// insert so every gateway agrees on the canonical timestamp.
type Record struct {
	ID          string
	RoomID      string
	SenderID    string
	Type        string
	ContentText string
	ContentMeta json.RawMessage
	ClientRef   string
	CreatedAt   time.Time
}

// Store is the boundary to the external message persistence collaborator.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
}

// PostgresStore persists messages to the hot messages table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a message store backed by the given handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Insert writes the message and fills rec.CreatedAt from the database clock.
func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	var meta sql.NullString
	if len(rec.ContentMeta) > 0 {
		meta = sql.NullString{String: string(rec.ContentMeta), Valid: true}
	}
	var clientRef sql.NullString
	if rec.ClientRef != "" {
		clientRef = sql.NullString{String: rec.ClientRef, Valid: true}
	}

	const query = `
		INSERT INTO messages (id, room_id, sender_id, type, content_text, content_meta, client_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query,
		rec.ID, rec.RoomID, rec.SenderID, rec.Type, rec.ContentText, meta, clientRef,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("message: insert %s: %w", rec.ID, err)
	}
	return nil
}
