package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/meridianhq/meridian/internal/domain"
)

type ChatEventStore struct {
	db Querier
}

// Append writes the event if new, otherwise fills in the id of the
// existing (session_id, content_hash) row. Never mutates an existing row.
func (s *ChatEventStore) Append(ctx context.Context, ev *domain.ChatEvent) error {
	if ev.Content == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if !domain.ValidRole(string(ev.Role)) {
		return fmt.Errorf("%w: invalid role %q", ErrValidation, ev.Role)
	}
	if ev.ContentHash == "" {
		ev.ContentHash = domain.HashContent(ev.Content)
	}

	err := s.db.QueryRow(ctx,
		`INSERT INTO app.chat_events (session_id, user_id, role, content, content_hash, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, content_hash) DO NOTHING
		 RETURNING id, created_at`,
		ev.SessionID, ev.UserID, ev.Role, ev.Content, ev.ContentHash, ev.Metadata,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("append chat event: %w", err)
	}

	// Duplicate: re-read the winning row so the caller observes its id.
	err = s.db.QueryRow(ctx,
		`SELECT id, created_at FROM app.chat_events
		 WHERE session_id = $1 AND content_hash = $2`,
		ev.SessionID, ev.ContentHash,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("reread chat event: %w", err)
	}
	return nil
}

func (s *ChatEventStore) GetByID(ctx context.Context, id int64) (*domain.ChatEvent, error) {
	ev := &domain.ChatEvent{}
	err := s.db.QueryRow(ctx,
		`SELECT id, session_id, user_id, role, content, content_hash, metadata, created_at
		 FROM app.chat_events WHERE id = $1`,
		id,
	).Scan(&ev.ID, &ev.SessionID, &ev.UserID, &ev.Role, &ev.Content, &ev.ContentHash, &ev.Metadata, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ev, nil
}

func (s *ChatEventStore) Recent(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatEvent, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, session_id, user_id, role, content, content_hash, metadata, created_at
		 FROM (
			SELECT id, session_id, user_id, role, content, content_hash, metadata, created_at
			FROM app.chat_events
			WHERE session_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		 ) latest
		 ORDER BY created_at ASC, id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent chat events: %w", err)
	}
	defer rows.Close()

	var events []domain.ChatEvent
	for rows.Next() {
		var ev domain.ChatEvent
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.UserID, &ev.Role, &ev.Content, &ev.ContentHash, &ev.Metadata, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
