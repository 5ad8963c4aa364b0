package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/eventstore"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
)

// EventStore is the durable eventstore.Store over rpc_events. Stream ids
// are server-generated session ids, not tenant data, so access goes
// through the pool directly.
type EventStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ eventstore.Store = (*EventStore)(nil)

// NewEventStore returns an event store over the pool.
func NewEventStore(pool *pgxpool.Pool, logger *slog.Logger) *EventStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStore{pool: pool, logger: logger}
}

// Append stores the payload and returns the generated event id.
func (s *EventStore) Append(ctx context.Context, streamID string, payload []byte) (int64, error) {
	if streamID == "" {
		return 0, storage.NewError(storage.KindInvalidInput, "stream id is required")
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO rpc_events (stream_id, payload_json) VALUES ($1, $2) RETURNING id`,
		streamID, payload).Scan(&id)
	if err != nil {
		return 0, storage.WrapError(storage.KindIoError, err, "failed to append event")
	}
	return id, nil
}

// StreamForEvent returns the stream an event belongs to.
func (s *EventStore) StreamForEvent(ctx context.Context, eventID int64) (string, error) {
	var streamID string
	err := s.pool.QueryRow(ctx, `
SELECT stream_id FROM rpc_events WHERE id = $1`, eventID).Scan(&streamID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.NewError(storage.KindEntityNotFound, "event %d not found", eventID)
	}
	if err != nil {
		return "", storage.WrapError(storage.KindIoError, err, "failed to look up event %d", eventID)
	}
	return streamID, nil
}

// ReplayAfter streams stored events after the anchor, in id order. A
// purged or unknown anchor replays nothing.
func (s *EventStore) ReplayAfter(ctx context.Context, lastEventID int64, send func(eventstore.Event) error) error {
	rows, err := s.pool.Query(ctx, `
SELECT id, stream_id, payload_json, created_at
FROM rpc_events
WHERE stream_id = (SELECT stream_id FROM rpc_events WHERE id = $1)
  AND id > $1
ORDER BY id`, lastEventID)
	if err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to replay events")
	}
	defer rows.Close()

	for rows.Next() {
		var ev eventstore.Event
		if err := rows.Scan(&ev.ID, &ev.StreamID, &ev.Payload, &ev.CreatedAt); err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to scan event")
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		if err := send(ev); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to read events")
	}
	return nil
}

// DropStream discards the stream's events.
func (s *EventStore) DropStream(ctx context.Context, streamID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM rpc_events WHERE stream_id = $1`, streamID)
	if err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to drop stream %s", streamID)
	}
	return nil
}

// PurgeBefore discards events older than the cutoff.
func (s *EventStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rpc_events WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, storage.WrapError(storage.KindIoError, err, "failed to purge events")
	}
	return tag.RowsAffected(), nil
}
