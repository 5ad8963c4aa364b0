// Package eventstore persists per-session RPC events so a dropped SSE
// connection can resume exactly where it left off. Event ids increase
// monotonically across the whole store; replay is by id, strictly after
// the client's last seen event.
package eventstore

import (
	"context"
	"time"
)

// Event is one stored stream event.
type Event struct {
	ID        int64     `json:"id"`
	StreamID  string    `json:"streamId"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the persistence contract behind resumable streams. Append must
// complete before the event is handed to any client; a send that outruns
// its persistence cannot be replayed.
type Store interface {
	// Append stores the payload on the stream and returns the event id.
	Append(ctx context.Context, streamID string, payload []byte) (int64, error)

	// StreamForEvent returns the stream an event id belongs to.
	StreamForEvent(ctx context.Context, eventID int64) (string, error)

	// ReplayAfter sends, in order, every retained event of the anchor
	// event's stream with an id strictly greater than lastEventID. An
	// unknown or already purged anchor replays nothing.
	ReplayAfter(ctx context.Context, lastEventID int64, send func(Event) error) error

	// DropStream discards all events of one stream.
	DropStream(ctx context.Context, streamID string) error

	// PurgeBefore discards events created before the cutoff and reports
	// how many went away.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
