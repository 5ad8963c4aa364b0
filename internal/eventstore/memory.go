package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
)

// DefaultStreamCapacity bounds retained events per stream in the memory
// store. Older events fall off; clients further behind than this resume
// with a fresh stream.
const DefaultStreamCapacity = 1024

// MemoryStore is the non-durable Store: a per-stream ring of recent
// events. It is the default for single-process deployments and the
// fallback when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	capacity int
	streams  map[string][]Event
	byEvent  map[int64]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a memory store retaining up to capacity events
// per stream. Non-positive capacity selects the default.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultStreamCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		streams:  make(map[string][]Event),
		byEvent:  make(map[int64]string),
	}
}

// Append stores the payload on the stream and returns its id.
func (m *MemoryStore) Append(ctx context.Context, streamID string, payload []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if streamID == "" {
		return 0, storage.NewError(storage.KindInvalidInput, "stream id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	ev := Event{
		ID:        m.nextID,
		StreamID:  streamID,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now().UTC(),
	}

	events := append(m.streams[streamID], ev)
	if len(events) > m.capacity {
		evicted := events[0]
		delete(m.byEvent, evicted.ID)
		events = events[1:]
	}
	m.streams[streamID] = events
	m.byEvent[ev.ID] = streamID
	return ev.ID, nil
}

// StreamForEvent returns the stream a retained event belongs to.
func (m *MemoryStore) StreamForEvent(ctx context.Context, eventID int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	streamID, ok := m.byEvent[eventID]
	if !ok {
		return "", storage.NewError(storage.KindEntityNotFound, "event %d not found", eventID)
	}
	return streamID, nil
}

// ReplayAfter sends retained events of the anchor's stream with ids
// greater than lastEventID, in order.
func (m *MemoryStore) ReplayAfter(ctx context.Context, lastEventID int64, send func(Event) error) error {
	m.mu.RLock()
	streamID, ok := m.byEvent[lastEventID]
	var pending []Event
	if ok {
		for _, ev := range m.streams[streamID] {
			if ev.ID > lastEventID {
				pending = append(pending, ev)
			}
		}
	}
	m.mu.RUnlock()

	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := send(ev); err != nil {
			return err
		}
	}
	return nil
}

// DropStream discards the stream's events.
func (m *MemoryStore) DropStream(ctx context.Context, streamID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.streams[streamID] {
		delete(m.byEvent, ev.ID)
	}
	delete(m.streams, streamID)
	return nil
}

// PurgeBefore discards events created before the cutoff.
func (m *MemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for streamID, events := range m.streams {
		kept := events[:0]
		for _, ev := range events {
			if ev.CreatedAt.Before(cutoff) {
				delete(m.byEvent, ev.ID)
				purged++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(m.streams, streamID)
			continue
		}
		m.streams[streamID] = kept
	}
	return purged, nil
}
