package rpc

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/eventstore"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/tenant"
)

const heartbeatInterval = 30 * time.Second

// handleSessionStream serves the session's event stream over SSE.
//
// A client that lost its connection reconnects with Last-Event-ID and
// receives every event persisted after that id before going live. Events
// are deduplicated by id, so the hand-off between replay and the live
// subscription cannot double-deliver.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	id, ok := tenant.FromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "missing tenant identity")
		return
	}
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, err := s.sessions.Get(sessionID, id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Resolve the replay anchor before committing to the stream. An anchor
	// that has been purged replays nothing; an anchor from some other
	// session is a client bug and gets rejected.
	var lastSent int64
	if raw := r.Header.Get(HeaderLastEventID); raw != "" {
		anchor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || anchor < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid Last-Event-ID")
			return
		}
		streamID, err := s.deps.Events.StreamForEvent(r.Context(), anchor)
		switch {
		case storage.IsEntityNotFound(err):
			// Purged or never existed. Skip replay, go live.
		case err != nil:
			s.writeError(w, http.StatusServiceUnavailable, "event store unavailable")
			return
		case streamID != sess.ID:
			s.writeError(w, http.StatusBadRequest, "Last-Event-ID belongs to another stream")
			return
		default:
			lastSent = anchor
		}
	}

	// Attach before answering so that once the client sees the status line
	// the live subscription already exists, and before replaying so nothing
	// falls between the two. Anything that lands in both replay and the
	// subscription is skipped by the id watermark below.
	ch, cancel := sess.Attach()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if lastSent > 0 {
		replayErr := s.deps.Events.ReplayAfter(r.Context(), lastSent, func(ev eventstore.Event) error {
			if err := writeSSEEvent(w, flusher, ev); err != nil {
				return err
			}
			lastSent = ev.ID
			return nil
		})
		if replayErr != nil {
			return
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				// Displaced by a newer subscriber or dropped for lagging.
				return
			}
			if ev.ID <= lastSent {
				continue
			}
			if err := writeSSEEvent(w, flusher, ev); err != nil {
				return
			}
			lastSent = ev.ID
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w io.Writer, flusher http.Flusher, ev eventstore.Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", ev.ID, ev.Payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
