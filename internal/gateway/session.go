// ABOUTME: Server-sent event session binding one HTTP response to a room subscription
// ABOUTME: The subscription is released on every exit path: disconnect, write error, panic or shutdown

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"slices"
	"time"

	"github.com/2389/coven-rooms/internal/auth"
	"github.com/2389/coven-rooms/internal/event"
	"github.com/2389/coven-rooms/internal/presence"
)

const (
	defaultKeepalive = 15 * time.Second
	sseEventName     = "message"
)

// handleRoomEvents streams the room's live events to a participant.
func (g *Gateway) handleRoomEvents(w http.ResponseWriter, r *http.Request) {
	room, ok := g.loadMemberRoom(w, r)
	if !ok {
		return
	}
	caller := auth.MustFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// a second tab for the same user replaces the first and is not a join
	rejoin := slices.Contains(g.registry.Subscribers(room.ID), caller.UserID)
	sub := g.registry.Subscribe(caller.UserID, room.ID)
	if !rejoin {
		g.conversation.SendSystem(room.ID, event.SystemJoined, caller.Username+" joined", caller.UserID)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &session{
		w:         w,
		flusher:   flusher,
		sub:       sub,
		keepalive: g.keepalive,
		gw:        g,
	}
	s.run(r.Context())

	if !slices.Contains(g.registry.Subscribers(room.ID), caller.UserID) {
		g.conversation.SendSystem(room.ID, event.SystemLeft, caller.Username+" left", caller.UserID)
	}
}

// session pumps one subscriber queue into one SSE response.
type session struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	sub       *presence.Subscription
	keepalive time.Duration
	gw        *Gateway
}

func (s *session) run(ctx context.Context) {
	logger := s.gw.logger.With("user_id", s.sub.UserID(), "room_id", s.sub.RoomID())

	defer s.sub.Close()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event session panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	logger.Info("event session opened")
	defer logger.Info("event session closed")

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.sub.Events():
			if !ok {
				// replaced by a reconnect or the registry closed
				return
			}
			if err := s.writeEvent(ev); err != nil {
				logger.Debug("event write failed, closing session", "error", err)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
				return
			}
			s.flusher.Flush()
		}
	}
}

// writeEvent writes a single SSE event and flushes it.
func (s *session) writeEvent(ev *event.ChatEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		s.gw.logger.Error("failed to marshal SSE data", "error", err)
		return nil
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\n", sseEventName); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
