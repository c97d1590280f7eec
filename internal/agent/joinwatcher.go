// ABOUTME: Room-join watcher: turns room entries into durable participant records
// ABOUTME: Also pulls auto-join agents into every room someone enters

package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/coven-rooms/internal/event"
	"github.com/2389/coven-rooms/internal/store"
)

const joinTimeout = 5 * time.Second

// RoomMembership is the room storage the watcher needs.
type RoomMembership interface {
	GetRoom(ctx context.Context, roomID string) (*store.Room, error)
	AddParticipant(ctx context.Context, roomID, userID string) error
}

// AutoJoiners reports agents that follow users into rooms.
type AutoJoiners interface {
	AutoJoinAgents() []string
}

// JoinWatcher consumes EnterRoom tuples. Processing is idempotent.
type JoinWatcher struct {
	rooms  RoomMembership
	agents AutoJoiners
	events <-chan event.EnterRoom
	logger *slog.Logger
}

// NewJoinWatcher creates a watcher. agents may be nil.
func NewJoinWatcher(rooms RoomMembership, agents AutoJoiners, events <-chan event.EnterRoom, logger *slog.Logger) *JoinWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &JoinWatcher{
		rooms:  rooms,
		agents: agents,
		events: events,
		logger: logger.With("component", "join_watcher"),
	}
}

// Run processes tuples until ctx is cancelled or the channel is closed.
func (w *JoinWatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-w.events:
			if !ok {
				return nil
			}
			w.handle(ctx, e)
		}
	}
}

func (w *JoinWatcher) handle(ctx context.Context, e event.EnterRoom) {
	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	room, err := w.rooms.GetRoom(ctx, e.RoomID)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("enter-room for unknown room", "room_id", e.RoomID, "user_id", e.UserID)
		return
	}
	if err != nil {
		w.logger.Error("loading room", "room_id", e.RoomID, "error", err)
		return
	}

	joining := []string{e.UserID}
	if w.agents != nil {
		joining = append(joining, w.agents.AutoJoinAgents()...)
	}

	for _, userID := range joining {
		if room.HasParticipant(userID) {
			continue
		}
		if err := w.rooms.AddParticipant(ctx, e.RoomID, userID); err != nil {
			w.logger.Error("adding participant", "room_id", e.RoomID, "user_id", userID, "error", err)
			continue
		}
		room.Participants = append(room.Participants, userID)
		w.logger.Info("participant joined room", "room_id", e.RoomID, "user_id", userID)
	}
}
