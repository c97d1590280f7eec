// ABOUTME: Room presence registry mapping rooms to live subscriber queues
// ABOUTME: Subscribe/Unsubscribe/Deliver with bounded per-subscriber queues and enter-room notifications

package presence

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-rooms/internal/event"
)

const (
	// DefaultQueueSize is the per-subscriber buffer when none is configured.
	DefaultQueueSize = 64

	// DefaultEnterRoomBuffer is the enter-room channel buffer when none is configured.
	DefaultEnterRoomBuffer = 256
)

// DropRecorder is notified when an event is dropped because a queue is full.
type DropRecorder interface {
	EventDropped(queue string)
}

// Options configures a Registry.
type Options struct {
	QueueSize       int
	EnterRoomBuffer int
	Drops           DropRecorder
	Logger          *slog.Logger
}

// Subscription is a borrowed handle on one subscriber queue.
type Subscription struct {
	id       string
	userID   string
	roomID   string
	ch       chan *event.ChatEvent
	registry *Registry
}

// Events returns the receive side of the queue. It is closed when the
// subscription is released or replaced by a reconnect.
func (s *Subscription) Events() <-chan *event.ChatEvent { return s.ch }

// UserID returns the subscribing user.
func (s *Subscription) UserID() string { return s.userID }

// RoomID returns the subscribed room.
func (s *Subscription) RoomID() string { return s.roomID }

// Close releases the subscription if it is still the active entry for its
// (user, room) pair. Safe to call more than once.
func (s *Subscription) Close() {
	s.registry.release(s)
}

// Registry tracks which users are present in which rooms, one queue per
// (user, room) pair.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]*Subscription // roomID -> userID -> sub
	queueSize int
	enter     chan event.EnterRoom
	closed    bool
	drops     DropRecorder
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	enterBuf := opts.EnterRoomBuffer
	if enterBuf <= 0 {
		enterBuf = DefaultEnterRoomBuffer
	}
	return &Registry{
		rooms:     make(map[string]map[string]*Subscription),
		queueSize: queueSize,
		enter:     make(chan event.EnterRoom, enterBuf),
		drops:     opts.Drops,
		logger:    logger.With("component", "presence"),
	}
}

// Subscribe registers userID in roomID and returns a fresh queue. An existing
// subscription for the same pair is replaced and its queue closed. An
// EnterRoom tuple is emitted when the pair was not already present.
func (r *Registry) Subscribe(userID, roomID string) *Subscription {
	sub := &Subscription{
		id:       uuid.New().String(),
		userID:   userID,
		roomID:   roomID,
		ch:       make(chan *event.ChatEvent, r.queueSize),
		registry: r,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(sub.ch)
		return sub
	}

	users, ok := r.rooms[roomID]
	if !ok {
		users = make(map[string]*Subscription)
		r.rooms[roomID] = users
	}
	prev, replaced := users[userID]
	if replaced {
		close(prev.ch)
	}
	users[userID] = sub

	if !replaced {
		select {
		case r.enter <- event.EnterRoom{UserID: userID, RoomID: roomID}:
		default:
			r.logger.Warn("enter-room queue full, dropping notification",
				"user_id", userID,
				"room_id", roomID)
			r.recordDrop("enter_room")
		}
	}
	subscribers := len(users)
	r.mu.Unlock()

	r.logger.Debug("subscriber added",
		"user_id", userID,
		"room_id", roomID,
		"replaced", replaced,
		"room_subscribers", subscribers)

	return sub
}

// Unsubscribe removes the user's queue from the room. No-op when absent.
func (r *Registry) Unsubscribe(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.rooms[roomID]
	if !ok {
		return
	}
	sub, ok := users[userID]
	if !ok {
		return
	}
	r.removeLocked(users, sub)
}

func (r *Registry) release(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.rooms[sub.roomID]
	if !ok {
		return
	}
	current, ok := users[sub.userID]
	if !ok || current.id != sub.id {
		return
	}
	r.removeLocked(users, sub)
}

// removeLocked must be called with mu held for writing.
func (r *Registry) removeLocked(users map[string]*Subscription, sub *Subscription) {
	delete(users, sub.userID)
	close(sub.ch)

	if len(users) == 0 {
		delete(r.rooms, sub.roomID)
	}

	r.logger.Debug("subscriber removed",
		"user_id", sub.userID,
		"room_id", sub.roomID)
}

// Deliver pushes ev onto every queue registered for roomID at the time of
// the call. Sends never block; a full queue loses the event for that
// subscriber only.
func (r *Registry) Deliver(roomID string, ev *event.ChatEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for userID, sub := range r.rooms[roomID] {
		select {
		case sub.ch <- ev:
		default:
			r.logger.Warn("dropped event for slow subscriber",
				"room_id", roomID,
				"user_id", userID,
				"event_id", ev.ID())
			r.recordDrop("subscriber")
		}
	}
}

// EnterRoomEvents returns the stream of newly attached (user, room) pairs.
func (r *Registry) EnterRoomEvents() <-chan event.EnterRoom {
	return r.enter
}

// HasRoom reports whether roomID has at least one subscriber.
func (r *Registry) HasRoom(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Subscribers returns the sorted user ids currently present in roomID.
func (r *Registry) Subscribers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := r.rooms[roomID]
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RoomCount returns the number of rooms with live subscribers.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Close closes every subscriber queue and the enter-room stream.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for roomID, users := range r.rooms {
		for userID, sub := range users {
			close(sub.ch)
			delete(users, userID)
		}
		delete(r.rooms, roomID)
	}
	close(r.enter)

	r.logger.Debug("presence registry closed")
}

func (r *Registry) recordDrop(queue string) {
	if r.drops != nil {
		r.drops.EventDropped(queue)
	}
}
