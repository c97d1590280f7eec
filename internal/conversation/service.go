// ABOUTME: Room broadcaster: every chat message is persisted, delivered to the room, then fanned out to agents
// ABOUTME: Record first, then act. A per-room lock keeps store, subscriber and agent order identical

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-rooms/internal/dedupe"
	"github.com/2389/coven-rooms/internal/event"
	"github.com/2389/coven-rooms/internal/store"
)

// saveTimeout bounds persistence. The save runs on a context detached from
// the caller so a dropped HTTP request cannot abort a half-done send.
const saveTimeout = 5 * time.Second

// ErrInvalidMessage is returned when a send request is missing required fields.
var ErrInvalidMessage = errors.New("invalid message")

// ErrDuplicateMessage is returned when an idempotency key was already used.
var ErrDuplicateMessage = errors.New("duplicate message")

// DuplicateError carries the id of the message produced by the first send
// with the same idempotency key. MessageID is empty while that send is in flight.
type DuplicateError struct {
	MessageID string
}

func (e *DuplicateError) Error() string {
	if e.MessageID == "" {
		return "duplicate message: original send in progress"
	}
	return "duplicate message: already stored as " + e.MessageID
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicateMessage
}

// RoomDeliverer pushes events to the live subscribers of a room.
type RoomDeliverer interface {
	Deliver(roomID string, ev *event.ChatEvent)
}

// AgentPublisher hands events to every agent worker.
type AgentPublisher interface {
	Publish(ev *event.ChatEvent)
}

// MessageCounter observes broadcast outcomes.
type MessageCounter interface {
	MessageSent(kind string)
	MessageFailed(reason string)
}

// Option customizes a Service.
type Option func(*Service)

// WithIdempotency enables client idempotency keys backed by cache.
func WithIdempotency(cache *dedupe.Cache) Option {
	return func(s *Service) { s.keys = cache }
}

// WithMetrics reports broadcast outcomes to m.
func WithMetrics(m MessageCounter) Option {
	return func(s *Service) { s.metrics = m }
}

// Service is the room broadcaster.
type Service struct {
	store   store.MessageStore
	rooms   RoomDeliverer
	agents  AgentPublisher
	keys    *dedupe.Cache
	metrics MessageCounter
	locks   roomLocks
	logger  *slog.Logger
}

// New creates a broadcaster over the given store, presence registry and agent fan-out.
func New(messages store.MessageStore, rooms RoomDeliverer, agents AgentPublisher, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  messages,
		rooms:  rooms,
		agents: agents,
		locks:  roomLocks{locks: make(map[string]*roomLock)},
		logger: logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendRequest is one chat message to broadcast.
type SendRequest struct {
	RoomID     string
	SenderID   string
	SenderName string
	Content    string
	Mentions   []event.Mention

	// IdempotencyKey is an optional client-chosen id. A repeat within the
	// dedupe window is rejected with a DuplicateError.
	IdempotencyKey string
}

func (r *SendRequest) validate() error {
	switch {
	case r.RoomID == "":
		return fmt.Errorf("%w: room_id is required", ErrInvalidMessage)
	case r.SenderID == "":
		return fmt.Errorf("%w: sender_id is required", ErrInvalidMessage)
	case strings.TrimSpace(r.Content) == "":
		return fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	return nil
}

// SendMessage persists the message, delivers it to the room's subscribers and
// publishes it to every agent. The stored message is returned.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*store.Message, error) {
	if err := req.validate(); err != nil {
		s.count(func(m MessageCounter) { m.MessageFailed("invalid") })
		return nil, err
	}

	key := ""
	if req.IdempotencyKey != "" && s.keys != nil {
		key = req.RoomID + "\x00" + req.SenderID + "\x00" + req.IdempotencyKey
		if existing, claimed := s.keys.Claim(key); !claimed {
			s.count(func(m MessageCounter) { m.MessageFailed("duplicate") })
			return nil, &DuplicateError{MessageID: existing}
		}
	}

	unlock := s.locks.acquire(req.RoomID)
	defer unlock()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	msg := &store.Message{
		RoomID:         req.RoomID,
		SenderID:       req.SenderID,
		SenderUsername: req.SenderName,
		Content:        req.Content,
		Mentions:       normalizeMentions(req.Mentions),
	}
	if err := s.store.SaveMessage(saveCtx, msg); err != nil {
		if key != "" {
			s.keys.Release(key)
		}
		s.count(func(m MessageCounter) { m.MessageFailed("store") })
		return nil, fmt.Errorf("saving message: %w", err)
	}

	ev := event.NewMessage(event.Message{
		ID:             msg.ID,
		RoomID:         msg.RoomID,
		SenderID:       msg.SenderID,
		SenderUsername: msg.SenderUsername,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}, msg.Mentions)

	s.rooms.Deliver(msg.RoomID, ev)
	s.agents.Publish(ev)

	if key != "" {
		s.keys.Complete(key, msg.ID)
	}
	s.count(func(m MessageCounter) { m.MessageSent(string(event.KindMessage)) })

	s.logger.Debug("message broadcast",
		"message_id", msg.ID,
		"room_id", msg.RoomID,
		"sender_id", msg.SenderID,
		"mentions", len(msg.Mentions))

	return msg, nil
}

// SendSystem delivers a system notice to the room's subscribers. System
// events are neither persisted nor shown to agents.
func (s *Service) SendSystem(roomID, code, text, userID string) *event.ChatEvent {
	ev := event.NewSystem(event.System{
		RoomID:    roomID,
		Code:      code,
		Text:      text,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	})

	unlock := s.locks.acquire(roomID)
	s.rooms.Deliver(roomID, ev)
	unlock()

	s.count(func(m MessageCounter) { m.MessageSent(string(event.KindSystem)) })
	return ev
}

// History returns up to limit stored messages for a room, most recent first.
func (s *Service) History(ctx context.Context, roomID string, limit int) ([]*store.Message, error) {
	msgs, err := s.store.GetRoomMessages(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return msgs, nil
}

func (s *Service) count(fn func(MessageCounter)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}

// normalizeMentions drops empty ids and repeated users, keeping first-seen order.
func normalizeMentions(in []event.Mention) []event.Mention {
	out := make([]event.Mention, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, m := range in {
		if m.UserID == "" || seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		out = append(out, m)
	}
	return out
}

// roomLocks hands out one mutex per room, freed when no sender holds or waits on it.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func (l *roomLocks) acquire(roomID string) func() {
	l.mu.Lock()
	rl, ok := l.locks[roomID]
	if !ok {
		rl = &roomLock{}
		l.locks[roomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, roomID)
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
