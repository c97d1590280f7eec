// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject failures

package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	users    map[string]*User      // keyed by user ID
	rooms    map[string]*Room      // keyed by room ID
	messages map[string][]*Message // keyed by room ID, oldest first

	saveErr   error
	saveCalls []*Message
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:    make(map[string]*User),
		rooms:    make(map[string]*Room),
		messages: make(map[string][]*Message),
	}
}

// SetSaveErr makes subsequent SaveMessage calls fail with err (nil clears it).
func (m *MockStore) SetSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// SaveCalls returns copies of every message passed to SaveMessage, in call order.
func (m *MockStore) SaveCalls() []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Message, len(m.saveCalls))
	for i, msg := range m.saveCalls {
		c := *msg
		out[i] = &c
	}
	return out
}

// SaveMessage stores a message, assigning ID and CreatedAt when empty.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	c := *msg
	c.Mentions = slices.Clone(msg.Mentions)
	m.messages[msg.RoomID] = append(m.messages[msg.RoomID], &c)
	m.saveCalls = append(m.saveCalls, &c)
	return nil
}

// GetRoomMessages returns up to limit messages, most recent first.
func (m *MockStore) GetRoomMessages(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit, DefaultMessageLimit)
	stored := m.messages[roomID]

	result := make([]*Message, 0, min(limit, len(stored)))
	for i := len(stored) - 1; i >= 0 && len(result) < limit; i-- {
		c := *stored[i]
		result = append(result, &c)
	}
	return result, nil
}

// CreateRoom stores a room, adding the creator as first participant.
func (m *MockStore) CreateRoom(ctx context.Context, room *Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if room.ID == "" {
		room.ID = uuid.New().String()
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	if len(room.Participants) == 0 && room.CreatorID != "" {
		room.Participants = []string{room.CreatorID}
	}

	c := *room
	c.Participants = slices.Clone(room.Participants)
	m.rooms[c.ID] = &c
	return nil
}

// GetRoom retrieves a room by ID.
func (m *MockStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	c.Participants = slices.Clone(r.Participants)
	return &c, nil
}

// ListRoomsForUser returns rooms the user participates in, newest first.
func (m *MockStore) ListRoomsForUser(ctx context.Context, userID string, limit int) ([]*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit, DefaultRoomLimit)
	rooms := make([]*Room, 0)
	for _, r := range m.rooms {
		if r.HasParticipant(userID) {
			c := *r
			c.Participants = slices.Clone(r.Participants)
			rooms = append(rooms, &c)
		}
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	if len(rooms) > limit {
		rooms = rooms[:limit]
	}
	return rooms, nil
}

// GetRoomParticipants returns the participant ids of a room.
func (m *MockStore) GetRoomParticipants(ctx context.Context, roomID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(r.Participants), nil
}

// AddParticipant adds userID to the room if absent.
func (m *MockStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	if !r.HasParticipant(userID) {
		r.Participants = append(r.Participants, userID)
	}
	return nil
}

// CreateUser stores a user, enforcing unique username and email.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Username == user.Username {
			return ErrDuplicateUser
		}
		if u.Email == user.Email {
			return ErrDuplicateEmail
		}
	}

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.Role == "" {
		user.Role = RoleUser
	}

	c := *user
	m.users[c.ID] = &c
	return nil
}

func (m *MockStore) findUser(match func(*User) bool) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if match(u) {
			c := *u
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// GetUser retrieves a user by id.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	return m.findUser(func(u *User) bool { return u.ID == id })
}

// GetUserByUsername retrieves a user by username.
func (m *MockStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return m.findUser(func(u *User) bool { return u.Username == username })
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return m.findUser(func(u *User) bool { return u.Email == email })
}

func (m *MockStore) filterUsers(match func(*User) bool) []*User {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*User, 0)
	for _, u := range m.users {
		if match(u) {
			c := *u
			users = append(users, &c)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users
}

// GetUsersByIDs returns the users whose ids are listed.
func (m *MockStore) GetUsersByIDs(ctx context.Context, ids []string) ([]*User, error) {
	return m.filterUsers(func(u *User) bool { return slices.Contains(ids, u.ID) }), nil
}

// GetUsersByRole returns every user with the given role.
func (m *MockStore) GetUsersByRole(ctx context.Context, role Role) ([]*User, error) {
	return m.filterUsers(func(u *User) bool { return u.Role == role }), nil
}

// SearchUsers finds users whose username contains query.
func (m *MockStore) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*User, error) {
	users := m.filterUsers(func(u *User) bool {
		return u.ID != excludeID && strings.Contains(u.Username, query)
	})
	limit = clampLimit(limit, 20)
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// TouchLastLogin records a successful login.
func (m *MockStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	u.LastLogin = &t
	return nil
}

// DeleteUser removes a user and drops them from every room.
func (m *MockStore) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	for _, r := range m.rooms {
		r.Participants = slices.DeleteFunc(r.Participants, func(p string) bool { return p == id })
	}
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
