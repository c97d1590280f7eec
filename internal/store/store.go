// ABOUTME: Store interface and data types for coven-rooms persistence
// ABOUTME: Defines User, Room, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-rooms/internal/event"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when a username is already registered
var ErrDuplicateUser = errors.New("username already registered")

// ErrDuplicateEmail is returned when an email is already registered
var ErrDuplicateEmail = errors.New("email already registered")

// ErrUnavailable wraps transient backend failures. Retrying is the caller's concern.
var ErrUnavailable = errors.New("store unavailable")

// Role distinguishes human users from automated participants
type Role string

const (
	RoleUser Role = "user"
	RoleLLM  Role = "llm"
	RoleMCP  Role = "mcp"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleLLM, RoleMCP:
		return true
	}
	return false
}

// User is a registered participant. Agents are users with role llm or mcp.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	ToolEndpoint string // tool protocol URL, role mcp only
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// Room is a named channel with a durable participant list
type Room struct {
	ID           string
	Name         string
	CreatorID    string
	Participants []string
	IsPublic     bool
	CreatedAt    time.Time
}

// HasParticipant reports whether userID is in the participant list
func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is a persisted chat message
type Message struct {
	ID             string
	RoomID         string
	SenderID       string
	SenderUsername string
	Content        string
	Mentions       []event.Mention
	CreatedAt      time.Time
}

// Default and maximum limits for list queries
const (
	DefaultMessageLimit = 50
	DefaultRoomLimit    = 100
	MaxListLimit        = 1000
)

// clampLimit applies the default for non-positive limits and caps large ones
func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// MessageStore is the persistence surface used by the broadcaster and agents
type MessageStore interface {
	// SaveMessage persists msg, assigning ID and CreatedAt when empty
	SaveMessage(ctx context.Context, msg *Message) error
	// GetRoomMessages returns up to limit messages, most recent first
	GetRoomMessages(ctx context.Context, roomID string, limit int) ([]*Message, error)
}

// RoomStore manages rooms and their participants
type RoomStore interface {
	CreateRoom(ctx context.Context, room *Room) error
	GetRoom(ctx context.Context, roomID string) (*Room, error)
	ListRoomsForUser(ctx context.Context, userID string, limit int) ([]*Room, error)
	GetRoomParticipants(ctx context.Context, roomID string) ([]string, error)
	// AddParticipant is idempotent
	AddParticipant(ctx context.Context, roomID, userID string) error
}

// UserStore manages registered users and agents
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUsersByIDs(ctx context.Context, ids []string) ([]*User, error)
	GetUsersByRole(ctx context.Context, role Role) ([]*User, error)
	SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*User, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	// DeleteUser removes the user and their room memberships. Stored
	// messages keep the sender id and username they were sent with.
	DeleteUser(ctx context.Context, id string) error
}

// Store combines every persistence surface
type Store interface {
	MessageStore
	RoomStore
	UserStore

	// Close releases any resources held by the store
	Close() error
}
