// ABOUTME: MongoDB implementation of the Store interface using the official mongo-driver
// ABOUTME: Keeps users, chat_rooms and messages collections with participant sets via $addToSet

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/2389/coven-rooms/internal/event"
)

// MongoConfig configures the MongoDB backend
type MongoConfig struct {
	URI      string
	Database string
}

// MongoStore implements the Store interface on MongoDB
type MongoStore struct {
	client   *mongo.Client
	users    *mongo.Collection
	rooms    *mongo.Collection
	messages *mongo.Collection
	logger   *slog.Logger
}

type userDoc struct {
	ID        string     `bson:"_id"`
	Username  string     `bson:"username"`
	Email     string     `bson:"email"`
	Password  string     `bson:"password"`
	Role      string     `bson:"role"`
	MCPSSEURL string     `bson:"mcp_sse_url,omitempty"`
	CreatedAt time.Time  `bson:"created_at"`
	LastLogin *time.Time `bson:"last_login,omitempty"`
}

type roomDoc struct {
	ID           string    `bson:"_id"`
	Name         string    `bson:"name"`
	CreatorID    string    `bson:"creator_id"`
	Participants []string  `bson:"participants"`
	IsPublic     bool      `bson:"is_public"`
	CreatedAt    time.Time `bson:"created_at"`
}

type messageDoc struct {
	ID             string          `bson:"_id"`
	RoomID         string          `bson:"room_id"`
	SenderID       string          `bson:"sender_id"`
	SenderUsername string          `bson:"sender_username"`
	Content        string          `bson:"content"`
	Mentions       []event.Mention `bson:"mentions"`
	CreatedAt      time.Time       `bson:"created_at"`
}

// NewMongoStore connects to MongoDB, verifies the connection and ensures indexes.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	logger := slog.Default().With("component", "store")

	if cfg.Database == "" {
		cfg.Database = "coven_rooms"
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(50).
		SetRetryWrites(true).
		SetRetryReads(true).
		SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &MongoStore{
		client:   client,
		users:    db.Collection("users"),
		rooms:    db.Collection("chat_rooms"),
		messages: db.Collection("messages"),
		logger:   logger,
	}

	if err := s.initIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	logger.Info("MongoDB store initialized", "database", cfg.Database)
	return s, nil
}

func (s *MongoStore) initIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true).SetName("username_unique")},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true).SetName("email_unique")},
		{Keys: bson.D{{Key: "role", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("users indexes: %w", err)
	}

	_, err = s.rooms.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "participants", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("chat_rooms indexes: %w", err)
	}

	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("messages indexes: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB
func (s *MongoStore) Close() error {
	s.logger.Info("closing MongoDB store")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func newObjectID() string {
	return primitive.NewObjectID().Hex()
}

func (d *userDoc) toUser() *User {
	return &User{
		ID:           d.ID,
		Username:     d.Username,
		Email:        d.Email,
		PasswordHash: d.Password,
		Role:         Role(d.Role),
		ToolEndpoint: d.MCPSSEURL,
		CreatedAt:    d.CreatedAt,
		LastLogin:    d.LastLogin,
	}
}

func (d *roomDoc) toRoom() *Room {
	participants := d.Participants
	if participants == nil {
		participants = []string{}
	}
	return &Room{
		ID:           d.ID,
		Name:         d.Name,
		CreatorID:    d.CreatorID,
		Participants: participants,
		IsPublic:     d.IsPublic,
		CreatedAt:    d.CreatedAt,
	}
}

// SaveMessage inserts a message document.
func (s *MongoStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = newObjectID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	mentions := msg.Mentions
	if mentions == nil {
		mentions = []event.Mention{}
	}

	_, err := s.messages.InsertOne(ctx, messageDoc{
		ID:             msg.ID,
		RoomID:         msg.RoomID,
		SenderID:       msg.SenderID,
		SenderUsername: msg.SenderUsername,
		Content:        msg.Content,
		Mentions:       mentions,
		CreatedAt:      msg.CreatedAt,
	})
	if err != nil {
		return unavailable("inserting message", err)
	}
	return nil
}

// GetRoomMessages returns up to limit messages, most recent first.
func (s *MongoStore) GetRoomMessages(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	limit = clampLimit(limit, DefaultMessageLimit)

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.messages.Find(ctx, bson.M{"room_id": roomID}, opts)
	if err != nil {
		return nil, unavailable("finding messages", err)
	}
	defer cursor.Close(ctx)

	messages := make([]*Message, 0)
	for cursor.Next(ctx) {
		var doc messageDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		messages = append(messages, &Message{
			ID:             doc.ID,
			RoomID:         doc.RoomID,
			SenderID:       doc.SenderID,
			SenderUsername: doc.SenderUsername,
			Content:        doc.Content,
			Mentions:       doc.Mentions,
			CreatedAt:      doc.CreatedAt,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, unavailable("iterating messages", err)
	}
	return messages, nil
}

// CreateRoom inserts a room document with the creator as first participant.
func (s *MongoStore) CreateRoom(ctx context.Context, room *Room) error {
	if room.ID == "" {
		room.ID = newObjectID()
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	if len(room.Participants) == 0 && room.CreatorID != "" {
		room.Participants = []string{room.CreatorID}
	}

	_, err := s.rooms.InsertOne(ctx, roomDoc{
		ID:           room.ID,
		Name:         room.Name,
		CreatorID:    room.CreatorID,
		Participants: room.Participants,
		IsPublic:     room.IsPublic,
		CreatedAt:    room.CreatedAt,
	})
	if err != nil {
		return unavailable("inserting room", err)
	}
	return nil
}

// GetRoom retrieves a room by id.
func (s *MongoStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	var doc roomDoc
	err := s.rooms.FindOne(ctx, bson.M{"_id": roomID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("finding room", err)
	}
	return doc.toRoom(), nil
}

// ListRoomsForUser returns rooms the user participates in, newest first.
func (s *MongoStore) ListRoomsForUser(ctx context.Context, userID string, limit int) ([]*Room, error) {
	limit = clampLimit(limit, DefaultRoomLimit)

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.rooms.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, unavailable("finding rooms", err)
	}
	defer cursor.Close(ctx)

	rooms := make([]*Room, 0)
	for cursor.Next(ctx) {
		var doc roomDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding room: %w", err)
		}
		rooms = append(rooms, doc.toRoom())
	}
	if err := cursor.Err(); err != nil {
		return nil, unavailable("iterating rooms", err)
	}
	return rooms, nil
}

// GetRoomParticipants returns the participant ids of a room.
func (s *MongoStore) GetRoomParticipants(ctx context.Context, roomID string) ([]string, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.Participants, nil
}

// AddParticipant adds userID to the room's participant set.
func (s *MongoStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	res, err := s.rooms.UpdateOne(ctx,
		bson.M{"_id": roomID},
		bson.M{"$addToSet": bson.M{"participants": userID}},
	)
	if err != nil {
		return unavailable("adding participant", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateUser inserts a user document, mapping unique index violations.
func (s *MongoStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = newObjectID()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.Role == "" {
		user.Role = RoleUser
	}

	_, err := s.users.InsertOne(ctx, userDoc{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Password:  user.PasswordHash,
		Role:      string(user.Role),
		MCPSSEURL: user.ToolEndpoint,
		CreatedAt: user.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if strings.Contains(err.Error(), "email") {
				return ErrDuplicateEmail
			}
			return ErrDuplicateUser
		}
		return unavailable("inserting user", err)
	}
	return nil
}

func (s *MongoStore) findUser(ctx context.Context, filter bson.M) (*User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("finding user", err)
	}
	return doc.toUser(), nil
}

// GetUser retrieves a user by id.
func (s *MongoStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

// GetUserByUsername retrieves a user by username.
func (s *MongoStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.findUser(ctx, bson.M{"username": username})
}

// GetUserByEmail retrieves a user by email.
func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.findUser(ctx, bson.M{"email": email})
}

func (s *MongoStore) findUsers(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*User, error) {
	cursor, err := s.users.Find(ctx, filter, opts)
	if err != nil {
		return nil, unavailable("finding users", err)
	}
	defer cursor.Close(ctx)

	users := make([]*User, 0)
	for cursor.Next(ctx) {
		var doc userDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding user: %w", err)
		}
		users = append(users, doc.toUser())
	}
	if err := cursor.Err(); err != nil {
		return nil, unavailable("iterating users", err)
	}
	return users, nil
}

// GetUsersByIDs returns the users whose ids are listed.
func (s *MongoStore) GetUsersByIDs(ctx context.Context, ids []string) ([]*User, error) {
	if len(ids) == 0 {
		return []*User{}, nil
	}
	return s.findUsers(ctx, bson.M{"_id": bson.M{"$in": ids}}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
}

// GetUsersByRole returns every user with the given role.
func (s *MongoStore) GetUsersByRole(ctx context.Context, role Role) ([]*User, error) {
	return s.findUsers(ctx, bson.M{"role": string(role)}, options.Find().SetSort(bson.D{{Key: "username", Value: 1}}))
}

// SearchUsers finds users whose username contains query.
func (s *MongoStore) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*User, error) {
	limit = clampLimit(limit, 20)
	filter := bson.M{
		"username": bson.M{"$regex": primitive.Regex{Pattern: regexp.QuoteMeta(query), Options: "i"}},
		"_id":      bson.M{"$ne": excludeID},
	}
	opts := options.Find().SetSort(bson.D{{Key: "username", Value: 1}}).SetLimit(int64(limit))
	return s.findUsers(ctx, filter, opts)
}

// TouchLastLogin records a successful login.
func (s *MongoStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.users.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"last_login": at.UTC()}})
	if err != nil {
		return unavailable("updating last_login", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes the user document and pulls the id from every room.
func (s *MongoStore) DeleteUser(ctx context.Context, id string) error {
	res, err := s.users.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return unavailable("deleting user", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	_, err = s.rooms.UpdateMany(ctx,
		bson.M{"participants": id},
		bson.M{"$pull": bson.M{"participants": id}},
	)
	if err != nil {
		return unavailable("removing memberships", err)
	}
	return nil
}
