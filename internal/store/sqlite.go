// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user/room/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-rooms/internal/event"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and serializes writers
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role          TEXT NOT NULL DEFAULT 'user',
			created_at    TEXT NOT NULL,
			last_login    TEXT,

			CHECK (role IN ('user', 'llm', 'mcp'))
		);

		CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);

		CREATE TABLE IF NOT EXISTS rooms (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			creator_id TEXT NOT NULL,
			is_public  INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS room_participants (
			room_id   TEXT NOT NULL,
			user_id   TEXT NOT NULL,
			joined_at TEXT NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user ON room_participants(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			room_id         TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			sender_username TEXT NOT NULL,
			content         TEXT NOT NULL,
			mentions_json   TEXT NOT NULL DEFAULT '[]',
			created_at      TEXT NOT NULL,
			seq             INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_messages_room_created
			ON messages(room_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies additive column changes to databases created by older versions
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "users",
			column: "tool_endpoint",
			apply:  `ALTER TABLE users ADD COLUMN tool_endpoint TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// unavailable wraps a backend error so callers can match ErrUnavailable
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// timeLayout is fixed width so text comparison in ORDER BY matches time
// order. RFC3339Nano trims trailing zeros and would not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// nullString converts empty strings to NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SaveMessage persists a message, assigning ID and CreatedAt when empty.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	mentions := msg.Mentions
	if mentions == nil {
		mentions = []event.Mention{}
	}
	mentionsJSON, err := json.Marshal(mentions)
	if err != nil {
		return fmt.Errorf("encoding mentions: %w", err)
	}

	// seq breaks created_at ties so newest-first ordering is stable
	query := `
		INSERT INTO messages (id, room_id, sender_id, sender_username, content, mentions_json, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages))
	`
	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		msg.RoomID,
		msg.SenderID,
		msg.SenderUsername,
		msg.Content,
		string(mentionsJSON),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return unavailable("inserting message", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "room_id", msg.RoomID, "sender_id", msg.SenderID)
	return nil
}

// GetRoomMessages returns up to limit messages for a room, most recent first.
func (s *SQLiteStore) GetRoomMessages(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	limit = clampLimit(limit, DefaultMessageLimit)

	query := `
		SELECT id, room_id, sender_id, sender_username, content, mentions_json, created_at
		FROM messages
		WHERE room_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, unavailable("querying messages", err)
	}
	defer rows.Close()

	messages := make([]*Message, 0)
	for rows.Next() {
		var msg Message
		var mentionsJSON, createdAtStr string

		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.SenderUsername, &msg.Content, &mentionsJSON, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		if err := json.Unmarshal([]byte(mentionsJSON), &msg.Mentions); err != nil {
			return nil, fmt.Errorf("decoding mentions: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// CreateRoom inserts a room and records its creator as the first participant.
func (s *SQLiteStore) CreateRoom(ctx context.Context, room *Room) error {
	if room.ID == "" {
		room.ID = uuid.New().String()
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	if len(room.Participants) == 0 && room.CreatorID != "" {
		room.Participants = []string{room.CreatorID}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rooms (id, name, creator_id, is_public, created_at) VALUES (?, ?, ?, ?, ?)`,
		room.ID, room.Name, room.CreatorID, room.IsPublic, formatTime(room.CreatedAt),
	)
	if err != nil {
		return unavailable("inserting room", err)
	}

	for i, userID := range room.Participants {
		// Offset join times so participant order survives the round trip
		joined := room.CreatedAt.Add(time.Duration(i) * time.Microsecond)
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO room_participants (room_id, user_id, joined_at) VALUES (?, ?, ?)`,
			room.ID, userID, formatTime(joined),
		)
		if err != nil {
			return unavailable("inserting participant", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing room", err)
	}

	s.logger.Debug("created room", "id", room.ID, "name", room.Name)
	return nil
}

// GetRoom retrieves a room with its participant list.
// Returns ErrNotFound if the room doesn't exist.
func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	var createdAtStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, creator_id, is_public, created_at FROM rooms WHERE id = ?`, roomID,
	).Scan(&room.ID, &room.Name, &room.CreatorID, &room.IsPublic, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying room", err)
	}

	room.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing room created_at: %w", err)
	}

	room.Participants, err = s.participants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *SQLiteStore) participants(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM room_participants WHERE room_id = ? ORDER BY joined_at ASC, rowid ASC`, roomID)
	if err != nil {
		return nil, unavailable("querying participants", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning participant row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participant rows: %w", err)
	}
	return ids, nil
}

// GetRoomParticipants returns the participant ids of a room.
// Returns ErrNotFound if the room doesn't exist.
func (s *SQLiteStore) GetRoomParticipants(ctx context.Context, roomID string) ([]string, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.Participants, nil
}

// AddParticipant adds userID to the room if not already present.
func (s *SQLiteStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE id = ?`, roomID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return unavailable("checking room", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO room_participants (room_id, user_id, joined_at) VALUES (?, ?, ?)`,
		roomID, userID, formatTime(time.Now()),
	)
	if err != nil {
		return unavailable("adding participant", err)
	}
	return nil
}

// ListRoomsForUser returns rooms the user participates in, newest first.
func (s *SQLiteStore) ListRoomsForUser(ctx context.Context, userID string, limit int) ([]*Room, error) {
	limit = clampLimit(limit, DefaultRoomLimit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id
		FROM rooms r
		JOIN room_participants p ON p.room_id = r.id
		WHERE p.user_id = ?
		ORDER BY r.created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, unavailable("querying rooms", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning room row: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating room rows: %w", err)
	}

	rooms := make([]*Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.GetRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

const userColumns = `id, username, email, password_hash, role, tool_endpoint, created_at, last_login`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var role, createdAtStr string
	var toolEndpoint, lastLogin sql.NullString

	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &toolEndpoint, &createdAtStr, &lastLogin); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	u.ToolEndpoint = toolEndpoint.String

	var err error
	u.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing user created_at: %w", err)
	}
	if lastLogin.Valid {
		t, err := parseTime(lastLogin.String)
		if err != nil {
			return nil, fmt.Errorf("parsing user last_login: %w", err)
		}
		u.LastLogin = &t
	}
	return &u, nil
}

// CreateUser inserts a user. Returns ErrDuplicateUser or ErrDuplicateEmail on conflicts.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.Role == "" {
		user.Role = RoleUser
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, tool_endpoint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		user.ID,
		user.Username,
		user.Email,
		user.PasswordHash,
		string(user.Role),
		nullString(user.ToolEndpoint),
		formatTime(user.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			if strings.Contains(err.Error(), "users.email") {
				return ErrDuplicateEmail
			}
			return ErrDuplicateUser
		}
		return unavailable("inserting user", err)
	}

	s.logger.Debug("created user", "id", user.ID, "username", user.Username, "role", user.Role)
	return nil
}

func (s *SQLiteStore) getUserBy(ctx context.Context, column, value string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + column + ` = ?`
	u, err := scanUser(s.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying user", err)
	}
	return u, nil
}

// GetUser retrieves a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUserBy(ctx, "id", id)
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUserBy(ctx, "username", username)
}

// GetUserByEmail retrieves a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUserBy(ctx, "email", email)
}

func (s *SQLiteStore) queryUsers(ctx context.Context, query string, args ...any) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("querying users", err)
	}
	defer rows.Close()

	users := make([]*User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

// GetUsersByIDs returns the users whose ids are listed. Unknown ids are skipped.
func (s *SQLiteStore) GetUsersByIDs(ctx context.Context, ids []string) ([]*User, error) {
	if len(ids) == 0 {
		return []*User{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE id IN (` + placeholders + `) ORDER BY created_at ASC`
	return s.queryUsers(ctx, query, args...)
}

// GetUsersByRole returns every user with the given role.
func (s *SQLiteStore) GetUsersByRole(ctx context.Context, role Role) ([]*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE role = ? ORDER BY username ASC`
	return s.queryUsers(ctx, query, string(role))
}

// SearchUsers finds users whose username contains query, excluding excludeID.
func (s *SQLiteStore) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*User, error) {
	limit = clampLimit(limit, 20)
	pattern := "%" + escapeLike(query) + "%"
	q := `SELECT ` + userColumns + ` FROM users
		WHERE username LIKE ? ESCAPE '\' AND id != ?
		ORDER BY username ASC
		LIMIT ?`
	return s.queryUsers(ctx, q, pattern, excludeID, limit)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// TouchLastLogin records a successful login.
func (s *SQLiteStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return unavailable("updating last_login", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("checking rows affected", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes a user and their room memberships in one transaction.
func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return unavailable("deleting user", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("checking rows affected", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM room_participants WHERE user_id = ?`, id); err != nil {
		return unavailable("deleting memberships", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("committing user delete", err)
	}

	s.logger.Debug("deleted user", "id", id)
	return nil
}
