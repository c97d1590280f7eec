// Package store provides persistence for users, rooms and chat messages.
//
// # Architecture
//
// Consumers depend on the narrowest interface they need:
//
//   - MessageStore: SaveMessage and GetRoomMessages, used by the broadcaster and agents
//   - RoomStore: rooms and their participant sets
//   - UserStore: registered users, including agents (role llm or mcp)
//
// Store combines all three. Two backends implement it:
//
//   - SQLiteStore: modernc.org/sqlite with WAL mode, the default
//   - MongoStore: users, chat_rooms and messages collections
//
// # Ordering
//
// GetRoomMessages returns the newest messages first. SQLite breaks created_at
// ties with an insertion sequence so concurrent senders in one room read back
// in the order they were persisted.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateUser, ErrDuplicateEmail: unique constraint violations
//   - ErrUnavailable: backend failure, wrapped with the operation name
//
// # Testing
//
// Use NewMockStore() for unit tests. It can inject SaveMessage failures and
// records every saved message. Use NewSQLiteStore(":memory:") for tests that
// need real SQL.
package store
