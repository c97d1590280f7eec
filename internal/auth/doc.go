// Package auth provides authentication for coven-rooms.
//
// # Tokens
//
// Users log in with a username and password (bcrypt hashes, see HashPassword)
// and receive an HS256 JWT whose "sub" claim is their user id. Tokens live
// for DefaultTokenTTL unless auth.token_ttl says otherwise.
//
// # HTTP
//
// HTTPAuthMiddleware reads the token from "Authorization: Bearer <token>" or,
// for browser EventSource connections that cannot set headers, from the
// token query parameter. The user must still exist; the resolved identity is
// attached with WithAuth and read back with FromContext or MustFromContext.
package auth
