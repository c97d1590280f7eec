// Package mcp is the built-in system tool server.
//
// It is a mark3labs/mcp-go server mounted at /mcp behind the usual JWT
// middleware, so any MCP client holding a room token can call it. The same
// tool definitions are offered to LLM agents configured with system_tools
// through CompletionTools.
//
// Tools:
//
//   - summary(content): returns content unchanged
//   - room_history(room_id, limit): recent messages, oldest first, as JSON
//   - room_participants(room_id): participant ids, usernames and roles
//
// Room tools refuse rooms the authenticated caller does not participate in.
package mcp
