// Package gateway wires the coven-rooms server together and serves its HTTP API.
//
// # Overview
//
// New opens the store and builds every component from configuration:
//
//   - presence.Registry: live (user, room) subscriber queues
//   - conversation.Fanout: one bounded queue per LLM agent
//   - conversation.Service: persist then broadcast, per-room ordering
//   - agent.Manager and agent.JoinWatcher: agent workers and auto-join
//   - toolproto.Connector: sessions with tool agents
//   - mcp.Server: the built-in tool server mounted at /mcp
//
// Nothing is held in package variables. Run serves HTTP on a TCP address or
// a tailnet listener and runs the join watcher; Shutdown closes everything
// in reverse dependency order.
//
// # HTTP API
//
// Public:
//
//   - GET /health, GET /health/ready
//   - GET /metrics (when metrics.enabled)
//   - POST /api/auth/register, POST /api/auth/login
//
// Authenticated with a bearer token (or ?token= for EventSource clients):
//
//   - GET /api/auth/me
//   - /api/chat_room/...: rooms, messages, invites, user search
//   - GET /api/chat_room/room_events/{id}: server-sent events
//   - GET /api/chat_room/room_transcript/{id}: HTML transcript
//   - GET /api/agents
//   - /api/mcp/...: register and call tool agents
//   - /mcp: built-in tool server
//
// Errors are JSON objects of the form {"error": "..."}.
//
// # Event Sessions
//
// Each room_events request subscribes the caller in the presence registry
// and forwards events as "event: message" frames until the client goes
// away, the subscription is replaced by a reconnect, or the server shuts
// down. The subscription is released on every exit path.
package gateway
