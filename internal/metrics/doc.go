// Package metrics exposes Prometheus metrics for coven-rooms.
//
// Each gateway owns one Metrics value with its own registry, so tests and
// multiple gateways in one process never share collectors. Metrics satisfies
// the small recorder interfaces declared by presence, conversation and agent
// (EventDropped, MessageSent, MessageFailed, AgentReaction).
package metrics
