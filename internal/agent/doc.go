// Package agent runs the automated participants of chat rooms.
//
// # Participants
//
// Participant is a closed variant over Human, LlmAgent and ToolAgent.
// FromUser maps a stored user to its variant by role. LLM agents react to
// mentions; tool agents expose tools over a remote endpoint.
//
// # Worker
//
// Each LLM agent runs a Worker bound to its own fan-out queue. For every
// message that mentions the agent, the worker:
//
//  1. lists the tools of the room's tool agents concurrently
//  2. loads recent room history
//  3. asks the completion collaborator for a reply
//  4. posts the reply through the room broadcaster, with no mentions
//
// Failures and panics are logged and the loop continues with the next event.
//
// # Manager
//
// Manager registers agents, ensures their user rows exist and owns worker
// lifecycles:
//
//	mgr := agent.NewManager(agent.ManagerOptions{Events: fanout, Users: store, Worker: deps})
//	info, err := mgr.Register(ctx, agent.Spec{Name: "bot", AutoJoin: true})
//
// # JoinWatcher
//
// JoinWatcher consumes EnterRoom tuples from the presence registry and adds
// the entering user, plus every auto-join agent, to the room's participants.
package agent
