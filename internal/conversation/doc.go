// Package conversation is the room broadcaster and the agent fan-out.
//
// # Service
//
// Every chat message goes through Service.SendMessage:
//
//  1. validate and claim the optional idempotency key
//  2. persist through store.MessageStore (detached 5s context)
//  3. build a message ChatEvent from the stored id, timestamp and mentions
//  4. deliver it to the room's live subscribers
//  5. publish it to every agent worker
//
// Steps 2 to 5 hold a per-room lock, so for one room the persisted order, the
// order each subscriber sees and the order each agent sees are the same.
// If persistence fails nothing is delivered.
//
// SendSystem delivers join and invite notices to subscribers only.
//
// # Fanout
//
// Fanout gives each agent its own bounded queue. Publish copies every event
// into every queue, so agents never compete for events. A full queue drops
// the event for that agent alone and reports it to the DropRecorder.
package conversation
