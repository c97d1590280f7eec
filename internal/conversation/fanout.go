// ABOUTME: Per-agent fan-out queues for persisted chat events
// ABOUTME: Every subscribed agent receives every published event exactly once, in publish order

package conversation

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/coven-rooms/internal/event"
)

// DefaultAgentQueueSize is the per-agent buffer used when none is configured.
const DefaultAgentQueueSize = 1024

// ErrAlreadySubscribed is returned when an agent id already has a queue.
var ErrAlreadySubscribed = errors.New("agent already subscribed")

// ErrFanoutClosed is returned when subscribing after Close.
var ErrFanoutClosed = errors.New("fanout closed")

// DropRecorder counts events discarded because a queue was full.
type DropRecorder interface {
	EventDropped(queue string)
}

// FanoutOptions configures a Fanout. Zero values select defaults.
type FanoutOptions struct {
	QueueSize int
	Drops     DropRecorder
	Logger    *slog.Logger
}

// Fanout gives each agent its own bounded queue. Publish copies the event
// into every queue, so agents never compete for events. A full queue drops
// the event for that agent only.
type Fanout struct {
	mu     sync.RWMutex
	queues map[string]chan *event.ChatEvent
	size   int
	closed bool
	drops  DropRecorder
	logger *slog.Logger
}

// NewFanout creates an empty Fanout.
func NewFanout(opts FanoutOptions) *Fanout {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultAgentQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Fanout{
		queues: make(map[string]chan *event.ChatEvent),
		size:   opts.QueueSize,
		drops:  opts.Drops,
		logger: opts.Logger.With("component", "fanout"),
	}
}

// Subscribe creates the queue for agentID. Events published before the call
// are not replayed.
func (f *Fanout) Subscribe(agentID string) (<-chan *event.ChatEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrFanoutClosed
	}
	if _, exists := f.queues[agentID]; exists {
		return nil, ErrAlreadySubscribed
	}

	ch := make(chan *event.ChatEvent, f.size)
	f.queues[agentID] = ch

	f.logger.Debug("agent queue added", "agent_id", agentID, "queue_size", f.size)
	return ch, nil
}

// Unsubscribe removes and closes the queue for agentID. Absent ids are ignored.
func (f *Fanout) Unsubscribe(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.queues[agentID]
	if !ok {
		return
	}
	delete(f.queues, agentID)
	close(ch)

	f.logger.Debug("agent queue removed", "agent_id", agentID)
}

// Publish enqueues ev for every subscribed agent without blocking.
// Sends happen under the read lock so a concurrent Unsubscribe cannot close
// a queue mid-send.
func (f *Fanout) Publish(ev *event.ChatEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for agentID, ch := range f.queues {
		select {
		case ch <- ev:
		default:
			f.logger.Warn("agent queue full, dropping event",
				"agent_id", agentID,
				"event_id", ev.ID(),
				"room_id", ev.RoomID())
			if f.drops != nil {
				f.drops.EventDropped("agent")
			}
		}
	}
}

// Close closes every queue. Later Subscribe calls fail and Publish is a no-op.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.queues {
		close(ch)
		delete(f.queues, id)
	}

	f.logger.Debug("fanout closed")
}
