// ABOUTME: Agent worker loop: reacts to mentions with a tool-augmented completion
// ABOUTME: Each worker drains its own fan-out queue; one bad event never stops the loop

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-rooms/internal/completion"
	"github.com/2389/coven-rooms/internal/conversation"
	"github.com/2389/coven-rooms/internal/event"
	"github.com/2389/coven-rooms/internal/store"
	"github.com/2389/coven-rooms/internal/toolproto"
)

// Defaults for worker behaviour.
const (
	DefaultHistoryWindow   = 10
	DefaultReactionTimeout = 2 * time.Minute
	DefaultToolConcurrency = 4
)

// Reaction outcomes reported to the ReactionRecorder.
const (
	OutcomeReplied = "replied"
	OutcomeEmpty   = "empty"
	OutcomeFailed  = "failed"
	OutcomePanic   = "panic"
)

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("empty reply")

// RoomReader is what a worker reads from storage while building a prompt.
type RoomReader interface {
	GetRoomParticipants(ctx context.Context, roomID string) ([]string, error)
	GetUsersByIDs(ctx context.Context, ids []string) ([]*store.User, error)
	GetRoomMessages(ctx context.Context, roomID string, limit int) ([]*store.Message, error)
}

// ToolSource lists tools offered by a tool agent endpoint.
type ToolSource interface {
	ListTools(ctx context.Context, endpoint string) ([]toolproto.Descriptor, error)
}

// Sender posts the agent's reply back through the room broadcaster.
type Sender interface {
	SendMessage(ctx context.Context, req conversation.SendRequest) (*store.Message, error)
}

// ReactionRecorder observes reaction outcomes.
type ReactionRecorder interface {
	AgentReaction(agent, outcome string)
}

// WorkerConfig is the per-agent behaviour.
type WorkerConfig struct {
	Agent           LlmAgent
	HistoryWindow   int
	ReactionTimeout time.Duration
	ToolConcurrency int
	// ExtraTools are always offered to the model, in addition to the
	// tools of tool agents present in the room.
	ExtraTools []completion.Tool
}

// WorkerDeps are the collaborators shared by every worker.
type WorkerDeps struct {
	Rooms     RoomReader
	Tools     ToolSource
	Completer completion.Completer
	Sender    Sender
	Metrics   ReactionRecorder
	Logger    *slog.Logger
}

// Worker runs one agent's reaction loop.
type Worker struct {
	cfg    WorkerConfig
	deps   WorkerDeps
	events <-chan *event.ChatEvent
	logger *slog.Logger
}

// NewWorker binds an agent to its event queue.
func NewWorker(cfg WorkerConfig, deps WorkerDeps, events <-chan *event.ChatEvent) *Worker {
	if cfg.HistoryWindow < 0 {
		cfg.HistoryWindow = 0
	}
	if cfg.ReactionTimeout <= 0 {
		cfg.ReactionTimeout = DefaultReactionTimeout
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = DefaultToolConcurrency
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		events: events,
		logger: logger.With("component", "agent_worker", "agent", cfg.Agent.Username),
	}
}

// Run processes events until ctx is cancelled or the queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		}
	}
}

// shouldReact filters out system events, the agent's own messages and
// messages that do not mention the agent.
func (w *Worker) shouldReact(ev *event.ChatEvent) bool {
	if ev.Kind() != event.KindMessage {
		return false
	}
	msg := ev.Message()
	if msg.SenderID == w.cfg.Agent.UserID {
		return false
	}
	return msg.Mentioned(w.cfg.Agent.UserID)
}

func (w *Worker) handle(ctx context.Context, ev *event.ChatEvent) {
	if !w.shouldReact(ev) {
		return
	}
	msg := ev.Message()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("reaction panicked",
				"message_id", msg.ID,
				"room_id", msg.RoomID,
				"panic", r,
				"stack", string(debug.Stack()))
			w.record(OutcomePanic)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, w.cfg.ReactionTimeout)
	defer cancel()

	start := time.Now()
	err := w.react(ctx, msg)
	switch {
	case errors.Is(err, ErrEmptyReply):
		w.logger.Warn("model returned an empty reply, nothing sent",
			"message_id", msg.ID,
			"room_id", msg.RoomID)
		w.record(OutcomeEmpty)
	case err != nil:
		w.logger.Error("reaction failed",
			"message_id", msg.ID,
			"room_id", msg.RoomID,
			"error", err)
		w.record(OutcomeFailed)
	default:
		w.logger.Info("replied to mention",
			"message_id", msg.ID,
			"room_id", msg.RoomID,
			"duration", time.Since(start))
		w.record(OutcomeReplied)
	}
}

func (w *Worker) react(ctx context.Context, msg event.Message) error {
	tools := w.gatherTools(ctx, msg.RoomID)

	history, err := w.history(ctx, msg)
	if err != nil {
		return err
	}

	resp, err := w.deps.Completer.Complete(ctx, completion.Request{
		System:   w.cfg.Agent.SystemPrompt,
		Messages: history,
		Tools:    tools,
	})
	if err != nil {
		return fmt.Errorf("completing: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return ErrEmptyReply
	}

	_, err = w.deps.Sender.SendMessage(ctx, conversation.SendRequest{
		RoomID:     msg.RoomID,
		SenderID:   w.cfg.Agent.UserID,
		SenderName: w.cfg.Agent.Username,
		Content:    text,
	})
	if err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	return nil
}

// gatherTools lists the tools of every tool agent in the room concurrently.
// Unreachable tool agents are logged and skipped. The first tool with a
// given name wins.
func (w *Worker) gatherTools(ctx context.Context, roomID string) []completion.Tool {
	tools := slices.Clone(w.cfg.ExtraTools)
	if w.deps.Tools == nil {
		return tools
	}

	providers, err := w.toolProviders(ctx, roomID)
	if err != nil {
		w.logger.Warn("resolving tool agents", "room_id", roomID, "error", err)
		return tools
	}
	if len(providers) == 0 {
		return tools
	}

	listed := make([][]toolproto.Descriptor, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.ToolConcurrency)
	for i, p := range providers {
		g.Go(func() error {
			descs, err := w.deps.Tools.ListTools(gctx, p.Endpoint)
			if err != nil {
				w.logger.Warn("tool agent unavailable, skipping",
					"tool_agent", p.Username,
					"endpoint", p.Endpoint,
					"error", err)
				return nil
			}
			listed[i] = descs
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		seen[t.Name] = true
	}
	for _, descs := range listed {
		for _, d := range descs {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			tools = append(tools, completion.Tool{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.FunctionParameters(),
			})
		}
	}
	return tools
}

func (w *Worker) toolProviders(ctx context.Context, roomID string) ([]ToolAgent, error) {
	ids, err := w.deps.Rooms.GetRoomParticipants(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("loading participants: %w", err)
	}
	users, err := w.deps.Rooms.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}

	var providers []ToolAgent
	for _, u := range users {
		p := FromUser(u)
		if !p.CanProvideTools() {
			continue
		}
		if tool, ok := p.(ToolAgent); ok {
			providers = append(providers, tool)
		}
	}
	return providers, nil
}

// history builds the prompt: recent room messages oldest first, ending
// with the triggering message.
func (w *Worker) history(ctx context.Context, trigger event.Message) ([]completion.Message, error) {
	var out []completion.Message

	if w.cfg.HistoryWindow > 0 {
		// one extra row so the trigger itself can be dropped from the window
		recent, err := w.deps.Rooms.GetRoomMessages(ctx, trigger.RoomID, w.cfg.HistoryWindow+1)
		if err != nil {
			return nil, fmt.Errorf("loading history: %w", err)
		}
		for i := len(recent) - 1; i >= 0; i-- {
			m := recent[i]
			if m.ID == trigger.ID {
				continue
			}
			out = append(out, w.promptMessage(m.SenderID, m.SenderUsername, m.Content))
		}
		if len(out) > w.cfg.HistoryWindow {
			out = out[len(out)-w.cfg.HistoryWindow:]
		}
	}

	out = append(out, w.promptMessage(trigger.SenderID, trigger.SenderUsername, trigger.Content))
	return out, nil
}

func (w *Worker) promptMessage(senderID, senderName, content string) completion.Message {
	if senderID == w.cfg.Agent.UserID {
		return completion.Message{Role: completion.RoleAssistant, Content: content}
	}
	if senderName == "" {
		senderName = senderID
	}
	return completion.Message{Role: completion.RoleUser, Content: senderName + ": " + content}
}

func (w *Worker) record(outcome string) {
	if w.deps.Metrics != nil {
		w.deps.Metrics.AgentReaction(w.cfg.Agent.Username, outcome)
	}
}
