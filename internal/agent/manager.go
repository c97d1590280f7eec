// ABOUTME: Owns the lifecycle of LLM agent workers
// ABOUTME: Register ensures the agent's user row, subscribes it to the fan-out and starts its worker

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-rooms/internal/completion"
	"github.com/2389/coven-rooms/internal/conversation"
	"github.com/2389/coven-rooms/internal/event"
	"github.com/2389/coven-rooms/internal/store"
)

// ErrAgentAlreadyRegistered indicates an agent with the same name is already running.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrNotAnAgent is returned when the agent name belongs to a non-LLM user.
var ErrNotAnAgent = errors.New("username belongs to a non-agent user")

// ErrManagerClosed is returned by Register after Close.
var ErrManagerClosed = errors.New("agent manager closed")

// Spec describes one LLM agent.
type Spec struct {
	Name            string
	SystemPrompt    string
	AutoJoin        bool
	HistoryWindow   int
	ReactionTimeout time.Duration
	ExtraTools      []completion.Tool
}

// Info is the public view of a running agent.
type Info struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	AutoJoin  bool      `json:"auto_join"`
	StartedAt time.Time `json:"started_at"`
}

// EventSubscriber hands out per-agent event queues.
type EventSubscriber interface {
	Subscribe(agentID string) (<-chan *event.ChatEvent, error)
	Unsubscribe(agentID string)
}

// AgentUsers is the user storage the manager needs.
type AgentUsers interface {
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	CreateUser(ctx context.Context, user *store.User) error
}

type runningAgent struct {
	info   Info
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager coordinates every agent worker.
type Manager struct {
	mu      sync.RWMutex
	agents  map[string]*runningAgent // keyed by agent name
	pending map[string]struct{}      // names whose Register is resolving the user
	closed  bool

	events          EventSubscriber
	users           AgentUsers
	deps            WorkerDeps
	toolConcurrency int

	baseCtx    context.Context
	cancelBase context.CancelFunc
	logger     *slog.Logger
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Events          EventSubscriber
	Users           AgentUsers
	Worker          WorkerDeps
	ToolConcurrency int
	Logger          *slog.Logger
}

// NewManager creates a Manager. Workers live until Unregister or Close.
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Worker.Logger == nil {
		opts.Worker.Logger = logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		agents:          make(map[string]*runningAgent),
		pending:         make(map[string]struct{}),
		events:          opts.Events,
		users:           opts.Users,
		deps:            opts.Worker,
		toolConcurrency: opts.ToolConcurrency,
		baseCtx:         ctx,
		cancelBase:      cancel,
		logger:          logger.With("component", "agent_manager"),
	}
}

// Register starts a worker for spec. The agent's user row (role llm) is
// created when missing.
func (m *Manager) Register(ctx context.Context, spec Spec) (*Info, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}

	// reserve the name; the user row is resolved without holding m.mu
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, exists := m.agents[spec.Name]; exists {
		m.mu.Unlock()
		return nil, ErrAgentAlreadyRegistered
	}
	if _, reserved := m.pending[spec.Name]; reserved {
		m.mu.Unlock()
		return nil, ErrAgentAlreadyRegistered
	}
	m.pending[spec.Name] = struct{}{}
	m.mu.Unlock()

	user, err := m.ensureUser(ctx, spec.Name)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, spec.Name)

	if err != nil {
		return nil, err
	}
	if m.closed {
		return nil, ErrManagerClosed
	}

	queue, err := m.events.Subscribe(user.ID)
	if errors.Is(err, conversation.ErrAlreadySubscribed) {
		return nil, ErrAgentAlreadyRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("subscribing agent: %w", err)
	}

	worker := NewWorker(WorkerConfig{
		Agent: LlmAgent{
			UserID:       user.ID,
			Username:     user.Username,
			SystemPrompt: spec.SystemPrompt,
		},
		HistoryWindow:   spec.HistoryWindow,
		ReactionTimeout: spec.ReactionTimeout,
		ToolConcurrency: m.toolConcurrency,
		ExtraTools:      spec.ExtraTools,
	}, m.deps, queue)

	workerCtx, cancel := context.WithCancel(m.baseCtx)
	ra := &runningAgent{
		info: Info{
			UserID:    user.ID,
			Name:      user.Username,
			AutoJoin:  spec.AutoJoin,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.agents[spec.Name] = ra

	go func() {
		defer close(ra.done)
		if err := worker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("agent worker stopped", "agent", spec.Name, "error", err)
		}
	}()

	m.logger.Info("=== AGENT STARTED ===",
		"agent", user.Username,
		"user_id", user.ID,
		"auto_join", spec.AutoJoin,
		"total_agents", len(m.agents),
	)

	info := ra.info
	return &info, nil
}

func (m *Manager) ensureUser(ctx context.Context, name string) (*store.User, error) {
	user, err := m.users.GetUserByUsername(ctx, name)
	if err == nil {
		if user.Role != store.RoleLLM {
			return nil, fmt.Errorf("%w: %s", ErrNotAnAgent, name)
		}
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up agent user: %w", err)
	}

	user = &store.User{
		Username: name,
		Email:    name + "@llm.com",
		Role:     store.RoleLLM,
	}
	if err := m.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("creating agent user: %w", err)
	}
	m.logger.Info("created agent user", "agent", name, "user_id", user.ID)
	return user, nil
}

// Unregister stops the named agent and waits for its worker to exit.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	ra, ok := m.agents[name]
	if ok {
		delete(m.agents, name)
	}
	remaining := len(m.agents)
	m.mu.Unlock()

	if !ok {
		return ErrAgentNotFound
	}

	ra.cancel()
	m.events.Unsubscribe(ra.info.UserID)
	<-ra.done

	m.logger.Info("=== AGENT STOPPED ===",
		"agent", name,
		"total_agents", remaining,
	)
	return nil
}

// Get returns the named agent.
func (m *Manager) Get(name string) (*Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ra, ok := m.agents[name]
	if !ok {
		return nil, ErrAgentNotFound
	}
	info := ra.info
	return &info, nil
}

// List returns every running agent sorted by name.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.agents))
	for _, ra := range m.agents {
		out = append(out, ra.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of running agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// AutoJoinAgents returns the user ids of agents that join every room entered.
func (m *Manager) AutoJoinAgents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for _, ra := range m.agents {
		if ra.info.AutoJoin {
			ids = append(ids, ra.info.UserID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close stops every worker and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	agents := m.agents
	m.agents = make(map[string]*runningAgent)
	m.mu.Unlock()

	m.cancelBase()
	for _, ra := range agents {
		m.events.Unsubscribe(ra.info.UserID)
		<-ra.done
	}
	m.logger.Info("agent manager closed", "stopped", len(agents))
}
