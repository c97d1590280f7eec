// ABOUTME: Tests for the agent manager wired to the real broadcaster and fan-out
// ABOUTME: Covers registration, the @bot scenario, mention routing and fan-out to every agent

package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-rooms/internal/conversation"
	"github.com/2389/coven-rooms/internal/event"
	"github.com/2389/coven-rooms/internal/presence"
	"github.com/2389/coven-rooms/internal/store"
)

type system struct {
	store     *store.MockStore
	registry  *presence.Registry
	fanout    *conversation.Fanout
	svc       *conversation.Service
	completer *fakeCompleter
	manager   *Manager
}

func newSystem(t *testing.T) *system {
	t.Helper()
	s := &system{
		store:     store.NewMockStore(),
		registry:  presence.NewRegistry(presence.Options{}),
		fanout:    conversation.NewFanout(conversation.FanoutOptions{}),
		completer: &fakeCompleter{},
	}
	s.svc = conversation.New(s.store, s.registry, s.fanout, nil)
	s.manager = NewManager(ManagerOptions{
		Events: s.fanout,
		Users:  s.store,
		Worker: WorkerDeps{
			Rooms:     s.store,
			Completer: s.completer,
			Sender:    s.svc,
		},
	})
	t.Cleanup(func() {
		s.manager.Close()
		s.fanout.Close()
		s.registry.Close()
	})
	return s
}

func (s *system) send(t *testing.T, content string, mentions ...string) {
	t.Helper()
	ms := make([]event.Mention, 0, len(mentions))
	for _, m := range mentions {
		ms = append(ms, event.Mention{UserID: m})
	}
	_, err := s.svc.SendMessage(t.Context(), conversation.SendRequest{
		RoomID:     "r1",
		SenderID:   "u1",
		SenderName: "alice",
		Content:    content,
		Mentions:   ms,
	})
	require.NoError(t, err)
}

func (s *system) repliesBy(senderID string) int {
	n := 0
	for _, m := range s.store.SaveCalls() {
		if m.SenderID == senderID {
			n++
		}
	}
	return n
}

func (s *system) registerWithID(t *testing.T, id, name string) {
	t.Helper()
	require.NoError(t, s.store.CreateUser(t.Context(), &store.User{
		ID:       id,
		Username: name,
		Email:    name + "@llm.com",
		Role:     store.RoleLLM,
	}))
	_, err := s.manager.Register(t.Context(), Spec{Name: name})
	require.NoError(t, err)
}

func TestManager_BotRepliesToMention(t *testing.T) {
	s := newSystem(t)
	s.registerWithID(t, "bot", "bot")

	s.send(t, "@bot help", "bot")

	require.Eventually(t, func() bool { return len(s.store.SaveCalls()) == 2 }, 2*time.Second, 10*time.Millisecond)
	calls := s.store.SaveCalls()
	assert.Equal(t, "u1", calls[0].SenderID)
	assert.Equal(t, "bot", calls[1].SenderID)
	assert.Equal(t, "r1", calls[1].RoomID)
	assert.Empty(t, calls[1].Mentions)

	// the bot sees its own reply but does not react to it
	assert.Never(t, func() bool { return len(s.completer.Calls()) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Len(t, s.completer.Calls(), 1)
}

func TestManager_OnlyMentionedAgentReacts(t *testing.T) {
	s := newSystem(t)
	s.registerWithID(t, "agent-a", "alpha")
	s.registerWithID(t, "agent-b", "beta")

	s.send(t, "@alpha what do you think", "agent-a")

	require.Eventually(t, func() bool { return s.repliesBy("agent-a") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return s.repliesBy("agent-b") > 0 || s.repliesBy("agent-a") > 1 },
		100*time.Millisecond, 10*time.Millisecond)
	assert.Len(t, s.completer.Calls(), 1)
}

func TestManager_EveryAgentSeesEveryMessage(t *testing.T) {
	s := newSystem(t)
	ids := []string{"agent-0", "agent-1", "agent-2"}
	for i, id := range ids {
		s.registerWithID(t, id, fmt.Sprintf("agent%d", i))
	}

	const messages = 5
	for i := range messages {
		s.send(t, fmt.Sprintf("@everyone round %d", i), ids...)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if s.repliesBy(id) != messages {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, s.completer.Calls(), messages*len(ids))
}

func TestManager_RegisterCreatesAgentUser(t *testing.T) {
	s := newSystem(t)

	info, err := s.manager.Register(t.Context(), Spec{Name: "helper", AutoJoin: true})
	require.NoError(t, err)
	assert.NotEmpty(t, info.UserID)
	assert.True(t, info.AutoJoin)

	u, err := s.store.GetUserByUsername(t.Context(), "helper")
	require.NoError(t, err)
	assert.Equal(t, store.RoleLLM, u.Role)
	assert.Equal(t, "helper@llm.com", u.Email)
	assert.Equal(t, info.UserID, u.ID)

	assert.Equal(t, []string{u.ID}, s.manager.AutoJoinAgents())
	_, err = s.fanout.Subscribe(u.ID)
	assert.ErrorIs(t, err, conversation.ErrAlreadySubscribed)
}

func TestManager_RegisterTwiceConflicts(t *testing.T) {
	s := newSystem(t)

	_, err := s.manager.Register(t.Context(), Spec{Name: "helper"})
	require.NoError(t, err)

	_, err = s.manager.Register(t.Context(), Spec{Name: "helper"})
	assert.ErrorIs(t, err, ErrAgentAlreadyRegistered)
	assert.Equal(t, 1, s.manager.Count())
}

func TestManager_RegisterRejectsHumanUsername(t *testing.T) {
	s := newSystem(t)
	require.NoError(t, s.store.CreateUser(t.Context(), &store.User{Username: "alice", Email: "alice@example.com", Role: store.RoleUser}))

	_, err := s.manager.Register(t.Context(), Spec{Name: "alice"})
	assert.ErrorIs(t, err, ErrNotAnAgent)
	assert.Zero(t, s.manager.Count())
}

func TestManager_UnregisterStopsWorker(t *testing.T) {
	s := newSystem(t)
	s.registerWithID(t, "bot", "bot")

	require.NoError(t, s.manager.Unregister("bot"))
	assert.ErrorIs(t, s.manager.Unregister("bot"), ErrAgentNotFound)

	_, err := s.manager.Get("bot")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	// the fan-out queue was released with the worker
	_, err = s.fanout.Subscribe("bot")
	require.NoError(t, err)

	s.send(t, "@bot anyone?", "bot")
	assert.Never(t, func() bool { return len(s.completer.Calls()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

// slowUsers blocks user lookups until release is closed.
type slowUsers struct {
	*store.MockStore
	entered chan struct{}
	release chan struct{}
}

func (s *slowUsers) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.MockStore.GetUserByUsername(ctx, username)
}

func TestManager_RegisterDoesNotBlockReaders(t *testing.T) {
	users := &slowUsers{
		MockStore: store.NewMockStore(),
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	fanout := conversation.NewFanout(conversation.FanoutOptions{})
	m := NewManager(ManagerOptions{Events: fanout, Users: users, Worker: WorkerDeps{Completer: &fakeCompleter{}}})
	t.Cleanup(func() {
		m.Close()
		fanout.Close()
	})

	registered := make(chan error, 1)
	go func() {
		_, err := m.Register(context.Background(), Spec{Name: "slow", AutoJoin: true})
		registered <- err
	}()

	select {
	case <-users.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("register never reached the store")
	}

	readers := make(chan struct{})
	go func() {
		m.Count()
		m.List()
		m.AutoJoinAgents()
		close(readers)
	}()
	select {
	case <-readers:
	case <-time.After(time.Second):
		t.Fatal("readers blocked behind a register in flight")
	}

	// a second register of the same name is refused while the first resolves
	_, err := m.Register(t.Context(), Spec{Name: "slow"})
	assert.ErrorIs(t, err, ErrAgentAlreadyRegistered)

	close(users.release)
	require.NoError(t, <-registered)
	assert.Equal(t, 1, m.Count())
}

func TestManager_ListAndGet(t *testing.T) {
	s := newSystem(t)

	_, err := s.manager.Register(t.Context(), Spec{Name: "zeta"})
	require.NoError(t, err)
	_, err = s.manager.Register(t.Context(), Spec{Name: "alpha"})
	require.NoError(t, err)

	list := s.manager.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "zeta", list[1].Name)

	info, err := s.manager.Get("zeta")
	require.NoError(t, err)
	assert.Equal(t, "zeta", info.Name)
}

func TestManager_CloseStopsEverything(t *testing.T) {
	s := newSystem(t)
	_, err := s.manager.Register(t.Context(), Spec{Name: "bot"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.manager.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.Equal(t, 0, s.manager.Count())
	_, err = s.manager.Register(context.Background(), Spec{Name: "late"})
	assert.ErrorIs(t, err, ErrManagerClosed)
}
