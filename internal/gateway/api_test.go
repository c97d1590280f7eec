// ABOUTME: Tests for the HTTP API, event sessions and gateway wiring
// ABOUTME: Runs the real router over a MockStore with a fake completion client

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-rooms/internal/auth"
	"github.com/2389/coven-rooms/internal/completion"
	"github.com/2389/coven-rooms/internal/config"
	"github.com/2389/coven-rooms/internal/event"
	"github.com/2389/coven-rooms/internal/mcp"
	"github.com/2389/coven-rooms/internal/store"
	"github.com/2389/coven-rooms/internal/toolproto"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

const baseConfig = `
auth:
  jwt_secret: "` + testSecret + `"
  admins: ["root", "bot"]
tools:
  timeout: 2s
`

type fakeCompleter struct {
	mu    sync.Mutex
	calls []completion.Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req completion.Request) (*completion.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return &completion.Response{Text: "happy to help"}, nil
}

func (f *fakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	gw        *Gateway
	store     *store.MockStore
	completer *fakeCompleter
	handler   http.Handler
}

func newHarness(t *testing.T, extraYAML string) *harness {
	t.Helper()
	cfg, err := config.Parse([]byte(baseConfig+extraYAML), false)
	require.NoError(t, err)

	h := &harness{
		store:     store.NewMockStore(),
		completer: &fakeCompleter{},
	}
	gw, err := build(t.Context(), cfg, h.store, h.completer, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	h.gw = gw
	h.handler = gw.httpServer.Handler
	return h
}

// user creates a human user directly in the store and returns its id and a token.
func (h *harness) user(t *testing.T, name string) (string, string) {
	t.Helper()
	hash, err := auth.HashPassword("pw-" + name)
	require.NoError(t, err)
	u := &store.User{Username: name, Email: name + "@example.com", PasswordHash: hash, Role: store.RoleUser}
	require.NoError(t, h.store.CreateUser(t.Context(), u))
	token, err := h.gw.verifier.Issue(u.ID)
	require.NoError(t, err)
	return u.ID, token
}

func (h *harness) room(t *testing.T, creatorID, name string) string {
	t.Helper()
	r := &store.Room{Name: name, CreatorID: creatorID, IsPublic: true}
	require.NoError(t, h.store.CreateRoom(t.Context(), r))
	return r.ID
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["error"]
}

func TestHealth(t *testing.T) {
	h := newHarness(t, "")

	rec := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = h.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no agents connected", rec.Body.String())
}

func TestHealthReady_WithAgents(t *testing.T) {
	h := newHarness(t, `
agents:
  - name: bot
`)
	rec := h.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (1 agents)", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, `
metrics:
  enabled: true
`)
	h.do(t, http.MethodGet, "/health", "", nil)

	rec := h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coven_rooms_http_requests_total")
	assert.Contains(t, rec.Body.String(), "coven_rooms_agents_running")
}

func TestRegisterAndLogin(t *testing.T) {
	h := newHarness(t, "")

	rec := h.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice", "email": "alice@example.com", "password": "secret",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "User created successfully", decode[map[string]string](t, rec)["message"])

	rec = h.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice", "email": "other@example.com", "password": "secret",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Username already registered", errorOf(t, rec))

	rec = h.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice2", "email": "alice@example.com", "password": "secret",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Email already registered", errorOf(t, rec))

	rec = h.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Incorrect username or password", errorOf(t, rec))

	rec = h.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "secret",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	tok := decode[map[string]string](t, rec)
	assert.Equal(t, "bearer", tok["token_type"])
	require.NotEmpty(t, tok["access_token"])

	rec = h.do(t, http.MethodGet, "/api/auth/me", tok["access_token"], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[map[string]any](t, rec)
	assert.Equal(t, "alice", me["username"])
	assert.NotContains(t, me, "password_hash")
	assert.NotNil(t, me["last_login"])
}

func TestLogin_AgentUserCannotLogIn(t *testing.T) {
	h := newHarness(t, `
agents:
  - name: bot
`)
	rec := h.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "bot", "password": "",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newHarness(t, "")

	for _, path := range []string{
		"/api/auth/me",
		"/api/chat_room/room_list",
		"/api/agents",
		"/api/mcp/servers",
	} {
		rec := h.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestCreateRoomAndList(t *testing.T) {
	h := newHarness(t, "")
	aliceID, token := h.user(t, "alice")
	_, bobToken := h.user(t, "bob")

	rec := h.do(t, http.MethodPost, "/api/chat_room/create_room", token, map[string]string{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/chat_room/create_room", token, map[string]string{"name": "general"})
	require.Equal(t, http.StatusCreated, rec.Code)
	room := decode[RoomResponse](t, rec)
	assert.Equal(t, "general", room.Name)
	assert.Equal(t, []string{aliceID}, room.Participants)
	assert.True(t, room.IsPublic)

	rec = h.do(t, http.MethodGet, "/api/chat_room/room_list", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rooms := decode[[]RoomResponse](t, rec)
	require.Len(t, rooms, 1)
	assert.Equal(t, room.ID, rooms[0].ID)

	rec = h.do(t, http.MethodGet, "/api/chat_room/room_list", bobToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]RoomResponse](t, rec))
}

func TestRoomInfo(t *testing.T) {
	h := newHarness(t, "")
	aliceID, token := h.user(t, "alice")
	roomID := h.room(t, aliceID, "general")

	rec := h.do(t, http.MethodGet, "/api/chat_room/room_info/missing", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Room not found", errorOf(t, rec))

	sub := h.gw.registry.Subscribe(aliceID, roomID)
	defer sub.Close()

	rec = h.do(t, http.MethodGet, "/api/chat_room/room_info/"+roomID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[RoomInfoResponse](t, rec)
	assert.Equal(t, map[string]string{aliceID: "alice"}, info.ParticipantUsers)
	assert.Equal(t, []string{aliceID}, info.Online)
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, "")
	aliceID, token := h.user(t, "alice")
	_, strangerToken := h.user(t, "mallory")
	roomID := h.room(t, aliceID, "general")
	path := "/api/chat_room/room_messages/" + roomID

	rec := h.do(t, http.MethodPost, path, strangerToken, map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "You are not a participant of this room", errorOf(t, rec))

	rec = h.do(t, http.MethodPost, "/api/chat_room/room_messages/missing", token, map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, path, token, map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, path, token, map[string]string{"content": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]string](t, rec)
	assert.Equal(t, "success", resp["status"])
	assert.NotEmpty(t, resp["id"])

	rec = h.do(t, http.MethodGet, path, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[[]MessageResponse](t, rec)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, aliceID, msgs[0].SenderID)
	assert.Equal(t, "alice", msgs[0].SenderUsername)

	rec = h.do(t, http.MethodGet, path+"?limit=zero", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, path, strangerToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSendMessage_DeliveredToEveryParticipant(t *testing.T) {
	h := newHarness(t, "")
	u1, token := h.user(t, "u1")
	u2, _ := h.user(t, "u2")
	roomID := h.room(t, u1, "r1")
	require.NoError(t, h.store.AddParticipant(t.Context(), roomID, u2))

	sub1 := h.gw.registry.Subscribe(u1, roomID)
	defer sub1.Close()
	sub2 := h.gw.registry.Subscribe(u2, roomID)
	defer sub2.Close()

	rec := h.do(t, http.MethodPost, "/api/chat_room/room_messages/"+roomID, token, map[string]string{"content": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	for _, sub := range []interface{ Events() <-chan *event.ChatEvent }{sub1, sub2} {
		select {
		case ev := <-sub.Events():
			require.Equal(t, event.KindMessage, ev.Kind())
			assert.Equal(t, "hello", ev.Message().Content)
			assert.Equal(t, u1, ev.Message().SenderID)
			assert.Equal(t, roomID, ev.Message().RoomID)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for message event")
		}
	}
}

func TestSendMessage_DropsMentionsOutsideRoom(t *testing.T) {
	h := newHarness(t, "")
	aliceID, token := h.user(t, "alice")
	outsiderID, _ := h.user(t, "outsider")
	roomID := h.room(t, aliceID, "general")

	rec := h.do(t, http.MethodPost, "/api/chat_room/room_messages/"+roomID, token, map[string]any{
		"content":  "@outsider @alice",
		"mentions": []event.Mention{{UserID: outsiderID}, {UserID: aliceID, Label: "alice"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	saved := h.store.SaveCalls()
	require.Len(t, saved, 1)
	assert.Equal(t, []event.Mention{{UserID: aliceID, Label: "alice"}}, saved[0].Mentions)
}

func TestSendMessage_DuplicateClientID(t *testing.T) {
	h := newHarness(t, "")
	aliceID, token := h.user(t, "alice")
	roomID := h.room(t, aliceID, "general")
	path := "/api/chat_room/room_messages/" + roomID
	body := map[string]string{"content": "hello", "client_id": "c-1"}

	rec := h.do(t, http.MethodPost, path, token, body)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[map[string]string](t, rec)["id"]

	rec = h.do(t, http.MethodPost, path, token, body)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, first, decode[map[string]string](t, rec)["message_id"])
	assert.Len(t, h.store.SaveCalls(), 1)
}

func TestSendMessage_RateLimited(t *testing.T) {
	h := newHarness(t, `
ratelimit:
  enabled: true
  messages_per_second: 0.01
  burst: 1
`)
	aliceID, token := h.user(t, "alice")
	roomID := h.room(t, aliceID, "general")
	path := "/api/chat_room/room_messages/" + roomID

	rec := h.do(t, http.MethodPost, path, token, map[string]string{"content": "one"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, path, token, map[string]string{"content": "two"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, h.store.SaveCalls(), 1)
}

func TestSendMessage_StoreFailure(t *testing.T) {
	h := newHarness(t, "")
	aliceID, token := h.user(t, "alice")
	roomID := h.room(t, aliceID, "general")
	h.store.SetSaveErr(fmt.Errorf("saving: %w", store.ErrUnavailable))

	rec := h.do(t, http.MethodPost, "/api/chat_room/room_messages/"+roomID, token, map[string]string{"content": "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInviteUser(t *testing.T) {
	h := newHarness(t, "")
	aliceID, token := h.user(t, "alice")
	bobID, _ := h.user(t, "bob")
	_, strangerToken := h.user(t, "mallory")
	roomID := h.room(t, aliceID, "general")
	path := "/api/chat_room/invite_user/" + roomID

	sub := h.gw.registry.Subscribe(aliceID, roomID)
	defer sub.Close()

	tests := []struct {
		name    string
		path    string
		token   string
		invitee string
		status  int
		errMsg  string
	}{
		{"unknown room", "/api/chat_room/invite_user/missing", token, "bob", http.StatusNotFound, "Room not found"},
		{"not a participant", path, strangerToken, "bob", http.StatusForbidden, "You are not a participant of this room"},
		{"unknown user", path, token, "nobody", http.StatusNotFound, "User not found"},
		{"already in room", path, token, "alice", http.StatusBadRequest, "User is already in the room"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, tt.path, tt.token, map[string]string{"username": tt.invitee})
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.errMsg, errorOf(t, rec))
		})
	}

	rec := h.do(t, http.MethodPost, path, token, map[string]string{"username": "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "User bob has been invited to the room", decode[map[string]string](t, rec)["message"])

	participants, err := h.store.GetRoomParticipants(t.Context(), roomID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{aliceID, bobID}, participants)

	select {
	case ev := <-sub.Events():
		require.Equal(t, event.KindSystem, ev.Kind())
		assert.Equal(t, event.SystemInvited, ev.System().Code)
		assert.Equal(t, bobID, ev.System().UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for invite event")
	}
}

func TestUserSearch(t *testing.T) {
	h := newHarness(t, "")
	_, token := h.user(t, "alice")
	h.user(t, "alicia")
	h.user(t, "bob")

	rec := h.do(t, http.MethodGet, "/api/chat_room/user/search", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/chat_room/user/search?username=ali", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decode[[]UserResponse](t, rec)
	require.Len(t, users, 1)
	assert.Equal(t, "alicia", users[0].Username)
}

func TestRoomTranscript(t *testing.T) {
	h := newHarness(t, "")
	aliceID, token := h.user(t, "alice")
	roomID := h.room(t, aliceID, "general")
	path := "/api/chat_room/room_messages/" + roomID

	h.do(t, http.MethodPost, path, token, map[string]string{"content": "first **bold**"})
	h.do(t, http.MethodPost, path, token, map[string]string{"content": "<script>alert(1)</script>"})

	rec := h.do(t, http.MethodGet, "/api/chat_room/room_transcript/"+roomID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	page := rec.Body.String()
	assert.Contains(t, page, "<h1>general</h1>")
	assert.Contains(t, page, "<strong>bold</strong>")
	assert.NotContains(t, page, "<script>")
	assert.Less(t, strings.Index(page, "first"), strings.Index(page, "raw HTML omitted"))
}

func TestListAgents(t *testing.T) {
	h := newHarness(t, `
agents:
  - name: bot
    auto_join: true
  - name: critic
`)
	_, token := h.user(t, "alice")

	rec := h.do(t, http.MethodGet, "/api/agents", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agents := decode[[]map[string]any](t, rec)
	require.Len(t, agents, 2)
	assert.Equal(t, "bot", agents[0]["name"])
	assert.Equal(t, true, agents[0]["auto_join"])
	assert.Equal(t, "critic", agents[1]["name"])
}

func TestBotRepliesToMention(t *testing.T) {
	h := newHarness(t, `
agents:
  - name: bot
    history_window: 0
`)
	aliceID, token := h.user(t, "alice")
	roomID := h.room(t, aliceID, "general")

	rec := h.do(t, http.MethodPost, "/api/chat_room/invite_user/"+roomID, token, map[string]string{"username": "bot"})
	require.Equal(t, http.StatusOK, rec.Code)
	bot, err := h.store.GetUserByUsername(t.Context(), "bot")
	require.NoError(t, err)

	rec = h.do(t, http.MethodPost, "/api/chat_room/room_messages/"+roomID, token, map[string]any{
		"content":  "@bot help",
		"mentions": []event.Mention{{UserID: bot.ID, Label: "bot"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool { return len(h.store.SaveCalls()) == 2 }, 2*time.Second, 10*time.Millisecond)
	saved := h.store.SaveCalls()
	assert.Equal(t, bot.ID, saved[1].SenderID)
	assert.Equal(t, "happy to help", saved[1].Content)
	assert.Equal(t, 1, h.completer.Calls())
}

func TestAddServer(t *testing.T) {
	h := newHarness(t, "")
	h.user(t, "alice")
	_, token := h.user(t, "carol")

	rec := h.do(t, http.MethodPost, "/api/mcp/add_server", token, map[string]string{"name": "search", "url": "ftp://x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/mcp/add_server", token, map[string]string{"name": "alice", "url": "http://127.0.0.1:1/mcp"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "User already exists", errorOf(t, rec))

	rec = h.do(t, http.MethodPost, "/api/mcp/add_server", token, map[string]string{"name": "search", "url": "http://127.0.0.1:1/mcp"})
	require.Equal(t, http.StatusCreated, rec.Code)

	u, err := h.store.GetUserByUsername(t.Context(), "search")
	require.NoError(t, err)
	assert.Equal(t, store.RoleMCP, u.Role)
	assert.Equal(t, "search@mcp.com", u.Email)
	assert.Equal(t, "http://127.0.0.1:1/mcp", u.ToolEndpoint)

	rec = h.do(t, http.MethodGet, "/api/mcp/servers", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	servers := decode[[]ServerInfoResponse](t, rec)
	require.Len(t, servers, 1)
	assert.Equal(t, "search", servers[0].Name)
	assert.Equal(t, serverError, servers[0].Status)

	rec = h.do(t, http.MethodGet, "/api/mcp/server_info/alice", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Server not found", errorOf(t, rec))
}

func TestExecuteTool(t *testing.T) {
	h := newHarness(t, "")
	_, token := h.user(t, "alice")

	toolSrv := httptest.NewServer(mcp.New(store.NewMockStore(), nil).Handler())
	defer toolSrv.Close()

	rec := h.do(t, http.MethodPost, "/api/mcp/add_server", token, map[string]string{"name": "system", "url": toolSrv.URL})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/mcp/execute_tool", token, map[string]any{
		"server": "system", "tool": "summary", "parameters": map[string]any{"content": "all good"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[map[string]any](t, rec)
	assert.Equal(t, "success", res["status"])
	assert.Equal(t, "all good", res["result"])

	rec = h.do(t, http.MethodPost, "/api/mcp/execute_tool", token, map[string]any{
		"server": "system", "tool": "room_history", "parameters": map[string]any{"room_id": "missing"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "error", decode[map[string]any](t, rec)["status"])

	rec = h.do(t, http.MethodGet, "/api/mcp/server_info/system", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[ServerInfoResponse](t, rec)
	assert.Equal(t, serverConnected, info.Status)
	assert.Len(t, info.Tools, 3)

	rec = h.do(t, http.MethodPost, "/api/mcp/execute_tool", token, map[string]any{"server": "nope", "tool": "summary"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSystemMCPRequiresAuth(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodPost, "/mcp", "", map[string]any{"jsonrpc": "2.0", "id": 1, "method": "ping"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// sseClient reads frames from a live event stream.
type sseClient struct {
	resp   *http.Response
	reader *bufio.Reader
}

func openEvents(t *testing.T, ctx context.Context, srv *httptest.Server, roomID, token string) *sseClient {
	t.Helper()
	url := srv.URL + "/api/chat_room/room_events/" + roomID + "?token=" + token
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	t.Cleanup(func() { _ = resp.Body.Close() })
	return &sseClient{resp: resp, reader: bufio.NewReader(resp.Body)}
}

// next returns the next event name and data payload, skipping comments.
func (c *sseClient) next(t *testing.T) (string, []byte) {
	t.Helper()
	var name string
	for {
		line, err := c.reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			return name, []byte(strings.TrimPrefix(line, "data: "))
		}
	}
}

func startServer(t *testing.T, h *harness) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(h.handler)
	srv.Config.BaseContext = h.gw.httpServer.BaseContext
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func TestRoomEvents_StreamsMessages(t *testing.T) {
	h := newHarness(t, "")
	aliceID, token := h.user(t, "alice")
	roomID := h.room(t, aliceID, "general")
	srv := startServer(t, h)

	client := openEvents(t, t.Context(), srv, roomID, token)
	require.Eventually(t, func() bool { return h.gw.registry.HasRoom(roomID) }, 2*time.Second, 10*time.Millisecond)

	name, data := client.next(t)
	assert.Equal(t, "message", name)
	var joined event.ChatEvent
	require.NoError(t, json.Unmarshal(data, &joined))
	require.Equal(t, event.KindSystem, joined.Kind())
	assert.Equal(t, event.SystemJoined, joined.System().Code)

	rec := h.do(t, http.MethodPost, "/api/chat_room/room_messages/"+roomID, token, map[string]string{"content": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	_, data = client.next(t)
	var ev event.ChatEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Equal(t, event.KindMessage, ev.Kind())
	assert.Equal(t, "hello", ev.Message().Content)
	assert.Equal(t, aliceID, ev.Message().SenderID)
}

func TestRoomEvents_NonParticipantForbidden(t *testing.T) {
	h := newHarness(t, "")
	aliceID, _ := h.user(t, "alice")
	_, strangerToken := h.user(t, "mallory")
	roomID := h.room(t, aliceID, "general")

	rec := h.do(t, http.MethodGet, "/api/chat_room/room_events/"+roomID, strangerToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, h.gw.registry.HasRoom(roomID))
}

func TestRoomEvents_DisconnectReleasesSubscription(t *testing.T) {
	h := newHarness(t, "")
	aliceID, token := h.user(t, "alice")
	roomID := h.room(t, aliceID, "general")
	srv := startServer(t, h)

	ctx, cancel := context.WithCancel(t.Context())
	openEvents(t, ctx, srv, roomID, token)
	require.Eventually(t, func() bool { return h.gw.registry.HasRoom(roomID) }, 2*time.Second, 10*time.Millisecond)

	cancel()

	require.Eventually(t, func() bool { return !h.gw.registry.HasRoom(roomID) }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.gw.registry.Subscribers(roomID))
}

func TestRoomEvents_AutoJoinAgentFollowsUser(t *testing.T) {
	h := newHarness(t, `
agents:
  - name: bot
    auto_join: true
`)
	aliceID, token := h.user(t, "alice")
	roomID := h.room(t, aliceID, "general")
	srv := startServer(t, h)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = h.gw.joinWatcher.Run(ctx) }()

	openEvents(t, ctx, srv, roomID, token)

	bot, err := h.store.GetUserByUsername(t.Context(), "bot")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		participants, err := h.store.GetRoomParticipants(t.Context(), roomID)
		return err == nil && len(participants) == 2 && participants[1] == bot.ID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdown_EndsEventStreams(t *testing.T) {
	h := newHarness(t, "")
	aliceID, token := h.user(t, "alice")
	roomID := h.room(t, aliceID, "general")
	srv := startServer(t, h)

	client := openEvents(t, t.Context(), srv, roomID, token)
	require.Eventually(t, func() bool { return h.gw.registry.HasRoom(roomID) }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Shutdown(ctx))

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, client.reader)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event stream still open after shutdown")
	}
	assert.False(t, h.gw.registry.HasRoom(roomID))

	// a second shutdown reports the first result
	assert.NoError(t, h.gw.Shutdown(ctx))
}

// nextSystem reads the next event and requires it to be a system event.
func (c *sseClient) nextSystem(t *testing.T) event.System {
	t.Helper()
	_, data := c.next(t)
	var ev event.ChatEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Equal(t, event.KindSystem, ev.Kind(), string(data))
	return ev.System()
}

func TestRoomEvents_JoinedAndLeft(t *testing.T) {
	h := newHarness(t, "")
	aliceID, aliceToken := h.user(t, "alice")
	bobID, bobToken := h.user(t, "bob")
	roomID := h.room(t, aliceID, "general")
	require.NoError(t, h.store.AddParticipant(t.Context(), roomID, bobID))
	srv := startServer(t, h)

	bob := openEvents(t, t.Context(), srv, roomID, bobToken)
	sys := bob.nextSystem(t)
	assert.Equal(t, event.SystemJoined, sys.Code)
	assert.Equal(t, bobID, sys.UserID)

	firstCtx, cancelFirst := context.WithCancel(t.Context())
	defer cancelFirst()
	first := openEvents(t, firstCtx, srv, roomID, aliceToken)
	sys = bob.nextSystem(t)
	assert.Equal(t, event.SystemJoined, sys.Code)
	assert.Equal(t, aliceID, sys.UserID)
	assert.Equal(t, "alice joined", sys.Text)

	// a second tab replaces the first without a join or a leave
	secondCtx, cancelSecond := context.WithCancel(t.Context())
	defer cancelSecond()
	openEvents(t, secondCtx, srv, roomID, aliceToken)
	_, _ = io.Copy(io.Discard, first.reader)

	rec := h.do(t, http.MethodPost, "/api/chat_room/room_messages/"+roomID, aliceToken, map[string]string{"content": "still here"})
	require.Equal(t, http.StatusOK, rec.Code)
	_, data := bob.next(t)
	var ev event.ChatEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Equal(t, event.KindMessage, ev.Kind())
	assert.Equal(t, "still here", ev.Message().Content)

	cancelSecond()
	sys = bob.nextSystem(t)
	assert.Equal(t, event.SystemLeft, sys.Code)
	assert.Equal(t, aliceID, sys.UserID)
	assert.Equal(t, "alice left", sys.Text)
}

func TestGetAgent(t *testing.T) {
	h := newHarness(t, `
agents:
  - name: critic
`)
	_, token := h.user(t, "alice")

	rec := h.do(t, http.MethodGet, "/api/agents/critic", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[map[string]any](t, rec)
	assert.Equal(t, "critic", info["name"])
	assert.NotEmpty(t, info["user_id"])

	rec = h.do(t, http.MethodGet, "/api/agents/nobody", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Agent not found", errorOf(t, rec))
}

func TestStopAgent_AdminOnly(t *testing.T) {
	h := newHarness(t, `
agents:
  - name: bot
  - name: critic
`)
	_, aliceToken := h.user(t, "alice")
	_, rootToken := h.user(t, "root")
	bot, err := h.store.GetUserByUsername(t.Context(), "bot")
	require.NoError(t, err)
	botToken, err := h.gw.verifier.Issue(bot.ID)
	require.NoError(t, err)

	rec := h.do(t, http.MethodDelete, "/api/agents/critic", aliceToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// listed as an admin but an agent account
	rec = h.do(t, http.MethodDelete, "/api/agents/critic", botToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/agents/critic", rootToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", decode[map[string]string](t, rec)["status"])
	assert.Equal(t, 1, h.gw.agentManager.Count())

	rec = h.do(t, http.MethodGet, "/api/agents/critic", aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/agents/critic", rootToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConnectServer(t *testing.T) {
	h := newHarness(t, "")
	_, token := h.user(t, "alice")

	toolSrv := httptest.NewServer(mcp.New(store.NewMockStore(), nil).Handler())
	defer toolSrv.Close()

	rec := h.do(t, http.MethodPost, "/api/mcp/add_server", token, map[string]string{"name": "system", "url": toolSrv.URL})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = h.do(t, http.MethodPost, "/api/mcp/add_server", token, map[string]string{"name": "dead", "url": "http://127.0.0.1:1/mcp"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/mcp/connect_server?name=system", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Server connected successfully", decode[map[string]string](t, rec)["message"])

	rec = h.do(t, http.MethodPost, "/api/mcp/connect_server?name=dead", token, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Failed to connect to server", errorOf(t, rec))

	rec = h.do(t, http.MethodPost, "/api/mcp/connect_server?name=alice", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoveServer_AdminOnly(t *testing.T) {
	h := newHarness(t, "")
	aliceID, aliceToken := h.user(t, "alice")
	_, rootToken := h.user(t, "root")
	roomID := h.room(t, aliceID, "general")

	rec := h.do(t, http.MethodPost, "/api/mcp/add_server", aliceToken, map[string]string{"name": "search", "url": "http://127.0.0.1:1/mcp"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = h.do(t, http.MethodPost, "/api/chat_room/invite_user/"+roomID, aliceToken, map[string]string{"username": "search"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/mcp/remove_server?name=search", aliceToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/mcp/remove_server?name=alice", rootToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/mcp/remove_server?name=search", rootToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Server removed successfully", decode[map[string]string](t, rec)["message"])

	_, err := h.store.GetUserByUsername(t.Context(), "search")
	assert.ErrorIs(t, err, store.ErrNotFound)
	participants, err := h.store.GetRoomParticipants(t.Context(), roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{aliceID}, participants)

	rec = h.do(t, http.MethodDelete, "/api/mcp/remove_server?name=search", rootToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// newPromptServer serves one prompt and one resource over streamable HTTP.
func newPromptServer(t *testing.T) string {
	t.Helper()
	server := sdkmcp.NewServer(&sdkmcp.Implementation{Name: "docs", Version: "0.1.0"}, nil)
	server.AddPrompt(&sdkmcp.Prompt{
		Name:      "greet",
		Arguments: []*sdkmcp.PromptArgument{{Name: "name", Required: true}},
	}, func(ctx context.Context, req *sdkmcp.GetPromptRequest) (*sdkmcp.GetPromptResult, error) {
		return &sdkmcp.GetPromptResult{
			Description: "greeting",
			Messages: []*sdkmcp.PromptMessage{
				{Role: "user", Content: &sdkmcp.TextContent{Text: "Say hello to " + req.Params.Arguments["name"]}},
			},
		}, nil
	})
	server.AddResource(&sdkmcp.Resource{URI: "info://docs/readme", Name: "readme", MIMEType: "text/plain"},
		func(ctx context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			return &sdkmcp.ReadResourceResult{
				Contents: []*sdkmcp.ResourceContents{{URI: req.Params.URI, MIMEType: "text/plain", Text: "read me first"}},
			}, nil
		})

	ts := httptest.NewServer(sdkmcp.NewStreamableHTTPHandler(func(*http.Request) *sdkmcp.Server { return server }, nil))
	t.Cleanup(ts.Close)
	return ts.URL + "/mcp"
}

func TestGetPrompt(t *testing.T) {
	h := newHarness(t, "")
	_, token := h.user(t, "alice")

	rec := h.do(t, http.MethodPost, "/api/mcp/add_server", token, map[string]string{"name": "docs", "url": newPromptServer(t)})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/mcp/get_prompt", token, map[string]any{"server": "docs"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/mcp/get_prompt", token, map[string]any{
		"server": "docs", "prompt": "greet", "parameters": map[string]string{"name": "alice"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[struct {
		Status string                 `json:"status"`
		Result toolproto.PromptResult `json:"result"`
	}](t, rec)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "greeting", res.Result.Description)
	require.Len(t, res.Result.Messages, 1)
	assert.Equal(t, "Say hello to alice", res.Result.Messages[0].Text)

	rec = h.do(t, http.MethodPost, "/api/mcp/get_prompt", token, map[string]any{"server": "docs", "prompt": "missing"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotEqual(t, "Failed to connect to server", errorOf(t, rec))

	rec = h.do(t, http.MethodPost, "/api/mcp/get_prompt", token, map[string]any{"server": "nope", "prompt": "greet"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFetchResource(t *testing.T) {
	h := newHarness(t, "")
	_, token := h.user(t, "alice")

	rec := h.do(t, http.MethodPost, "/api/mcp/add_server", token, map[string]string{"name": "docs", "url": newPromptServer(t)})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = h.do(t, http.MethodPost, "/api/mcp/add_server", token, map[string]string{"name": "dead", "url": "http://127.0.0.1:1/mcp"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/mcp/fetch_resource", token, map[string]any{"server": "docs", "resource": "info://docs/readme"})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[struct {
		Status string                      `json:"status"`
		Result []toolproto.ResourceContent `json:"result"`
	}](t, rec)
	assert.Equal(t, "success", res.Status)
	require.Len(t, res.Result, 1)
	assert.Equal(t, "read me first", res.Result[0].Text)
	assert.Equal(t, "text/plain", res.Result[0].MIMEType)

	rec = h.do(t, http.MethodPost, "/api/mcp/fetch_resource", token, map[string]any{"server": "dead", "resource": "info://docs/readme"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Failed to connect to server", errorOf(t, rec))

	rec = h.do(t, http.MethodPost, "/api/mcp/fetch_resource", token, map[string]any{"server": "docs"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
