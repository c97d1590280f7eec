// ABOUTME: HTTP API handlers for accounts, rooms, messages and tool agents
// ABOUTME: Handlers translate store and broadcaster errors into JSON error responses

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-rooms/internal/agent"
	"github.com/2389/coven-rooms/internal/auth"
	"github.com/2389/coven-rooms/internal/conversation"
	"github.com/2389/coven-rooms/internal/event"
	"github.com/2389/coven-rooms/internal/store"
	"github.com/2389/coven-rooms/internal/toolproto"
)

const (
	searchLimit       = 20
	serverInfoWorkers = 4
	maxBodyBytes      = 1 << 20
)

// UserResponse is the public view of a user. The password hash never leaves
// the server.
type UserResponse struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	Role      store.Role `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

func userResponse(u *store.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
		LastLogin: u.LastLogin,
	}
}

// RoomResponse is a room as returned by the API.
type RoomResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatorID    string    `json:"creator_id"`
	Participants []string  `json:"participants"`
	IsPublic     bool      `json:"is_public"`
	CreatedAt    time.Time `json:"created_at"`
}

func roomResponse(r *store.Room) RoomResponse {
	participants := r.Participants
	if participants == nil {
		participants = []string{}
	}
	return RoomResponse{
		ID:           r.ID,
		Name:         r.Name,
		CreatorID:    r.CreatorID,
		Participants: participants,
		IsPublic:     r.IsPublic,
		CreatedAt:    r.CreatedAt,
	}
}

// RoomInfoResponse adds participant names and live subscribers to a room.
type RoomInfoResponse struct {
	RoomResponse
	ParticipantUsers map[string]string `json:"participant_users"`
	Online           []string          `json:"online"`
}

// MessageResponse is a stored message as returned by the API.
type MessageResponse struct {
	ID             string          `json:"id"`
	RoomID         string          `json:"room_id"`
	SenderID       string          `json:"sender_id"`
	SenderUsername string          `json:"sender_username"`
	Content        string          `json:"content"`
	Mentions       []event.Mention `json:"mentions,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func messageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		RoomID:         m.RoomID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		Content:        m.Content,
		Mentions:       m.Mentions,
		CreatedAt:      m.CreatedAt,
	}
}

// ServerInfoResponse describes a registered tool agent.
type ServerInfoResponse struct {
	Name      string                 `json:"name"`
	URL       string                 `json:"url"`
	Status    string                 `json:"status"`
	Tools     []toolproto.Descriptor `json:"tools"`
	Prompts   []toolproto.Prompt     `json:"prompts"`
	Resources []toolproto.Resource   `json:"resources"`
}

// Tool agent connection states.
const (
	serverConnected = "connected"
	serverError     = "error"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type createRoomRequest struct {
	Name     string `json:"name"`
	IsPublic *bool  `json:"is_public"`
}

type sendMessageRequest struct {
	Content  string          `json:"content"`
	Mentions []event.Mention `json:"mentions"`
	ClientID string          `json:"client_id"`
}

type inviteRequest struct {
	Username string `json:"username"`
}

type addServerRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type executeToolRequest struct {
	Server     string         `json:"server"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

type getPromptRequest struct {
	Server     string            `json:"server"`
	Prompt     string            `json:"prompt"`
	Parameters map[string]string `json:"parameters"`
}

type fetchResourceRequest struct {
	Server   string `json:"server"`
	Resource string `json:"resource"`
}

// routes builds the chi router for the whole HTTP surface.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(g.metrics.Middleware)
	if len(g.config.Server.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   g.config.Server.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		r.Method(http.MethodGet, g.config.Metrics.Path, g.metrics.Handler())
	}

	r.Post("/api/auth/register", g.handleRegister)
	r.Post("/api/auth/login", g.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(auth.HTTPAuthMiddleware(g.store, g.verifier))

		r.Get("/api/auth/me", g.handleMe)

		r.Route("/api/chat_room", func(r chi.Router) {
			r.Get("/room_list", g.handleRoomList)
			r.Post("/create_room", g.handleCreateRoom)
			r.Get("/room_info/{roomID}", g.handleRoomInfo)
			r.Get("/room_messages/{roomID}", g.handleRoomMessages)
			r.Post("/room_messages/{roomID}", g.handleSendMessage)
			r.Get("/room_events/{roomID}", g.handleRoomEvents)
			r.Get("/room_transcript/{roomID}", g.handleRoomTranscript)
			r.Get("/user/search", g.handleUserSearch)
			r.Post("/invite_user/{roomID}", g.handleInviteUser)
		})

		r.Get("/api/agents", g.handleListAgents)
		r.Get("/api/agents/{name}", g.handleGetAgent)
		r.With(g.requireAdmin).Delete("/api/agents/{name}", g.handleStopAgent)

		r.Route("/api/mcp", func(r chi.Router) {
			r.Get("/servers", g.handleListServers)
			r.Post("/add_server", g.handleAddServer)
			r.Get("/server_info/{name}", g.handleServerInfo)
			r.Post("/connect_server", g.handleConnectServer)
			r.With(g.requireAdmin).Delete("/remove_server", g.handleRemoveServer)
			r.Post("/execute_tool", g.handleExecuteTool)
			r.Post("/get_prompt", g.handleGetPrompt)
			r.Post("/fetch_resource", g.handleFetchResource)
		})

		r.Handle("/mcp", g.mcpServer.Handler())
	})

	return r
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// sendStoreError maps a store failure to a response.
func (g *Gateway) sendStoreError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrUnavailable) {
		g.logger.Warn("store unavailable", "op", op, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	g.logger.Error("store failure", "op", op, "error", err)
	g.sendJSONError(w, http.StatusInternalServerError, "internal error")
}

// requireAdmin admits only human callers listed in auth.admins.
func (g *Gateway) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := auth.MustFromContext(r.Context())
		if caller.IsAgent() || !slices.Contains(g.config.Auth.Admins, caller.Username) {
			g.sendJSONError(w, http.StatusForbidden, "admin privileges required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sendToolError maps a failed tool agent exchange to a 502.
func (g *Gateway) sendToolError(w http.ResponseWriter, op, server string, err error) {
	if errors.Is(err, toolproto.ErrUnreachable) {
		g.sendJSONError(w, http.StatusBadGateway, "Failed to connect to server")
		return
	}
	g.logger.Warn("tool agent request failed", "op", op, "server", server, "error", err)
	g.sendJSONError(w, http.StatusBadGateway, err.Error())
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		g.sendJSONError(w, http.StatusBadRequest, "username, email and password are required")
		return
	}

	ctx := r.Context()
	if _, err := g.store.GetUserByUsername(ctx, req.Username); err == nil {
		g.sendJSONError(w, http.StatusBadRequest, "Username already registered")
		return
	}
	if _, err := g.store.GetUserByEmail(ctx, req.Email); err == nil {
		g.sendJSONError(w, http.StatusBadRequest, "Email already registered")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		g.logger.Error("hashing password", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user := &store.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         store.RoleUser,
	}
	err = g.store.CreateUser(ctx, user)
	switch {
	case errors.Is(err, store.ErrDuplicateUser):
		g.sendJSONError(w, http.StatusBadRequest, "Username already registered")
		return
	case errors.Is(err, store.ErrDuplicateEmail):
		g.sendJSONError(w, http.StatusBadRequest, "Email already registered")
		return
	case err != nil:
		g.sendStoreError(w, "create user", err)
		return
	}

	g.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	g.sendJSON(w, http.StatusCreated, map[string]string{"message": "User created successfully"})
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	user, err := g.store.GetUserByUsername(ctx, req.Username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.sendStoreError(w, "get user", err)
		return
	}
	if err != nil || user.PasswordHash == "" || auth.CheckPassword(user.PasswordHash, req.Password) != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		g.sendJSONError(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	token, err := g.verifier.Issue(user.ID)
	if err != nil {
		g.logger.Error("issuing token", "user_id", user.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := g.store.TouchLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		g.logger.Warn("recording last login", "user_id", user.ID, "error", err)
	}

	g.sendJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())
	user, err := g.store.GetUser(r.Context(), caller.UserID)
	if err != nil {
		g.sendStoreError(w, "get user", err)
		return
	}
	g.sendJSON(w, http.StatusOK, userResponse(user))
}

func (g *Gateway) handleRoomList(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())
	rooms, err := g.store.ListRoomsForUser(r.Context(), caller.UserID, 0)
	if err != nil {
		g.sendStoreError(w, "list rooms", err)
		return
	}
	out := make([]RoomResponse, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, roomResponse(room))
	}
	g.sendJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	var req createRoomRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	room := &store.Room{
		Name:      req.Name,
		CreatorID: caller.UserID,
		IsPublic:  true,
	}
	if req.IsPublic != nil {
		room.IsPublic = *req.IsPublic
	}
	if err := g.store.CreateRoom(r.Context(), room); err != nil {
		g.sendStoreError(w, "create room", err)
		return
	}

	g.logger.Info("room created", "room_id", room.ID, "name", room.Name, "creator_id", caller.UserID)
	g.sendJSON(w, http.StatusCreated, roomResponse(room))
}

// loadRoom fetches the room named by the URL, writing a 404 when missing.
func (g *Gateway) loadRoom(w http.ResponseWriter, r *http.Request) (*store.Room, bool) {
	room, err := g.store.GetRoom(r.Context(), chi.URLParam(r, "roomID"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "Room not found")
		return nil, false
	}
	if err != nil {
		g.sendStoreError(w, "get room", err)
		return nil, false
	}
	return room, true
}

// loadMemberRoom is loadRoom plus a 403 for callers outside the room.
func (g *Gateway) loadMemberRoom(w http.ResponseWriter, r *http.Request) (*store.Room, bool) {
	room, ok := g.loadRoom(w, r)
	if !ok {
		return nil, false
	}
	caller := auth.MustFromContext(r.Context())
	if !room.HasParticipant(caller.UserID) {
		g.sendJSONError(w, http.StatusForbidden, "You are not a participant of this room")
		return nil, false
	}
	return room, true
}

func (g *Gateway) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	room, ok := g.loadRoom(w, r)
	if !ok {
		return
	}

	users, err := g.store.GetUsersByIDs(r.Context(), room.Participants)
	if err != nil {
		g.sendStoreError(w, "get participants", err)
		return
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Username
	}

	online := g.registry.Subscribers(room.ID)
	if online == nil {
		online = []string{}
	}

	g.sendJSON(w, http.StatusOK, RoomInfoResponse{
		RoomResponse:     roomResponse(room),
		ParticipantUsers: names,
		Online:           online,
	})
}

func (g *Gateway) handleRoomMessages(w http.ResponseWriter, r *http.Request) {
	room, ok := g.loadMemberRoom(w, r)
	if !ok {
		return
	}

	limit := store.DefaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := g.conversation.History(r.Context(), room.ID, limit)
	if err != nil {
		g.sendStoreError(w, "room history", err)
		return
	}
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse(m))
	}
	g.sendJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	room, ok := g.loadMemberRoom(w, r)
	if !ok {
		return
	}
	caller := auth.MustFromContext(r.Context())

	if g.limiter != nil && !g.limiter.Allow(caller.UserID) {
		g.metrics.RateLimited()
		g.sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req sendMessageRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	msg, err := g.conversation.SendMessage(r.Context(), conversation.SendRequest{
		RoomID:         room.ID,
		SenderID:       caller.UserID,
		SenderName:     caller.Username,
		Content:        req.Content,
		Mentions:       participantMentions(room, req.Mentions),
		IdempotencyKey: req.ClientID,
	})
	var dup *conversation.DuplicateError
	switch {
	case errors.As(err, &dup):
		g.sendJSON(w, http.StatusConflict, map[string]string{
			"error":      "duplicate message",
			"message_id": dup.MessageID,
		})
		return
	case errors.Is(err, conversation.ErrInvalidMessage):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		g.sendStoreError(w, "send message", err)
		return
	}

	g.sendJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"id":     msg.ID,
	})
}

// participantMentions drops mentions of users outside the room.
func participantMentions(room *store.Room, mentions []event.Mention) []event.Mention {
	out := mentions[:0:0]
	for _, m := range mentions {
		if room.HasParticipant(m.UserID) {
			out = append(out, m)
		}
	}
	return out
}

func (g *Gateway) handleRoomTranscript(w http.ResponseWriter, r *http.Request) {
	room, ok := g.loadMemberRoom(w, r)
	if !ok {
		return
	}

	msgs, err := g.conversation.History(r.Context(), room.ID, store.MaxListLimit)
	if err != nil {
		g.sendStoreError(w, "room history", err)
		return
	}

	page, err := renderTranscript(room, msgs)
	if err != nil {
		g.logger.Error("rendering transcript", "room_id", room.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func (g *Gateway) handleUserSearch(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())
	query := strings.TrimSpace(r.URL.Query().Get("username"))
	if query == "" {
		g.sendJSONError(w, http.StatusBadRequest, "username is required")
		return
	}

	users, err := g.store.SearchUsers(r.Context(), query, caller.UserID, searchLimit)
	if err != nil {
		g.sendStoreError(w, "search users", err)
		return
	}
	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse(u))
	}
	g.sendJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleInviteUser(w http.ResponseWriter, r *http.Request) {
	room, ok := g.loadMemberRoom(w, r)
	if !ok {
		return
	}
	caller := auth.MustFromContext(r.Context())

	var req inviteRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	invitee, err := g.store.GetUserByUsername(ctx, strings.TrimSpace(req.Username))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		g.sendStoreError(w, "get user", err)
		return
	}
	if room.HasParticipant(invitee.ID) {
		g.sendJSONError(w, http.StatusBadRequest, "User is already in the room")
		return
	}

	if err := g.store.AddParticipant(ctx, room.ID, invitee.ID); err != nil {
		g.sendStoreError(w, "add participant", err)
		return
	}

	g.conversation.SendSystem(room.ID, event.SystemInvited,
		fmt.Sprintf("%s invited %s", caller.Username, invitee.Username), invitee.ID)

	g.logger.Info("user invited",
		"room_id", room.ID,
		"invitee_id", invitee.ID,
		"inviter_id", caller.UserID)

	g.sendJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("User %s has been invited to the room", invitee.Username),
	})
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.agentManager.List())
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	info, err := g.agentManager.Get(chi.URLParam(r, "name"))
	if errors.Is(err, agent.ErrAgentNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "Agent not found")
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	g.sendJSON(w, http.StatusOK, info)
}

func (g *Gateway) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := g.agentManager.Unregister(name)
	if errors.Is(err, agent.ErrAgentNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "Agent not found")
		return
	}
	if err != nil {
		g.logger.Error("stopping agent", "agent", name, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	caller := auth.MustFromContext(r.Context())
	g.logger.Info("agent stopped", "agent", name, "by", caller.Username)
	g.sendJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Agent stopped",
	})
}

// lookupServer resolves a tool agent by username, writing a 404 when the
// name is unknown or belongs to a non-tool user.
func (g *Gateway) lookupServer(w http.ResponseWriter, r *http.Request, name string) (*store.User, bool) {
	user, err := g.store.GetUserByUsername(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) || (err == nil && (user.Role != store.RoleMCP || user.ToolEndpoint == "")) {
		g.sendJSONError(w, http.StatusNotFound, "Server not found")
		return nil, false
	}
	if err != nil {
		g.sendStoreError(w, "get user", err)
		return nil, false
	}
	return user, true
}

// describeServer connects to a tool agent and reports what it offers. An
// unreachable server is reported with status "error".
func (g *Gateway) describeServer(r *http.Request, user *store.User) ServerInfoResponse {
	resp := ServerInfoResponse{
		Name:      user.Username,
		URL:       user.ToolEndpoint,
		Status:    serverConnected,
		Tools:     []toolproto.Descriptor{},
		Prompts:   []toolproto.Prompt{},
		Resources: []toolproto.Resource{},
	}
	info, err := g.tools.ServerInfo(r.Context(), user.ToolEndpoint)
	if err != nil {
		g.logger.Warn("tool agent unavailable", "server", user.Username, "endpoint", user.ToolEndpoint, "error", err)
		resp.Status = serverError
		return resp
	}
	if info.Tools != nil {
		resp.Tools = info.Tools
	}
	if info.Prompts != nil {
		resp.Prompts = info.Prompts
	}
	if info.Resources != nil {
		resp.Resources = info.Resources
	}
	return resp
}

func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	users, err := g.store.GetUsersByRole(r.Context(), store.RoleMCP)
	if err != nil {
		g.sendStoreError(w, "list tool agents", err)
		return
	}

	out := make([]ServerInfoResponse, len(users))
	var group errgroup.Group
	group.SetLimit(serverInfoWorkers)
	for i, u := range users {
		group.Go(func() error {
			out[i] = g.describeServer(r, u)
			return nil
		})
	}
	_ = group.Wait()

	g.sendJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var req addServerRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	if u, err := url.Parse(req.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		g.sendJSONError(w, http.StatusBadRequest, "url must be an http or https URL")
		return
	}

	ctx := r.Context()
	if _, err := g.store.GetUserByUsername(ctx, req.Name); err == nil {
		g.sendJSONError(w, http.StatusBadRequest, "User already exists")
		return
	}

	user := &store.User{
		Username:     req.Name,
		Email:        req.Name + "@mcp.com",
		Role:         store.RoleMCP,
		ToolEndpoint: req.URL,
	}
	err := g.store.CreateUser(ctx, user)
	if errors.Is(err, store.ErrDuplicateUser) || errors.Is(err, store.ErrDuplicateEmail) {
		g.sendJSONError(w, http.StatusBadRequest, "User already exists")
		return
	}
	if err != nil {
		g.sendStoreError(w, "create tool agent", err)
		return
	}

	g.logger.Info("tool agent added", "server", user.Username, "user_id", user.ID, "endpoint", user.ToolEndpoint)
	g.sendJSON(w, http.StatusCreated, map[string]string{
		"status":  "success",
		"message": "Server added successfully",
		"id":      user.ID,
	})
}

func (g *Gateway) handleConnectServer(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	user, ok := g.lookupServer(w, r, name)
	if !ok {
		return
	}
	if err := g.tools.Ping(r.Context(), user.ToolEndpoint); err != nil {
		g.logger.Warn("tool agent unavailable", "server", name, "endpoint", user.ToolEndpoint, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "Failed to connect to server")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Server connected successfully",
	})
}

func (g *Gateway) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	user, ok := g.lookupServer(w, r, name)
	if !ok {
		return
	}
	err := g.store.DeleteUser(r.Context(), user.ID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "Server not found")
		return
	}
	if err != nil {
		g.sendStoreError(w, "delete tool agent", err)
		return
	}

	g.logger.Info("tool agent removed", "server", user.Username, "user_id", user.ID)
	g.sendJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Server removed successfully",
	})
}

func (g *Gateway) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	user, ok := g.lookupServer(w, r, chi.URLParam(r, "name"))
	if !ok {
		return
	}
	g.sendJSON(w, http.StatusOK, g.describeServer(r, user))
}

func (g *Gateway) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req executeToolRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.Server == "" || req.Tool == "" {
		g.sendJSONError(w, http.StatusBadRequest, "server and tool are required")
		return
	}

	user, ok := g.lookupServer(w, r, req.Server)
	if !ok {
		return
	}

	res, err := g.tools.CallTool(r.Context(), user.ToolEndpoint, req.Tool, req.Parameters)
	switch {
	case errors.Is(err, toolproto.ErrToolFailed):
		g.sendJSON(w, http.StatusOK, map[string]any{
			"status": "error",
			"result": res.Text,
		})
		return
	case err != nil:
		g.sendToolError(w, "call tool", req.Server, err)
		return
	}

	g.sendJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"result": res.Text,
	})
}

func (g *Gateway) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	var req getPromptRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.Server == "" || req.Prompt == "" {
		g.sendJSONError(w, http.StatusBadRequest, "server and prompt are required")
		return
	}

	user, ok := g.lookupServer(w, r, req.Server)
	if !ok {
		return
	}

	res, err := g.tools.GetPrompt(r.Context(), user.ToolEndpoint, req.Prompt, req.Parameters)
	if err != nil {
		g.sendToolError(w, "get prompt", req.Server, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"result": res,
	})
}

func (g *Gateway) handleFetchResource(w http.ResponseWriter, r *http.Request) {
	var req fetchResourceRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.Server == "" || req.Resource == "" {
		g.sendJSONError(w, http.StatusBadRequest, "server and resource are required")
		return
	}

	user, ok := g.lookupServer(w, r, req.Server)
	if !ok {
		return
	}

	contents, err := g.tools.ReadResource(r.Context(), user.ToolEndpoint, req.Resource)
	if err != nil {
		g.sendToolError(w, "read resource", req.Server, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"result": contents,
	})
}
