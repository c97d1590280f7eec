// ABOUTME: Built-in system MCP server exposed at /mcp and offered to agents as extra tools
// ABOUTME: Tools: summary (echo), room_history and room_participants

package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpsrv "github.com/mark3labs/mcp-go/server"

	"github.com/2389/coven-rooms/internal/auth"
	"github.com/2389/coven-rooms/internal/completion"
	"github.com/2389/coven-rooms/internal/store"
	"github.com/2389/coven-rooms/internal/toolproto"
)

const (
	serverName    = "coven-rooms-system"
	serverVersion = "1.0.0"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

var errNotParticipant = errors.New("caller is not a participant of this room")

// RoomReader is the storage the room tools read from.
type RoomReader interface {
	GetRoom(ctx context.Context, roomID string) (*store.Room, error)
	GetRoomMessages(ctx context.Context, roomID string, limit int) ([]*store.Message, error)
	GetUsersByIDs(ctx context.Context, ids []string) ([]*store.User, error)
}

// Server wraps the MCP server and its tool set.
type Server struct {
	mcp    *mcpsrv.MCPServer
	rooms  RoomReader
	tools  []mcpsrv.ServerTool
	logger *slog.Logger
}

// New builds the system server.
func New(rooms RoomReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		rooms:  rooms,
		logger: logger.With("component", "system_mcp"),
	}
	s.tools = []mcpsrv.ServerTool{
		s.toolSummary(),
		s.toolRoomHistory(),
		s.toolRoomParticipants(),
	}

	s.mcp = mcpsrv.NewMCPServer(
		serverName,
		serverVersion,
		mcpsrv.WithInstructions("System tools for coven-rooms chat rooms. Room tools only answer for rooms the caller participates in."),
	)
	for _, t := range s.tools {
		s.mcp.AddTool(t.Tool, t.Handler)
	}
	return s
}

// Handler serves the streamable HTTP transport. The authenticated caller on
// the HTTP request is carried into tool handlers.
func (s *Server) Handler() http.Handler {
	return mcpsrv.NewStreamableHTTPServer(s.mcp,
		mcpsrv.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if a := auth.FromContext(r.Context()); a != nil {
				return auth.WithAuth(ctx, a)
			}
			return ctx
		}),
	)
}

// ToolNames lists the exposed tools in registration order.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for _, t := range s.tools {
		names = append(names, t.Tool.Name)
	}
	return names
}

// CompletionTools returns the tools in function-calling form for agents
// configured with system_tools.
func (s *Server) CompletionTools() []completion.Tool {
	out := make([]completion.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		d := toolproto.NewDescriptor(t.Tool.Name, t.Tool.Description, t.Tool.InputSchema)
		out = append(out, completion.Tool{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.FunctionParameters(),
		})
	}
	return out
}

func resultText(text string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(text)
}

func resultErr(err error) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.NewTextContent(err.Error())},
		IsError: true,
	}
}

func stringArg(req mcplib.CallToolRequest, name string) (string, bool) {
	v, ok := req.GetArguments()[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// intArg reads a numeric argument; JSON numbers arrive as float64.
func intArg(req mcplib.CallToolRequest, name string, def int) int {
	switch n := req.GetArguments()[name].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return def
}

// loadRoom fetches the room and enforces membership when a caller is known.
func (s *Server) loadRoom(ctx context.Context, roomID string) (*store.Room, error) {
	room, err := s.rooms.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("room %q not found", roomID)
	}
	if err != nil {
		return nil, err
	}
	if caller := auth.FromContext(ctx); caller != nil && !room.HasParticipant(caller.UserID) {
		return nil, errNotParticipant
	}
	return room, nil
}

func (s *Server) toolSummary() mcpsrv.ServerTool {
	tool := mcplib.NewTool("summary",
		mcplib.WithDescription("Summarize the content."),
		mcplib.WithString("content",
			mcplib.Description("the content to be summarized"),
			mcplib.Required(),
		),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: s.handleSummary}
}

func (s *Server) handleSummary(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	content, ok := stringArg(req, "content")
	if !ok {
		return resultErr(errors.New("summary: content is required")), nil
	}
	return resultText(content), nil
}

func (s *Server) toolRoomHistory() mcpsrv.ServerTool {
	tool := mcplib.NewTool("room_history",
		mcplib.WithDescription("Recent messages of a chat room, oldest first."),
		mcplib.WithString("room_id",
			mcplib.Description("id of the room"),
			mcplib.Required(),
		),
		mcplib.WithNumber("limit",
			mcplib.Description(fmt.Sprintf("number of messages, default %d, max %d", defaultHistoryLimit, maxHistoryLimit)),
		),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: s.handleRoomHistory}
}

type historyEntry struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *Server) handleRoomHistory(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	roomID, ok := stringArg(req, "room_id")
	if !ok || roomID == "" {
		return resultErr(errors.New("room_history: room_id is required")), nil
	}
	limit := intArg(req, "limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	if _, err := s.loadRoom(ctx, roomID); err != nil {
		return resultErr(fmt.Errorf("room_history: %w", err)), nil
	}

	msgs, err := s.rooms.GetRoomMessages(ctx, roomID, limit)
	if err != nil {
		s.logger.Error("loading room history", "room_id", roomID, "error", err)
		return resultErr(fmt.Errorf("room_history: %w", err)), nil
	}

	entries := make([]historyEntry, 0, len(msgs))
	for _, m := range slices.Backward(msgs) {
		entries = append(entries, historyEntry{
			ID:             m.ID,
			SenderID:       m.SenderID,
			SenderUsername: m.SenderUsername,
			Content:        m.Content,
			CreatedAt:      m.CreatedAt,
		})
	}
	result, err := mcplib.NewToolResultJSON(entries)
	if err != nil {
		return resultErr(fmt.Errorf("room_history: encoding: %w", err)), nil
	}
	return result, nil
}

func (s *Server) toolRoomParticipants() mcpsrv.ServerTool {
	tool := mcplib.NewTool("room_participants",
		mcplib.WithDescription("Participants of a chat room with their roles (user, llm or mcp)."),
		mcplib.WithString("room_id",
			mcplib.Description("id of the room"),
			mcplib.Required(),
		),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: s.handleRoomParticipants}
}

type participantEntry struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (s *Server) handleRoomParticipants(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	roomID, ok := stringArg(req, "room_id")
	if !ok || roomID == "" {
		return resultErr(errors.New("room_participants: room_id is required")), nil
	}

	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return resultErr(fmt.Errorf("room_participants: %w", err)), nil
	}

	users, err := s.rooms.GetUsersByIDs(ctx, room.Participants)
	if err != nil {
		s.logger.Error("loading room participants", "room_id", roomID, "error", err)
		return resultErr(fmt.Errorf("room_participants: %w", err)), nil
	}

	entries := make([]participantEntry, 0, len(users))
	for _, u := range users {
		entries = append(entries, participantEntry{ID: u.ID, Username: u.Username, Role: string(u.Role)})
	}
	result, err := mcplib.NewToolResultJSON(entries)
	if err != nil {
		return resultErr(fmt.Errorf("room_participants: encoding: %w", err)), nil
	}
	return result, nil
}
