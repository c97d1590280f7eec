// ABOUTME: Short-lived tool protocol (MCP) client sessions for tool agents
// ABOUTME: WithSession connects, runs a callback and always closes, so call sites never leak sessions

package toolproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrUnreachable is returned when a tool endpoint cannot be connected to.
var ErrUnreachable = errors.New("tool endpoint unreachable")

// ErrToolFailed is returned when a tool call completes with an error result.
var ErrToolFailed = errors.New("tool call failed")

// Transport names accepted by Options.Transport.
const (
	TransportAuto       = "auto"
	TransportStreamable = "streamable"
	TransportSSE        = "sse"
)

// Options configures a Connector.
type Options struct {
	// Transport selects the wire transport. "auto" picks SSE for endpoints
	// whose path ends in /sse and streamable HTTP otherwise.
	Transport string
	// Timeout bounds a whole session, connect through close.
	Timeout    time.Duration
	HTTPClient *http.Client
	ClientName string
	Version    string
	Logger     *slog.Logger
}

// Connector opens one session per operation against remote tool endpoints.
type Connector struct {
	transport  string
	timeout    time.Duration
	httpClient *http.Client
	impl       *mcp.Implementation
	logger     *slog.Logger
}

// NewConnector creates a Connector. Zero options select defaults.
func NewConnector(opts Options) *Connector {
	if opts.Transport == "" {
		opts.Transport = TransportAuto
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.ClientName == "" {
		opts.ClientName = "coven-rooms"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Connector{
		transport:  opts.Transport,
		timeout:    opts.Timeout,
		httpClient: opts.HTTPClient,
		impl:       &mcp.Implementation{Name: opts.ClientName, Version: opts.Version},
		logger:     opts.Logger.With("component", "toolproto"),
	}
}

func (c *Connector) clientTransport(endpoint string) mcp.Transport {
	mode := c.transport
	if mode == TransportAuto {
		mode = TransportStreamable
		if u, err := url.Parse(endpoint); err == nil && strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/sse") {
			mode = TransportSSE
		}
	}
	if mode == TransportSSE {
		return &mcp.SSEClientTransport{Endpoint: endpoint, HTTPClient: c.httpClient}
	}
	return &mcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: c.httpClient}
}

// WithSession connects to endpoint, runs fn and closes the session on every
// exit path, including a panic in fn.
func (c *Connector) WithSession(ctx context.Context, endpoint string, fn func(context.Context, *mcp.ClientSession) error) error {
	if endpoint == "" {
		return fmt.Errorf("%w: no endpoint configured", ErrUnreachable)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client := mcp.NewClient(c.impl, &mcp.ClientOptions{})
	session, err := client.Connect(ctx, c.clientTransport(endpoint), nil)
	if err != nil {
		return fmt.Errorf("%w: connecting to %s: %w", ErrUnreachable, endpoint, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			c.logger.Debug("closing tool session", "endpoint", endpoint, "error", err)
		}
	}()

	return fn(ctx, session)
}

// ListTools returns the tools offered by endpoint.
func (c *Connector) ListTools(ctx context.Context, endpoint string) ([]Descriptor, error) {
	var tools []Descriptor
	err := c.WithSession(ctx, endpoint, func(ctx context.Context, s *mcp.ClientSession) error {
		res, err := s.ListTools(ctx, &mcp.ListToolsParams{})
		if err != nil {
			return fmt.Errorf("listing tools: %w", err)
		}
		tools = make([]Descriptor, 0, len(res.Tools))
		for _, t := range res.Tools {
			tools = append(tools, descriptorFromTool(t))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// CallTool invokes name on endpoint. A tool-level error result is returned
// as a Result with IsError set, together with ErrToolFailed.
func (c *Connector) CallTool(ctx context.Context, endpoint, name string, args map[string]any) (*Result, error) {
	var result *Result
	err := c.WithSession(ctx, endpoint, func(ctx context.Context, s *mcp.ClientSession) error {
		res, err := s.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
		if err != nil {
			return fmt.Errorf("calling tool %s: %w", name, err)
		}
		result = resultFromCall(res)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return result, fmt.Errorf("%w: %s: %s", ErrToolFailed, name, result.Text)
	}
	return result, nil
}

// ServerInfo describes what a tool endpoint offers.
type ServerInfo struct {
	Name      string       `json:"name"`
	Version   string       `json:"version"`
	Tools     []Descriptor `json:"tools"`
	Prompts   []Prompt     `json:"prompts"`
	Resources []Resource   `json:"resources"`
}

// Prompt is a prompt template advertised by a server.
type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Resource is a resource advertised by a server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
}

// ServerInfo lists the tools, prompts and resources of endpoint in one session.
// Prompts and resources are only queried when the server advertises them.
func (c *Connector) ServerInfo(ctx context.Context, endpoint string) (*ServerInfo, error) {
	info := &ServerInfo{Tools: []Descriptor{}, Prompts: []Prompt{}, Resources: []Resource{}}
	err := c.WithSession(ctx, endpoint, func(ctx context.Context, s *mcp.ClientSession) error {
		var caps *mcp.ServerCapabilities
		if init := s.InitializeResult(); init != nil {
			caps = init.Capabilities
			if init.ServerInfo != nil {
				info.Name = init.ServerInfo.Name
				info.Version = init.ServerInfo.Version
			}
		}

		tools, err := s.ListTools(ctx, &mcp.ListToolsParams{})
		if err != nil {
			return fmt.Errorf("listing tools: %w", err)
		}
		for _, t := range tools.Tools {
			info.Tools = append(info.Tools, descriptorFromTool(t))
		}

		if caps != nil && caps.Prompts != nil {
			prompts, err := s.ListPrompts(ctx, &mcp.ListPromptsParams{})
			if err != nil {
				return fmt.Errorf("listing prompts: %w", err)
			}
			for _, p := range prompts.Prompts {
				info.Prompts = append(info.Prompts, Prompt{Name: p.Name, Description: p.Description})
			}
		}

		if caps != nil && caps.Resources != nil {
			resources, err := s.ListResources(ctx, &mcp.ListResourcesParams{})
			if err != nil {
				return fmt.Errorf("listing resources: %w", err)
			}
			for _, r := range resources.Resources {
				info.Resources = append(info.Resources, Resource{
					URI:         r.URI,
					Name:        r.Name,
					Description: r.Description,
					MIMEType:    r.MIMEType,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Ping checks that endpoint accepts a session and answers a ping.
func (c *Connector) Ping(ctx context.Context, endpoint string) error {
	return c.WithSession(ctx, endpoint, func(ctx context.Context, s *mcp.ClientSession) error {
		if err := s.Ping(ctx, &mcp.PingParams{}); err != nil {
			return fmt.Errorf("pinging: %w", err)
		}
		return nil
	})
}

// PromptMessage is one rendered message of a prompt. Non-text content is
// reported with an empty Text.
type PromptMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// PromptResult is a prompt rendered by a server for the given arguments.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// GetPrompt renders the prompt name on endpoint with args.
func (c *Connector) GetPrompt(ctx context.Context, endpoint, name string, args map[string]string) (*PromptResult, error) {
	var result *PromptResult
	err := c.WithSession(ctx, endpoint, func(ctx context.Context, s *mcp.ClientSession) error {
		res, err := s.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
		if err != nil {
			return fmt.Errorf("getting prompt %s: %w", name, err)
		}
		result = &PromptResult{Description: res.Description, Messages: make([]PromptMessage, 0, len(res.Messages))}
		for _, m := range res.Messages {
			pm := PromptMessage{Role: string(m.Role)}
			if text, ok := m.Content.(*mcp.TextContent); ok {
				pm.Text = text.Text
			}
			result.Messages = append(result.Messages, pm)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ResourceContent is one content item of a read resource. Binary
// resources carry Blob instead of Text.
type ResourceContent struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mime_type,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

// ReadResource fetches the resource at uri from endpoint.
func (c *Connector) ReadResource(ctx context.Context, endpoint, uri string) ([]ResourceContent, error) {
	var contents []ResourceContent
	err := c.WithSession(ctx, endpoint, func(ctx context.Context, s *mcp.ClientSession) error {
		res, err := s.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
		if err != nil {
			return fmt.Errorf("reading resource %s: %w", uri, err)
		}
		contents = make([]ResourceContent, 0, len(res.Contents))
		for _, rc := range res.Contents {
			contents = append(contents, ResourceContent{
				URI:      rc.URI,
				MIMEType: rc.MIMEType,
				Text:     rc.Text,
				Blob:     rc.Blob,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return contents, nil
}

// Result is the flattened outcome of a tool call.
type Result struct {
	Text    string `json:"text"`
	IsError bool   `json:"is_error"`
}

func resultFromCall(res *mcp.CallToolResult) *Result {
	var parts []string
	for _, content := range res.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if b, err := json.Marshal(res.StructuredContent); err == nil {
			parts = append(parts, string(b))
		}
	}
	return &Result{Text: strings.Join(parts, "\n"), IsError: res.IsError}
}
