// ABOUTME: Language-model completion collaborator used by agent workers
// ABOUTME: OpenAIClient targets any OpenAI-compatible chat completions API via openai-go

package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// ErrCompletion wraps every failure of the completion API.
var ErrCompletion = errors.New("completion failed")

// Defaults for the completion endpoint.
const (
	DefaultBaseURL = "https://api.deepseek.com"
	DefaultModel   = "deepseek-chat"
)

// Role of a message in the prompt.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one prompt entry.
type Message struct {
	Role    Role
	Content string
}

// Tool is a function the model may request.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one completion call.
type Request struct {
	System   string
	Messages []Message
	Tools    []Tool
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Response carries the reply text and any requested tool calls.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Completer produces a reply for a prompt.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Options configures an OpenAIClient.
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

// OpenAIClient implements Completer with the openai-go SDK.
type OpenAIClient struct {
	client  openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewOpenAIClient creates a client. Empty options fall back to the defaults.
func NewOpenAIClient(opts Options) *OpenAIClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := openai.NewClient(
		option.WithAPIKey(opts.APIKey),
		option.WithBaseURL(opts.BaseURL),
		option.WithMaxRetries(opts.MaxRetries),
	)
	return &OpenAIClient{
		client:  client,
		model:   opts.Model,
		timeout: opts.Timeout,
		logger:  opts.Logger.With("component", "completion"),
	}
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string { return c.model }

// Complete sends one chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: buildMessages(req),
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  shared.FunctionParameters(tool.Parameters),
				},
			})
		}
		params.Tools = tools
	}

	c.logger.Debug("requesting completion",
		"model", c.model,
		"messages", len(params.Messages),
		"tools", len(req.Tools))

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompletion, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", ErrCompletion)
	}

	msg := resp.Choices[0].Message
	out := &Response{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func buildMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
