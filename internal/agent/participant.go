// ABOUTME: Participant variants: humans, LLM agents and tool agents
// ABOUTME: Capabilities decide who reacts to mentions and who contributes tools

package agent

import "github.com/2389/coven-rooms/internal/store"

// Kind names a participant variant.
type Kind string

const (
	KindHuman Kind = "human"
	KindLLM   Kind = "llm"
	KindTool  Kind = "tool"
)

// Participant is a member of a room. The set of implementations is closed:
// Human, LlmAgent and ToolAgent.
type Participant interface {
	ID() string
	Name() string
	Kind() Kind
	// CanReact reports whether the participant answers mentions.
	CanReact() bool
	// CanProvideTools reports whether the participant exposes callable tools.
	CanProvideTools() bool

	sealed()
}

// Human is a person connected through the HTTP API.
type Human struct {
	UserID   string
	Username string
}

func (h Human) ID() string            { return h.UserID }
func (h Human) Name() string          { return h.Username }
func (h Human) Kind() Kind            { return KindHuman }
func (h Human) CanReact() bool        { return false }
func (h Human) CanProvideTools() bool { return false }
func (Human) sealed()                 {}

// LlmAgent replies to mentions using a language model.
type LlmAgent struct {
	UserID       string
	Username     string
	SystemPrompt string
}

func (a LlmAgent) ID() string            { return a.UserID }
func (a LlmAgent) Name() string          { return a.Username }
func (a LlmAgent) Kind() Kind            { return KindLLM }
func (a LlmAgent) CanReact() bool        { return true }
func (a LlmAgent) CanProvideTools() bool { return false }
func (LlmAgent) sealed()                 {}

// ToolAgent exposes tools over a remote tool protocol endpoint.
type ToolAgent struct {
	UserID   string
	Username string
	Endpoint string
}

func (a ToolAgent) ID() string     { return a.UserID }
func (a ToolAgent) Name() string   { return a.Username }
func (a ToolAgent) Kind() Kind     { return KindTool }
func (a ToolAgent) CanReact() bool { return false }

// CanProvideTools is false when no endpoint is configured.
func (a ToolAgent) CanProvideTools() bool { return a.Endpoint != "" }
func (ToolAgent) sealed()                 {}

// FromUser maps a stored user to its participant variant by role.
func FromUser(u *store.User) Participant {
	switch u.Role {
	case store.RoleLLM:
		return LlmAgent{UserID: u.ID, Username: u.Username}
	case store.RoleMCP:
		return ToolAgent{UserID: u.ID, Username: u.Username, Endpoint: u.ToolEndpoint}
	default:
		return Human{UserID: u.ID, Username: u.Username}
	}
}
