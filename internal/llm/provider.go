// Package llm abstracts the language model used to produce conversational
// replies, including its function-calling side channel.
package llm

import "context"

// Role identifies the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of conversation history passed to the model.
type Message struct {
	Role    Role
	Content string
	// ToolCallID ties a RoleTool message back to the call it answers.
	ToolCallID string
	// Calls carries the function calls an assistant message issued.
	Calls []FunctionCall
}

// FunctionCall is a model-requested invocation of a registered tool.
type FunctionCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes a callable function exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a single model invocation.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	Temperature  float64
	MaxTokens    int
}

// Reply is the model output. Content may be empty when the model chose to
// call functions instead of answering directly.
type Reply struct {
	Content       string
	FunctionCalls []FunctionCall
}

// Provider generates replies. Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Reply, error)
}
