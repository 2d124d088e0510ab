// Package llm provides a uniform provider abstraction over multiple LLM
// backends. Each adapter normalizes authentication, request shape, system
// instruction placement, and the location of incremental text inside the
// backend's native streaming envelope.
package llm

import (
	"context"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason is the normalized termination signal. Backend-specific codes
// map onto this closed set; unrecognized codes default to FinishStop.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
)

// Message is one turn of a conversation.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// ToolResult carries the outcome of one executed tool call back to the
// model.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
	IsError    bool
}

// ToolDefinition declares a tool the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema Schema
}

// Schema is a JSON-schema-shaped parameter declaration.
type Schema struct {
	Properties map[string]Property
	Type       string
	Required   []string
}

// Property describes one schema field.
type Property struct {
	Properties  map[string]*Property
	Items       *Property
	Type        string
	Description string
	Enum        []string
}

// Options tunes a single request.
type Options struct {
	MaxTokens   int
	Temperature float32
}

const defaultMaxTokens = 4096

func (o Options) maxTokens() int {
	if o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return defaultMaxTokens
}

// StreamChunk is one increment of a streamed completion.
type StreamChunk struct {
	Error   error
	Content string
	Done    bool
}

// Usage is the backend-reported token accounting for one call. Zero values
// mean the backend did not report usage.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// CallResult is the aggregated outcome of a tool-enabled call.
type CallResult struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        Usage
}

// Provider is the capability set implemented per backend.
type Provider interface {
	// Chat streams text increments for the conversation. The channel is
	// closed once the backend signals completion; canceling ctx abandons
	// the stream.
	Chat(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error)

	// CallWithTools performs a single aggregated round trip, optionally
	// returning tool calls for the engine to execute.
	CallWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (CallResult, error)

	// SupportsToolCalling reports whether the backend can return
	// structured tool calls.
	SupportsToolCalling() bool

	// ModelName returns the configured model identifier.
	ModelName() string
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// splitSystem separates system messages from the conversation for backends
// that take the system instruction as a dedicated request field.
func splitSystem(messages []Message) (system string, rest []Message) {
	var parts []string
	rest = make([]Message, 0, len(messages))
	for i := range messages {
		if messages[i].Role == RoleSystem {
			parts = append(parts, messages[i].Content)
			continue
		}
		rest = append(rest, messages[i])
	}
	return strings.Join(parts, "\n\n"), rest
}
