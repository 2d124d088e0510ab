package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider against the Anthropic Messages API.
// The system instruction travels in the dedicated top-level system field,
// never inside the message list.
type AnthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicProvider creates a provider authenticated with an API key
// (x-api-key header).
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

func (p *AnthropicProvider) ModelName() string { return string(p.model) }

func (p *AnthropicProvider) SupportsToolCalling() bool { return true }

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	params, err := p.buildParams(messages, nil, opts)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	ch := make(chan StreamChunk, 16)
	go func() {
		defer close(ch)
		for stream.Next() {
			event := stream.Current()
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					select {
					case ch <- StreamChunk{Content: delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			ch <- StreamChunk{Error: Classify(err)}
			return
		}
		ch <- StreamChunk{Done: true}
	}()
	return ch, nil
}

func (p *AnthropicProvider) CallWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (CallResult, error) {
	params, err := p.buildParams(messages, tools, opts)
	if err != nil {
		return CallResult{}, err
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return CallResult{}, Classify(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return CallResult{}, NewError(ErrorTypeEmptyResponse, "empty response from anthropic api")
	}

	var content strings.Builder
	var toolCalls []ToolCall
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			content.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			var args map[string]any
			if err := json.Unmarshal(tu.Input, &args); err != nil {
				return CallResult{}, WrapError(ErrorTypeBadPrompt, err, "parse tool input")
			}
			toolCalls = append(toolCalls, ToolCall{ID: tu.ID, Name: tu.Name, Parameters: args})
		}
	}

	return CallResult{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		FinishReason: anthropicFinishReason(string(resp.StopReason)),
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

func (p *AnthropicProvider) buildParams(messages []Message, tools []ToolDefinition, opts Options) (anthropic.MessageNewParams, error) {
	system, rest := splitSystem(messages)
	merged, err := mergeAlternating(rest)
	if err != nil {
		return anthropic.MessageNewParams{}, NewError(ErrorTypeBadPrompt, "message alternation error: %v", err)
	}

	converted := make([]anthropic.MessageParam, 0, len(merged))
	for i := range merged {
		converted = append(converted, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(merged[i].Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(merged[i].Content)},
		})
	}

	params := anthropic.MessageNewParams{
		Model:       p.model,
		Messages:    converted,
		MaxTokens:   int64(opts.maxTokens()),
		Temperature: anthropic.Float(float64(opts.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}

	if len(tools) > 0 {
		toolParams := make([]anthropic.ToolUnionParam, 0, len(tools))
		for i := range tools {
			schema := anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: schemaProperties(tools[i].InputSchema),
				Required:   tools[i].InputSchema.Required,
			}
			toolParams = append(toolParams, anthropic.ToolUnionParamOfTool(schema, tools[i].Name))
		}
		params.Tools = toolParams
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
	return params, nil
}

// mergeAlternating folds the conversation into the strict user/assistant
// alternation the API requires. Tool calls and results are rendered as text
// so consecutive same-role turns collapse into one message.
func mergeAlternating(messages []Message) ([]Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	var merged []Message
	var userParts []string
	flush := func() {
		if len(userParts) > 0 {
			merged = append(merged, Message{Role: RoleUser, Content: strings.Join(userParts, "\n\n")})
			userParts = nil
		}
	}

	for i := range messages {
		msg := &messages[i]
		if msg.Role == RoleAssistant {
			flush()
			merged = append(merged, Message{Role: RoleAssistant, Content: renderAssistant(msg)})
			continue
		}
		// User and tool turns both become user content.
		userParts = append(userParts, renderUserSide(msg))
	}
	flush()

	if merged[0].Role != RoleUser {
		return nil, fmt.Errorf("first message must be user role, got %s", merged[0].Role)
	}
	if merged[len(merged)-1].Role != RoleUser {
		return nil, fmt.Errorf("last message must be user role, got %s", merged[len(merged)-1].Role)
	}
	return merged, nil
}

func renderAssistant(msg *Message) string {
	if len(msg.ToolCalls) == 0 {
		return msg.Content
	}
	var b strings.Builder
	b.WriteString(msg.Content)
	for i := range msg.ToolCalls {
		tc := &msg.ToolCalls[i]
		args, _ := json.Marshal(tc.Parameters)
		fmt.Fprintf(&b, "\n[tool call %s: %s(%s)]", tc.ID, tc.Name, args)
	}
	return b.String()
}

func renderUserSide(msg *Message) string {
	if len(msg.ToolResults) == 0 {
		return msg.Content
	}
	var b strings.Builder
	for i := range msg.ToolResults {
		tr := &msg.ToolResults[i]
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[tool result %s]\n%s", tr.ToolCallID, tr.Content)
	}
	if msg.Content != "" {
		b.WriteString("\n\n")
		b.WriteString(msg.Content)
	}
	return b.String()
}

func schemaProperties(s Schema) any {
	if len(s.Properties) == 0 {
		return nil
	}
	props := make(map[string]any, len(s.Properties))
	for name := range s.Properties {
		prop := s.Properties[name]
		m := map[string]any{"type": prop.Type}
		if prop.Description != "" {
			m["description"] = prop.Description
		}
		if len(prop.Enum) > 0 {
			m["enum"] = prop.Enum
		}
		props[name] = m
	}
	return props
}

// anthropicFinishReason maps Anthropic stop reasons onto the normalized
// set.
func anthropicFinishReason(reason string) FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	default:
		return FinishStop
	}
}
