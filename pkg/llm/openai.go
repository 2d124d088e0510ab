package llm

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider against the OpenAI Chat Completions
// API. Authentication is a bearer token; the system instruction stays
// inline in the message list.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates a provider for the given model.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (p *OpenAIProvider) ModelName() string { return p.model }

func (p *OpenAIProvider) SupportsToolCalling() bool { return true }

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	params := p.buildParams(messages, nil, opts)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	ch := make(chan StreamChunk, 16)
	go func() {
		defer close(ch)
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				select {
				case ch <- StreamChunk{Content: text}:
				case <-ctx.Done():
					return
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

func (p *OpenAIProvider) CallWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (CallResult, error) {
	params := p.buildParams(messages, tools, opts)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return CallResult{}, Classify(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return CallResult{}, NewError(ErrorTypeEmptyResponse, "empty response from openai api")
	}

	choice := resp.Choices[0]
	var toolCalls []ToolCall
	for i := range choice.Message.ToolCalls {
		tc := &choice.Message.ToolCalls[i]
		args, err := decodeArguments(tc.Function.Arguments)
		if err != nil {
			return CallResult{}, WrapError(ErrorTypeBadPrompt, err, "parse tool arguments")
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:         tc.ID,
			Name:       tc.Function.Name,
			Parameters: args,
		})
	}

	return CallResult{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: openaiFinishReason(string(choice.FinishReason)),
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (p *OpenAIProvider) buildParams(messages []Message, tools []ToolDefinition, opts Options) openai.ChatCompletionNewParams {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case RoleSystem:
			converted = append(converted, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			converted = append(converted, openai.AssistantMessage(renderAssistant(msg)))
		default:
			// User and tool-result turns both travel as user content.
			converted = append(converted, openai.UserMessage(renderUserSide(msg)))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       p.model,
		Messages:    converted,
		MaxTokens:   openai.Int(int64(opts.maxTokens())),
		Temperature: openai.Float(float64(opts.Temperature)),
	}

	if len(tools) > 0 {
		toolParams := make([]openai.ChatCompletionToolParam, 0, len(tools))
		for i := range tools {
			tool := &tools[i]
			toolParams = append(toolParams, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters: openai.FunctionParameters(map[string]any{
						"type":       "object",
						"properties": schemaProperties(tool.InputSchema),
						"required":   tool.InputSchema.Required,
					}),
				},
			})
		}
		params.Tools = toolParams
	}
	return params
}

func decodeArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// openaiFinishReason maps OpenAI finish reasons onto the normalized set.
func openaiFinishReason(reason string) FinishReason {
	switch reason {
	case "stop":
		return FinishStop
	case "length":
		return FinishLength
	case "tool_calls", "function_call":
		return FinishToolCalls
	default:
		return FinishStop
	}
}
