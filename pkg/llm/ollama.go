package llm

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// OllamaProvider implements Provider against a local Ollama server. No
// authentication; the system instruction stays inline in the message list.
type OllamaProvider struct {
	client *api.Client
	model  string
}

// NewOllamaProvider creates a provider for the given server URL, falling
// back to the standard local address when the URL does not parse.
func NewOllamaProvider(hostURL, model string) *OllamaProvider {
	parsed, err := url.Parse(hostURL)
	if err != nil || hostURL == "" {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	return &OllamaProvider{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

func (p *OllamaProvider) ModelName() string { return p.model }

func (p *OllamaProvider) SupportsToolCalling() bool { return true }

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	stream := true
	req := &api.ChatRequest{
		Model:    p.model,
		Messages: convertMessagesToOllama(messages),
		Stream:   &stream,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.maxTokens(),
		},
	}

	ch := make(chan StreamChunk, 16)
	go func() {
		defer close(ch)
		err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				select {
				case ch <- StreamChunk{Content: resp.Message.Content}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			ch <- StreamChunk{Error: Classify(err)}
			return
		}
		ch <- StreamChunk{Done: true}
	}()
	return ch, nil
}

func (p *OllamaProvider) CallWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (CallResult, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    p.model,
		Messages: convertMessagesToOllama(messages),
		Stream:   &stream,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.maxTokens(),
		},
	}
	if len(tools) > 0 {
		req.Tools = convertToolsToOllama(tools)
	}

	var last api.ChatResponse
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		last = resp
		return nil
	})
	if err != nil {
		return CallResult{}, Classify(err)
	}

	result := CallResult{
		Content:      last.Message.Content,
		FinishReason: ollamaFinishReason(&last),
		Usage: Usage{
			InputTokens:  last.Metrics.PromptEvalCount,
			OutputTokens: last.Metrics.EvalCount,
		},
	}
	for i := range last.Message.ToolCalls {
		tc := &last.Message.ToolCalls[i]
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			Name:       tc.Function.Name,
			Parameters: map[string]any(tc.Function.Arguments),
		})
	}
	return result, nil
}

func convertMessagesToOllama(messages []Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for i := range messages {
		msg := &messages[i]

		if len(msg.ToolResults) > 0 {
			// Tool results travel as dedicated tool-role messages.
			for j := range msg.ToolResults {
				out = append(out, api.Message{
					Role:    "tool",
					Content: msg.ToolResults[j].Content,
				})
			}
			if msg.Content == "" {
				continue
			}
		}

		out = append(out, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return out
}

func convertToolsToOllama(tools []ToolDefinition) api.Tools {
	out := make(api.Tools, len(tools))
	for i := range tools {
		tool := &tools[i]
		properties := make(map[string]api.ToolProperty, len(tool.InputSchema.Properties))
		for name := range tool.InputSchema.Properties {
			prop := tool.InputSchema.Properties[name]
			converted := api.ToolProperty{
				Type:        api.PropertyType{prop.Type},
				Description: prop.Description,
			}
			if len(prop.Enum) > 0 {
				enum := make([]any, len(prop.Enum))
				for j, v := range prop.Enum {
					enum[j] = v
				}
				converted.Enum = enum
			}
			properties[name] = converted
		}

		out[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       "object",
					Properties: properties,
					Required:   tool.InputSchema.Required,
				},
			},
		}
	}
	return out
}

// ollamaFinishReason maps Ollama done reasons onto the normalized set. A
// response carrying tool calls wins over the reported reason.
func ollamaFinishReason(resp *api.ChatResponse) FinishReason {
	if len(resp.Message.ToolCalls) > 0 {
		return FinishToolCalls
	}
	switch resp.DoneReason {
	case "length", "limit":
		return FinishLength
	case "stop":
		return FinishStop
	default:
		return FinishStop
	}
}
