package llm

import (
	"context"
	"sync"

	"google.golang.org/genai"
)

// GoogleProvider implements Provider against the Gemini API. The system
// instruction travels in the dedicated SystemInstruction config field.
// Client creation needs a context, so it is deferred to first use.
type GoogleProvider struct {
	client *genai.Client
	apiKey string
	model  string
	mu     sync.Mutex
}

// NewGoogleProvider creates a provider for the given model.
func NewGoogleProvider(apiKey, model string) *GoogleProvider {
	return &GoogleProvider{apiKey: apiKey, model: model}
}

func (p *GoogleProvider) ModelName() string { return p.model }

func (p *GoogleProvider) SupportsToolCalling() bool { return true }

func (p *GoogleProvider) ensureClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, WrapError(ErrorTypeAuth, err, "create gemini client")
	}
	p.client = client
	return client, nil
}

func (p *GoogleProvider) Chat(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	client, err := p.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	contents, cfg := p.buildRequest(messages, nil, opts)

	ch := make(chan StreamChunk, 16)
	go func() {
		defer close(ch)
		for resp, err := range client.Models.GenerateContentStream(ctx, p.model, contents, cfg) {
			if err != nil {
				if ctx.Err() == nil {
					ch <- StreamChunk{Error: Classify(err)}
				}
				return
			}
			if text := resp.Text(); text != "" {
				select {
				case ch <- StreamChunk{Content: text}:
				case <-ctx.Done():
					return
				}
			}
		}
		ch <- StreamChunk{Done: true}
	}()
	return ch, nil
}

func (p *GoogleProvider) CallWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (CallResult, error) {
	client, err := p.ensureClient(ctx)
	if err != nil {
		return CallResult{}, err
	}
	contents, cfg := p.buildRequest(messages, tools, opts)

	resp, err := client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return CallResult{}, Classify(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return CallResult{}, NewError(ErrorTypeEmptyResponse, "empty response from gemini api")
	}

	result := CallResult{
		Content:      resp.Text(),
		FinishReason: googleFinishReason(resp.Candidates[0].FinishReason),
	}
	if resp.UsageMetadata != nil {
		result.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if calls := resp.FunctionCalls(); len(calls) > 0 {
		result.FinishReason = FinishToolCalls
		for _, call := range calls {
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:         call.ID,
				Name:       call.Name,
				Parameters: call.Args,
			})
		}
	}
	return result, nil
}

func (p *GoogleProvider) buildRequest(messages []Message, tools []ToolDefinition, opts Options) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, rest := splitSystem(messages)

	contents := make([]*genai.Content, 0, len(rest))
	for i := range rest {
		msg := &rest[i]
		role := genai.RoleUser
		text := renderUserSide(msg)
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
			text = renderAssistant(msg)
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: text}},
		})
	}

	temperature := opts.Temperature
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(opts.maxTokens()),
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for i := range tools {
			tool := &tools[i]
			props := make(map[string]*genai.Schema, len(tool.InputSchema.Properties))
			for name := range tool.InputSchema.Properties {
				prop := tool.InputSchema.Properties[name]
				props[name] = &genai.Schema{
					Type:        genaiType(prop.Type),
					Description: prop.Description,
				}
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters: &genai.Schema{
					Type:       genai.TypeObject,
					Properties: props,
					Required:   tool.InputSchema.Required,
				},
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return contents, cfg
}

func genaiType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// googleFinishReason maps Gemini finish reasons onto the normalized set.
func googleFinishReason(reason genai.FinishReason) FinishReason {
	switch reason {
	case genai.FinishReasonStop:
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishLength
	default:
		return FinishStop
	}
}
