// Package engine runs the observe-decide-act loop for one task. Each
// iteration sends the accumulated conversation to the LLM provider,
// executes any returned tool calls in order against the workspace and
// sandbox, and terminates on natural completion, the iteration cap, or an
// unrecoverable error. All three outcomes come back as a Result; only
// configuration and programming defects surface as returned errors.
package engine

import (
	"context"
	"fmt"

	"conductor/pkg/config"
	"conductor/pkg/llm"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/runtime"
	"conductor/pkg/taskstore"
	"conductor/pkg/workspace"
)

// Sandbox is the command execution surface the engine's run_command tool
// needs. *sandbox.Manager satisfies it.
type Sandbox interface {
	Exec(ctx context.Context, containerID string, cmd []string) (runtime.ExecResult, error)
}

// Result is the outcome of one task execution.
type Result struct {
	Err            error
	FinalMessage   string
	Iterations     int
	ToolCallsCount int
	TokensUsed     int
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	Success        bool
}

// RunOpts parameterizes one execution.
type RunOpts struct {
	Workspace     *workspace.Workspace
	TaskID        string
	ContainerID   string
	MaxIterations int
	MaxTokens     int
	Temperature   float32
}

// Engine drives task executions against one provider.
type Engine struct {
	provider llm.Provider
	store    taskstore.Store
	sandbox  Sandbox
	metrics  *metrics.Metrics
	counter  *TokenCounter
	logger   *logx.Logger
}

// New creates an engine. metrics may be nil.
func New(provider llm.Provider, store taskstore.Store, sandbox Sandbox, m *metrics.Metrics) *Engine {
	return &Engine{
		provider: provider,
		store:    store,
		sandbox:  sandbox,
		metrics:  m,
		counter:  NewTokenCounter(provider.ModelName()),
		logger:   logx.NewLogger("engine"),
	}
}

// LoadTask reads task metadata from the external store.
func (e *Engine) LoadTask(ctx context.Context, taskID string) (*taskstore.Task, error) {
	return e.store.Get(ctx, taskID)
}

const systemPrompt = `You are an autonomous software engineering agent working inside an isolated sandbox.
The task workspace is mounted at /workspace. Use the provided tools to inspect and modify files and to run commands.
When the task is complete, reply with a final summary message and no further tool calls.`

// ExecuteTask runs the bounded sequential loop for the task. Cancellation
// is observed at the start of each iteration; the context is also threaded
// into every provider call and tool execution so in-flight work aborts.
func (e *Engine) ExecuteTask(ctx context.Context, opts RunOpts) (*Result, error) {
	task, err := e.LoadTask(ctx, opts.TaskID)
	if err != nil {
		return nil, err
	}
	if opts.MaxIterations <= 0 {
		return nil, fmt.Errorf("max iterations must be positive")
	}

	messages := []llm.Message{
		llm.NewSystemMessage(systemPrompt),
		llm.NewUserMessage(formatTask(task)),
	}

	var defs []llm.ToolDefinition
	if e.provider.SupportsToolCalling() {
		defs = ToolDefinitions()
	}

	result := &Result{}
	callOpts := llm.Options{MaxTokens: opts.MaxTokens, Temperature: opts.Temperature}

	for iteration := 1; iteration <= opts.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			result.Err = fmt.Errorf("execution cancelled: %w", err)
			return result, nil
		}
		result.Iterations = iteration

		resp, err := e.provider.CallWithTools(ctx, messages, defs, callOpts)
		if err != nil {
			result.Err = fmt.Errorf("provider call failed: %w", err)
			return result, nil
		}
		e.accountUsage(result, messages, &resp)

		if len(resp.ToolCalls) == 0 {
			// Natural completion: a final message with no further
			// tool calls, or an explicit stop.
			result.Success = true
			result.FinalMessage = resp.Content
			return result, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		toolResults := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for i := range resp.ToolCalls {
			call := &resp.ToolCalls[i]
			output, isError, err := e.executeTool(ctx, opts, call)
			if err != nil {
				result.Err = fmt.Errorf("tool %s failed: %w", call.Name, err)
				return result, nil
			}
			result.ToolCallsCount++
			if e.metrics != nil {
				e.metrics.ToolCallsTotal.WithLabelValues(call.Name).Inc()
			}
			toolResults = append(toolResults, llm.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    output,
				IsError:    isError,
			})
		}
		messages = append(messages, llm.Message{
			Role:        llm.RoleTool,
			ToolResults: toolResults,
		})
	}

	result.Err = fmt.Errorf("max iterations exceeded (%d)", opts.MaxIterations)
	return result, nil
}

// accountUsage folds backend-reported usage into the result, estimating
// with the tokenizer when the backend reported nothing.
func (e *Engine) accountUsage(result *Result, messages []llm.Message, resp *llm.CallResult) {
	usage := resp.Usage
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		for i := range messages {
			usage.InputTokens += e.counter.Count(messages[i].Content)
		}
		usage.OutputTokens = e.counter.Count(resp.Content)
	}
	result.InputTokens += usage.InputTokens
	result.OutputTokens += usage.OutputTokens
	result.TokensUsed += usage.InputTokens + usage.OutputTokens

	if pricing, ok := config.KnownModels[e.provider.ModelName()]; ok {
		result.CostUSD += float64(usage.InputTokens)/1e6*pricing.InputPerMTok +
			float64(usage.OutputTokens)/1e6*pricing.OutputPerMTok
	}
}

func formatTask(task *taskstore.Task) string {
	out := fmt.Sprintf("Task: %s\n\n%s", task.Title, task.Description)
	if task.SuccessCriteria != "" {
		out += fmt.Sprintf("\n\nSuccess criteria:\n%s", task.SuccessCriteria)
	}
	return out
}
