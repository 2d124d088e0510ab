package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"conductor/pkg/llm"
)

// Tool names form a closed dispatch set. The model may only request these.
const (
	toolReadFile   = "read_file"
	toolWriteFile  = "write_file"
	toolListFiles  = "list_files"
	toolRunCommand = "run_command"
)

// readFileLimit caps how much of a file is returned to the model.
const readFileLimit = 64 * 1024

// ToolDefinitions returns the tool schema advertised to the provider.
func ToolDefinitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        toolReadFile,
			Description: "Read a file from the task workspace.",
			InputSchema: llm.Schema{
				Type: "object",
				Properties: map[string]llm.Property{
					"path": {Type: "string", Description: "Path relative to the workspace root."},
				},
				Required: []string{"path"},
			},
		},
		{
			Name:        toolWriteFile,
			Description: "Write a file in the task workspace, creating parent directories as needed.",
			InputSchema: llm.Schema{
				Type: "object",
				Properties: map[string]llm.Property{
					"path":    {Type: "string", Description: "Path relative to the workspace root."},
					"content": {Type: "string", Description: "Full file content to write."},
				},
				Required: []string{"path", "content"},
			},
		},
		{
			Name:        toolListFiles,
			Description: "List directory entries in the task workspace.",
			InputSchema: llm.Schema{
				Type: "object",
				Properties: map[string]llm.Property{
					"path": {Type: "string", Description: "Directory relative to the workspace root. Defaults to the root."},
				},
			},
		},
		{
			Name:        toolRunCommand,
			Description: "Run a shell command inside the sandbox container, from the workspace mount.",
			InputSchema: llm.Schema{
				Type: "object",
				Properties: map[string]llm.Property{
					"command": {Type: "string", Description: "Shell command line to execute."},
				},
				Required: []string{"command"},
			},
		},
	}
}

// executeTool dispatches one tool call. The boolean marks results the model
// should treat as failures (bad arguments, missing files, nonzero exits);
// the error return is reserved for infrastructure faults that end the run.
func (e *Engine) executeTool(ctx context.Context, opts RunOpts, call *llm.ToolCall) (string, bool, error) {
	switch call.Name {
	case toolReadFile:
		return e.readFile(opts, call)
	case toolWriteFile:
		return e.writeFile(opts, call)
	case toolListFiles:
		return e.listFiles(opts, call)
	case toolRunCommand:
		return e.runCommand(ctx, opts, call)
	default:
		return fmt.Sprintf("unknown tool %q", call.Name), true, nil
	}
}

func (e *Engine) readFile(opts RunOpts, call *llm.ToolCall) (string, bool, error) {
	rel, ok := stringParam(call, "path")
	if !ok {
		return "read_file requires a path argument", true, nil
	}
	abs, err := opts.Workspace.ResolvePath(rel)
	if err != nil {
		return err.Error(), true, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("file not found: %s", rel), true, nil
		}
		return "", false, err
	}
	if len(data) > readFileLimit {
		return string(data[:readFileLimit]) + "\n[truncated]", false, nil
	}
	return string(data), false, nil
}

func (e *Engine) writeFile(opts RunOpts, call *llm.ToolCall) (string, bool, error) {
	rel, ok := stringParam(call, "path")
	if !ok {
		return "write_file requires a path argument", true, nil
	}
	content, ok := stringParam(call, "content")
	if !ok {
		return "write_file requires a content argument", true, nil
	}

	abs, err := opts.Workspace.ResolvePath(rel)
	if err != nil {
		return err.Error(), true, nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", false, err
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", false, err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), false, nil
}

func (e *Engine) listFiles(opts RunOpts, call *llm.ToolCall) (string, bool, error) {
	rel, _ := stringParam(call, "path")
	if rel == "" {
		rel = "."
	}
	abs, err := opts.Workspace.ResolvePath(rel)
	if err != nil {
		return err.Error(), true, nil
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("directory not found: %s", rel), true, nil
		}
		return "", false, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty directory)", false, nil
	}
	return strings.Join(names, "\n"), false, nil
}

func (e *Engine) runCommand(ctx context.Context, opts RunOpts, call *llm.ToolCall) (string, bool, error) {
	command, ok := stringParam(call, "command")
	if !ok {
		return "run_command requires a command argument", true, nil
	}
	if opts.ContainerID == "" {
		return "no sandbox container available for this task", true, nil
	}

	res, err := e.sandbox.Exec(ctx, opts.ContainerID, []string{"/bin/sh", "-c", command})
	if err != nil {
		return "", false, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
	if res.Stdout != "" {
		b.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		if res.Stdout != "" {
			b.WriteString("\n")
		}
		b.WriteString(res.Stderr)
	}
	return b.String(), res.ExitCode != 0, nil
}

func stringParam(call *llm.ToolCall, key string) (string, bool) {
	value, ok := call.Parameters[key].(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
