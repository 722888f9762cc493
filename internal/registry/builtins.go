package registry

import (
	"context"
	"encoding/json"
	"os"

	"reach/agentcore/internal/errors"
)

// RegisterBuiltins installs the tools Reach ships regardless of which MCP
// servers are configured: echo and a small, workspace-confined filesystem
// pair. workspaceRoot empty disables the confinement check.
func RegisterBuiltins(r *Registry, workspaceRoot string) {
	r.Register(Tool{
		Name:        "tool.echo",
		Description: "Echoes back the provided text argument.",
		Source:      SourceBuiltin,
		Trust:       TrustTrusted,
		invoke:      echoInvoker,
	})
	r.Register(Tool{
		Name:        "tool.read_file",
		Description: "Reads a UTF-8 text file relative to the workspace root.",
		Source:      SourceBuiltin,
		Trust:       TrustModerate,
		invoke:      readFileInvoker(workspaceRoot),
	})
	r.Register(Tool{
		Name:        "tool.write_file",
		Description: "Writes a UTF-8 text file relative to the workspace root.",
		Source:      SourceBuiltin,
		Trust:       TrustUntrusted,
		invoke:      writeFileInvoker(workspaceRoot),
	})
}

type pathArgs struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

func echoInvoker(_ context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return Result{}, errors.New(errors.CodeInvalidArgument, "invalid echo arguments").WithCause(err)
	}
	return Result{Content: a.Text}, nil
}

func readFileInvoker(root string) Invoker {
	return func(_ context.Context, args json.RawMessage) (Result, error) {
		var a pathArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return Result{}, errors.New(errors.CodeInvalidArgument, "invalid read_file arguments").WithCause(err)
		}
		full, err := ResolveWorkspacePath(root, a.Path)
		if err != nil {
			return Result{}, err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return Result{IsError: true, Content: err.Error()}, nil
		}
		return Result{Content: string(data)}, nil
	}
}

func writeFileInvoker(root string) Invoker {
	return func(_ context.Context, args json.RawMessage) (Result, error) {
		var a pathArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return Result{}, errors.New(errors.CodeInvalidArgument, "invalid write_file arguments").WithCause(err)
		}
		full, err := ResolveWorkspacePath(root, a.Path)
		if err != nil {
			return Result{}, err
		}
		if err := os.WriteFile(full, []byte(a.Content), 0o644); err != nil {
			return Result{IsError: true, Content: err.Error()}, nil
		}
		return Result{Content: "ok"}, nil
	}
}
