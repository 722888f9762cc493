package registry

import (
	"context"
	"encoding/json"

	"reach/agentcore/internal/errors"
	"reach/agentcore/internal/model"
)

// chatArgs is the argument shape every planner-generated chat step carries:
// a prompt to send straight to the routed model, no tool semantics beyond
// "ask the model and return its reply".
type chatArgs struct {
	Prompt string `json:"prompt"`
}

// RegisterChatTool installs ChatToolName as a builtin, trusted tool that
// forwards its prompt argument to providerID through models. This is the
// tool every Planner fallback plan and every step without a domain-specific
// tool ultimately targets, keeping model dispatch behind the same
// name->Invoker lookup every other tool goes through.
func RegisterChatTool(r *Registry, models *model.Registry, providerID string) {
	r.Register(Tool{
		Name:        "tool.chat",
		Description: "Sends a prompt to the routed language model and returns its reply.",
		Source:      SourceBuiltin,
		Trust:       TrustTrusted,
		invoke:      chatInvoker(models, providerID),
	})
}

func chatInvoker(models *model.Registry, providerID string) Invoker {
	return func(ctx context.Context, args json.RawMessage) (Result, error) {
		var a chatArgs
		if len(args) > 0 {
			if err := json.Unmarshal(args, &a); err != nil {
				return Result{}, errors.New(errors.CodeInvalidArgument, "invalid chat arguments").WithCause(err)
			}
		}
		if a.Prompt == "" {
			return Result{}, errors.New(errors.CodeInvalidArgument, "chat step requires a prompt")
		}

		provider, err := models.GetWithFallback(ctx, providerID)
		if err != nil {
			return Result{}, errors.Wrap(err, errors.CodeAgentTransportError, "no model provider available for chat step")
		}

		resp, err := provider.Generate(ctx, model.GenerationRequest{
			Messages: []model.Message{{Role: "user", Content: a.Prompt}},
		})
		if err != nil {
			return Result{}, errors.Wrap(err, errors.CodeAgentTransportError, "chat generation failed")
		}
		return Result{Content: resp.Content}, nil
	}
}
