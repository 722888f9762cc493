// Package planner turns a user request into a typed, validated Plan by
// prompting the LLM gateway for a JSON list of steps. Any transport error,
// validation failure, or empty plan falls back to a single-step plan
// targeting the generic chat tool.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"reach/agentcore/internal/events"
	"reach/agentcore/internal/model"
	"reach/agentcore/internal/registry"
	"reach/agentcore/internal/telemetry"
)

var planJSONSchema = json.RawMessage(`{
  "type": "object",
  "required": ["steps"],
  "properties": {
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["description", "risk"],
        "properties": {
          "description": {"type": "string"},
          "tool": {"type": "string"},
          "args": {"type": "object"},
          "depends_on": {"type": "array", "items": {"type": "integer"}},
          "risk": {"type": "string", "enum": ["safe", "moderate", "destructive"]}
        }
      }
    }
  }
}`)

// Planner produces a typed Plan from a task, the currently registered
// tools, and a session id to attach to emitted events. It holds its model
// Registry by constructor injection, never through model.GetGlobal.
type Planner struct {
	models  *model.Registry
	emitter *events.Emitter
	log     *telemetry.Logger
}

// New constructs a Planner against the given model Registry and event
// Emitter.
func New(models *model.Registry, emitter *events.Emitter, log *telemetry.Logger) *Planner {
	return &Planner{models: models, emitter: emitter, log: log}
}

// Create composes a structured prompt for task, asks the routed model for
// a JSON plan, validates it, and returns the result. On any failure it
// publishes an error event and returns the single-step fallback plan
// instead of propagating the failure to the caller — per the component
// contract, Create never leaves a session without a usable Plan.
func (p *Planner) Create(ctx context.Context, sessionID, task string, tools []registry.Tool) *Plan {
	category := classify(task)
	r := routeFor(category)

	providerID := r.provider
	provider, err := p.models.GetWithFallback(ctx, providerID)
	if err != nil {
		p.publishError(sessionID, fmt.Errorf("resolving model provider: %w", err))
		return fallbackPlan(task)
	}

	p.emitter.Publish(events.Event{
		Type:      events.TypeModelSelected,
		SessionID: sessionID,
		Data: map[string]any{
			"category": string(category),
			"provider": providerID,
			"model":    r.model,
		},
	})

	req := model.GenerationRequest{
		Model:        r.model,
		SystemPrompt: planningSystemPrompt(tools),
		Messages: []model.Message{
			{Role: "user", Content: task},
		},
		ResponseFormat: &model.ResponseFormat{Type: "json_schema", JSONSchema: planJSONSchema},
	}

	resp, err := provider.Generate(ctx, req)
	if err != nil {
		p.publishError(sessionID, fmt.Errorf("generating plan: %w", err))
		return fallbackPlan(task)
	}

	rawSteps, err := validatePlanReply([]byte(resp.Content))
	if err != nil {
		p.publishError(sessionID, err)
		return fallbackPlan(task)
	}

	plan := toPlan(task, rawSteps)

	p.emitter.Publish(events.Event{
		Type:      events.TypePlanCreated,
		SessionID: sessionID,
		Data:      plan,
	})
	return plan
}

func (p *Planner) publishError(sessionID string, err error) {
	p.log.Warnf("planner falling back to single-step plan: %v", err)
	p.emitter.Publish(events.Event{
		Type:      events.TypeError,
		SessionID: sessionID,
		Data:      map[string]any{"message": err.Error()},
	})
}

// stepID is deterministic and 1-based so depends_on indices map directly.
func stepID(index int) string {
	return "step-" + strconv.Itoa(index+1)
}

func toPlan(task string, rawSteps []rawStep) *Plan {
	steps := make([]Step, 0, len(rawSteps))
	for i, rs := range rawSteps {
		var deps []string
		for _, d := range rs.DependsOn {
			deps = append(deps, stepID(d-1))
		}
		tool := rs.Tool
		if tool == "" {
			tool = ChatToolName
		}
		steps = append(steps, Step{
			ID:          stepID(i),
			Description: rs.Description,
			Tool:        tool,
			Args:        rs.Args,
			Status:      StepPending,
			DependsOn:   deps,
			Risk:        Risk(rs.Risk),
		})
	}
	return &Plan{Goal: task, Steps: steps}
}

// fallbackPlan builds the spec's required single-step fallback: one Step
// whose description is the original request, whose tool is the generic
// chat tool, and whose risk is moderate.
func fallbackPlan(task string) *Plan {
	return &Plan{
		Goal: task,
		Steps: []Step{
			{
				ID:          stepID(0),
				Description: task,
				Tool:        ChatToolName,
				Status:      StepPending,
				Risk:        RiskModerate,
			},
		},
	}
}

func planningSystemPrompt(tools []registry.Tool) string {
	var b strings.Builder
	b.WriteString("You are a planning assistant. Decompose the user's request into an ordered list of steps. ")
	b.WriteString("Reply with a JSON object of the form {\"steps\": [{\"description\":...,\"tool\":...,\"args\":{...},\"depends_on\":[...],\"risk\":\"safe|moderate|destructive\"}]}. ")
	b.WriteString("depends_on entries are 1-based indices into this same steps array. ")
	if len(tools) == 0 {
		b.WriteString("No tools are currently registered; only produce steps with no tool field.")
		return b.String()
	}
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return b.String()
}
