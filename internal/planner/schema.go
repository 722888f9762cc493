package planner

import (
	"encoding/json"
	"errors"
	"fmt"
)

// errInvalidPlanPayload is the sentinel every validation failure wraps, so
// callers can recognize "the model's reply didn't pass validation" as a
// class of error distinct from a transport failure.
var errInvalidPlanPayload = errors.New("invalid plan payload")

// rawStep is the shape the LLM gateway is asked to emit per step: depends_on
// is a list of 1-based indices into the reply's own steps array (the model
// cannot know the stable ids the Planner assigns after validation).
type rawStep struct {
	Description string          `json:"description"`
	Tool        string          `json:"tool,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	DependsOn   []int           `json:"depends_on,omitempty"`
	Risk        string          `json:"risk"`
}

// validatePlanReply parses and validates the model's raw JSON reply with
// manual field-presence checks rather than a reflection-based JSON-schema
// validator.
func validatePlanReply(raw []byte) ([]rawStep, error) {
	var body struct {
		Steps []map[string]any `json:"steps"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: reply is not a json object with a steps array: %v", errInvalidPlanPayload, err)
	}
	if len(body.Steps) == 0 {
		return nil, fmt.Errorf("%w: steps array is empty", errInvalidPlanPayload)
	}

	steps := make([]rawStep, 0, len(body.Steps))
	for i, raw := range body.Steps {
		step, err := validateStepFields(i, raw)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	for i, s := range steps {
		for _, dep := range s.DependsOn {
			if dep < 1 || dep > len(steps) || dep == i+1 {
				return nil, fmt.Errorf("%w: step %d has out-of-range or self-referential depends_on index %d", errInvalidPlanPayload, i+1, dep)
			}
		}
	}

	return steps, nil
}

func validateStepFields(index int, raw map[string]any) (rawStep, error) {
	description, ok := raw["description"].(string)
	if !ok || description == "" {
		return rawStep{}, fmt.Errorf("%w: step %d requires a non-empty description", errInvalidPlanPayload, index+1)
	}

	riskStr, ok := raw["risk"].(string)
	if !ok {
		return rawStep{}, fmt.Errorf("%w: step %d requires a risk field", errInvalidPlanPayload, index+1)
	}
	switch Risk(riskStr) {
	case RiskSafe, RiskModerate, RiskDestructive:
	default:
		return rawStep{}, fmt.Errorf("%w: step %d has unrecognized risk %q", errInvalidPlanPayload, index+1, riskStr)
	}

	step := rawStep{Description: description, Risk: riskStr}

	if tool, ok := raw["tool"]; ok {
		toolName, ok := tool.(string)
		if !ok {
			return rawStep{}, fmt.Errorf("%w: step %d tool must be a string", errInvalidPlanPayload, index+1)
		}
		step.Tool = toolName
	}

	if args, ok := raw["args"]; ok {
		encoded, err := json.Marshal(args)
		if err != nil {
			return rawStep{}, fmt.Errorf("%w: step %d args could not be re-encoded: %v", errInvalidPlanPayload, index+1, err)
		}
		step.Args = encoded
	}

	if deps, ok := raw["depends_on"]; ok {
		list, ok := deps.([]any)
		if !ok {
			return rawStep{}, fmt.Errorf("%w: step %d depends_on must be an array", errInvalidPlanPayload, index+1)
		}
		for _, d := range list {
			n, ok := d.(float64)
			if !ok {
				return rawStep{}, fmt.Errorf("%w: step %d depends_on entries must be integers", errInvalidPlanPayload, index+1)
			}
			step.DependsOn = append(step.DependsOn, int(n))
		}
	}

	return step, nil
}
