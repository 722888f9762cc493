package planner

import "encoding/json"

// StepStatus tracks a Step through its one-directional lifecycle.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Risk mirrors the Approval Manager's risk tier so a Step can be evaluated
// for an approval gate without importing the approval package's own type.
type Risk string

const (
	RiskSafe        Risk = "safe"
	RiskModerate    Risk = "moderate"
	RiskDestructive Risk = "destructive"
)

// Step is one unit of work in a Plan.
type Step struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Tool        string          `json:"tool,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Status      StepStatus      `json:"status"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Risk        Risk            `json:"risk"`
}

// Plan is an ordered sequence of Steps plus the original goal string. Once
// returned from Create it is immutable except for per-step status
// mutations the Executor applies as it runs.
type Plan struct {
	Goal  string `json:"goal"`
	Steps []Step `json:"steps"`
}

// Category is the closed set of task classifications used for model
// routing. Unrecognized input always classifies as CategoryGeneral.
type Category string

const (
	CategorySimpleQuery    Category = "simple_query"
	CategoryCodeGeneration Category = "code_generation"
	CategoryCodeReview     Category = "code_review"
	CategoryResearch       Category = "research"
	CategoryCreative       Category = "creative"
	CategoryAnalysis       Category = "analysis"
	CategoryGeneral        Category = "general"
)

// ChatToolName is the generic fallback tool every single-step fallback
// Plan targets.
const ChatToolName = "tool.chat"
