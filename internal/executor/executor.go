// Package executor drives a Plan step by step: dependency-respecting
// scheduling, approval gating, budget pre-charge, retries with backoff,
// and cooperative two-axis cancellation, recording every transition to
// the trace as it goes.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"reach/agentcore/internal/approval"
	"reach/agentcore/internal/budget"
	"reach/agentcore/internal/contextkeys"
	"reach/agentcore/internal/errors"
	"reach/agentcore/internal/events"
	"reach/agentcore/internal/model"
	"reach/agentcore/internal/planner"
	"reach/agentcore/internal/registry"
	"reach/agentcore/internal/telemetry"
	"reach/agentcore/internal/trace"

	"github.com/google/uuid"

	"reach/agentcore/internal/backpressure"
)

// Executor is the process-wide session runner. It holds every other
// process-scoped service by constructor injection, per the "global
// singletons become explicit services" redesign.
type Executor struct {
	registry  *registry.Registry
	approvals *approval.Manager
	planner   *planner.Planner
	store     *trace.Store
	emitter   *events.Emitter
	log       *telemetry.Logger
	cfg       Config

	activity          *ActivityLog
	models            *model.Registry
	summaryProviderID string
	tracer            *telemetry.Tracer

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs an Executor. cfg supplies the defaults new sessions start
// with absent an override in SubmitOptions.
func New(reg *registry.Registry, approvals *approval.Manager, pl *planner.Planner, store *trace.Store, emitter *events.Emitter, log *telemetry.Logger, cfg Config) *Executor {
	return &Executor{
		registry:  reg,
		approvals: approvals,
		planner:   pl,
		store:     store,
		emitter:   emitter,
		log:       log,
		cfg:       cfg,
		activity:  NewActivityLog(10000),
		tracer:    telemetry.NewTracer(),
		sessions:  make(map[string]*Session),
	}
}

// WithSummaryModels gives the Executor a model Registry to use for the
// best-effort natural-language explanation on a session's terminal Summary.
// Without one, Summary.Explanation is left to its canned fallback text.
func (e *Executor) WithSummaryModels(models *model.Registry, providerID string) *Executor {
	e.models = models
	e.summaryProviderID = providerID
	return e
}

// Activity returns the entries recorded for sessionID in the process-local
// activity log, independent of the (persisted) Trace Store.
func (e *Executor) Activity(sessionID string) []ActivityEntry {
	return e.activity.ForSession(sessionID)
}

// Spans returns the finished, in-process latency spans recorded for
// sessionID (one per step, nested with one per tool/LLM call), independent
// of the persisted Trace Store. Spans are process-local and lost on
// restart, the same tradeoff as Activity.
func (e *Executor) Spans(sessionID string) []*telemetry.Span {
	var out []*telemetry.Span
	for _, span := range e.tracer.Snapshot() {
		if span.Tags["session_id"] == sessionID {
			out = append(out, span)
		}
	}
	return out
}

// Submit creates a new Session for task and starts running it in the
// background. It returns immediately with the session id; progress is
// observable through the Emitter and the Trace Store.
func (e *Executor) Submit(task string, opts SubmitOptions) string {
	tokenBudget := opts.TokenBudget
	if tokenBudget <= 0 {
		tokenBudget = e.cfg.DefaultTokenBudget
	}
	iterationLimit := opts.IterationLimit
	if iterationLimit <= 0 {
		iterationLimit = e.cfg.DefaultIterationLimit
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	errPolicy := opts.ErrorPolicy
	if errPolicy == "" {
		errPolicy = e.cfg.ErrorPolicy
	}

	sess := &Session{
		ID:             "sess_" + uuid.NewString(),
		Task:           task,
		ErrorPolicy:    errPolicy,
		IterationLimit: iterationLimit,
		state:          StateIdle,
		budget:         budget.New(tokenBudget, e.cfg.WarnThreshold),
		stepOutputs:    make(map[string]string),
		createdAt:      time.Now().UTC(),
	}

	e.mu.Lock()
	e.sessions[sess.ID] = sess
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx = contextkeys.ContextWithSessionID(ctx, sess.ID)

	go func() {
		defer cancel()
		e.runSession(ctx, sess)
	}()

	return sess.ID
}

// Cancel installs a cancellation request on a session. mode and resultMode
// are honored at the session's next suspension point.
func (e *Executor) Cancel(sessionID string, mode CancelMode, resultMode ResultMode) error {
	if mode == "" {
		mode = CancelAfterCurrent
	}
	if resultMode == "" {
		resultMode = ResultKeep
	}

	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return errors.New(errors.CodeInvalidArgument, "unknown session").WithContext("session_id", sessionID)
	}

	sess.mu.Lock()
	sess.cancel = cancelRequest{requested: true, mode: mode, resultMode: resultMode}
	sess.mu.Unlock()
	return nil
}

// Session returns a snapshot of a session's bookkeeping, or false if it is
// unknown to this Executor.
func (e *Executor) Session(sessionID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[sessionID]
	return sess, ok
}

func (e *Executor) runSession(ctx context.Context, sess *Session) {
	if err := e.store.StartSession(ctx, sess.ID, sess.Task, sess.createdAt); err != nil {
		e.log.Errorf("session %s: failed to persist session start: %v", sess.ID, err)
	}

	e.transition(sess, StatePlanning)

	plan := e.planner.Create(ctx, sess.ID, sess.Task, e.registry.ListTools())
	sess.mu.Lock()
	sess.plan = plan
	sess.startedAt = time.Now().UTC()
	sess.mu.Unlock()

	e.transition(sess, StateExecuting)
	e.runSteps(ctx, sess)
}

// runSteps repeatedly picks the next dependency-eligible pending step
// (ties broken by original plan order) until none remain pending, a
// terminal condition fires, or cancellation is honored.
func (e *Executor) runSteps(ctx context.Context, sess *Session) {
	for {
		if sess.State().terminal() {
			return
		}

		if honored := e.checkCancellation(sess); honored {
			e.finish(sess, StateCancelled, "")
			return
		}

		sess.mu.Lock()
		sess.iterations++
		overLimit := sess.iterations > sess.IterationLimit
		sess.mu.Unlock()
		if overLimit {
			e.emit(sess.ID, events.TypeIterationLimit, map[string]any{"limit": sess.IterationLimit})
			e.finish(sess, StateFailed, "")
			return
		}

		idx, step, ok := e.nextEligibleStep(sess)
		if !ok {
			e.blockRemainingSteps(sess)
			e.finish(sess, StateCompleted, "")
			return
		}

		e.runStep(ctx, sess, idx, step)

		if sess.State().terminal() {
			return
		}
	}
}

// nextEligibleStep scans the plan in original order for the first pending
// step whose dependencies are all terminal (completed or skipped).
func (e *Executor) nextEligibleStep(sess *Session) (int, planner.Step, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.plan == nil {
		return 0, planner.Step{}, false
	}

	statusOf := func(id string) planner.StepStatus {
		for _, st := range sess.plan.Steps {
			if st.ID == id {
				return st.Status
			}
		}
		return planner.StepPending
	}

	for i, st := range sess.plan.Steps {
		if st.Status != planner.StepPending {
			continue
		}
		ready := true
		for _, dep := range st.DependsOn {
			depStatus := statusOf(dep)
			if depStatus != planner.StepCompleted && depStatus != planner.StepSkipped {
				ready = false
				break
			}
		}
		if ready {
			return i, st, true
		}
	}
	return 0, planner.Step{}, false
}

// blockRemainingSteps marks any step still pending (because a dependency
// failed and will never reach completed/skipped) as skipped, so the
// session reaches a clean terminal summary instead of stalling.
func (e *Executor) blockRemainingSteps(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.plan == nil {
		return
	}
	for i := range sess.plan.Steps {
		if sess.plan.Steps[i].Status == planner.StepPending {
			sess.plan.Steps[i].Status = planner.StepSkipped
			sess.skippedSteps = append(sess.skippedSteps, sess.plan.Steps[i].ID)
		}
	}
}

// checkCancellation honors an immediate cancellation request by reporting
// true. after_current cancellations are only honored between steps, once
// no step is currently running — callers of runSteps only reach this
// check between iterations, so after_current is satisfied naturally here.
func (e *Executor) checkCancellation(sess *Session) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.cancel.requested
}

func (e *Executor) runStep(ctx context.Context, sess *Session, idx int, step planner.Step) {
	span := e.tracer.StartSpan("step:" + step.ID)
	span.SetTag("session_id", sess.ID)
	span.SetTag("step_id", step.ID)
	span.SetTag("tool", step.Tool)
	ctx = telemetry.ContextWithSpan(ctx, span)

	e.setStepStatus(sess, idx, planner.StepRunning)
	e.emit(sess.ID, events.TypeStepStarted, map[string]any{"step_id": step.ID, "description": step.Description})
	e.activity.Record(ActivityEntry{Type: ActivityStepStarted, SessionID: sess.ID, StepID: step.ID, Message: step.Description})

	if e.honorImmediateMidStep(sess) {
		e.setStepStatus(sess, idx, planner.StepFailed)
		e.emit(sess.ID, events.TypeStepCompleted, map[string]any{"step_id": step.ID, "status": "failed", "reason": "cancelled"})
		span.AddEvent("cancelled", "immediate cancellation before step ran")
		span.Finish()
		e.finish(sess, StateCancelled, "")
		return
	}

	// AutoApproved already special-cases safe risk; calling it unconditionally
	// collapses the three-tier approval branching into one path.
	approved, skip := e.gateApproval(sess, step)
	if skip {
		e.setStepStatus(sess, idx, planner.StepSkipped)
		sess.mu.Lock()
		sess.skippedSteps = append(sess.skippedSteps, step.ID)
		sess.mu.Unlock()
		e.emit(sess.ID, events.TypeStepCompleted, map[string]any{"step_id": step.ID, "status": "skipped", "reason": "approval_denied"})
		e.activity.Record(ActivityEntry{Type: ActivityStepSkipped, SessionID: sess.ID, StepID: step.ID, Message: "approval denied"})
		span.AddEvent("skipped", "approval denied")
		span.Finish()
		return
	}
	if !approved {
		// cancellation interrupted the approval wait
		e.setStepStatus(sess, idx, planner.StepFailed)
		sess.mu.Lock()
		sess.failedSteps = append(sess.failedSteps, step.ID)
		sess.mu.Unlock()
		span.FinishWithError(fmt.Errorf("cancelled during approval wait"))
		e.finish(sess, StateCancelled, "")
		return
	}

	if step.Tool != "" {
		if ok := e.precharge(sess, step); !ok {
			e.setStepStatus(sess, idx, planner.StepFailed)
			sess.mu.Lock()
			sess.failedSteps = append(sess.failedSteps, step.ID)
			sess.mu.Unlock()
			span.FinishWithError(fmt.Errorf("budget exceeded"))
			e.finish(sess, StateFailed, "")
			return
		}
	}

	tool, found := e.registry.GetTool(step.Tool)
	if !found {
		err := errors.New(errors.CodeToolNotFound, fmt.Sprintf("tool %q not found", step.Tool))
		span.FinishWithError(err)
		e.handleStepFailure(sess, idx, step, err)
		return
	}

	rawArgs := step.Args
	if step.Tool == planner.ChatToolName && len(rawArgs) == 0 {
		rawArgs, _ = json.Marshal(map[string]string{"prompt": step.Description})
	}
	args := substituteArgs(rawArgs, e.snapshotOutputs(sess))

	e.emit(sess.ID, events.TypeToolCalled, map[string]any{"step_id": step.ID, "tool": step.Tool})

	result, err := e.invokeWithRetry(ctx, sess, tool, args)
	if err != nil {
		span.FinishWithError(err)
		e.handleStepFailure(sess, idx, step, err)
		return
	}

	e.reconcile(sess, estimateTokens(step), len(result.Content)/4)

	sess.mu.Lock()
	sess.stepOutputs[step.ID] = result.Content
	sess.completedSteps = append(sess.completedSteps, step.ID)
	sess.mu.Unlock()

	e.emit(sess.ID, events.TypeToolResult, map[string]any{"step_id": step.ID, "content": result.Content, "is_error": result.IsError})
	e.setStepStatus(sess, idx, planner.StepCompleted)
	e.emit(sess.ID, events.TypeStepCompleted, map[string]any{"step_id": step.ID, "status": "completed"})
	e.activity.Record(ActivityEntry{Type: ActivityStepCompleted, SessionID: sess.ID, StepID: step.ID})
	span.Finish()

	e.honorAfterCurrentIfRequested(sess)
}

// honorImmediateMidStep reports whether an immediate-mode cancellation
// arrived before this step even began its tool call.
func (e *Executor) honorImmediateMidStep(sess *Session) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.cancel.requested && sess.cancel.mode == CancelImmediate
}

// honorAfterCurrentIfRequested transitions to cancelled once the current
// step has finished, if an after_current cancellation is pending.
func (e *Executor) honorAfterCurrentIfRequested(sess *Session) {
	sess.mu.Lock()
	pending := sess.cancel.requested
	sess.mu.Unlock()
	if pending {
		e.finish(sess, StateCancelled, "")
	}
}

func (e *Executor) gateApproval(sess *Session, step planner.Step) (approved bool, skipped bool) {
	params := approval.RequestApprovalParams{
		SessionID: sess.ID,
		StepID:    step.ID,
		Action:    step.Description,
		Risk:      approval.Risk(step.Risk),
		ToolName:  step.Tool,
		Args:      step.Args,
	}

	if e.approvals.AutoApproved(params) {
		return true, false
	}

	req := e.approvals.RequestApproval(params)
	cancelCh := make(chan struct{})
	go func() {
		for {
			sess.mu.Lock()
			requested := sess.cancel.requested
			sess.mu.Unlock()
			if requested || req.Decision() != approval.DecisionPending {
				close(cancelCh)
				return
			}
			time.Sleep(25 * time.Millisecond)
		}
	}()

	decision := req.Await(cancelCh)
	switch decision {
	case approval.DecisionApproved:
		return true, false
	case approval.DecisionRejected, approval.DecisionTimeout:
		return false, true
	default:
		// pending: a cancellation request interrupted the wait
		return false, false
	}
}

func (e *Executor) precharge(sess *Session, step planner.Step) bool {
	estimate := estimateTokens(step)
	if estimate <= 0 {
		return true
	}
	crossed, err := sess.budget.Consume(estimate)
	if err != nil {
		e.emit(sess.ID, events.TypeBudgetExceeded, map[string]any{"step_id": step.ID})
		return false
	}
	if crossed {
		e.emit(sess.ID, events.TypeBudgetWarning, map[string]any{"used": sess.budget.Used(), "max": sess.budget.Max()})
		e.activity.Record(ActivityEntry{Type: ActivityBudgetWarning, SessionID: sess.ID, StepID: step.ID})
	}
	return true
}

// reconcile charges the delta if a step's actual usage exceeded its
// pre-charged estimate. Budget is monotonic (no refund primitive), so an
// actual usage below the estimate is simply left uncharged for the
// difference.
func (e *Executor) reconcile(sess *Session, estimate, actual int) {
	if actual <= estimate {
		return
	}
	if _, err := sess.budget.Consume(actual - estimate); err != nil {
		e.emit(sess.ID, events.TypeBudgetExceeded, map[string]any{"reconcile": true})
	}
}

func estimateTokens(step planner.Step) int {
	if step.Tool == planner.ChatToolName {
		return len(step.Description) / 2
	}
	return 0
}

func (e *Executor) invokeWithRetry(ctx context.Context, sess *Session, tool registry.Tool, args []byte) (registry.Result, error) {
	var parentID telemetry.SpanID
	if parent, ok := telemetry.SpanFromContext(ctx); ok {
		parentID = parent.ID
	}
	span := e.tracer.StartSpanWithParent("tool:"+tool.Name, parentID)
	span.SetTag("session_id", sess.ID)
	span.SetTag("tool", tool.Name)

	opts := backpressure.DefaultRetryOptions()
	if e.cfg.MaxStepRetries > 0 {
		opts.MaxRetries = e.cfg.MaxStepRetries
	}

	attempt := 0
	var result registry.Result
	retryErr := backpressure.Retry(ctx, opts, func() error {
		attempt++
		var err error
		result, err = tool.Execute(ctx, args)
		if err != nil {
			span.AddEvent("retry", fmt.Sprintf("attempt %d failed: %v", attempt, err))
			return errors.Wrap(err, errors.CodeToolExecutionError, "tool execution failed").WithContext("tool", tool.Name)
		}
		return nil
	})
	if retryErr != nil {
		span.FinishWithError(retryErr)
		return registry.Result{}, retryErr
	}
	span.Finish()
	return result, nil
}

func (e *Executor) handleStepFailure(sess *Session, idx int, step planner.Step, err error) {
	e.emit(sess.ID, events.TypeError, map[string]any{"step_id": step.ID, "message": err.Error()})
	e.setStepStatus(sess, idx, planner.StepFailed)
	sess.mu.Lock()
	sess.failedSteps = append(sess.failedSteps, step.ID)
	policy := sess.ErrorPolicy
	sess.mu.Unlock()
	e.emit(sess.ID, events.TypeStepCompleted, map[string]any{"step_id": step.ID, "status": "failed"})
	e.activity.Record(ActivityEntry{Type: ActivityStepFailed, SessionID: sess.ID, StepID: step.ID, Message: err.Error()})

	switch policy {
	case ErrorPolicyStop:
		e.finish(sess, StateFailed, "")
	case ErrorPolicyContinue, ErrorPolicyRetry:
		// step already retried inside invokeWithRetry; continue scheduling
	default:
		e.finish(sess, StateFailed, "")
	}
}

func (e *Executor) setStepStatus(sess *Session, idx int, status planner.StepStatus) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.plan != nil && idx < len(sess.plan.Steps) {
		sess.plan.Steps[idx].Status = status
	}
}

func (e *Executor) snapshotOutputs(sess *Session) map[string]string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make(map[string]string, len(sess.stepOutputs))
	for k, v := range sess.stepOutputs {
		out[k] = v
	}
	return out
}

func (e *Executor) transition(sess *Session, state State) {
	sess.mu.Lock()
	sess.state = state
	sess.mu.Unlock()
	e.emit(sess.ID, events.TypeStateChange, map[string]any{"state": string(state)})
}

func (e *Executor) finish(sess *Session, state State, explanation string) {
	sess.mu.Lock()
	if sess.state.terminal() {
		sess.mu.Unlock()
		return
	}
	sess.state = state
	summary := Summary{
		Goal:             sess.Task,
		State:            state,
		CompletedSteps:   append([]string{}, sess.completedSteps...),
		SkippedSteps:     append([]string{}, sess.skippedSteps...),
		FailedSteps:      append([]string{}, sess.failedSteps...),
		RemainingBudget:  sess.budget.Remaining(),
		RollbackIntended: sess.cancel.resultMode == ResultRollback,
		Explanation:      explanation,
	}
	sess.mu.Unlock()

	if summary.Explanation == "" {
		summary.Explanation = e.explain(sess, summary)
	}

	evtType := events.TypeCompleted
	switch state {
	case StateFailed:
		evtType = events.TypeError
	case StateCancelled:
		evtType = events.TypeCancelled
		e.activity.Record(ActivityEntry{Type: ActivityCancelled, SessionID: sess.ID})
	}
	e.emit(sess.ID, evtType, summary)
	e.emit(sess.ID, events.TypeStateChange, map[string]any{"state": string(state)})

	if err := e.store.EndSession(context.Background(), sess.ID, time.Now().UTC(), len(summary.CompletedSteps)+len(summary.SkippedSteps)+len(summary.FailedSteps), sess.budget.Used(), 0); err != nil {
		e.log.Errorf("session %s: failed to persist session end: %v", sess.ID, err)
	}
}

// explain produces a short, best-effort natural-language summary of how a
// session ended. Failure of any kind (no models wired, provider error,
// timeout) falls back to a canned string — a session's terminal event is
// never blocked on this.
func (e *Executor) explain(sess *Session, summary Summary) string {
	span := e.tracer.StartSpan("explain:" + sess.ID)
	span.SetTag("session_id", sess.ID)
	span.SetTag("provider", e.summaryProviderID)
	defer span.Finish()

	fallback := fmt.Sprintf("%s: %d completed, %d skipped, %d failed", summary.State, len(summary.CompletedSteps), len(summary.SkippedSteps), len(summary.FailedSteps))
	if e.models == nil {
		span.AddEvent("no_models", "no model registry configured")
		return fallback
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	provider, err := e.models.GetWithFallback(ctx, e.summaryProviderID)
	if err != nil {
		span.FinishWithError(err)
		return fallback
	}

	prompt := fmt.Sprintf(
		"Task: %s\nOutcome: %s\nCompleted steps: %d\nSkipped steps: %d\nFailed steps: %d\nIn one short sentence, summarize what happened for the user.",
		sess.Task, summary.State, len(summary.CompletedSteps), len(summary.SkippedSteps), len(summary.FailedSteps),
	)
	resp, err := provider.Generate(ctx, model.GenerationRequest{Messages: []model.Message{{Role: "user", Content: prompt}}})
	if err != nil || resp.Content == "" {
		if err != nil {
			span.FinishWithError(err)
		}
		return fallback
	}
	return resp.Content
}

func (e *Executor) emit(sessionID string, t events.Type, data any) {
	e.emitter.Publish(events.Event{Type: t, SessionID: sessionID, Data: data})
}
