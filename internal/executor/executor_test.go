package executor

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"reach/agentcore/internal/approval"
	"reach/agentcore/internal/budget"
	"reach/agentcore/internal/events"
	"reach/agentcore/internal/model"
	"reach/agentcore/internal/planner"
	"reach/agentcore/internal/registry"
	"reach/agentcore/internal/telemetry"
	"reach/agentcore/internal/trace"
)

// fakeProvider is a minimal model.Provider a Planner can route to without
// any network access. No test in this file goes through runSession/Submit,
// so it is never consulted; it only satisfies planner.New, while the tests
// below drive runSteps with a hand-built Plan.
type fakeProvider struct{}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(ctx context.Context, req model.GenerationRequest) (model.GenerationResponse, error) {
	return model.GenerationResponse{Content: "unused"}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req model.GenerationRequest) (io.ReadCloser, error) {
	return nil, nil
}

func (f *fakeProvider) GetCapabilities() model.ProviderCapabilities {
	return model.ProviderCapabilities{MaxContextTokens: 8000}
}

func (f *fakeProvider) GetModels(ctx context.Context) ([]model.ModelInfo, error) { return nil, nil }

func (f *fakeProvider) ValidateConfig() error { return nil }

type testHarness struct {
	exec      *Executor
	reg       *registry.Registry
	approvals *approval.Manager
	emitter   *events.Emitter
	store     *trace.Store
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	log := telemetry.NewLogger(io.Discard, telemetry.LevelError)

	reg := registry.New(log)
	emitter := events.NewEmitter()
	approvals := approval.New(emitter, log)

	dbPath := filepath.Join(t.TempDir(), "traces.db")
	store, err := trace.Open(dbPath, 0)
	if err != nil {
		t.Fatalf("opening trace store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	models := model.NewRegistry()
	if err := models.Register("hosted", &fakeProvider{}); err != nil {
		t.Fatalf("registering fake model provider: %v", err)
	}
	if err := models.SetDefault("hosted"); err != nil {
		t.Fatalf("setting default model provider: %v", err)
	}
	pl := planner.New(models, emitter, log)

	cfg := Config{
		DefaultTokenBudget:    10000,
		DefaultIterationLimit: 20,
		DefaultTimeout:        10 * time.Second,
		WarnThreshold:         0.8,
		MaxStepRetries:        1,
		ErrorPolicy:           ErrorPolicyStop,
	}
	exec := New(reg, approvals, pl, store, emitter, log, cfg)

	return &testHarness{exec: exec, reg: reg, approvals: approvals, emitter: emitter, store: store}
}

// registerTool installs invoke under a unique MCP-namespaced name via
// RegisterMCPTool, one of the two exported paths (RegisterMCPToolsFromServer
// is the other) a caller outside the registry package has for wiring a
// custom Invoker, and returns the name it was registered under.
func (h *testHarness) registerTool(t *testing.T, name string, invoke registry.Invoker) string {
	t.Helper()
	h.reg.RegisterMCPTool("test-server", "test server", registry.TrustTrusted, name, "test tool", nil, invoke)
	return registry.MCPToolName("test-server", name)
}

func succeedingTool(content string) registry.Invoker {
	return func(ctx context.Context, args json.RawMessage) (registry.Result, error) {
		return registry.Result{Content: content}, nil
	}
}

func failingAlwaysTool() registry.Invoker {
	return func(ctx context.Context, args json.RawMessage) (registry.Result, error) {
		return registry.Result{}, errFakeToolFailure
	}
}

// failingNTimesTool fails its first n calls, then succeeds.
func failingNTimesTool(n int, content string) registry.Invoker {
	var mu sync.Mutex
	calls := 0
	return func(ctx context.Context, args json.RawMessage) (registry.Result, error) {
		mu.Lock()
		calls++
		attempt := calls
		mu.Unlock()
		if attempt <= n {
			return registry.Result{}, errFakeToolFailure
		}
		return registry.Result{Content: content}, nil
	}
}

var errFakeToolFailure = &stubErr{"simulated tool failure"}

type stubErr struct{ msg string }

func (e *stubErr) Error() string { return e.msg }

// newSession builds a Session in the idle->executing state directly,
// bypassing Submit/runSession/the Planner entirely so each scenario below
// controls its Plan precisely.
func (h *testHarness) newSession(id string, plan *planner.Plan, tokenBudget int, errPolicy ErrorPolicy) *Session {
	sess := &Session{
		ID:             id,
		Task:           "test task",
		ErrorPolicy:    errPolicy,
		IterationLimit: 20,
		state:          StateExecuting,
		plan:           plan,
		budget:         budget.New(tokenBudget, 0.8),
		stepOutputs:    make(map[string]string),
		createdAt:      time.Now().UTC(),
		startedAt:      time.Now().UTC(),
	}
	h.exec.mu.Lock()
	h.exec.sessions[id] = sess
	h.exec.mu.Unlock()
	return sess
}

func step(id, tool string, risk planner.Risk, dependsOn ...string) planner.Step {
	return planner.Step{
		ID:          id,
		Description: "step " + id,
		Tool:        tool,
		Status:      planner.StepPending,
		DependsOn:   dependsOn,
		Risk:        risk,
	}
}

func waitForTerminal(t *testing.T, sess *Session, timeout time.Duration) State {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if st := sess.State(); st.terminal() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s did not reach a terminal state within %s (last state: %s)", sess.ID, timeout, sess.State())
	return ""
}

func TestRunStepsSingleStepHappyPath(t *testing.T) {
	h := newTestHarness(t)
	toolName := h.registerTool(t, "echo", succeedingTool("hello"))

	plan := &planner.Plan{Goal: "g", Steps: []planner.Step{step("step-1", toolName, planner.RiskSafe)}}
	sess := h.newSession("sess-happy", plan, 10000, ErrorPolicyStop)

	h.exec.runSteps(context.Background(), sess)

	if st := sess.State(); st != StateCompleted {
		t.Fatalf("expected StateCompleted, got %s", st)
	}
	if len(sess.completedSteps) != 1 || sess.completedSteps[0] != "step-1" {
		t.Fatalf("expected step-1 completed, got %v", sess.completedSteps)
	}
	if got := sess.stepOutputs["step-1"]; got != "hello" {
		t.Errorf("expected step output %q, got %q", "hello", got)
	}
}

func TestRunStepsRecordsSpansPerStepAndToolCall(t *testing.T) {
	h := newTestHarness(t)
	toolName := h.registerTool(t, "echo", succeedingTool("hello"))

	plan := &planner.Plan{Goal: "g", Steps: []planner.Step{step("step-1", toolName, planner.RiskSafe)}}
	sess := h.newSession("sess-spans", plan, 10000, ErrorPolicyStop)

	h.exec.runSteps(context.Background(), sess)

	spans := h.exec.Spans(sess.ID)
	var sawStep, sawTool bool
	for _, span := range spans {
		if !span.IsFinished() {
			t.Errorf("span %s left unfinished", span.Name)
		}
		if span.Name == "step:step-1" {
			sawStep = true
		}
		if span.Name == "tool:"+toolName {
			sawTool = true
			if span.ParentID == "" {
				t.Error("expected tool span to be parented to its step span")
			}
		}
	}
	if !sawStep {
		t.Error("expected a finished span for step-1")
	}
	if !sawTool {
		t.Errorf("expected a finished span for tool %s", toolName)
	}
}

func TestRunStepsApprovalRejectionSkipsStep(t *testing.T) {
	h := newTestHarness(t)
	toolName := h.registerTool(t, "destructive-op", succeedingTool("should not run"))

	plan := &planner.Plan{Goal: "g", Steps: []planner.Step{step("step-1", toolName, planner.RiskModerate)}}
	sess := h.newSession("sess-reject", plan, 10000, ErrorPolicyStop)

	sub := h.emitter.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		h.exec.runSteps(context.Background(), sess)
		close(done)
	}()

	requestID := waitForApprovalRequest(t, sub, 2*time.Second)
	if err := h.approvals.Resolve(requestID, "rejected", false, "", nil); err != nil {
		t.Fatalf("resolving approval: %v", err)
	}

	<-done
	if st := sess.State(); st != StateCompleted {
		t.Fatalf("expected StateCompleted (step skipped, not a session failure), got %s", st)
	}
	if len(sess.skippedSteps) != 1 || sess.skippedSteps[0] != "step-1" {
		t.Fatalf("expected step-1 skipped, got %v", sess.skippedSteps)
	}
	if len(sess.completedSteps) != 0 {
		t.Errorf("rejected step must not be recorded completed, got %v", sess.completedSteps)
	}
}

func TestRunStepsApprovalApprovalAllowsStep(t *testing.T) {
	h := newTestHarness(t)
	toolName := h.registerTool(t, "moderate-op", succeedingTool("done"))

	plan := &planner.Plan{Goal: "g", Steps: []planner.Step{step("step-1", toolName, planner.RiskModerate)}}
	sess := h.newSession("sess-approve", plan, 10000, ErrorPolicyStop)

	sub := h.emitter.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		h.exec.runSteps(context.Background(), sess)
		close(done)
	}()

	requestID := waitForApprovalRequest(t, sub, 2*time.Second)
	if err := h.approvals.Resolve(requestID, "approved", false, "", nil); err != nil {
		t.Fatalf("resolving approval: %v", err)
	}

	<-done
	if st := sess.State(); st != StateCompleted {
		t.Fatalf("expected StateCompleted, got %s", st)
	}
	if len(sess.completedSteps) != 1 {
		t.Fatalf("expected step-1 completed, got %v", sess.completedSteps)
	}
}

func waitForApprovalRequest(t *testing.T, sub *events.Subscription, timeout time.Duration) string {
	t.Helper()
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() { close(done) })
	defer timer.Stop()

	for {
		evt, ok := sub.Next(done)
		if !ok {
			t.Fatal("subscription closed before an approval_requested event arrived")
		}
		if evt.Type != events.TypeApprovalRequested {
			continue
		}
		data, ok := evt.Data.(map[string]any)
		if !ok {
			t.Fatalf("unexpected approval_requested data shape: %#v", evt.Data)
		}
		id, _ := data["request_id"].(string)
		if id == "" {
			t.Fatal("approval_requested event carried no request_id")
		}
		return id
	}
}

func TestRunStepsBudgetExhaustionFailsStepAndSession(t *testing.T) {
	h := newTestHarness(t)

	// A chat-tool step's charge estimate is len(description)/2; a tiny
	// budget guarantees the very first precharge rejects it.
	plan := &planner.Plan{Goal: "g", Steps: []planner.Step{
		{ID: "step-1", Description: "this description is deliberately long enough to exceed the budget", Tool: planner.ChatToolName, Status: planner.StepPending, Risk: planner.RiskSafe},
	}}
	sess := h.newSession("sess-budget", plan, 5, ErrorPolicyStop)

	h.exec.runSteps(context.Background(), sess)

	if st := sess.State(); st != StateFailed {
		t.Fatalf("expected StateFailed on budget exhaustion, got %s", st)
	}
	if len(sess.failedSteps) != 1 || sess.failedSteps[0] != "step-1" {
		t.Fatalf("expected step-1 failed, got %v", sess.failedSteps)
	}
}

func TestRunStepsDependencyFailureSkipsDownstreamUnderContinuePolicy(t *testing.T) {
	h := newTestHarness(t)
	failing := h.registerTool(t, "always-fails", failingAlwaysTool())
	succeeding := h.registerTool(t, "never-reached", succeedingTool("n/a"))

	plan := &planner.Plan{Goal: "g", Steps: []planner.Step{
		step("step-1", failing, planner.RiskSafe),
		step("step-2", succeeding, planner.RiskSafe, "step-1"),
	}}
	sess := h.newSession("sess-dep", plan, 10000, ErrorPolicyContinue)

	h.exec.runSteps(context.Background(), sess)

	if st := sess.State(); st != StateCompleted {
		t.Fatalf("expected StateCompleted (failure absorbed by continue policy), got %s", st)
	}
	if len(sess.failedSteps) != 1 || sess.failedSteps[0] != "step-1" {
		t.Fatalf("expected step-1 failed, got %v", sess.failedSteps)
	}
	if len(sess.skippedSteps) != 1 || sess.skippedSteps[0] != "step-2" {
		t.Fatalf("expected step-2 skipped as unreachable, got %v", sess.skippedSteps)
	}
}

func TestRunStepsStopPolicyHaltsOnFirstFailure(t *testing.T) {
	h := newTestHarness(t)
	failing := h.registerTool(t, "always-fails-stop", failingAlwaysTool())
	succeeding := h.registerTool(t, "never-reached-stop", succeedingTool("n/a"))

	plan := &planner.Plan{Goal: "g", Steps: []planner.Step{
		step("step-1", failing, planner.RiskSafe),
		step("step-2", succeeding, planner.RiskSafe),
	}}
	sess := h.newSession("sess-stop", plan, 10000, ErrorPolicyStop)

	h.exec.runSteps(context.Background(), sess)

	if st := sess.State(); st != StateFailed {
		t.Fatalf("expected StateFailed, got %s", st)
	}
	if len(sess.completedSteps) != 0 {
		t.Errorf("stop policy must not run step-2 after step-1 fails, got completed=%v", sess.completedSteps)
	}
}

func TestRunStepsRetriesTransientFailureThenSucceeds(t *testing.T) {
	h := newTestHarness(t)
	// MaxStepRetries is 1 in newTestHarness, so this tool must succeed on
	// its second call (the single retry) to let the step complete.
	toolName := h.registerTool(t, "flaky", failingNTimesTool(1, "recovered"))

	plan := &planner.Plan{Goal: "g", Steps: []planner.Step{step("step-1", toolName, planner.RiskSafe)}}
	sess := h.newSession("sess-retry", plan, 10000, ErrorPolicyStop)

	h.exec.runSteps(context.Background(), sess)

	if st := sess.State(); st != StateCompleted {
		t.Fatalf("expected StateCompleted after the retry recovered, got %s", st)
	}
	if got := sess.stepOutputs["step-1"]; got != "recovered" {
		t.Errorf("expected recovered output, got %q", got)
	}
}

func TestRunStepExitsImmediatelyOnPendingImmediateCancellation(t *testing.T) {
	h := newTestHarness(t)
	toolName := h.registerTool(t, "should-not-run", succeedingTool("should not run"))

	plan := &planner.Plan{Goal: "g", Steps: []planner.Step{step("step-1", toolName, planner.RiskSafe)}}
	sess := h.newSession("sess-cancel-imm", plan, 10000, ErrorPolicyStop)

	sess.mu.Lock()
	sess.cancel = cancelRequest{requested: true, mode: CancelImmediate, resultMode: ResultKeep}
	sess.mu.Unlock()

	h.exec.runStep(context.Background(), sess, 0, plan.Steps[0])

	if st := sess.State(); st != StateCancelled {
		t.Fatalf("expected StateCancelled, got %s", st)
	}
	if plan.Steps[0].Status != planner.StepFailed {
		t.Errorf("expected the interrupted step marked failed, got %s", plan.Steps[0].Status)
	}
	if len(sess.completedSteps) != 0 {
		t.Errorf("an immediately-cancelled step must never be recorded completed, got %v", sess.completedSteps)
	}
}

func TestRunStepFinishesCurrentStepBeforeHonoringAfterCurrentCancellation(t *testing.T) {
	h := newTestHarness(t)
	toolName := h.registerTool(t, "finishes-first", succeedingTool("finished"))

	plan := &planner.Plan{Goal: "g", Steps: []planner.Step{step("step-1", toolName, planner.RiskSafe)}}
	sess := h.newSession("sess-cancel-after", plan, 10000, ErrorPolicyStop)

	sess.mu.Lock()
	sess.cancel = cancelRequest{requested: true, mode: CancelAfterCurrent, resultMode: ResultKeep}
	sess.mu.Unlock()

	h.exec.runStep(context.Background(), sess, 0, plan.Steps[0])

	if st := sess.State(); st != StateCancelled {
		t.Fatalf("expected StateCancelled once the current step finished, got %s", st)
	}
	if plan.Steps[0].Status != planner.StepCompleted {
		t.Errorf("after_current must let the in-flight step complete, got status %s", plan.Steps[0].Status)
	}
	if len(sess.completedSteps) != 1 {
		t.Errorf("expected step-1 recorded completed before cancellation took effect, got %v", sess.completedSteps)
	}
}

func TestCancelAfterCurrentLetsRunningStepFinishBeforeStopping(t *testing.T) {
	h := newTestHarness(t)
	release := make(chan struct{})
	first := h.registerTool(t, "slow-first", func(ctx context.Context, args json.RawMessage) (registry.Result, error) {
		<-release
		return registry.Result{Content: "first done"}, nil
	})
	second := h.registerTool(t, "unreached-second", succeedingTool("should not run"))

	plan := &planner.Plan{Goal: "g", Steps: []planner.Step{
		step("step-1", first, planner.RiskSafe),
		step("step-2", second, planner.RiskSafe),
	}}
	sess := h.newSession("sess-cancel-concurrent", plan, 10000, ErrorPolicyStop)

	sub := h.emitter.Subscribe()
	defer sub.Close()

	go func() { h.exec.runSteps(context.Background(), sess) }()

	// step-1's tool is blocked on release, so the cancellation below is
	// guaranteed to land before step-1 completes.
	waitForEventType(t, sub, events.TypeStepStarted, 2*time.Second)
	if err := h.exec.Cancel(sess.ID, CancelAfterCurrent, ResultKeep); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)

	st := waitForTerminal(t, sess, 2*time.Second)
	if st != StateCancelled {
		t.Fatalf("expected StateCancelled, got %s", st)
	}
	if len(sess.completedSteps) != 1 || sess.completedSteps[0] != "step-1" {
		t.Fatalf("expected step-1 to finish before cancellation stopped the loop, got %v", sess.completedSteps)
	}
}

func waitForEventType(t *testing.T, sub *events.Subscription, want events.Type, timeout time.Duration) events.Event {
	t.Helper()
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() { close(done) })
	defer timer.Stop()

	for {
		evt, ok := sub.Next(done)
		if !ok {
			t.Fatalf("subscription closed before a %s event arrived", want)
		}
		if evt.Type == want {
			return evt
		}
	}
}

func TestActivityLogRecordsStepLifecycle(t *testing.T) {
	h := newTestHarness(t)
	toolName := h.registerTool(t, "activity-check", succeedingTool("ok"))

	plan := &planner.Plan{Goal: "g", Steps: []planner.Step{step("step-1", toolName, planner.RiskSafe)}}
	sess := h.newSession("sess-activity", plan, 10000, ErrorPolicyStop)

	h.exec.runSteps(context.Background(), sess)

	entries := h.exec.Activity(sess.ID)
	var sawStarted, sawCompleted bool
	for _, e := range entries {
		if e.SessionID != sess.ID {
			t.Errorf("activity entry leaked from another session: %+v", e)
		}
		switch e.Type {
		case ActivityStepStarted:
			sawStarted = true
		case ActivityStepCompleted:
			sawCompleted = true
		}
	}
	if !sawStarted || !sawCompleted {
		t.Fatalf("expected both step.started and step.completed activity entries, got %+v", entries)
	}
}
