// Package approval is the risk-tiered, user-in-the-loop gate the Executor
// consults before running a step whose tool carries moderate or destructive
// risk.
package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"reach/agentcore/internal/errors"
	"reach/agentcore/internal/events"
	"reach/agentcore/internal/telemetry"
)

// Risk is the tier a step's tool carries.
type Risk string

const (
	RiskSafe        Risk = "safe"
	RiskModerate    Risk = "moderate"
	RiskDestructive Risk = "destructive"
)

// Decision is the terminal state an ApprovalRequest settles into.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionTimeout  Decision = "timeout"
)

// Request is a single user-in-the-loop gate on one step. Invariant: at most
// one decision transition ever mutates it — see Manager.transition.
type Request struct {
	ID        string
	SessionID string
	StepID    string
	Action    string
	Risk      Risk
	CreatedAt time.Time
	Timeout   time.Duration

	mu       sync.Mutex
	decision Decision
	done     chan struct{}
	timer    *time.Timer
}

// Decision reports the request's current terminal state, or DecisionPending
// if it has not yet settled.
func (r *Request) Decision() Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decision
}

// Await blocks until the request settles, the caller's done channel fires,
// or the request's own timeout elapses (handled internally by the Manager).
func (r *Request) Await(cancel <-chan struct{}) Decision {
	select {
	case <-r.done:
	case <-cancel:
	}
	return r.Decision()
}

// fingerprint identifies an action for similarity caching: tool name plus a
// stable hash of its normalized (key-sorted) JSON arguments.
type fingerprint string

func newFingerprint(toolName string, args json.RawMessage) fingerprint {
	normalized := normalizeJSON(args)
	sum := sha256.Sum256([]byte(toolName + "|" + normalized))
	return fingerprint(toolName + ":" + hex.EncodeToString(sum[:]))
}

// normalizeJSON re-marshals args with keys sorted so semantically identical
// argument sets produce the same fingerprint regardless of field order.
func normalizeJSON(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return string(args)
	}
	normalized := sortKeys(v)
	out, err := json.Marshal(normalized)
	if err != nil {
		return string(args)
	}
	return string(out)
}

func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortKeys(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return t
	}
}

// Manager holds the request id -> pending Request mapping and the
// per-session similarity cache.
type Manager struct {
	emitter *events.Emitter
	log     *telemetry.Logger

	mu      sync.Mutex
	pending map[string]*Request
	similar map[string]map[fingerprint]bool // session id -> approved fingerprints
	yolo    map[string]bool                 // session id -> YOLO flag
}

// New constructs a Manager publishing through emitter.
func New(emitter *events.Emitter, log *telemetry.Logger) *Manager {
	if log == nil {
		log = telemetry.NewLogger(nil, telemetry.LevelInfo)
	}
	return &Manager{
		emitter: emitter,
		log:     log.WithComponent("approval"),
		pending: make(map[string]*Request),
		similar: make(map[string]map[fingerprint]bool),
		yolo:    make(map[string]bool),
	}
}

// SetYOLO toggles the session-scoped flag that skips safe/moderate prompts.
// Destructive prompts are never skipped, YOLO or not.
func (m *Manager) SetYOLO(sessionID string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.yolo[sessionID] = enabled
}

// EndSession drops a session's similarity cache and YOLO flag once its
// trace has been flushed.
func (m *Manager) EndSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.similar, sessionID)
	delete(m.yolo, sessionID)
}

// RequestApprovalParams carries the fields request_approval needs to decide
// whether a prompt is necessary at all before creating a Request.
type RequestApprovalParams struct {
	SessionID string
	StepID    string
	Action    string
	Risk      Risk
	Timeout   time.Duration
	ToolName  string
	Args      json.RawMessage
}

// AutoApproved reports whether the action is exempt from prompting: safe
// tier, YOLO-covered moderate tier, or a similarity-cache hit from an
// earlier approve_similar decision in the same session.
func (m *Manager) AutoApproved(p RequestApprovalParams) bool {
	if p.Risk == RiskSafe {
		return true
	}
	if p.Risk == RiskDestructive {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.yolo[p.SessionID] {
		return true
	}
	if cache, ok := m.similar[p.SessionID]; ok {
		fp := newFingerprint(p.ToolName, p.Args)
		if cache[fp] {
			return true
		}
	}
	return false
}

// RequestApproval creates a pending Request and publishes approval_requested.
// Callers that already know AutoApproved(p) is true should skip this and
// treat the step as approved without ever constructing a Request.
func (m *Manager) RequestApproval(p RequestApprovalParams) *Request {
	id := "apr_" + uuid.NewString()

	req := &Request{
		ID:        id,
		SessionID: p.SessionID,
		StepID:    p.StepID,
		Action:    p.Action,
		Risk:      p.Risk,
		CreatedAt: time.Now().UTC(),
		Timeout:   p.Timeout,
		decision:  DecisionPending,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.pending[id] = req
	m.mu.Unlock()

	if m.emitter != nil {
		m.emitter.Publish(events.Event{
			Type:      events.TypeApprovalRequested,
			SessionID: p.SessionID,
			Data: map[string]any{
				"request_id": id,
				"step_id":    p.StepID,
				"action":     p.Action,
				"risk":       string(p.Risk),
			},
		})
	}

	if p.Timeout > 0 {
		req.timer = time.AfterFunc(p.Timeout, func() {
			m.reject(id, true)
		})
	}

	return req
}


// Approve transitions a pending request to approved. If approveSimilar is
// true and the risk tier is not destructive, the fingerprint is cached for
// the session so future matching requests auto-approve.
func (m *Manager) Approve(requestID string, approveSimilar bool, toolName string, args json.RawMessage) error {
	req, err := m.transition(requestID, DecisionApproved)
	if err != nil {
		return err
	}

	if approveSimilar && req.Risk != RiskDestructive {
		m.mu.Lock()
		cache, ok := m.similar[req.SessionID]
		if !ok {
			cache = make(map[fingerprint]bool)
			m.similar[req.SessionID] = cache
		}
		cache[newFingerprint(toolName, args)] = true
		m.mu.Unlock()
	}

	m.publishResolved(req, DecisionApproved)
	return nil
}

// Reject transitions a pending request to rejected.
func (m *Manager) Reject(requestID string) error {
	return m.reject(requestID, false)
}

func (m *Manager) reject(requestID string, isTimeout bool) error {
	decision := DecisionRejected
	if isTimeout {
		decision = DecisionTimeout
	}
	req, err := m.transition(requestID, decision)
	if err != nil {
		return err
	}
	m.publishResolved(req, decision)
	return nil
}

// Resolve is the routing facade UI callers use: "approved" -> Approve,
// "rejected" -> Reject, "timeout" -> Reject (as a timeout decision). Any
// other value is logged and ignored.
func (m *Manager) Resolve(requestID string, decision string, approveSimilar bool, toolName string, args json.RawMessage) error {
	switch decision {
	case "approved":
		return m.Approve(requestID, approveSimilar, toolName, args)
	case "rejected":
		return m.Reject(requestID)
	case "timeout":
		return m.reject(requestID, true)
	default:
		m.log.Warnf("ignoring unknown approval decision %q for request %s", decision, requestID)
		return nil
	}
}

// transition performs the single allowed pending->terminal move. A request
// that has already settled returns an error rather than silently no-op'ing,
// so double-resolution bugs surface instead of hiding.
func (m *Manager) transition(requestID string, decision Decision) (*Request, error) {
	m.mu.Lock()
	req, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()

	if !ok {
		return nil, errors.New(errors.CodeInvalidArgument, "unknown approval request").
			WithContext("request_id", requestID)
	}

	req.mu.Lock()
	if req.decision != DecisionPending {
		current := req.decision
		req.mu.Unlock()
		return nil, errors.New(errors.CodeInvalidArgument, "approval request already settled").
			WithContext("request_id", requestID).
			WithContext("decision", string(current))
	}
	req.decision = decision
	if req.timer != nil {
		req.timer.Stop()
	}
	close(req.done)
	req.mu.Unlock()

	return req, nil
}

func (m *Manager) publishResolved(req *Request, decision Decision) {
	if m.emitter == nil {
		return
	}
	m.emitter.Publish(events.Event{
		Type:      events.TypeApprovalResolved,
		SessionID: req.SessionID,
		Data: map[string]any{
			"request_id": req.ID,
			"step_id":    req.StepID,
			"decision":   string(decision),
		},
	})
}
