package pattern

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tapestry/internal/action"
	"tapestry/internal/agent"
	"tapestry/internal/config"
	"tapestry/internal/logging"
)

// Reserved execution-context keys. The context is a mutable key-value bag
// scoped to one top-level invocation and its nested calls; it is never
// shared across unrelated invocations.
const (
	KeyRecursionDepth = "_recursion_depth"
	KeyParentPattern  = "_parent_pattern"
	KeyPatternID      = "_pattern_id"
)

// State is the lifecycle state of one pattern invocation. Succeeded,
// Failed, and RecursionLimitExceeded are terminal; the engine performs no
// retries.
type State string

const (
	StatePending                State = "pending"
	StateRunning                State = "running"
	StateSucceeded              State = "succeeded"
	StateFailed                 State = "failed"
	StateRecursionLimitExceeded State = "recursion_limit_exceeded"
)

// ErrRecursionLimit marks a nested invocation refused by the depth guard.
// The refusal is terminal for the nested call and non-fatal to the parent
// unless the parent treats it as fatal.
var ErrRecursionLimit = errors.New("recursion limit exceeded")

// StepError describes one step-level failure collected during a run.
type StepError struct {
	StepID  string `json:"step_id"`
	Action  string `json:"action"`
	Message string `json:"message"`
}

// Result is what every pattern execution returns. Handler and provider
// failures are captured here; they never escape the engine boundary.
type Result struct {
	PatternID     string                 `json:"pattern_id"`
	State         State                  `json:"state"`
	Success       bool                   `json:"success"`
	Outputs       map[string]interface{} `json:"outputs"`
	Errors        []StepError            `json:"errors"`
	StepsExecuted int                    `json:"steps_executed"`
	DurationMs    int64                  `json:"duration_ms"`
}

// Engine executes patterns. Steps run strictly sequentially within one
// invocation; independent invocations may run concurrently, each with its
// own context and outputs.
type Engine struct {
	loader   *Loader
	registry *action.Registry
	runtime  *agent.Runtime
	maxDepth int
	failFast bool
}

// NewEngine wires an engine to its loader, dispatch table, and provider
// runtime, and registers the execute_pattern action. cfg.MaxRecursionDepth
// is the only recursion bound in the system.
func NewEngine(loader *Loader, registry *action.Registry, runtime *agent.Runtime, cfg config.EngineConfig) *Engine {
	e := &Engine{
		loader:   loader,
		registry: registry,
		runtime:  runtime,
		maxDepth: cfg.MaxRecursionDepth,
		failFast: cfg.FailFast,
	}
	if err := registry.RegisterFunc(action.ActionExecutePattern, e.execNestedPattern); err != nil {
		logging.Get(logging.CategoryEngine).Error("NewEngine: %v", err)
	}
	return e
}

// GetPattern returns the cached, immutable pattern definition.
func (e *Engine) GetPattern(id string) (*Pattern, error) {
	return e.loader.GetPattern(id)
}

// ValidateActions reports the steps of a pattern whose action identifier is
// not registered. Load-time check; the runtime fallback still catches
// actions that disappear later.
func (e *Engine) ValidateActions(p *Pattern) []string {
	var unknown []string
	for _, step := range p.Steps {
		if !e.registry.Has(step.Action) {
			unknown = append(unknown, fmt.Sprintf("step %s: unknown action %q", step.ID, step.Action))
		}
	}
	return unknown
}

// ExecutePatternByID loads a pattern and executes it. A missing or invalid
// pattern is a structural failure reported as an error, distinct from
// step-level failures inside a Result.
func (e *Engine) ExecutePatternByID(id string, ctx map[string]interface{}) (*Result, error) {
	p, err := e.GetPattern(id)
	if err != nil {
		return nil, err
	}
	return e.ExecutePattern(p, ctx), nil
}

// ExecutePattern runs a pattern's steps in declared order against the given
// context. Step errors are collected without aborting unless fail_fast is
// configured or the recursion guard refuses the whole invocation.
func (e *Engine) ExecutePattern(p *Pattern, ctx map[string]interface{}) *Result {
	start := time.Now()
	if ctx == nil {
		ctx = make(map[string]interface{})
	}
	if _, ok := ctx[KeyRecursionDepth]; !ok {
		ctx[KeyRecursionDepth] = 0
	}
	ctx[KeyPatternID] = p.ID

	result := &Result{
		PatternID: p.ID,
		State:     StatePending,
		Outputs:   make(map[string]interface{}),
	}

	depth := intValue(ctx[KeyRecursionDepth])
	if depth > e.maxDepth {
		result.State = StateRecursionLimitExceeded
		result.Errors = append(result.Errors, StepError{
			Message: fmt.Sprintf("%v: depth %d exceeds max %d", ErrRecursionLimit, depth, e.maxDepth),
		})
		result.DurationMs = time.Since(start).Milliseconds()
		logging.Get(logging.CategoryEngine).Warn("ExecutePattern: %s refused at depth %d (max %d)", p.ID, depth, e.maxDepth)
		return result
	}

	result.State = StateRunning
	logging.Engine("ExecutePattern: %s (version=%s, steps=%d, depth=%d)", p.ID, p.Version, len(p.Steps), depth)

	for _, step := range p.Steps {
		stepResult, stepErr := e.executeStep(p, step, ctx, result.Outputs)

		result.Outputs[step.ID] = stepResult
		for _, name := range step.Outputs {
			result.Outputs[name] = stepResult
		}
		result.StepsExecuted++

		if stepErr != nil {
			result.Errors = append(result.Errors, StepError{
				StepID:  step.ID,
				Action:  step.Action,
				Message: stepErr.Error(),
			})
			if e.failFast {
				logging.Get(logging.CategoryEngine).Warn("ExecutePattern: %s aborting at step %s (fail_fast)", p.ID, step.ID)
				break
			}
		}
	}

	result.Success = len(result.Errors) == 0
	if result.Success {
		result.State = StateSucceeded
	} else {
		result.State = StateFailed
	}
	result.DurationMs = time.Since(start).Milliseconds()

	e.track(p, ctx, result)
	logging.Engine("ExecutePattern: %s finished state=%s steps=%d errors=%d in %dms",
		p.ID, result.State, result.StepsExecuted, len(result.Errors), result.DurationMs)
	return result
}

// executeStep resolves one step's params and dispatches it. Capability
// requirements are validated before dispatch so a missing capability is
// reported distinctly from a failure inside a found provider.
func (e *Engine) executeStep(p *Pattern, step Step, ctx, outputs map[string]interface{}) (interface{}, error) {
	logging.EngineDebug("executeStep: pattern=%s step=%s action=%s", p.ID, step.ID, step.Action)

	if len(step.Capabilities) > 0 {
		required := make([]agent.Capability, len(step.Capabilities))
		for i, c := range step.Capabilities {
			required[i] = agent.Capability(c)
		}
		if validation := e.runtime.ValidateRequired(required); !validation.Satisfied {
			err := fmt.Errorf("%w: %v", agent.ErrCapabilityNotFound, validation.Missing)
			return map[string]interface{}{
				"error":   err.Error(),
				"missing": validation.Missing,
			}, err
		}
	}

	resolved, unresolvedRefs := action.ResolveParams(step.Params, ctx, outputs)
	if step.Agent != "" {
		if _, set := resolved["provider"]; !set {
			resolved["provider"] = step.Agent
		}
	}

	stepResult, err := e.registry.Dispatch(step.Action, resolved, ctx, outputs)

	// Unresolved references are recorded in the step result, not raised.
	if len(unresolvedRefs) > 0 {
		if m, ok := stepResult.(map[string]interface{}); ok {
			m["unresolved_refs"] = unresolvedRefs
		}
		logging.Get(logging.CategoryEngine).Warn("executeStep: %s/%s unresolved refs: %v", p.ID, step.ID, unresolvedRefs)
	}

	return stepResult, err
}

// execNestedPattern is the execute_pattern action: it recurses back into the
// engine under the depth guard. This guard is the engine's only
// cancellation-like control; there is no timeout at this layer.
func (e *Engine) execNestedPattern(params, ctx, outputs map[string]interface{}) (interface{}, error) {
	patternID, _ := params["pattern_id"].(string)
	if patternID == "" {
		return nil, fmt.Errorf("execute_pattern: pattern_id required")
	}

	depth := intValue(ctx[KeyRecursionDepth])
	if depth > e.maxDepth {
		logging.Get(logging.CategoryEngine).Warn("execute_pattern: refusing %s at depth %d (max %d)", patternID, depth, e.maxDepth)
		return map[string]interface{}{
			"error":      ErrRecursionLimit.Error(),
			"pattern_id": patternID,
			"depth":      depth,
		}, fmt.Errorf("%w: pattern %s at depth %d", ErrRecursionLimit, patternID, depth)
	}

	nested, err := e.GetPattern(patternID)
	if err != nil {
		return nil, fmt.Errorf("execute_pattern: %w", err)
	}

	derived := deriveContext(ctx)
	derived[KeyRecursionDepth] = depth + 1
	derived[KeyParentPattern] = ctx[KeyPatternID]
	if extra, ok := params["context"].(map[string]interface{}); ok {
		for k, v := range extra {
			if !strings.HasPrefix(k, "_") {
				derived[k] = v
			}
		}
	}

	res := e.ExecutePattern(nested, derived)

	nestedErrors := make([]string, 0, len(res.Errors))
	for _, se := range res.Errors {
		nestedErrors = append(nestedErrors, se.Message)
	}
	out := map[string]interface{}{
		"pattern_id":     res.PatternID,
		"state":          string(res.State),
		"success":        res.Success,
		"outputs":        res.Outputs,
		"errors":         nestedErrors,
		"steps_executed": res.StepsExecuted,
	}
	// A refused nested run surfaces as a step error on the caller; without
	// this the refusal would only appear inside the innermost result map.
	if res.State == StateRecursionLimitExceeded {
		return out, fmt.Errorf("%w: pattern %s at depth %d", ErrRecursionLimit, patternID, depth+1)
	}
	return out, nil
}

// track records the invocation in telemetry. Only top-level and nested
// invocations that actually ran are recorded; the depth-guard refusal is
// tracked by its parent's step error.
func (e *Engine) track(p *Pattern, ctx map[string]interface{}, result *Result) {
	agentUsed := ""
	for _, step := range p.Steps {
		if step.Agent != "" {
			agentUsed = step.Agent
			break
		}
	}

	errMsg := ""
	if len(result.Errors) > 0 {
		errMsg = result.Errors[0].Message
	}

	e.runtime.TrackExecution(agent.TelemetryRecord{
		PatternID:  p.ID,
		AgentUsed:  agentUsed,
		Success:    result.Success,
		DurationMs: result.DurationMs,
		Error:      errMsg,
		Timestamp:  time.Now(),
	})
}

// deriveContext copies a context for a nested invocation so parent and
// child never share a mutable bag.
func deriveContext(ctx map[string]interface{}) map[string]interface{} {
	derived := make(map[string]interface{}, len(ctx)+2)
	for k, v := range ctx {
		derived[k] = v
	}
	return derived
}

func intValue(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
