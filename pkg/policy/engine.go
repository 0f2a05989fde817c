package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// Engine evaluates Rego admission policies against plans.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	params   Params
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	builtins bool
	params   Params
}

// WithoutBuiltins creates the engine with no built-in policies.
func WithoutBuiltins() EngineOption {
	return func(o *engineOptions) {
		o.builtins = false
	}
}

// WithParams sets the parameters exposed to policies as input.params.
func WithParams(params Params) EngineOption {
	return func(o *engineOptions) {
		o.params = params
	}
}

// NewEngine creates a new policy engine.
func NewEngine(logger zerolog.Logger, opts ...EngineOption) (*Engine, error) {
	o := engineOptions{builtins: true}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		params:   o.params,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if o.builtins {
		if err := e.loadBuiltinPolicies(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to load built-in policies: %w", err)
		}
	}

	return e, nil
}

// SetParams replaces the parameters exposed to policies.
func (e *Engine) SetParams(params Params) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = params
}

// EvaluatePlan evaluates every enabled policy against a plan.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan, ictx InputContext) (*Result, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is nil")
	}

	startTime := time.Now()
	if ictx.Timestamp.IsZero() {
		ictx.Timestamp = startTime
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	input, err := ast.InterfaceToValue(NewInput(plan, ictx, e.params))
	if err != nil {
		return nil, fmt.Errorf("failed to build policy input: %w", err)
	}

	result := &Result{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
		EvaluatedAt:       startTime,
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		deny, warn, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate policy %s: %w", name, err)
		}

		for _, v := range deny {
			if v.Severity.Blocking() {
				result.Violations = append(result.Violations, v)
				result.Allowed = false
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
		result.Warnings = append(result.Warnings, warn...)
	}

	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// Admit evaluates the plan and, in enforcing mode, turns a denial into a
// POLICY_DENIED engine error. The result is returned in every case.
func (e *Engine) Admit(ctx context.Context, plan *engine.Plan, ictx InputContext, mode Mode) (*Result, error) {
	result, err := e.EvaluatePlan(ctx, plan, ictx)
	if err != nil {
		return nil, err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("plan_id", plan.ID).
			Str("policy", w.Policy).
			Str("operation", string(w.Operation)).
			Msg(w.Message)
	}

	if result.Allowed {
		return result, nil
	}

	if mode == ModeAdvisory {
		for _, v := range result.Violations {
			e.logger.Warn().
				Str("plan_id", plan.ID).
				Str("policy", v.Policy).
				Str("operation", string(v.Operation)).
				Msg("Advisory policy violation: " + v.Message)
		}
		return result, nil
	}

	return result, NewDeniedError(plan.ID, result.Violations)
}

// NewDeniedError builds the error returned for a denied plan.
func NewDeniedError(planID string, violations []Violation) *engine.EngineError {
	msgs := make([]string, len(violations))
	policies := make([]string, len(violations))
	for i, v := range violations {
		msgs[i] = fmt.Sprintf("[%s] %s", v.Policy, v.Message)
		policies[i] = v.Policy
	}

	return engine.NewPermanentError("plan denied by policy: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(planID).
		WithDetail("policies", policies)
}

// IsDenied reports whether err is a policy denial.
func IsDenied(err error) bool {
	var ee *engine.EngineError
	return errors.As(err, &ee) && ee.Code == engine.ErrCodePolicyDenied
}

// evaluatePolicy runs one prepared policy and splits its deny and warn sets.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input ast.Value) ([]Violation, []Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalParsedInput(input))
	if err != nil {
		return nil, nil, fmt.Errorf("policy evaluation error: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil, nil
	}

	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, nil, nil
	}

	var deny, warn []Violation
	if entries, ok := doc["deny"].([]interface{}); ok {
		for _, entry := range entries {
			deny = append(deny, createViolation(cp.policy, entry, cp.policy.Severity))
		}
	}
	if entries, ok := doc["warn"].([]interface{}); ok {
		for _, entry := range entries {
			v := createViolation(cp.policy, entry, SeverityWarning)
			if v.Severity.Blocking() {
				v.Severity = SeverityWarning
			}
			warn = append(warn, v)
		}
	}

	sortViolations(deny)
	sortViolations(warn)
	return deny, warn, nil
}

// createViolation creates a Violation from a deny or warn entry. Entries are
// either plain strings or objects with message, severity, operation and
// remediation keys.
func createViolation(policy *Policy, entry interface{}, severity Severity) Violation {
	v := Violation{
		Policy:   policy.Name,
		Severity: severity,
	}

	switch val := entry.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if op, ok := val["operation"].(string); ok {
			v.Operation = engine.OperationID(op)
		}
		if rem, ok := val["remediation"].(string); ok {
			v.Remediation = rem
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}

	return v
}

func sortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		if vs[i].Operation != vs[j].Operation {
			return vs[i].Operation < vs[j].Operation
		}
		return vs[i].Message < vs[j].Message
	})
}

// compilePolicy parses and prepares a policy without registering it.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// AddPolicy compiles a policy and registers it, replacing any policy with
// the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := compilePolicy(ctx, &policy)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", policy.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[policy.Name] = cp

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return nil
}

// LoadPolicies loads custom policy files and adds them to the engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	if err := e.ReplaceCustomPolicies(ctx, policies); err != nil {
		return err
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplaceCustomPolicies swaps every non built-in policy for the given set.
// Nothing changes when any of them fails to compile.
func (e *Engine) ReplaceCustomPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		p.Builtin = false
		cp, err := compilePolicy(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			e.logger.Warn().Str("policy", name).Msg("Custom policy overrides built-in policy")
		}
		e.policies[name] = cp
	}

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compilePolicy(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}

// sortedNames must be called with e.mu held.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch reloads custom policies from paths whenever they change, until ctx
// is done. The returned loader can be used to stop watching early.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	loader := NewLoader(e.logger)
	err := loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplaceCustomPolicies(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}
