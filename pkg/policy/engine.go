package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/launchforge/launchforge/pkg/provision"
	"github.com/launchforge/launchforge/pkg/telemetry"
)

// Engine evaluates Rego policies against provisioning requests. It
// implements provision.RequestValidator: blocking violations surface as
// configuration-class errors so the session fails before any remote call.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   *telemetry.Logger
	builtin  []Policy
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger *telemetry.Logger) (*Engine, error) {
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.Component("policy-engine"),
		builtin:  GetBuiltinPolicies(),
	}

	if err := e.loadBuiltin(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluateRequest evaluates all enabled policies against a request.
func (e *Engine) EvaluateRequest(ctx context.Context, req *provision.ProvisionRequest) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &RequestInput{
		Request: req,
		Context: &EvalContext{
			Timestamp: time.Now(),
			Operation: "provision",
		},
	}

	var allViolations []Violation
	var warnings []string

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.WithField("policy", cp.policy.Name).WithError(err).Error("policy evaluation failed")
			warnings = append(warnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		allViolations = append(allViolations, violations...)
	}

	allowed := true
	for i := range allViolations {
		if allViolations[i].Severity == string(SeverityError) || allViolations[i].Severity == string(SeverityCritical) {
			allowed = false
			break
		}
	}

	return &Result{
		Allowed:     allowed,
		Violations:  allViolations,
		Warnings:    warnings,
		EvaluatedAt: time.Now(),
	}, nil
}

// ValidateRequest implements provision.RequestValidator. Blocking
// violations are folded into a single configuration error; warning-level
// violations are logged and tolerated.
func (e *Engine) ValidateRequest(ctx context.Context, req *provision.ProvisionRequest) error {
	result, err := e.EvaluateRequest(ctx, req)
	if err != nil {
		return provision.NewConfigurationError("request policy evaluation failed", err)
	}

	var blocking []string
	for i := range result.Violations {
		v := &result.Violations[i]
		if v.Severity == string(SeverityError) || v.Severity == string(SeverityCritical) {
			blocking = append(blocking, v.Message)
			continue
		}
		e.logger.WithField("policy", v.Policy).Warn(v.Message)
	}

	if len(blocking) > 0 {
		return provision.NewConfigurationError(
			fmt.Sprintf("request rejected by policy: %s", strings.Join(blocking, "; ")), nil)
	}
	return nil
}

// LoadPolicies loads and compiles policies from the given paths, adding
// them to the built-in set.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// SetPolicies compiles and installs policies on top of the built-in set.
// Used directly by the loader's file-watch reload hook.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compilePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Infof("loaded %d policies", len(policies))
	return nil
}

// ReloadPolicies drops all loaded policies and restores the built-ins.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	return e.loadBuiltinLocked(ctx)
}

// ListPolicies returns all installed policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// evaluatePolicy runs one prepared deny query against the input.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *RequestInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, makeViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// makeViolation converts one deny-set entry into a Violation. Entries are
// either plain message strings or objects with message/severity/field.
func makeViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: string(policy.Severity),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = sev
		}
		if field, ok := v["field"].(string); ok {
			violation.Field = field
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compilePolicy parses the module, prepares its deny query, and installs
// it. Caller holds the write lock.
func (e *Engine) compilePolicy(ctx context.Context, policy *Policy) error {
	if _, err := ast.ParseModule(policy.Name, policy.Rego); err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query := fmt.Sprintf("data.%s.deny", extractPackageName(policy.Rego))
	prepared, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    prepared,
		compiled: time.Now(),
	}
	return nil
}

// extractPackageName extracts the package name from Rego source.
func extractPackageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "launchforge.policies"
}

func (e *Engine) loadBuiltin(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadBuiltinLocked(ctx)
}

func (e *Engine) loadBuiltinLocked(ctx context.Context) error {
	for i := range e.builtin {
		if err := e.compilePolicy(ctx, &e.builtin[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtin[i].Name, err)
		}
	}
	return nil
}
