package policy

import (
	"time"

	"github.com/launchforge/launchforge/pkg/provision"
)

// Severity indicates the severity level of a policy violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Policy is a Rego policy evaluated against provisioning requests.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description explains what the policy checks.
	Description string `json:"description"`

	// Rego is the policy source. Its package must expose a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry
	// their own.
	Severity Severity `json:"severity"`

	// Enabled controls whether the policy participates in evaluation.
	Enabled bool `json:"enabled"`

	// Tags categorize the policy.
	Tags []string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a single policy rule failure.
type Violation struct {
	// Policy is the name of the policy that produced the violation.
	Policy string `json:"policy"`

	// Severity is the violation severity.
	Severity string `json:"severity"`

	// Message is the human-readable violation description.
	Message string `json:"message"`

	// Field names the request field the violation refers to, when known.
	Field string `json:"field,omitempty"`
}

// Result is the outcome of evaluating all policies against a request.
type Result struct {
	// Allowed is false when any error- or critical-severity violation
	// was produced.
	Allowed bool `json:"allowed"`

	// Violations lists every rule failure, including non-blocking ones.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems (not rule failures).
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// RequestInput is the Rego input document for request evaluation.
type RequestInput struct {
	Request *provision.ProvisionRequest `json:"request"`
	Context *EvalContext                `json:"context"`
}

// EvalContext carries evaluation metadata into the policy input.
type EvalContext struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}
