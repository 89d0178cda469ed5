package policy

import (
	"time"
)

// GetBuiltinPolicies returns the policies compiled into every engine.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		projectNamingPolicy(),
		templateRefPolicy(),
		requirementsSizePolicy(),
	}
}

// projectNamingPolicy enforces project naming conventions. The repository,
// database, and deployment hosts all accept the same restricted alphabet,
// so rejecting bad names here avoids a remote rejection mid-run.
func projectNamingPolicy() Policy {
	return Policy{
		Name:        "project-naming",
		Description: "Enforces project naming conventions (lowercase, alphanumeric, hyphens only, 3-63 characters)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package launchforge.policies.naming

import rego.v1

deny contains violation if {
	not input.request.project_name
	violation := {
		"message": "project name is required",
		"severity": "error",
		"field": "project_name",
	}
}

deny contains violation if {
	name := input.request.project_name
	lower(name) != name
	violation := {
		"message": sprintf("project name '%s' must be lowercase", [name]),
		"severity": "error",
		"field": "project_name",
	}
}

deny contains violation if {
	name := input.request.project_name
	not regex.match("^[a-z0-9-]+$", name)
	violation := {
		"message": sprintf("project name '%s' must contain only lowercase letters, numbers, and hyphens", [name]),
		"severity": "error",
		"field": "project_name",
	}
}

deny contains violation if {
	name := input.request.project_name
	regex.match("^-", name)
	violation := {
		"message": sprintf("project name '%s' must not start with a hyphen", [name]),
		"severity": "error",
		"field": "project_name",
	}
}

deny contains violation if {
	name := input.request.project_name
	regex.match("-$", name)
	violation := {
		"message": sprintf("project name '%s' must not end with a hyphen", [name]),
		"severity": "error",
		"field": "project_name",
	}
}

deny contains violation if {
	name := input.request.project_name
	count(name) < 3
	violation := {
		"message": sprintf("project name '%s' must be at least 3 characters long", [name]),
		"severity": "error",
		"field": "project_name",
	}
}

deny contains violation if {
	name := input.request.project_name
	count(name) > 63
	violation := {
		"message": sprintf("project name '%s' must be at most 63 characters long", [name]),
		"severity": "error",
		"field": "project_name",
	}
}
`,
	}
}

// templateRefPolicy validates the template reference shape before any
// remote lookup is attempted.
func templateRefPolicy() Policy {
	return Policy{
		Name:        "template-ref",
		Description: "Requires a template reference of the form owner/name",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"templates"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package launchforge.policies.templates

import rego.v1

deny contains violation if {
	not input.request.template_ref
	violation := {
		"message": "template ref is required",
		"severity": "error",
		"field": "template_ref",
	}
}

deny contains violation if {
	ref := input.request.template_ref
	not regex.match("^[A-Za-z0-9_.-]+(/[A-Za-z0-9_.-]+)+$", ref)
	violation := {
		"message": sprintf("template ref '%s' must have the form owner/name", [ref]),
		"severity": "error",
		"field": "template_ref",
	}
}
`,
	}
}

// requirementsSizePolicy warns when the free-form requirements are large
// enough to slow code generation noticeably. Non-blocking.
func requirementsSizePolicy() Policy {
	return Policy{
		Name:        "requirements-size",
		Description: "Warns on oversized project requirements",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"codegen"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package launchforge.policies.requirements

import rego.v1

deny contains violation if {
	reqs := input.request.requirements
	count(reqs) > 8000
	violation := {
		"message": sprintf("project requirements are %d characters; expect slow code generation", [count(reqs)]),
		"severity": "warning",
		"field": "requirements",
	}
}
`,
	}
}
