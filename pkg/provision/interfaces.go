package provision

import (
	"context"
	"time"
)

// RepositoryProvisioner creates a source-control repository from a template.
type RepositoryProvisioner interface {
	// Provision creates or forks a repository named name from templateRef.
	Provision(ctx context.Context, templateRef, name string) (*RepositoryResult, error)
}

// DatabaseProvisioner creates a managed database instance. Implementations
// may internally poll a remote "ready" state for minutes; they must respect
// ctx cancellation so the stage timeout can abandon an attempt.
type DatabaseProvisioner interface {
	Provision(ctx context.Context, name, orgHint string) (*DatabaseResult, error)
}

// DeploymentProvisioner creates and configures a deployment target.
type DeploymentProvisioner interface {
	// Create provisions a new site bound to the repository.
	Create(ctx context.Context, name, repoURL string, envVars map[string]string) (*DeploymentResult, error)

	// ConfigureEnv writes environment values to an existing site.
	ConfigureEnv(ctx context.Context, siteID string, envVars map[string]string) error

	// AwaitReady probes the site's deploy state, blocking at most timeout.
	// It returns (false, nil) while the deploy is still in progress.
	AwaitReady(ctx context.Context, siteID string, timeout time.Duration) (bool, error)
}

// CodeGenerator produces project files from free-form requirements.
type CodeGenerator interface {
	Generate(ctx context.Context, requirements string, templateFiles map[string]string) (*CodegenResult, error)
}

// NotifyEvent describes a terminal session transition for best-effort
// notification dispatch.
type NotifyEvent struct {
	SessionID   string        `json:"session_id"`
	ProjectName string        `json:"project_name"`
	Status      SessionStatus `json:"status"`
	Message     string        `json:"message"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Notifier delivers session events to an external channel (chat, email).
// Dispatch is fire-and-forget: failures are logged, never propagated as
// session failures.
type Notifier interface {
	Notify(ctx context.Context, event NotifyEvent) error
}

// RequestValidator validates a provisioning request before any remote call.
// A rejection must be a configuration-class StageError so the orchestrator
// fails the session immediately without retries.
type RequestValidator interface {
	ValidateRequest(ctx context.Context, req *ProvisionRequest) error
}

// SessionStore persists session records. Implementations must serialize
// UpdateSession calls per session id (single-writer invariant) while
// allowing unrelated sessions to mutate concurrently, and must enforce the
// record invariants: monotonic progress, append-only log, and terminal
// immutability (only log growth is permitted after completed/failed).
type SessionStore interface {
	// CreateSession persists a new record.
	CreateSession(ctx context.Context, rec *SessionRecord) error

	// GetSession returns a copy of the record, or ErrSessionNotFound. Safe
	// to call concurrently with UpdateSession; it observes either the pre-
	// or post-mutation record, never a torn one.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// UpdateSession applies mutate atomically with respect to other updates
	// for the same id and returns the persisted record. Returns
	// ErrSessionTerminal if mutate would alter a terminal record beyond
	// appending log entries.
	UpdateSession(ctx context.Context, id string, mutate func(*SessionRecord) error) (*SessionRecord, error)

	// ListSessions returns records ordered by creation time, newest first.
	ListSessions(ctx context.Context, limit, offset int) ([]*SessionRecord, error)

	// MarkStaleFailed transitions non-terminal sessions whose last update
	// is older than olderThan to failed, appending message to their logs.
	// It returns the number of sessions swept.
	MarkStaleFailed(ctx context.Context, olderThan time.Duration, message string) (int64, error)
}
