package provision

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LogEntry is one line of the session's append-only log. Entries are
// immutable once appended; consumers rely on stable ordering for
// incremental reads.
type LogEntry struct {
	// Timestamp is when the entry was appended.
	Timestamp time.Time `json:"timestamp"`

	// Level is the entry severity (info, warning, error, success).
	Level LogLevel `json:"level"`

	// Message is the human-readable log line.
	Message string `json:"message"`
}

// CapabilitySet records which stages participate in a session and whether
// each is mandatory. A stage absent from the set is not part of the run at
// all; a present stage with value false is best-effort. Computed once at
// session creation and never changed afterward.
type CapabilitySet map[Stage]bool

// Has returns true if the stage participates in the session.
func (c CapabilitySet) Has(stage Stage) bool {
	_, ok := c[stage]
	return ok
}

// Required returns true if the stage is mandatory for the session.
func (c CapabilitySet) Required(stage Stage) bool {
	return c[stage]
}

// SessionRecord is the durable state for one provisioning run. It is
// mutated exclusively through SessionStore.UpdateSession, which enforces
// the monotonic-progress, append-only-log, and terminal-immutability
// invariants.
type SessionRecord struct {
	// ID is the opaque unique identifier, generated at creation.
	ID string `json:"id"`

	// ProjectName is the name the project was requested under.
	ProjectName string `json:"project_name"`

	// TemplateRef identifies the template the project is created from.
	TemplateRef string `json:"template_ref"`

	// Status is the session lifecycle state.
	Status SessionStatus `json:"status"`

	// Stage is the stage currently executing or last attempted.
	Stage Stage `json:"stage"`

	// ProgressPercent is 0-100, monotonically non-decreasing while the
	// session is non-terminal. 100 on completed, frozen on failed.
	ProgressPercent int `json:"progress_percent"`

	// Log is the ordered, append-only session log.
	Log []LogEntry `json:"log"`

	// Required records which stages participate and which are mandatory.
	Required CapabilitySet `json:"required_capabilities"`

	// Results maps a stage to its result payload, set only on that stage's
	// successful completion. A skipped or failed stage leaves its entry
	// absent.
	Results map[Stage]json.RawMessage `json:"results"`

	// Error holds the terminal error message for failed sessions.
	Error string `json:"error,omitempty"`

	// CreatedAt is when the session record was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt changes on every persisted transition.
	UpdatedAt time.Time `json:"updated_at"`
}

// AppendLog appends an entry to the session log.
func (r *SessionRecord) AppendLog(level LogLevel, message string) {
	r.Log = append(r.Log, LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	})
}

// SetResult records a stage's result payload.
func (r *SessionRecord) SetResult(stage Stage, payload json.RawMessage) {
	if r.Results == nil {
		r.Results = make(map[Stage]json.RawMessage)
	}
	r.Results[stage] = payload
}

// Clone returns a deep copy of the record. Stores hand out clones so that
// concurrent readers never observe in-flight mutations.
func (r *SessionRecord) Clone() *SessionRecord {
	cp := *r
	cp.Log = make([]LogEntry, len(r.Log))
	copy(cp.Log, r.Log)
	cp.Required = make(CapabilitySet, len(r.Required))
	for k, v := range r.Required {
		cp.Required[k] = v
	}
	cp.Results = make(map[Stage]json.RawMessage, len(r.Results))
	for k, v := range r.Results {
		cp.Results[k] = append(json.RawMessage(nil), v...)
	}
	return &cp
}

// DatabaseOptions configures the database stage for a session.
type DatabaseOptions struct {
	// Required marks the stage mandatory; when false a database failure is
	// logged and tolerated.
	Required bool `json:"required"`

	// OrgHint is passed to the database provisioner to pick an
	// organization or region.
	OrgHint string `json:"org_hint,omitempty"`
}

// DeploymentOptions configures the deployment stage for a session.
type DeploymentOptions struct {
	// Required marks the stage mandatory.
	Required bool `json:"required"`

	// EnvVars are environment values applied to the deployment target.
	// Database connection values are merged in once the database stage
	// resolves.
	EnvVars map[string]string `json:"env_vars,omitempty"`
}

// ProvisionRequest describes one project-provisioning run. The triggering
// request handler builds it from the caller's chosen template and options.
type ProvisionRequest struct {
	// ProjectName is the requested project name.
	ProjectName string `json:"project_name"`

	// TemplateRef identifies the template to provision from.
	TemplateRef string `json:"template_ref"`

	// Requirements is the caller's free-form project description. When
	// non-empty, the codegen stage runs; when empty it is skipped.
	Requirements string `json:"requirements,omitempty"`

	// Database enables the database stage. Nil excludes it from the run.
	Database *DatabaseOptions `json:"database,omitempty"`

	// Deployment enables the deployment stage. Nil excludes it from the run.
	Deployment *DeploymentOptions `json:"deployment,omitempty"`

	// TemplateFiles are seed files handed to the code generator.
	TemplateFiles map[string]string `json:"template_files,omitempty"`
}

// Capabilities computes the session's capability set from the request.
// Repository, validation, and finalization always participate and are
// always mandatory. Codegen participates only when requirements were
// supplied, and is best-effort.
func (req *ProvisionRequest) Capabilities() CapabilitySet {
	caps := CapabilitySet{
		StageValidate:   true,
		StageRepository: true,
		StageFinalize:   true,
	}
	if req.Database != nil {
		caps[StageDatabase] = req.Database.Required
	}
	if req.Deployment != nil {
		caps[StageDeployment] = req.Deployment.Required
	}
	if req.Requirements != "" {
		caps[StageCodegen] = false
	}
	return caps
}

// NewSessionRecord creates the pending record for a request.
func NewSessionRecord(req *ProvisionRequest) *SessionRecord {
	now := time.Now().UTC()
	return &SessionRecord{
		ID:          uuid.New().String(),
		ProjectName: req.ProjectName,
		TemplateRef: req.TemplateRef,
		Status:      StatusPending,
		Stage:       StageValidate,
		Required:    req.Capabilities(),
		Results:     make(map[Stage]json.RawMessage),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// RepositoryResult is the repository stage's result payload.
type RepositoryResult struct {
	RepoURL string `json:"repo_url"`
}

// DatabaseResult is the database stage's result payload.
type DatabaseResult struct {
	ConnectionString string `json:"connection_string"`
	DatabaseName     string `json:"database_name"`
}

// DeploymentResult is the deployment stage's result payload.
type DeploymentResult struct {
	SiteID  string `json:"site_id"`
	SiteURL string `json:"site_url"`
}

// GeneratedFile is one file produced by the code generator.
type GeneratedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// CodegenResult is the codegen stage's result payload.
type CodegenResult struct {
	Files []GeneratedFile `json:"files"`
}

// SessionView is the read-only projection returned to polling callers.
type SessionView struct {
	ID              string                    `json:"id"`
	ProjectName     string                    `json:"project_name"`
	Status          SessionStatus             `json:"status"`
	Stage           Stage                     `json:"stage"`
	ProgressPercent int                       `json:"progress_percent"`
	Log             []LogEntry                `json:"log"`
	Results         map[Stage]json.RawMessage `json:"results"`
	Error           string                    `json:"error,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// View projects the record for external callers. logOffset skips that many
// leading log entries so pollers can fetch only the suffix they have not
// seen; the append-only invariant makes the offset stable.
func (r *SessionRecord) View(logOffset int) *SessionView {
	if logOffset < 0 || logOffset > len(r.Log) {
		logOffset = 0
	}
	logs := make([]LogEntry, len(r.Log)-logOffset)
	copy(logs, r.Log[logOffset:])
	results := make(map[Stage]json.RawMessage, len(r.Results))
	for k, v := range r.Results {
		results[k] = append(json.RawMessage(nil), v...)
	}
	return &SessionView{
		ID:              r.ID,
		ProjectName:     r.ProjectName,
		Status:          r.Status,
		Stage:           r.Stage,
		ProgressPercent: r.ProgressPercent,
		Log:             logs,
		Results:         results,
		Error:           r.Error,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}
