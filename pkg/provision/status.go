package provision

import "fmt"

// SessionStatus represents the overall status of a provisioning session.
type SessionStatus string

const (
	// StatusPending indicates the session is created but not yet started.
	StatusPending SessionStatus = "pending"

	// StatusRunning indicates the orchestrator is advancing the session.
	StatusRunning SessionStatus = "running"

	// StatusCompleted indicates the session finished successfully.
	StatusCompleted SessionStatus = "completed"

	// StatusFailed indicates a required stage failed terminally.
	StatusFailed SessionStatus = "failed"
)

// IsTerminal returns true if the status represents a final state.
// Terminal records accept no further mutation except late log appends.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive returns true if the session is pending or running.
func (s SessionStatus) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// Validate checks if the session status is valid.
func (s SessionStatus) Validate() error {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid session status: %s", s)
	}
}

// Stage names one unit of provisioning work within a session.
type Stage string

const (
	// StageValidate checks the request against policy before any remote call.
	StageValidate Stage = "validate"

	// StageRepository creates the source-control repository from a template.
	StageRepository Stage = "repository"

	// StageDatabase provisions a managed database instance.
	StageDatabase Stage = "database"

	// StageDeployment creates and configures the deployment target.
	StageDeployment Stage = "deployment"

	// StageCodegen invokes AI code generation from free-form requirements.
	StageCodegen Stage = "codegen"

	// StageFinalize records results and closes out the session.
	StageFinalize Stage = "finalize"
)

// stageOrder is the fixed ordering used for progress computation. Database
// and deployment may execute concurrently, but their progress bands keep
// this ordering so percent never regresses across stage boundaries.
var stageOrder = []Stage{
	StageValidate,
	StageRepository,
	StageDatabase,
	StageDeployment,
	StageCodegen,
	StageFinalize,
}

// Validate checks if the stage name is valid.
func (s Stage) Validate() error {
	switch s {
	case StageValidate, StageRepository, StageDatabase, StageDeployment,
		StageCodegen, StageFinalize:
		return nil
	default:
		return fmt.Errorf("invalid stage: %s", s)
	}
}

// SubStatus is the stage-internal progress marker reported by a stage
// executor while a capability call is in flight.
type SubStatus string

const (
	SubStarting     SubStatus = "starting"
	SubCreating     SubStatus = "creating"
	SubProvisioning SubStatus = "provisioning"
	SubConfiguring  SubStatus = "configuring"
	SubWaiting      SubStatus = "waiting"
	SubReady        SubStatus = "ready"
)

// LogLevel is the severity attached to a session log entry.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
	LevelSuccess LogLevel = "success"
)
