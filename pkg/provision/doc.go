// Package provision implements the asynchronous project-provisioning
// workflow: an orchestrator advances a session through validation,
// repository creation, database and deployment provisioning, optional code
// generation, and finalization, persisting every transition to a session
// store that callers poll for progress.
//
// Each stage runs under a StageExecutor that owns its timeout, retry, and
// poll policy and normalizes every failure into a small error taxonomy
// (transient, rejected, timeout, configuration). The orchestrator decides
// what an outcome means for the session: a required stage's terminal error
// fails the run, an optional stage's is logged and tolerated.
//
// Sessions are detached from their triggering request. Once StartSession
// returns an id, the run continues on its own goroutine regardless of what
// the caller does, and the record outlives the run for later inspection.
package provision
