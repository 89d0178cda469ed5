package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/launchforge/launchforge/pkg/telemetry"
)

// Config holds orchestrator tuning: per-stage executor policy and the
// notification dispatch timeout.
type Config struct {
	// Stages maps each stage to its executor policy. Missing stages fall
	// back to the defaults.
	Stages map[Stage]ExecutorConfig `json:"stages"`

	// NotifyTimeout bounds best-effort notification dispatch.
	NotifyTimeout time.Duration `json:"notify_timeout"`
}

// DefaultConfig returns the default per-stage policy. Timeouts and poll
// intervals reflect the observed behavior of repository, database, and
// deployment hosts: multi-minute provisioning with remote rate limits that
// punish sub-5s polling.
func DefaultConfig() Config {
	return Config{
		NotifyTimeout: 10 * time.Second,
		Stages: map[Stage]ExecutorConfig{
			StageValidate: {
				Timeout:     30 * time.Second,
				MaxAttempts: 1,
			},
			StageRepository: {
				Timeout:     2 * time.Minute,
				MaxAttempts: 3,
				Backoff:     BackoffPolicy{Initial: 2 * time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true},
			},
			StageDatabase: {
				Timeout:      10 * time.Minute,
				PollInterval: 10 * time.Second,
				MaxAttempts:  2,
				Backoff:      BackoffPolicy{Initial: 5 * time.Second, Max: time.Minute, Factor: 2, Jitter: true},
			},
			StageDeployment: {
				Timeout:      5 * time.Minute,
				PollInterval: 10 * time.Second,
				MaxAttempts:  3,
				Backoff:      BackoffPolicy{Initial: 5 * time.Second, Max: time.Minute, Factor: 2, Jitter: true},
			},
			StageCodegen: {
				Timeout:     10 * time.Minute,
				MaxAttempts: 2,
				Backoff:     BackoffPolicy{Initial: 2 * time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true},
			},
			StageFinalize: {
				Timeout:     30 * time.Second,
				MaxAttempts: 1,
			},
		},
	}
}

// Deps wires the orchestrator's collaborators. Store and Repositories are
// mandatory; the remaining capabilities are optional and their absence is
// surfaced per session depending on what the request asks for.
type Deps struct {
	Store        SessionStore
	Repositories RepositoryProvisioner
	Databases    DatabaseProvisioner
	Deployments  DeploymentProvisioner
	Generator    CodeGenerator
	Notifier     Notifier
	Validator    RequestValidator

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Bus     *telemetry.SessionBus
}

// Orchestrator sequences stage executors through the provisioning workflow
// and persists every transition to the session store. One session occupies
// one goroutine; within a session at most two stage executors (database and
// deployment) run concurrently.
type Orchestrator struct {
	store        SessionStore
	repositories RepositoryProvisioner
	databases    DatabaseProvisioner
	deployments  DeploymentProvisioner
	generator    CodeGenerator
	notifier     Notifier
	validator    RequestValidator

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	bus     *telemetry.SessionBus

	cfg Config
	wg  sync.WaitGroup
}

// New creates an orchestrator. User-provided stage configs overlay the
// defaults.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Repositories == nil {
		return nil, fmt.Errorf("repository provisioner is required")
	}

	merged := DefaultConfig()
	if cfg.NotifyTimeout > 0 {
		merged.NotifyTimeout = cfg.NotifyTimeout
	}
	for stage, sc := range cfg.Stages {
		merged.Stages[stage] = sc
	}

	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = telemetry.NopTracer()
	}

	return &Orchestrator{
		store:        deps.Store,
		repositories: deps.Repositories,
		databases:    deps.Databases,
		deployments:  deps.Deployments,
		generator:    deps.Generator,
		notifier:     deps.Notifier,
		validator:    deps.Validator,
		logger:       logger.Component("orchestrator"),
		metrics:      metrics,
		tracer:       tracer,
		bus:          deps.Bus,
		cfg:          merged,
	}, nil
}

// StartSession persists a pending session record and launches the run on a
// dedicated goroutine. The returned id is the caller's polling key; the run
// itself is detached from the caller's context so a disconnecting caller
// never abandons half-created resources.
func (o *Orchestrator) StartSession(ctx context.Context, req *ProvisionRequest) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}
	if req.ProjectName == "" {
		return "", fmt.Errorf("project name is required")
	}
	if req.TemplateRef == "" {
		return "", fmt.Errorf("template ref is required")
	}

	rec := NewSessionRecord(req)
	if err := o.store.CreateSession(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	o.metrics.RecordSessionStarted()
	o.publish(rec.ID, telemetry.EventSessionStarted, "", string(StatusPending), 0, string(LevelInfo), "session created")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(rec.ID, req)
	}()

	return rec.ID, nil
}

// GetSessionStatus returns the session's polling projection. logOffset
// skips that many leading log entries; pass 0 to receive the whole log.
func (o *Orchestrator) GetSessionStatus(ctx context.Context, id string, logOffset int) (*SessionView, error) {
	rec, err := o.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.View(logOffset), nil
}

// WatchSession subscribes to push-delivered transition events for a
// session. Polling GetSessionStatus remains the baseline contract.
func (o *Orchestrator) WatchSession(id string) (<-chan telemetry.SessionEvent, func()) {
	if o.bus == nil {
		ch := make(chan telemetry.SessionEvent)
		close(ch)
		return ch, func() {}
	}
	return o.bus.Subscribe(id)
}

// Wait blocks until all in-flight session runs and notification dispatches
// have finished. Used for graceful shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// run advances one session from pending to a terminal state.
func (o *Orchestrator) run(id string, req *ProvisionRequest) {
	// Sessions outlive their trigger: no external cancellation.
	ctx := context.Background()
	ctx, span := o.tracer.Start(ctx, "session.run")
	defer span.End()

	log := o.logger.WithSessionID(id)
	start := time.Now()
	caps := req.Capabilities()

	o.update(ctx, id, func(r *SessionRecord) error {
		r.Status = StatusRunning
		r.Stage = StageValidate
		r.AppendLog(LevelInfo, fmt.Sprintf("provisioning %q from template %s", req.ProjectName, req.TemplateRef))
		return nil
	})
	log.Info("session started")

	// Validation is always required; any error here is fatal.
	out := o.runStage(ctx, id, StageValidate, nil, o.validateAttempt(req))
	if out.Err != nil {
		o.failSession(ctx, id, req.ProjectName, StageValidate, out.Err, start)
		return
	}
	o.markStageReady(ctx, id, StageValidate, nil)

	// Repository must complete before anything that consumes its URL.
	repoOut := o.runStage(ctx, id, StageRepository, nil, func(actx context.Context, report ReportFunc) (json.RawMessage, error) {
		report(SubCreating, "")
		res, err := o.repositories.Provision(actx, req.TemplateRef, req.ProjectName)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	if !o.settleStage(ctx, id, req.ProjectName, StageRepository, true, repoOut, start) {
		return
	}
	var repoRes RepositoryResult
	if err := json.Unmarshal(repoOut.Result, &repoRes); err != nil {
		o.failSession(ctx, id, req.ProjectName, StageRepository, NewConfigurationError("repository result is malformed", err), start)
		return
	}

	// Database and deployment creation may run concurrently; the
	// deployment's env-configuration sub-step waits on the database result
	// (or its absence) before writing connection values.
	dbCh := make(chan *DatabaseResult, 1)
	var fanout sync.WaitGroup
	var dbOut, depOut Outcome
	dbRan, depRan := caps.Has(StageDatabase), caps.Has(StageDeployment)

	if dbRan {
		fanout.Add(1)
		go func() {
			defer fanout.Done()
			defer close(dbCh)
			dbOut = o.runStage(ctx, id, StageDatabase, nil, func(actx context.Context, report ReportFunc) (json.RawMessage, error) {
				report(SubCreating, "")
				res, err := o.databases.Provision(actx, req.ProjectName, req.Database.OrgHint)
				if err != nil {
					return nil, err
				}
				dbCh <- res
				return json.Marshal(res)
			})
		}()
	} else {
		close(dbCh)
	}

	if depRan {
		fanout.Add(1)
		go func() {
			defer fanout.Done()
			depOut = o.runDeployment(ctx, id, req, repoRes.RepoURL, dbCh)
		}()
	}
	fanout.Wait()

	if dbRan {
		if !o.settleStage(ctx, id, req.ProjectName, StageDatabase, caps.Required(StageDatabase), dbOut, start) {
			return
		}
	}
	if depRan {
		if !o.settleStage(ctx, id, req.ProjectName, StageDeployment, caps.Required(StageDeployment), depOut, start) {
			return
		}
	}

	// Code generation runs only when the caller supplied requirements, and
	// is always best-effort.
	if caps.Has(StageCodegen) {
		cgOut := o.runStage(ctx, id, StageCodegen, nil, func(actx context.Context, report ReportFunc) (json.RawMessage, error) {
			if o.generator == nil {
				return nil, NewConfigurationError("code generation requested but no generator is configured", nil)
			}
			report(SubProvisioning, "")
			res, err := o.generator.Generate(actx, req.Requirements, req.TemplateFiles)
			if err != nil {
				return nil, err
			}
			return json.Marshal(res)
		})
		if !o.settleStage(ctx, id, req.ProjectName, StageCodegen, caps.Required(StageCodegen), cgOut, start) {
			return
		}
	} else {
		o.update(ctx, id, func(r *SessionRecord) error {
			r.AppendLog(LevelInfo, "code generation skipped: no project requirements supplied")
			return nil
		})
		o.publish(id, telemetry.EventStageSkipped, string(StageCodegen), string(StatusRunning), 0, string(LevelInfo), "code generation skipped")
	}

	// Finalize verifies the completed-session contract: every required
	// stage must have produced a result.
	finOut := o.runStage(ctx, id, StageFinalize, nil, func(actx context.Context, report ReportFunc) (json.RawMessage, error) {
		report(SubConfiguring, "")
		rec, err := o.store.GetSession(actx, id)
		if err != nil {
			return nil, err
		}
		for stage, required := range rec.Required {
			if !required || stage == StageValidate || stage == StageFinalize {
				continue
			}
			if _, ok := rec.Results[stage]; !ok {
				return nil, NewConfigurationError(fmt.Sprintf("required stage %s completed without a result", stage), nil)
			}
		}
		return nil, nil
	})
	if finOut.Err != nil {
		o.failSession(ctx, id, req.ProjectName, StageFinalize, finOut.Err, start)
		return
	}

	o.update(ctx, id, func(r *SessionRecord) error {
		r.Status = StatusCompleted
		r.Stage = StageFinalize
		r.ProgressPercent = 100
		r.AppendLog(LevelSuccess, fmt.Sprintf("project %q provisioned", req.ProjectName))
		return nil
	})
	log.Infof("session completed in %s", time.Since(start).Round(time.Millisecond))
	o.metrics.RecordSessionCompleted(string(StatusCompleted), time.Since(start))
	o.publish(id, telemetry.EventSessionCompleted, string(StageFinalize), string(StatusCompleted), 100, string(LevelSuccess), "session completed")
	o.notifyTerminal(id, req.ProjectName, StatusCompleted, "project provisioning completed")
}

// runDeployment executes the deployment stage: create the site (possibly in
// parallel with database provisioning), wait for the database result before
// writing connection values, then poll for deploy readiness. A remote name
// rejection is corrected once with a disambiguating suffix.
func (o *Orchestrator) runDeployment(ctx context.Context, id string, req *ProvisionRequest, repoURL string, dbCh <-chan *DatabaseResult) Outcome {
	name := req.ProjectName
	corrective := func(*StageError) bool {
		name = fmt.Sprintf("%s-%d", req.ProjectName, time.Now().Unix())
		return true
	}

	// dbRes latches across retries: the channel is closed after its single
	// send, so later receives return immediately.
	var dbRes *DatabaseResult

	interval := o.stageConfig(StageDeployment).PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	attempt := func(actx context.Context, report ReportFunc) (json.RawMessage, error) {
		report(SubCreating, "")
		dep, err := o.deployments.Create(actx, name, repoURL, req.Deployment.EnvVars)
		if err != nil {
			return nil, err
		}

		report(SubProvisioning, "")
		select {
		case res, ok := <-dbCh:
			if ok && res != nil {
				dbRes = res
			}
		case <-actx.Done():
			return nil, actx.Err()
		}

		env := make(map[string]string, len(req.Deployment.EnvVars)+2)
		for k, v := range req.Deployment.EnvVars {
			env[k] = v
		}
		if dbRes != nil {
			env["DATABASE_URL"] = dbRes.ConnectionString
			env["DATABASE_NAME"] = dbRes.DatabaseName
		}

		report(SubConfiguring, "")
		if err := o.deployments.ConfigureEnv(actx, dep.SiteID, env); err != nil {
			return nil, err
		}

		report(SubWaiting, "")
		if err := PollUntil(actx, interval, func(pctx context.Context) (bool, error) {
			return o.deployments.AwaitReady(pctx, dep.SiteID, interval)
		}); err != nil {
			return nil, err
		}

		return json.Marshal(dep)
	}

	return o.runStage(ctx, id, StageDeployment, corrective, attempt)
}

// validateAttempt checks capability wiring and evaluates request policy.
func (o *Orchestrator) validateAttempt(req *ProvisionRequest) AttemptFunc {
	return func(actx context.Context, report ReportFunc) (json.RawMessage, error) {
		report(SubProvisioning, "")
		if req.Database != nil && o.databases == nil {
			return nil, NewConfigurationError("database capability requested but no provisioner is configured", nil)
		}
		if req.Deployment != nil && o.deployments == nil {
			return nil, NewConfigurationError("deployment capability requested but no provisioner is configured", nil)
		}
		if o.validator != nil {
			if err := o.validator.ValidateRequest(actx, req); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
}

// runStage records the stage start, builds its executor, and runs the
// attempt under the stage's policy, streaming sub-status into the record.
func (o *Orchestrator) runStage(ctx context.Context, id string, stage Stage, corrective CorrectiveFunc, attempt AttemptFunc) Outcome {
	ctx, span := o.tracer.Start(ctx, "stage."+string(stage))
	defer span.End()

	startMsg, startLvl := ProgressLine(stage, SubStarting)
	startPct := ProgressPercent(stage, SubStarting)
	o.update(ctx, id, func(r *SessionRecord) error {
		r.Stage = stage
		r.ProgressPercent = startPct
		r.AppendLog(startLvl, startMsg)
		return nil
	})
	o.publish(id, telemetry.EventStageStarted, string(stage), string(StatusRunning), startPct, string(startLvl), startMsg)

	report := func(sub SubStatus, message string) {
		msg, lvl := ProgressLine(stage, sub)
		if message != "" {
			msg = message
		}
		pct := ProgressPercent(stage, sub)
		o.update(ctx, id, func(r *SessionRecord) error {
			r.Stage = stage
			r.ProgressPercent = pct
			r.AppendLog(lvl, msg)
			return nil
		})
		o.publish(id, telemetry.EventSessionProgress, string(stage), string(StatusRunning), pct, string(lvl), msg)
	}

	var opts []ExecutorOption
	if corrective != nil {
		opts = append(opts, WithCorrective(corrective))
	}
	exec := NewStageExecutor(stage, o.stageConfig(stage), o.logger.WithSessionID(id), o.metrics, opts...)
	return exec.Run(ctx, attempt, report)
}

// settleStage applies the orchestrator's continue/skip/abort decision to a
// stage outcome. It returns false when the session has been failed.
func (o *Orchestrator) settleStage(ctx context.Context, id, projectName string, stage Stage, required bool, out Outcome, start time.Time) bool {
	if out.Err == nil {
		o.markStageReady(ctx, id, stage, out.Result)
		return true
	}

	if !required {
		// A failed optional stage never fails the session; its result
		// entry stays absent.
		msg := fmt.Sprintf("optional stage %s failed after %d attempt(s), continuing without it: %v", stage, out.Attempts, out.Err)
		o.update(ctx, id, func(r *SessionRecord) error {
			r.AppendLog(LevelWarning, msg)
			return nil
		})
		o.logger.WithSessionID(id).WithStage(string(stage)).WithError(out.Err).Warn("optional stage failed, continuing")
		o.publish(id, telemetry.EventStageFailed, string(stage), string(StatusRunning), 0, string(LevelWarning), msg)
		return true
	}

	o.failSession(ctx, id, projectName, stage, out.Err, start)
	return false
}

// markStageReady records a stage's success: result payload, ready progress,
// and a success log line.
func (o *Orchestrator) markStageReady(ctx context.Context, id string, stage Stage, result json.RawMessage) {
	msg, lvl := ProgressLine(stage, SubReady)
	pct := ProgressPercent(stage, SubReady)
	o.update(ctx, id, func(r *SessionRecord) error {
		if result != nil {
			r.SetResult(stage, result)
		}
		r.ProgressPercent = pct
		r.AppendLog(lvl, msg)
		return nil
	})
	o.publish(id, telemetry.EventStageCompleted, string(stage), string(StatusRunning), pct, string(lvl), msg)
}

// failSession transitions the session to failed, freezing progress and
// appending the terminal error for operator diagnosis.
func (o *Orchestrator) failSession(ctx context.Context, id, projectName string, stage Stage, serr *StageError, start time.Time) {
	msg := fmt.Sprintf("session failed at %s stage: %s", stage, serr.Error())
	o.update(ctx, id, func(r *SessionRecord) error {
		r.Status = StatusFailed
		r.Stage = stage
		r.Error = serr.Error()
		r.AppendLog(LevelError, msg)
		return nil
	})
	o.logger.WithSessionID(id).WithStage(string(stage)).WithError(serr).Error("session failed")
	o.metrics.RecordSessionCompleted(string(StatusFailed), time.Since(start))
	o.publish(id, telemetry.EventSessionFailed, string(stage), string(StatusFailed), 0, string(LevelError), msg)
	o.notifyTerminal(id, projectName, StatusFailed, msg)
}

// notifyTerminal dispatches a best-effort terminal notification. Failures
// are logged and counted, never propagated; the terminal record may receive
// a late informational log entry about the dispatch outcome.
func (o *Orchestrator) notifyTerminal(id, projectName string, status SessionStatus, message string) {
	if o.notifier == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		nctx, cancel := context.WithTimeout(context.Background(), o.cfg.NotifyTimeout)
		defer cancel()
		err := o.notifier.Notify(nctx, NotifyEvent{
			SessionID:   id,
			ProjectName: projectName,
			Status:      status,
			Message:     message,
			Timestamp:   time.Now().UTC(),
		})
		if err != nil {
			o.metrics.RecordNotifyFailure()
			o.logger.WithSessionID(id).WithError(err).Warn("notification dispatch failed")
			o.update(context.Background(), id, func(r *SessionRecord) error {
				r.AppendLog(LevelWarning, fmt.Sprintf("notification dispatch failed: %v", err))
				return nil
			})
		}
	}()
}

// update persists a mutation, logging persistence failures. A terminal
// rejection is expected for late writes and is ignored.
func (o *Orchestrator) update(ctx context.Context, id string, mutate func(*SessionRecord) error) {
	if _, err := o.store.UpdateSession(ctx, id, mutate); err != nil && !errors.Is(err, ErrSessionTerminal) {
		o.logger.WithSessionID(id).WithError(err).Error("failed to persist session transition")
	}
}

func (o *Orchestrator) publish(id, eventType, stage, status string, percent int, level, message string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(telemetry.SessionEvent{
		SessionID: id,
		Type:      eventType,
		Stage:     stage,
		Status:    status,
		Percent:   percent,
		Level:     level,
		Message:   message,
	})
}

func (o *Orchestrator) stageConfig(stage Stage) ExecutorConfig {
	if sc, ok := o.cfg.Stages[stage]; ok {
		return sc
	}
	return ExecutorConfig{Timeout: 5 * time.Minute, MaxAttempts: 1}
}
