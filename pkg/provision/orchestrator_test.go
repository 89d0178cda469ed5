package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory SessionStore enforcing the same invariants as
// the SQLite store: monotonic progress, append-only log, terminal
// immutability with log growth allowed.
type memStore struct {
	mu       sync.Mutex
	recs     map[string]*SessionRecord
	percents map[string][]int
}

func newMemStore() *memStore {
	return &memStore{
		recs:     make(map[string]*SessionRecord),
		percents: make(map[string][]int),
	}
}

func (s *memStore) CreateSession(_ context.Context, rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return fmt.Errorf("duplicate session: %s", rec.ID)
	}
	s.recs[rec.ID] = rec.Clone()
	return nil
}

func (s *memStore) GetSession(_ context.Context, id string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *memStore) UpdateSession(_ context.Context, id string, mutate func(*SessionRecord) error) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.recs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	next := prev.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if len(next.Log) < len(prev.Log) {
		return nil, fmt.Errorf("session log is append-only: %s", id)
	}
	if prev.Status.IsTerminal() {
		same := next.Status == prev.Status &&
			next.Stage == prev.Stage &&
			next.ProgressPercent == prev.ProgressPercent &&
			next.Error == prev.Error &&
			len(next.Results) == len(prev.Results)
		if !same {
			return nil, fmt.Errorf("%w: %s", ErrSessionTerminal, id)
		}
	}
	if next.ProgressPercent < prev.ProgressPercent {
		next.ProgressPercent = prev.ProgressPercent
	}
	next.UpdatedAt = time.Now().UTC()

	s.recs[id] = next.Clone()
	s.percents[id] = append(s.percents[id], next.ProgressPercent)
	return next, nil
}

func (s *memStore) ListSessions(_ context.Context, limit, offset int) ([]*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SessionRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *memStore) MarkStaleFailed(_ context.Context, olderThan time.Duration, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var swept int64
	for _, rec := range s.recs {
		if rec.Status.IsTerminal() || rec.UpdatedAt.After(cutoff) {
			continue
		}
		rec.Status = StatusFailed
		rec.Error = message
		rec.AppendLog(LevelError, message)
		swept++
	}
	return swept, nil
}

func (s *memStore) percentHistory(id string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.percents[id]...)
}

// Capability mocks.

type mockRepos struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockRepos) Provision(_ context.Context, templateRef, name string) (*RepositoryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &RepositoryResult{RepoURL: "https://git.example.com/" + name}, nil
}

func (m *mockRepos) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockDatabases struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockDatabases) Provision(_ context.Context, name, orgHint string) (*DatabaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &DatabaseResult{
		ConnectionString: "postgres://db.example.com/" + name,
		DatabaseName:     name,
	}, nil
}

func (m *mockDatabases) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockDeployments struct {
	mu          sync.Mutex
	createCalls int
	createNames []string
	rejectFirst bool
	env         map[string]string
	neverReady  bool
}

func (m *mockDeployments) Create(_ context.Context, name, repoURL string, envVars map[string]string) (*DeploymentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	m.createNames = append(m.createNames, name)
	if m.rejectFirst && m.createCalls == 1 {
		return nil, NewRejectedError("site name already taken", nil)
	}
	return &DeploymentResult{SiteID: "site-" + name, SiteURL: "https://" + name + ".example.app"}, nil
}

func (m *mockDeployments) ConfigureEnv(_ context.Context, siteID string, envVars map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.env = envVars
	return nil
}

func (m *mockDeployments) AwaitReady(_ context.Context, siteID string, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.neverReady, nil
}

func (m *mockDeployments) configuredEnv() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.env
}

func (m *mockDeployments) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.createNames...)
}

type mockGenerator struct{}

func (mockGenerator) Generate(_ context.Context, requirements string, templateFiles map[string]string) (*CodegenResult, error) {
	return &CodegenResult{Files: []GeneratedFile{{Path: "app/page.tsx", Content: "export default function Page() {}"}}}, nil
}

type mockNotifier struct {
	mu     sync.Mutex
	events []NotifyEvent
}

func (m *mockNotifier) Notify(_ context.Context, event NotifyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockNotifier) received() []NotifyEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]NotifyEvent(nil), m.events...)
}

type rejectingValidator struct{}

func (rejectingValidator) ValidateRequest(_ context.Context, _ *ProvisionRequest) error {
	return NewConfigurationError("request rejected by policy: project name 'Demo' must be lowercase", nil)
}

// fastStages returns per-stage configs sized for tests.
func fastStages(maxAttempts int) map[Stage]ExecutorConfig {
	fast := ExecutorConfig{
		Timeout:      time.Second,
		PollInterval: time.Millisecond,
		MaxAttempts:  maxAttempts,
		Backoff:      BackoffPolicy{Initial: time.Millisecond, Factor: 1},
	}
	out := make(map[Stage]ExecutorConfig, len(stageOrder))
	for _, stage := range stageOrder {
		out[stage] = fast
	}
	return out
}

type testHarness struct {
	store       *memStore
	repos       *mockRepos
	databases   *mockDatabases
	deployments *mockDeployments
	notifier    *mockNotifier
	orch        *Orchestrator
}

func newHarness(t *testing.T, mutate func(*Deps), stages map[Stage]ExecutorConfig) *testHarness {
	t.Helper()

	h := &testHarness{
		store:       newMemStore(),
		repos:       &mockRepos{},
		databases:   &mockDatabases{},
		deployments: &mockDeployments{},
		notifier:    &mockNotifier{},
	}

	deps := Deps{
		Store:        h.store,
		Repositories: h.repos,
		Databases:    h.databases,
		Deployments:  h.deployments,
		Generator:    mockGenerator{},
		Notifier:     h.notifier,
	}
	if mutate != nil {
		mutate(&deps)
	}

	if stages == nil {
		stages = fastStages(1)
	}
	orch, err := New(deps, Config{Stages: stages, NotifyTimeout: time.Second})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	h.orch = orch
	return h
}

func (h *testHarness) runToCompletion(t *testing.T, req *ProvisionRequest) *SessionRecord {
	t.Helper()

	id, err := h.orch.StartSession(context.Background(), req)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	h.orch.Wait()

	rec, err := h.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	return rec
}

func fullRequest() *ProvisionRequest {
	return &ProvisionRequest{
		ProjectName:  "demo-app",
		TemplateRef:  "launchforge/nextjs-starter",
		Requirements: "a dashboard with auth",
		Database:     &DatabaseOptions{Required: true},
		Deployment:   &DeploymentOptions{Required: true, EnvVars: map[string]string{"NODE_ENV": "production"}},
	}
}

func hasLogContaining(rec *SessionRecord, substr string) bool {
	for _, entry := range rec.Log {
		if strings.Contains(entry.Message, substr) {
			return true
		}
	}
	return false
}

func TestSessionAllStagesSucceed(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := h.runToCompletion(t, fullRequest())

	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %s)", rec.Status, rec.Error)
	}
	if rec.ProgressPercent != 100 {
		t.Errorf("expected progress 100, got %d", rec.ProgressPercent)
	}

	for _, stage := range []Stage{StageRepository, StageDatabase, StageDeployment, StageCodegen} {
		if _, ok := rec.Results[stage]; !ok {
			t.Errorf("expected result for %s stage", stage)
		}
	}

	var repo RepositoryResult
	if err := json.Unmarshal(rec.Results[StageRepository], &repo); err != nil || repo.RepoURL == "" {
		t.Errorf("bad repository result: %v %+v", err, repo)
	}

	// Database connection values reach the deployment environment.
	env := h.deployments.configuredEnv()
	if env["DATABASE_URL"] == "" || env["DATABASE_NAME"] != "demo-app" {
		t.Errorf("expected database values in deployment env, got %+v", env)
	}
	if env["NODE_ENV"] != "production" {
		t.Errorf("expected caller env preserved, got %+v", env)
	}

	if len(rec.Log) == 0 {
		t.Fatal("expected session log entries")
	}
	last := rec.Log[len(rec.Log)-1]
	if last.Level != LevelSuccess {
		t.Errorf("expected final log entry at success level, got %s: %s", last.Level, last.Message)
	}

	events := h.notifier.received()
	if len(events) != 1 || events[0].Status != StatusCompleted {
		t.Errorf("expected one completed notification, got %+v", events)
	}
}

func TestOptionalDatabaseFailureContinues(t *testing.T) {
	h := newHarness(t, func(d *Deps) {}, fastStages(2))
	h.databases.err = NewTransientError("provisioner unavailable", nil)

	req := fullRequest()
	req.Database = &DatabaseOptions{Required: false}
	rec := h.runToCompletion(t, req)

	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed despite optional database failure, got %s (%s)", rec.Status, rec.Error)
	}
	if _, ok := rec.Results[StageDatabase]; ok {
		t.Error("expected no database result for failed optional stage")
	}
	if !hasLogContaining(rec, "optional stage database failed") {
		t.Error("expected a warning log entry about the optional failure")
	}

	// Both attempts were made before giving up.
	if h.databases.callCount() != 2 {
		t.Errorf("expected 2 database attempts, got %d", h.databases.callCount())
	}

	// Deployment env must not carry database values.
	env := h.deployments.configuredEnv()
	if _, ok := env["DATABASE_URL"]; ok {
		t.Errorf("expected no DATABASE_URL without a database, got %+v", env)
	}
}

func TestRequiredStageConfigurationErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, nil, fastStages(5))
	h.repos.err = NewConfigurationError("missing repository token", nil)

	rec := h.runToCompletion(t, fullRequest())

	if rec.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if h.repos.callCount() != 1 {
		t.Errorf("expected no retries on configuration error, got %d attempts", h.repos.callCount())
	}
	if rec.Error == "" || !strings.Contains(rec.Error, "missing repository token") {
		t.Errorf("expected terminal error recorded, got %q", rec.Error)
	}

	// Progress stays frozen at the repository stage's last reported
	// sub-status; the attempt reports creating before provisioning fails.
	want := ProgressPercent(StageRepository, SubCreating)
	if rec.ProgressPercent != want {
		t.Errorf("expected progress frozen at %d, got %d", want, rec.ProgressPercent)
	}

	events := h.notifier.received()
	if len(events) != 1 || events[0].Status != StatusFailed {
		t.Errorf("expected one failed notification, got %+v", events)
	}
	if len(events) == 1 && events[0].ProjectName != "demo-app" {
		t.Errorf("expected failed notification to carry the project name, got %q", events[0].ProjectName)
	}
}

func TestRequiredStageTransientExhaustsBudget(t *testing.T) {
	h := newHarness(t, nil, fastStages(3))
	h.repos.err = NewTransientError("remote unavailable", nil)

	rec := h.runToCompletion(t, fullRequest())

	if rec.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if h.repos.callCount() != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", h.repos.callCount())
	}
	// Nothing downstream ran.
	if h.databases.callCount() != 0 {
		t.Error("expected database stage not to run after repository failure")
	}
}

func TestDeploymentNameRejectionCorrected(t *testing.T) {
	h := newHarness(t, nil, fastStages(3))
	h.deployments.rejectFirst = true

	rec := h.runToCompletion(t, fullRequest())

	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed after corrective retry, got %s (%s)", rec.Status, rec.Error)
	}

	names := h.deployments.names()
	if len(names) != 2 {
		t.Fatalf("expected 2 create attempts, got %d", len(names))
	}
	if names[0] != "demo-app" {
		t.Errorf("first attempt should use the requested name, got %s", names[0])
	}
	if !strings.HasPrefix(names[1], "demo-app-") || names[1] == names[0] {
		t.Errorf("corrected name should carry a suffix, got %s", names[1])
	}
}

func TestDeployNeverReadyTimesOutAndFails(t *testing.T) {
	stages := fastStages(2)
	stages[StageDeployment] = ExecutorConfig{
		Timeout:      30 * time.Millisecond,
		PollInterval: time.Millisecond,
		MaxAttempts:  2,
		Backoff:      BackoffPolicy{Initial: time.Millisecond, Factor: 1},
	}
	h := newHarness(t, nil, stages)
	h.deployments.neverReady = true

	rec := h.runToCompletion(t, fullRequest())

	if rec.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if h.deployments.createCalls != 2 {
		t.Errorf("expected readiness timeout retried to budget, got %d attempts", h.deployments.createCalls)
	}
	if !strings.Contains(rec.Error, "timeout") {
		t.Errorf("expected timeout-class terminal error, got %q", rec.Error)
	}
}

func TestCodegenSkippedWithoutRequirements(t *testing.T) {
	h := newHarness(t, nil, nil)

	req := fullRequest()
	req.Requirements = ""
	rec := h.runToCompletion(t, req)

	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", rec.Status, rec.Error)
	}
	if _, ok := rec.Results[StageCodegen]; ok {
		t.Error("expected no codegen result when requirements are empty")
	}
	if !hasLogContaining(rec, "code generation skipped") {
		t.Error("expected a skip log entry for codegen")
	}
}

func TestValidatorRejectionFailsBeforeRemoteCalls(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Validator = rejectingValidator{}
	}, nil)

	rec := h.runToCompletion(t, fullRequest())

	if rec.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Stage != StageValidate {
		t.Errorf("expected failure at validate stage, got %s", rec.Stage)
	}
	if h.repos.callCount() != 0 {
		t.Error("expected no repository call after validation rejection")
	}
}

func TestMissingCapabilityIsConfigurationError(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Databases = nil
	}, nil)

	rec := h.runToCompletion(t, fullRequest())

	if rec.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if !strings.Contains(rec.Error, "no provisioner is configured") {
		t.Errorf("expected capability error, got %q", rec.Error)
	}
	if h.repos.callCount() != 0 {
		t.Error("expected validation to fail before any remote call")
	}
}

func TestProgressMonotonicAcrossRun(t *testing.T) {
	h := newHarness(t, nil, nil)

	id, err := h.orch.StartSession(context.Background(), fullRequest())
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	h.orch.Wait()

	history := h.store.percentHistory(id)
	if len(history) == 0 {
		t.Fatal("expected persisted progress updates")
	}
	last := 0
	for i, pct := range history {
		if pct < last {
			t.Fatalf("progress regressed at update %d: %d < %d", i, pct, last)
		}
		last = pct
	}
	if last != 100 {
		t.Errorf("expected final progress 100, got %d", last)
	}
}

func TestGetSessionStatusLogOffset(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := h.runToCompletion(t, fullRequest())

	full, err := h.orch.GetSessionStatus(context.Background(), rec.ID, 0)
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	if len(full.Log) != len(rec.Log) {
		t.Errorf("expected full log, got %d of %d entries", len(full.Log), len(rec.Log))
	}

	suffix, err := h.orch.GetSessionStatus(context.Background(), rec.ID, len(rec.Log)-1)
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	if len(suffix.Log) != 1 {
		t.Errorf("expected one suffix entry, got %d", len(suffix.Log))
	}
	if suffix.Log[0].Message != rec.Log[len(rec.Log)-1].Message {
		t.Error("suffix entry mismatch")
	}
}

func TestStartSessionValidatesInput(t *testing.T) {
	h := newHarness(t, nil, nil)

	if _, err := h.orch.StartSession(context.Background(), nil); err == nil {
		t.Error("expected nil request to be rejected")
	}
	if _, err := h.orch.StartSession(context.Background(), &ProvisionRequest{TemplateRef: "a/b"}); err == nil {
		t.Error("expected missing project name to be rejected")
	}
	if _, err := h.orch.StartSession(context.Background(), &ProvisionRequest{ProjectName: "demo-app"}); err == nil {
		t.Error("expected missing template ref to be rejected")
	}
}

func TestReconcilerSweepsStaleSessions(t *testing.T) {
	store := newMemStore()

	stale := NewSessionRecord(fullRequest())
	stale.Status = StatusRunning
	stale.UpdatedAt = time.Now().UTC().Add(-3 * time.Hour)
	if err := store.CreateSession(context.Background(), stale); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	fresh := NewSessionRecord(fullRequest())
	fresh.Status = StatusRunning
	if err := store.CreateSession(context.Background(), fresh); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	reconciler := NewReconciler(store, ReconcilerConfig{Interval: time.Hour, StaleAfter: 2 * time.Hour}, nil, nil)
	swept, err := reconciler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept session, got %d", swept)
	}

	got, err := store.GetSession(context.Background(), stale.ID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("expected stale session failed, got %s", got.Status)
	}
	kept, err := store.GetSession(context.Background(), fresh.ID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if kept.Status != StatusRunning {
		t.Errorf("expected fresh session untouched, got %s", kept.Status)
	}
}

func TestNewReconcilerClampsInvalidConfig(t *testing.T) {
	r := NewReconciler(newMemStore(), ReconcilerConfig{Interval: -time.Minute, StaleAfter: -time.Second}, nil, nil)
	def := DefaultReconcilerConfig()
	if r.cfg.Interval != def.Interval {
		t.Errorf("expected interval clamped to %s, got %s", def.Interval, r.cfg.Interval)
	}
	if r.cfg.StaleAfter != def.StaleAfter {
		t.Errorf("expected stale threshold clamped to %s, got %s", def.StaleAfter, r.cfg.StaleAfter)
	}
}
