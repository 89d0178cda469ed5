package provision

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/launchforge/launchforge/pkg/telemetry"
)

// BackoffPolicy computes the delay between whole-attempt retries. This is
// distinct from the intra-attempt poll interval.
type BackoffPolicy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration `json:"initial"`

	// Max caps the computed delay.
	Max time.Duration `json:"max"`

	// Factor is the exponential growth factor; 1.0 gives fixed backoff.
	Factor float64 `json:"factor"`

	// Jitter adds up to 25% random spread to each delay.
	Jitter bool `json:"jitter"`
}

// Delay returns the backoff before retrying after the given attempt
// (1-based).
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	d := time.Duration(float64(initial) * math.Pow(factor, float64(attempt-1)))
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter {
		d += time.Duration(rand.Int63n(int64(d)/4 + 1))
	}
	return d
}

// ExecutorConfig parameterizes one stage executor. The required-vs-optional
// decision is deliberately absent: it belongs to the orchestrator, driven
// by the session's capability set.
type ExecutorConfig struct {
	// Timeout is the hard wall-clock bound per attempt. An expired attempt
	// is a retryable timeout failure; the remote operation is not
	// necessarily cancelable on its side.
	Timeout time.Duration `json:"timeout"`

	// PollInterval is the re-check interval for remotely asynchronous
	// operations. Keep it coarse (the practical floor against remote rate
	// limits is around 5-10s).
	PollInterval time.Duration `json:"poll_interval"`

	// MaxAttempts is the total attempt budget. A stage that fails
	// transiently on every attempt is tried exactly MaxAttempts times.
	MaxAttempts int `json:"max_attempts"`

	// Backoff is applied between attempts.
	Backoff BackoffPolicy `json:"backoff"`
}

// ReportFunc receives stage-internal sub-status transitions so overall
// session progress moves smoothly rather than jumping at stage boundaries.
type ReportFunc func(sub SubStatus, message string)

// AttemptFunc performs one attempt of a stage's capability call. The
// context carries the attempt timeout. On success it returns the stage's
// result payload.
type AttemptFunc func(ctx context.Context, report ReportFunc) (json.RawMessage, error)

// CorrectiveFunc is invoked when an attempt fails with a remote rejection.
// It applies a corrective transform (e.g. appending a disambiguating suffix
// to the requested name) and returns true to permit a single retry.
type CorrectiveFunc func(rejection *StageError) bool

// Outcome is the executor's report to the orchestrator.
type Outcome struct {
	// Result is the stage's result payload, set on success.
	Result json.RawMessage

	// Err is the normalized terminal error for the stage, nil on success.
	Err *StageError

	// Attempts is how many attempts were made.
	Attempts int
}

// StageExecutor wraps exactly one capability concern with timeout, retry,
// and progress-reporting policy. It reports success or a classified error;
// skip-vs-fail semantics are the orchestrator's decision.
type StageExecutor struct {
	stage      Stage
	cfg        ExecutorConfig
	corrective CorrectiveFunc
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// ExecutorOption customizes a stage executor.
type ExecutorOption func(*StageExecutor)

// WithCorrective installs the rejection transform hook.
func WithCorrective(fn CorrectiveFunc) ExecutorOption {
	return func(e *StageExecutor) { e.corrective = fn }
}

// WithSleep overrides the inter-attempt sleep (used in tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *StageExecutor) { e.sleep = fn }
}

// NewStageExecutor creates a stage executor.
func NewStageExecutor(stage Stage, cfg ExecutorConfig, logger *telemetry.Logger, metrics *telemetry.Metrics, opts ...ExecutorOption) *StageExecutor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	e := &StageExecutor{
		stage:   stage,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the attempt function under the executor's policy. Every
// failure is normalized into the error taxonomy before returning.
func (e *StageExecutor) Run(ctx context.Context, attempt AttemptFunc, report ReportFunc) Outcome {
	var lastErr *StageError
	corrected := false

	log := e.logger.WithStage(string(e.stage))

	attempts := 0
	for attempts < e.cfg.MaxAttempts {
		attempts++
		start := time.Now()

		actx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		result, err := attempt(actx, report)
		cancel()

		e.metrics.ObserveStageDuration(string(e.stage), time.Since(start))

		if err == nil {
			e.metrics.RecordStageOutcome(string(e.stage), "succeeded")
			return Outcome{Result: result, Attempts: attempts}
		}

		serr := Classify(err).WithStage(e.stage).WithAttempt(attempts)
		lastErr = serr

		if IsConfiguration(serr) {
			log.WithError(serr).Error("stage failed with configuration error, not retrying")
			e.metrics.RecordStageOutcome(string(e.stage), "failed")
			return Outcome{Err: serr, Attempts: attempts}
		}

		if IsRejected(serr) {
			if e.corrective != nil && !corrected && e.corrective(serr) {
				corrected = true
				log.WithAttempt(attempts).Warn("remote rejected the request, retrying once after corrective transform")
				continue
			}
			log.WithError(serr).Error("remote rejected the request")
			e.metrics.RecordStageOutcome(string(e.stage), "failed")
			return Outcome{Err: serr, Attempts: attempts}
		}

		if attempts >= e.cfg.MaxAttempts {
			break
		}

		delay := e.cfg.Backoff.Delay(attempts)
		log.WithAttempt(attempts).WithError(serr).Warnf("attempt failed, retrying in %s", delay.Round(time.Millisecond))
		e.metrics.RecordStageRetry(string(e.stage))

		if err := e.sleep(ctx, delay); err != nil {
			lastErr = Classify(err).WithStage(e.stage).WithAttempt(attempts)
			break
		}
	}

	e.metrics.RecordStageOutcome(string(e.stage), "failed")
	return Outcome{Err: lastErr, Attempts: attempts}
}

// Stage returns the stage this executor serves.
func (e *StageExecutor) Stage() Stage {
	return e.stage
}

// PollInterval returns the configured intra-attempt poll interval.
func (e *StageExecutor) PollInterval() time.Duration {
	if e.cfg.PollInterval <= 0 {
		return 10 * time.Second
	}
	return e.cfg.PollInterval
}

// PollUntil re-invokes check every interval until it reports done, returns
// an error, or the context expires. Used for capability calls that are
// asynchronous on the remote side.
func PollUntil(ctx context.Context, interval time.Duration, check func(ctx context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
