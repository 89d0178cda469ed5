package provision

import (
	"context"
	"time"

	"github.com/launchforge/launchforge/pkg/telemetry"
)

// ReconcilerConfig tunes the stale-session sweep.
type ReconcilerConfig struct {
	// Interval is how often the sweep runs.
	Interval time.Duration `json:"interval"`

	// StaleAfter is the update-age threshold past which a non-terminal
	// session is considered abandoned (e.g. the process died mid-run).
	StaleAfter time.Duration `json:"stale_after"`
}

// DefaultReconcilerConfig returns the default sweep policy. StaleAfter is
// deliberately generous: the slowest legitimate stage (database
// provisioning) can take tens of minutes across retries.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:   5 * time.Minute,
		StaleAfter: 2 * time.Hour,
	}
}

// Reconciler fails sessions that stopped making progress without reaching a
// terminal state. Such records otherwise poll as running forever after a
// crash or deploy of the orchestrating process.
type Reconciler struct {
	store   SessionStore
	cfg     ReconcilerConfig
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(store SessionStore, cfg ReconcilerConfig, logger *telemetry.Logger, metrics *telemetry.Metrics) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcilerConfig().Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultReconcilerConfig().StaleAfter
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Reconciler{
		store:   store,
		cfg:     cfg,
		logger:  logger.Component("reconciler"),
		metrics: metrics,
	}
}

// Run sweeps on the configured interval until ctx is canceled. An initial
// sweep runs immediately so sessions orphaned by the previous process are
// failed at startup rather than one interval later.
func (r *Reconciler) Run(ctx context.Context) {
	r.sweep(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// Sweep performs a single stale-session pass. Exposed for operational
// one-shot use.
func (r *Reconciler) Sweep(ctx context.Context) (int64, error) {
	return r.store.MarkStaleFailed(ctx, r.cfg.StaleAfter, "session abandoned: no progress within the stale threshold")
}

func (r *Reconciler) sweep(ctx context.Context) {
	n, err := r.Sweep(ctx)
	if err != nil {
		r.logger.WithError(err).Error("stale session sweep failed")
		return
	}
	if n > 0 {
		r.logger.Warnf("marked %d stale session(s) as failed", n)
		r.metrics.RecordStaleSessions(n)
	}
}
