package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/launchforge/launchforge/pkg/config"
	"github.com/launchforge/launchforge/pkg/policy"
	"github.com/launchforge/launchforge/pkg/provision"
	"github.com/launchforge/launchforge/pkg/stores"
	"github.com/launchforge/launchforge/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the provisioning daemon",
		Long: `Opens the session store, runs migrations, starts the Prometheus
metrics endpoint and the stale-session reconciler, and blocks until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	log := logger.Component("serve")

	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	store, err := stores.NewSQLiteStore(cfg.StoreSettings())
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	log.Infof("session store ready at %s", cfg.Store.Path)

	policyEngine, err := policy.NewEngine(logger)
	if err != nil {
		return err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := policyEngine.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
		if cfg.Policy.Watch {
			loader := policy.NewLoader(logger)
			if err := loader.Watch(ctx, cfg.Policy.Paths, func(policies []policy.Policy) error {
				return policyEngine.SetPolicies(ctx, policies)
			}); err != nil {
				log.WithError(err).Warn("policy watch unavailable")
			}
		}
	}

	// Live log-level changes without a restart.
	if configPath != "" {
		if err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
			zerolog.SetGlobalLevel(parseLevel(next.Telemetry.Logging.Level))
		}); err != nil {
			log.WithError(err).Warn("config watch unavailable")
		}
	}

	if cfg.Reconciler.Enabled {
		reconciler := provision.NewReconciler(store, cfg.ReconcilerSettings(), logger, metrics)
		go reconciler.Run(ctx)
		log.Infof("reconciler sweeping every %s, stale after %s",
			cfg.Reconciler.Interval, cfg.Reconciler.StaleAfter)
	}

	var metricsSrv *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := store.HealthCheck(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

		metricsSrv = &http.Server{
			Addr:              cfg.Telemetry.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infof("metrics endpoint listening on %s", cfg.Telemetry.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown failed")
		}
	}
	return nil
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
