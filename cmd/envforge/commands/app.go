package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/envforge/envforge/pkg/config"
	"github.com/envforge/envforge/pkg/engine"
	"github.com/envforge/envforge/pkg/policy"
	"github.com/envforge/envforge/pkg/providers/azure"
	"github.com/envforge/envforge/pkg/stores"
	"github.com/envforge/envforge/pkg/strategies"
	"github.com/envforge/envforge/pkg/telemetry"
	"github.com/envforge/envforge/pkg/templates"
)

// app holds everything a lifecycle command needs.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	tel     *telemetry.Telemetry
	manager *engine.DeploymentManager

	// journal is nil when the store is disabled.
	journal stores.Journal
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openJournal opens and migrates the operation journal.
func openJournal(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	if !cfg.Store.Enabled {
		return nil, fmt.Errorf("the operation journal is disabled (store.enabled=false)")
	}

	if cfg.Store.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	journal, err := stores.NewSQLiteStore(cfg.Store.Config)
	if err != nil {
		return nil, err
	}
	if err := journal.Init(ctx); err != nil {
		return nil, err
	}
	if err := journal.Migrate(ctx); err != nil {
		_ = journal.Close()
		return nil, err
	}
	return journal, nil
}

// newApp wires the cloud providers, strategies, admission policy, telemetry
// and journal into a deployment manager.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	a := &app{cfg: cfg, logger: logger, tel: tel}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	cred, err := azure.NewCredential(cfg.Azure.Credential)
	if err != nil {
		return err
	}
	pipeline := azure.NewPipeline(cfg.Azure.Pipeline)
	registry := azure.NewClientRegistry(cred, pipeline)

	deployments := azure.NewDeployments(registry, a.logger)
	queues := azure.NewQueues(cfg.Queues.Accounts, cred, pipeline, a.logger)
	if cfg.Queues.SASValidity > 0 {
		queues.SetSASValidity(cfg.Queues.SASValidity)
	}
	adapters := azure.NewAdapterSet(registry, queues, a.logger)

	tmpl, err := templates.NewStore(cfg.Templates.Dir, a.logger)
	if err != nil {
		return err
	}
	if cfg.Templates.Watch && cfg.Templates.Dir != "" {
		if err := tmpl.Watch(ctx); err != nil {
			return err
		}
	}

	selector := engine.NewStrategySelector(
		strategies.NewLinux(tmpl, a.logger),
		strategies.NewWindows(tmpl, cfg.Strategies.WindowsInitScriptURL, a.logger),
	)

	opts := a.tel.ManagerOptions()
	opts = append(opts,
		engine.WithDiskInspector(azure.NewDiskInspector(registry)),
		engine.WithMaxParallel(cfg.Orchestrator.MaxParallel),
	)

	if cfg.Policy.Enabled {
		admission, err := policy.NewEngine(cfg.Policy.Settings, a.logger)
		if err != nil {
			return err
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := admission.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return err
			}
			if cfg.Policy.Watch {
				if _, err := admission.WatchPolicies(ctx, cfg.Policy.Paths); err != nil {
					return err
				}
			}
		}
		opts = append(opts, engine.WithAdmissionPolicy(admission))
	}

	manager, err := engine.NewDeploymentManager(deployments, queues, adapters, selector, opts...)
	if err != nil {
		return err
	}
	a.manager = manager

	if cfg.Store.Enabled {
		journal, err := openJournal(ctx, cfg)
		if err != nil {
			return err
		}
		a.journal = journal
		a.tel.Events.Subscribe(stores.EventSink(journal, a.logger), nil)
	}

	return nil
}

// close drains buffered events into the journal before closing it.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("telemetry_shutdown_failed")
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Warn().Err(err).Msg("journal_close_failed")
		}
	}
}

// record appends one facade call to the journal. Journal failures never fail
// the command: the printed token is the source of truth.
func (a *app) record(
	ctx context.Context,
	operation string,
	id engine.ResourceIdentity,
	location string,
	result engine.OperationResult,
	callErr error,
	elapsed time.Duration,
) {
	if a.journal == nil {
		return
	}

	rec, err := stores.NewOperationRecord(operation, id, location, result, callErr, elapsed)
	if err == nil {
		err = a.journal.RecordOperation(context.WithoutCancel(ctx), rec, a.cfg.Store.Actor)
	}
	if err != nil {
		a.logger.Warn().
			Err(err).
			Str("operation", operation).
			Str("resource_name", id.Name).
			Msg("journal_record_failed")
	}
}

// recorded wraps a check so every poll lands in the journal.
func (a *app) recorded(operation string, check engine.CheckFunc) engine.CheckFunc {
	return func(ctx context.Context, token engine.ContinuationToken) (engine.OperationResult, error) {
		start := time.Now()
		result, err := check(ctx, token)
		a.record(ctx, operation, token.ResourceIdentity, tokenLocation(operation, token), result, err, time.Since(start))
		return result, err
	}
}

// tokenLocation recovers the location carried by phased deletion tokens.
func tokenLocation(operation string, token engine.ContinuationToken) string {
	if operation != engine.OpCheckDeleteStatus || token.Version < engine.CurrentTokenVersion {
		return ""
	}
	dt, err := engine.DecodeDeletionTracking(token.TrackingID)
	if err != nil {
		return ""
	}
	return dt.Location
}

func (a *app) driveOptions() engine.DriveOptions {
	return engine.DriveOptions{
		InitialInterval: a.cfg.Orchestrator.PollInitialInterval,
		MaxInterval:     a.cfg.Orchestrator.PollMaxInterval,
		Timeout:         a.cfg.Orchestrator.PollTimeout,
		OnPoll: func(result engine.OperationResult) {
			ev := a.logger.Info().Str("state", string(result.State))
			if result.Token != nil {
				ev = ev.
					Str("resource_name", result.Token.ResourceIdentity.Name).
					Int("retry_attempt", result.Token.RetryAttempt)
			}
			ev.Msg("operation_in_progress")
		},
	}
}

// drive polls a long-running operation until it is terminal.
func (a *app) drive(ctx context.Context, initial engine.OperationResult, operation string, check engine.CheckFunc) (engine.OperationResult, error) {
	if a.cfg.Orchestrator.ServeMetrics {
		if err := a.tel.StartMetricsServer(); err != nil {
			a.logger.Warn().Err(err).Msg("metrics_server_failed")
		}
	}
	return engine.Drive(ctx, initial, a.recorded(operation, check), a.driveOptions())
}

var errNotDelivered = errors.New("command not delivered yet")

// sendFunc pushes one queue command with the given retry counter.
type sendFunc func(ctx context.Context, retryAttempt int) (engine.OperationResult, error)

// deliver sends a queue command. With wait set, transient failures are
// retried with backoff until the command is delivered or fails for good.
func (a *app) deliver(
	ctx context.Context,
	operation string,
	id engine.ResourceIdentity,
	location string,
	retryAttempt int,
	wait bool,
	send sendFunc,
) (engine.OperationResult, error) {
	var last engine.OperationResult

	attempt := func() (engine.OperationResult, error) {
		start := time.Now()
		result, err := send(ctx, retryAttempt)
		a.record(ctx, operation, id, location, result, err, time.Since(start))
		if err != nil {
			return result, backoff.Permanent(err)
		}

		last = result
		retryAttempt = result.RetryAttempt
		if !wait || result.State.IsTerminal() {
			return result, nil
		}

		a.logger.Info().
			Str("operation", operation).
			Str("resource_name", id.Name).
			Int("retry_attempt", retryAttempt).
			Msg("command_retry_scheduled")
		return result, errNotDelivered
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.Orchestrator.PollInitialInterval
	b.MaxInterval = a.cfg.Orchestrator.PollMaxInterval

	result, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(a.cfg.Orchestrator.PollTimeout),
	)
	if err != nil {
		if errors.Is(err, errNotDelivered) {
			return last, engine.NewTransientError("command was not delivered before the polling timeout", nil).
				WithCode(engine.ErrCodeTimeout).
				WithOperation(operation)
		}
		return last, err
	}
	return result, nil
}
