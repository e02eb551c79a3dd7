package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/lucasnoah/conveyor/internal/approval"
	"github.com/lucasnoah/conveyor/internal/config"
	"github.com/lucasnoah/conveyor/internal/db"
	"github.com/lucasnoah/conveyor/internal/db/dynamo"
	"github.com/lucasnoah/conveyor/internal/db/postgres"
	"github.com/lucasnoah/conveyor/internal/executor"
	"github.com/lucasnoah/conveyor/internal/github"
	"github.com/lucasnoah/conveyor/internal/notify"
	"github.com/lucasnoah/conveyor/internal/orchestrator"
	"github.com/lucasnoah/conveyor/internal/pipeline"
	"github.com/lucasnoah/conveyor/internal/secrets"
	"github.com/lucasnoah/conveyor/internal/topology"
	"github.com/lucasnoah/conveyor/internal/trigger"
)

// validateConfig joins every validation error of cfg into one error.
func validateConfig(cfg *config.Config) error {
	verrs := config.Validate(cfg)
	if len(verrs) == 0 {
		return nil
	}
	errs := make([]error, len(verrs))
	for i, ve := range verrs {
		errs[i] = ve
	}
	return fmt.Errorf("config has %d validation error(s): %w", len(verrs), errors.Join(errs...))
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

func newLogger(cfg *config.Config, w io.Writer, forceJSON bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if forceJSON || cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// lazySecrets builds the Secrets Manager client on the first reference, so
// configurations without awssm: values never touch AWS.
type lazySecrets struct {
	region   string
	logger   *slog.Logger
	resolver *secrets.Resolver
}

func (l *lazySecrets) Resolve(ctx context.Context, v string) (string, error) {
	if !secrets.IsReference(v) {
		return v, nil
	}
	if l.resolver == nil {
		r, err := secrets.NewAWSResolver(ctx, l.region, l.logger)
		if err != nil {
			return "", err
		}
		l.resolver = r
	}
	return l.resolver.Resolve(ctx, v)
}

// openStore opens the configured store. SQL schemas are migrated first.
func openStore(ctx context.Context, cfg *config.Config) (pipeline.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		d, err := db.Open(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		if err := d.Migrate(ctx); err != nil {
			d.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return d, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return s, nil
	case "dynamodb":
		d := cfg.Storage.DynamoDB
		return dynamo.New(ctx, dynamo.Config{
			Region:            d.Region,
			Endpoint:          d.Endpoint,
			ApplicationsTable: d.ApplicationsTable,
			DeploymentsTable:  d.DeploymentsTable,
		})
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func newNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	n := notify.Multi{notify.Log{Logger: logger}}
	if cfg.Notify.WebhookURL != "" {
		n = append(n, notify.NewWebhook(cfg.Notify.WebhookURL))
	}
	if cfg.Notify.GitHubStatuses {
		n = append(n, &github.StatusNotifier{
			Client:        github.NewClient(&github.ExecRunner{}),
			ContextPrefix: cfg.Notify.StatusContext,
			TargetURL:     cfg.Notify.TargetURL,
		})
	}
	return n
}

// env is the wired service graph shared by every command.
type env struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      pipeline.Store
	gate       *approval.Gate
	orch       *orchestrator.Orchestrator
	normalizer *trigger.Normalizer
}

func (e *env) Close() error {
	return e.store.Close()
}

// newEnv loads configuration, resolves secrets and wires the orchestrator.
// The gate resumes pipelines synchronously through the orchestrator; serve
// swaps in the HTTP server's asynchronous dispatcher.
func newEnv(ctx context.Context, logger *slog.Logger) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return wire(ctx, cfg, logger)
}

func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*env, error) {
	if logger == nil {
		logger = newLogger(cfg, io.Discard, false)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.ResolveSecrets(ctx, &lazySecrets{region: cfg.Secrets.Region, logger: logger}); err != nil {
		return nil, fmt.Errorf("resolve secrets: %w", err)
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	notifier := newNotifier(cfg, logger)
	topologies := topology.StoreResolver{Apps: store}
	normalizer := trigger.New()

	gateOpts := []approval.Option{approval.WithLogger(logger)}
	if l, ok := store.(pipeline.EventLog); ok {
		gateOpts = append(gateOpts, approval.WithEventLog(l))
	}
	gate := approval.NewGate(store, topologies, notifier, gateOpts...)

	orch := orchestrator.New(store, topologies, gate,
		executor.NewCommand(cfg.Executor.Command, cfg.Executor.TeardownCommand),
		notifier,
		orchestrator.WithStageTimeout(cfg.Executor.StageTimeout()),
		orchestrator.WithRetries(cfg.Executor.MaxRetries, cfg.Executor.Delay()),
		orchestrator.WithArtifacts(executor.ArtifactLocator{Bucket: cfg.Artifacts.Bucket}),
		orchestrator.WithLogger(logger),
	)
	gate.SetAdvancer(orch)

	return &env{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		gate:       gate,
		orch:       orch,
		normalizer: normalizer,
	}, nil
}

// splitApp parses an "org/name" argument.
func splitApp(s string) (string, string, error) {
	org, name, ok := strings.Cut(s, "/")
	if !ok || org == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("application %q: want org/name", s)
	}
	return org, name, nil
}
