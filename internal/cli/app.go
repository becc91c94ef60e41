package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/tOgg1/changegate/internal/applier"
	"github.com/tOgg1/changegate/internal/config"
	"github.com/tOgg1/changegate/internal/db"
	"github.com/tOgg1/changegate/internal/depgraph"
	"github.com/tOgg1/changegate/internal/events"
	"github.com/tOgg1/changegate/internal/impact"
	"github.com/tOgg1/changegate/internal/logging"
	"github.com/tOgg1/changegate/internal/policy"
	"github.com/tOgg1/changegate/internal/ssh"
	"github.com/tOgg1/changegate/internal/workflow"
)

// app holds the collaborators a command needs. Commands build one, use it
// and close it; nothing here is cached across commands.
type app struct {
	db        *db.DB
	devices   *db.DeviceRepository
	eventLog  *db.EventRepository
	publisher *events.InMemoryPublisher
	registry  *prometheus.Registry
	graph     *depgraph.Service
	analyzer  *impact.Analyzer
	policies  *policy.FileStore
	executors applier.ExecutorFactory
	gateway   *applier.Gateway
	workflow  *workflow.Service
}

func openDatabase(ctx context.Context) (*db.DB, error) {
	cfg := GetConfig()
	path := cfg.DatabasePath()
	if cfg.Database.Path == "" {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
	}

	database, err := db.Open(db.Config{
		Path:           path,
		MaxConnections: cfg.Database.MaxConnections,
		BusyTimeoutMs:  cfg.Database.BusyTimeoutMs,
	})
	if err != nil {
		return nil, &PreflightError{
			Message:  fmt.Sprintf("cannot open database %s", path),
			Hint:     "Set database.path or pass --db with a writable location",
			NextStep: "changegate --db ./changegate.db device list",
			Err:      err,
		}
	}
	if _, err := database.MigrateUp(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}

// newEventPublisher returns a publisher whose events are also written to the
// event log.
func newEventPublisher(database *db.DB) *events.InMemoryPublisher {
	publisher := events.NewInMemoryPublisher(events.WithLogger(logging.Component("events")))
	recorder := events.Recorder(db.NewEventRepository(database), logging.Component("event-log"))
	if err := publisher.Subscribe("event-log", events.Filter{}, recorder); err != nil {
		logger.Warn().Err(err).Msg("failed to attach event log")
	}
	return publisher
}

func sshDefaults(cfg *config.Config) ssh.ConnectionOptions {
	return ssh.ConnectionOptions{
		User:      cfg.SSH.User,
		Port:      cfg.SSH.Port,
		KeyPath:   cfg.SSH.KeyPath,
		ProxyJump: cfg.SSH.ProxyJump,
		Timeout:   cfg.SSH.Timeout,
	}
}

func newApp(ctx context.Context) (*app, error) {
	cfg := GetConfig()
	database, err := openDatabase(ctx)
	if err != nil {
		return nil, err
	}

	a := &app{
		db:        database,
		devices:   db.NewDeviceRepository(database),
		eventLog:  db.NewEventRepository(database),
		publisher: newEventPublisher(database),
		registry:  prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector())

	a.graph = depgraph.NewService(
		db.NewDependencyRepository(database),
		depgraph.WithPublisher(a.publisher),
		depgraph.WithMaxDepth(cfg.Analysis.MaxDependencyDepth),
	)
	a.analyzer = impact.NewAnalyzer(
		a.graph,
		impact.WithCacheEntries(cfg.Analysis.CacheEntries),
		impact.WithMaxDepth(cfg.Analysis.MaxDependencyDepth),
		impact.WithMaxOperations(cfg.Analysis.MaxChangeOperations),
	)

	a.policies, err = policy.NewFileStore(cfg.PolicyPath(), policy.WithStorePublisher(a.publisher))
	if err != nil {
		_ = a.Close()
		return nil, &PreflightError{
			Message:  fmt.Sprintf("cannot load approval policies: %v", err),
			Hint:     "Fix the policy file or point policy.file at a valid one",
			NextStep: "changegate policy list --file " + cfg.PolicyPath(),
			Err:      err,
		}
	}
	if cfg.Policy.Watch {
		if err := a.policies.Watch(); err != nil {
			logger.Warn().Err(err).Msg("policy watch disabled")
		}
	}

	var terminalPrompt ssh.PassphrasePrompt
	if hasTTY() {
		terminalPrompt = ssh.TerminalPassphrasePrompt
	}
	prompt := ssh.WithPassphrasePrompt(ssh.EnvPassphrasePrompt(terminalPrompt))
	a.executors = applier.DeviceExecutors(cfg.SSH.Backend, sshDefaults(cfg), prompt)
	a.gateway = applier.NewGateway(a.executors)

	opts := workflow.DefaultOptions()
	opts.MaxPendingPerRequester = cfg.Workflow.MaxPendingPerRequester
	opts.ExecuteTimeout = cfg.Workflow.ExecuteTimeout
	opts.AnalysisFailureRisk = cfg.Workflow.AnalysisFailureRisk
	a.workflow = workflow.NewService(
		database,
		a.analyzer,
		a.policies,
		applier.New(a.executors),
		workflow.WithPublisher(a.publisher),
		workflow.WithRegisterer(a.registry),
		workflow.WithOptions(opts),
	)
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.policies != nil {
		errs = append(errs, a.policies.Close())
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

// currentActor resolves who is acting: --as, then the saved context, then
// the OS user.
func currentActor() string {
	if actor := strings.TrimSpace(actorFlag); actor != "" {
		return actor
	}
	if saved, err := contextStore().Load(); err == nil && saved.HasActor() {
		return saved.Actor
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func contextStore() *config.ContextStore {
	return config.NewContextStore(filepath.Join(GetConfig().Global.ConfigDir, "context.yaml"))
}

// withApp builds the app for one command invocation and closes it after.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("failed to close resources")
		}
	}()
	return fn(ctx, a)
}

// deviceArg returns the explicit device argument, falling back to the
// device saved in the CLI context.
func deviceArg(explicit string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		return explicit, nil
	}
	if saved, err := contextStore().Load(); err == nil && saved.HasDevice() {
		return saved.DeviceID, nil
	}
	return "", &PreflightError{
		Message:  "no device given and no default device set",
		Hint:     "Pass --device or save one in the CLI context",
		NextStep: "changegate context set --device <name>",
	}
}
