package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/moonmind-dev/moonmind/internal/config"
	"github.com/moonmind-dev/moonmind/internal/githubauth"
	"github.com/moonmind-dev/moonmind/internal/janitor"
	"github.com/moonmind-dev/moonmind/internal/logging"
	"github.com/moonmind-dev/moonmind/internal/metrics"
	"github.com/moonmind-dev/moonmind/internal/notify"
	"github.com/moonmind-dev/moonmind/internal/queue"
	"github.com/moonmind-dev/moonmind/internal/redact"
	"github.com/moonmind-dev/moonmind/internal/skills"
	"github.com/moonmind-dev/moonmind/internal/stage"
	"github.com/moonmind-dev/moonmind/internal/subproc"
	"github.com/moonmind-dev/moonmind/internal/telemetry"
	"github.com/moonmind-dev/moonmind/internal/vaultref"
	"github.com/moonmind-dev/moonmind/internal/worker"
	"github.com/moonmind-dev/moonmind/internal/workspace"
)

func newRunCommand(opts *Options) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(opts, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "claim and execute at most one job, then exit")
	return cmd
}

func runWorker(opts *Options, once bool) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return err
	}
	log, err := logging.New(opts.DevLogs)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, jobsRoot := buildWorker(cfg, log)

	if err := worker.Preflight(ctx, cfg, log.WithName("preflight")); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
			log.Error(err, "Metrics endpoint failed", "addr", cfg.MetricsAddr)
		}
	}()

	j := janitor.New(jobsRoot, time.Duration(cfg.WorkspaceTTLHours)*time.Hour, w.ActiveJobID, log.WithName("janitor"))
	if err := j.Start(ctx, cfg.JanitorSchedule); err != nil {
		return err
	}

	defer w.Telemetry.Close()
	if once {
		ran, err := w.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info("Single cycle finished", "ran", ran)
		return nil
	}
	if err := w.RunForever(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Worker stopped")
	return nil
}

// buildWorker assembles the full object graph. It also returns the per-job
// workspace root for the janitor.
func buildWorker(cfg *config.Config, log logr.Logger) (*worker.Worker, string) {
	redactor := redact.FromEnvironment(os.Environ())
	for _, secret := range []string{cfg.WorkerToken, cfg.Vault.Token, cfg.GitHubToken} {
		if secret != "" {
			redactor.Register(secret)
		}
	}

	runner := subproc.NewRunner(redactor, time.Duration(cfg.KillGraceSeconds)*time.Second)
	jobsRoot := filepath.Join(cfg.Workdir, "jobs")

	executor := &stage.Executor{
		Cfg:        cfg,
		Log:        log.WithName("stage"),
		Runner:     runner,
		Workspaces: workspace.NewManager(jobsRoot, runner, log.WithName("workspace")),
		Vault: vaultref.NewResolver(cfg.Vault.Addr, cfg.Vault.Token, cfg.Vault.Namespace,
			cfg.Vault.AllowedMounts, time.Duration(cfg.Vault.TimeoutSeconds)*time.Second, redactor),
		GitHubApp: githubauth.NewSource(cfg.GitHubApp.AppID, cfg.GitHubApp.InstallationID,
			cfg.GitHubApp.PrivateKeyFile, redactor),
		Skills:   skills.NewResolver(filepath.Join(cfg.Workdir, "skills")),
		Redactor: redactor,
	}

	w := &worker.Worker{
		Cfg:       cfg,
		Log:       log.WithName("worker"),
		Queue:     queue.NewClient(cfg.URL, cfg.WorkerID, cfg.WorkerToken),
		Executor:  executor,
		Telemetry: telemetry.New(cfg.TelemetryAPIKey, cfg.TelemetryEndpoint, cfg.Workdir, log.WithName("telemetry")),
		Notify:    notify.New(cfg.SlackWebhookURL, cfg.WorkerID, log.WithName("notify")),
		Redactor:  redactor,
	}
	return w, jobsRoot
}

func newSweepCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired job workspaces and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigFile)
			if err != nil {
				return err
			}
			log, err := logging.New(opts.DevLogs)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			j := janitor.New(filepath.Join(cfg.Workdir, "jobs"),
				time.Duration(cfg.WorkspaceTTLHours)*time.Hour, nil, log.WithName("janitor"))
			return j.Sweep()
		},
	}
}
