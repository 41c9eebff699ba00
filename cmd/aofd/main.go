// Command aofd is the Agentic Operations Fabric daemon: it opens a project
// root, wires the task store, lease manager, workflows, scheduler, and
// notification engine together, and serves the status/metrics HTTP surface
// until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arctek/aof/internal/config"
	"github.com/arctek/aof/internal/eventlog"
	"github.com/arctek/aof/internal/executor"
	"github.com/arctek/aof/internal/metrics"
	"github.com/arctek/aof/internal/notify"
	"github.com/arctek/aof/internal/permission"
	"github.com/arctek/aof/internal/scheduler"
	"github.com/arctek/aof/internal/supervisor"
	"github.com/arctek/aof/internal/throttle"
	"github.com/arctek/aof/internal/tools"
	"github.com/arctek/aof/project"
	"github.com/arctek/aof/task"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var (
		root        = flag.String("root", "", "Project root directory (or set AOF_ROOT)")
		initProject = flag.Bool("init", false, "Initialize a new project at --root and exit")
		projectName = flag.String("name", "", "Project name, required with --init")
		dryRun      = flag.Bool("dry-run", false, "Use the mock executor instead of spawning real agents")
		execCmd     = flag.String("agent-cmd", "claude", "Executable to spawn for dispatched tasks")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("aofd %s (commit %s)\n", version, gitCommit)
		return
	}

	if *initProject {
		if *root == "" || *projectName == "" {
			fmt.Fprintln(os.Stderr, "aofd -init requires --root and --name")
			os.Exit(1)
		}
		if err := project.Init(*root, *projectName); err != nil {
			fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("initialized project %q at %s\n", *projectName, *root)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load(*root)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	manifest, err := project.LoadManifest(cfg.Root)
	if err != nil {
		logger.Error("failed to load project manifest", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, manifest, *dryRun, *execCmd, logger); err != nil {
		logger.Error("aofd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, manifest *project.Manifest, dryRun bool, execCmd string, logger *slog.Logger) error {
	store, err := task.NewFileStore(cfg.Root, manifest.Name, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	events, err := eventlog.Open(cfg.Root)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer events.Close()

	leases := task.NewLeaseManager(store, cfg.LeaseTTL, cfg.LeaseMaxRenewals, logger)

	workflows, err := loadWorkflows(cfg.Root, manifest)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}

	guard := permission.New(store, defaultPolicy(), logger)

	limits := throttle.Limits{
		GlobalConcurrency: cfg.GlobalConcurrency,
		GlobalInterval:    cfg.GlobalInterval,
		PerPollCap:        cfg.PerPollCap,
		TeamConcurrency:   cfg.TeamLimits.Concurrency,
		TeamInterval:      cfg.TeamLimits.Interval,
	}

	var exec executor.Executor
	if dryRun {
		exec = executor.NewMock()
	} else {
		exec = executor.NewProcessExecutor(execCmd, nil, 30*time.Minute)
	}

	reg := metrics.New()

	sched := scheduler.New(scheduler.Config{
		Root: cfg.Root, Store: store, Leases: leases, Workflows: workflows,
		Limits: limits, Executor: exec, Events: events, Metrics: reg, Logger: logger,
		StaleHeartbeat: cfg.StaleHeartbeat, SLAWarn: cfg.SLAWarn,
		MaxDispatchFailures: cfg.MaxDispatchFailures,
	})

	sv := supervisor.New(supervisor.Config{
		Root: cfg.Root, Store: store, Scheduler: sched, Leases: leases, Events: events, Metrics: reg, Logger: logger,
		PollInterval: cfg.PollInterval, DrainTimeout: cfg.DrainTimeout, MetricsAddr: cfg.MetricsAddr,
	})

	contract := tools.New(store, guard, leases, workflows, events, sv, logger)
	_ = contract // bound for an agent-facing RPC/HTTP surface outside this daemon's scope; wired here so it shares the daemon's lifetime

	notifyEngine, err := notify.NewEngine(cfg.NotifyRulesPath, cfg.NotifyDedupeWindow, 0, []notify.Adapter{logAdapter{logger}}, logger)
	if err != nil {
		return fmt.Errorf("start notification engine: %w", err)
	}
	defer notifyEngine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := notifyEngine.Watch(ctx); err != nil {
		logger.Warn("notification rule hot-reload unavailable", "error", err)
	}

	c := cron.New(cron.WithSeconds())
	lastEventID := uint64(0)
	if _, err := c.AddFunc("0 * * * * *", func() { lastEventID = forwardNewEvents(events, notifyEngine, lastEventID, logger) }); err != nil {
		return fmt.Errorf("schedule event forwarding: %w", err)
	}
	if _, err := c.AddFunc("0 */10 * * * *", func() {
		if n, err := scheduler.ReapStaleRuns(cfg.Root); err != nil {
			logger.Warn("periodic stale-run reap failed", "error", err)
		} else if n > 0 {
			logger.Info("reaped stale agent runs", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule stale-run reap: %w", err)
	}
	c.Start()
	defer c.Stop()

	if err := sv.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	logger.Info("aofd started", "root", cfg.Root, "project", manifest.Name, "metricsAddr", cfg.MetricsAddr)
	<-ctx.Done()
	logger.Info("shutting down")
	sv.Stop()
	return nil
}

// loadWorkflows loads every workflow the manifest names from
// <root>/workflows/<name>.yaml.
func loadWorkflows(root string, manifest *project.Manifest) (map[string]*task.Workflow, error) {
	out := make(map[string]*task.Workflow, len(manifest.Workflows))
	for _, name := range manifest.Workflows {
		wf, err := task.LoadWorkflow(project.WorkflowPath(root, name))
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", name, err)
		}
		out[name] = wf
	}
	return out, nil
}

// defaultPolicy is the built-in role policy: engineers may create,
// transition, update and write artifacts on any task, reviewers may
// transition/update but not delete or rewire dependencies, and admin may do
// anything. No policy file is loaded; this is the only policy the daemon
// uses.
func defaultPolicy() permission.Policy {
	return permission.Policy{
		"engineer": {
			permission.ActionCreate: true, permission.ActionTransition: true, permission.ActionUpdate: true,
			permission.ActionWriteArtifact: true,
		},
		"reviewer": {
			permission.ActionTransition: true, permission.ActionUpdate: true,
		},
		"admin": {
			permission.Action("*"): true,
		},
	}
}

// forwardNewEvents tails events appended since lastID and feeds each to the
// notification engine, returning the new high-water mark. Run on a cron
// tick rather than per-append so a burst of scheduler activity doesn't
// serialize on notification matching.
func forwardNewEvents(events *eventlog.Logger, engine *notify.Engine, lastID uint64, logger *slog.Logger) uint64 {
	recent, err := events.Tail(500)
	if err != nil {
		logger.Warn("failed to tail events for notification forwarding", "error", err)
		return lastID
	}
	next := lastID
	for _, ev := range recent {
		if ev.ID <= lastID {
			continue
		}
		engine.Handle(context.Background(), ev)
		if ev.ID > next {
			next = ev.ID
		}
	}
	return next
}

// logAdapter is the daemon's built-in fallback notification adapter: it
// just logs when no dashboard or external channel is attached. Real
// delivery (Slack, email, webhook) is an operator integration left to
// notify.Adapter implementations outside this package.
type logAdapter struct{ logger *slog.Logger }

func (a logAdapter) Send(_ context.Context, n notify.Notification) error {
	a.logger.Info(n.Label(), "rule", n.Rule, "severity", n.Severity, "audience", n.Audience, "taskId", n.Event.TaskID, "type", n.Event.Type)
	return nil
}
