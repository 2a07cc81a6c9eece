package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/decompose"
	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/notify"
	"github.com/zjrosen/foreman/internal/runtime"
	"github.com/zjrosen/foreman/internal/scheduler"
	"github.com/zjrosen/foreman/internal/skills"
	"github.com/zjrosen/foreman/internal/store"
	"github.com/zjrosen/foreman/internal/tracing"
)

var (
	workerName   string
	workerPrompt string
	workerChatID string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one project worker scheduler",
	Long: `Run the scheduler process for one project worker. The worker
drains its task graph and exits when idle; the supervisor respawns it
when new work arrives.

With --prompt a root task is created when the worker has no live work,
so "foreman worker --name api --prompt 'fix the flaky test'" both
queues the request and processes it.

Exit code 0 means a clean idle or shutdown exit; 1 means the worker
gave up after repeated scheduling errors.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVar(&workerName, "name", "", "worker name (required)")
	workerCmd.Flags().StringVar(&workerPrompt, "prompt", "", "root request to queue when the worker is idle")
	workerCmd.Flags().StringVar(&workerChatID, "chat-id", "", "chat channel handle for notifications")
	_ = workerCmd.MarkFlagRequired("name")
}

func runWorker(_ *cobra.Command, _ []string) error {
	cleanup, err := setupRuntime("worker-" + workerName)
	if err != nil {
		return err
	}
	defer cleanup()

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	worker, err := db.WorkerRepository().GetOrCreate(workerName, workerChatID)
	if err != nil {
		return fmt.Errorf("resolving worker: %w", err)
	}

	paths := runtime.NewPaths(cfg)
	workspace, err := paths.Workspace(worker.Name)
	if err != nil {
		return err
	}
	if err := paths.WritePidFile(worker.Name, os.Getpid()); err != nil {
		log.Warn(log.CatSched, "writing pid file failed", "worker", worker.Name, "error", err)
	}
	defer func() { _ = paths.RemovePidFile(worker.Name) }()

	if workerPrompt != "" {
		if err := queueRootTask(db, worker, workerPrompt); err != nil {
			return err
		}
	}

	clientType := agent.ClientType(cfg.Agent.Client)
	client, err := agent.NewClient(clientType)
	if err != nil {
		return fmt.Errorf("creating agent client: %w", err)
	}

	pool := agent.NewPool(client, agent.PoolConfig{
		WorkDir:    workspace,
		Timeout:    cfg.Agent.Timeout(),
		LoopWindow: cfg.Agent.LoopWindow,
	}, *worker, db)

	lib := skills.NewLibrary(cfg.SkillsDir)
	driver := decompose.NewDriver(client, lib, db, tp, decompose.Config{
		Timeout:  cfg.Decompose.Timeout(),
		MaxTurns: cfg.Decompose.MaxTurns,
		WorkDir:  workspace,
	})

	notifier, closeNotify := buildNotifier(client, db, worker, workspace)
	defer closeNotify()

	sched := scheduler.New(scheduler.Config{
		PollInterval:         cfg.Worker.PollInterval(),
		MaxAgents:            cfg.Worker.MaxAgents,
		MaxDepth:             cfg.Worker.MaxDepth,
		MaxConsecutiveErrors: cfg.Worker.MaxConsecutiveErrors,
		BudgetCapUSD:         cfg.Worker.BudgetCapUSD,
		AllowedUsers:         cfg.Worker.AllowedUsers,
	}, *worker, db, pool, driver, notifier, lib, tp)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		sched.Shutdown(fmt.Sprintf("daemon shutdown (%s)", sig))
	}()

	log.Info(log.CatSched, "worker starting", "worker", worker.Name, "pid", os.Getpid())
	return sched.Run(context.Background())
}

// queueRootTask creates a root task from the prompt when the worker has
// no live work. A busy worker keeps its current graph; the request is
// refused rather than silently interleaved.
func queueRootTask(db *store.DB, worker *domain.Worker, prompt string) error {
	tasks := db.TaskRepository()
	live, err := tasks.CountLive(worker.ID)
	if err != nil {
		return fmt.Errorf("counting live tasks: %w", err)
	}
	if live > 0 {
		fmt.Println("worker already has live work; request not queued")
		return nil
	}

	task := &domain.Task{
		WorkerID: worker.ID,
		Title:    domain.Truncate(prompt, 80),
		Prompt:   prompt,
	}
	if err := tasks.Create(task); err != nil {
		return fmt.Errorf("creating root task: %w", err)
	}
	fmt.Printf("queued root task %s\n", task.ID)
	return nil
}

// buildNotifier assembles the chat dispatch chain. A worker without a
// chat channel, or without the chat credential in the environment, gets
// a notifier that drops everything.
func buildNotifier(client agent.Client, db *store.DB, worker *domain.Worker, workspace string) (*notify.Notifier, func()) {
	formatter := notify.NewFormatter(client, domain.TierLight, cfg.Notify.FormatterTimeout(), workspace)

	chatID := worker.ChatID
	var sender notify.Sender = &notify.MockSender{}
	if chatID != "" {
		settings := notify.ResolveConnector(db.ConnectorRepository(), cfg.Notify.Connector, cfg.Notify.CredentialEnv)
		tg, err := notify.NewTelegramSender(settings)
		if err != nil {
			log.Warn(log.CatNotify, "chat sender unavailable, notifications disabled",
				"worker", worker.Name, "error", err)
			chatID = ""
		} else {
			sender = tg
		}
	}

	var sweeper *notify.ImageSweeper
	closeSweeper := func() {}
	if chatID != "" {
		sw, err := notify.NewImageSweeper(workspace)
		if err != nil {
			log.Warn(log.CatNotify, "workspace image watch unavailable",
				"worker", worker.Name, "error", err)
		} else {
			sweeper = sw
			closeSweeper = func() { _ = sw.Close() }
		}
	}

	return notify.NewNotifier(sender, formatter, sweeper, chatID), closeSweeper
}
