package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/skills"
	"github.com/zjrosen/foreman/internal/supervisor"
	"github.com/zjrosen/foreman/internal/tracing"
)

var supervisorCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "Run the supervisor daemon",
	Long: `Run the long-lived supervisor that keeps worker processes alive:
it respawns crashed workers, wakes dormant workers that own live tasks,
fires scheduled triggers, and syncs the skill manifest.

Stopping the supervisor never stops workers; they exit on their own
when idle.`,
	RunE: runSupervisor,
}

func init() {
	rootCmd.AddCommand(supervisorCmd)
}

func runSupervisor(_ *cobra.Command, _ []string) error {
	cleanup, err := setupRuntime("supervisor")
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

	sup := supervisor.New(supervisor.Config{
		ScanInterval: cfg.Supervisor.ScanInterval(),
		Staleness:    cfg.Supervisor.Staleness(),
		ManifestSync: cfg.Supervisor.ManifestSync(),
	}, db, supervisor.NewExecSpawner(cfg), skills.NewLibrary(cfg.SkillsDir), tp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info(log.CatSuper, "signal received, detaching from workers", "signal", sig.String())
		cancel()
	}()

	fmt.Println("foreman supervisor started")
	return sup.Run(ctx)
}
