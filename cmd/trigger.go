package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/schedule"
)

var (
	triggerWorker     string
	triggerTitle      string
	triggerPrompt     string
	triggerCron       string
	triggerTier       string
	triggerSkills     []string
	triggerCapability string
	triggerDisabled   bool
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Manage time triggers",
	Long: `Manage cron-style triggers. A due trigger injects its prompt as a
root task into its target worker; the supervisor wakes the worker to
process it. Expressions are five-field cron, evaluated in UTC.`,
}

var triggerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List triggers",
	RunE:  runTriggerList,
}

var triggerAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a trigger",
	Long: `Add a trigger. Example:

  foreman trigger add --worker reports --cron "0 9 * * 1-5" \
      --title "daily digest" --prompt "Summarize yesterday's commits"`,
	RunE: runTriggerAdd,
}

var triggerRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a trigger",
	Args:  cobra.ExactArgs(1),
	RunE:  runTriggerRm,
}

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.AddCommand(triggerListCmd, triggerAddCmd, triggerRmCmd)

	triggerAddCmd.Flags().StringVar(&triggerWorker, "worker", "", "target worker name (required)")
	triggerAddCmd.Flags().StringVar(&triggerTitle, "title", "", "task title (required)")
	triggerAddCmd.Flags().StringVar(&triggerPrompt, "prompt", "", "task prompt (required)")
	triggerAddCmd.Flags().StringVar(&triggerCron, "cron", "", "five-field cron expression, UTC (required)")
	triggerAddCmd.Flags().StringVar(&triggerTier, "tier", "", "model tier (haiku, sonnet, opus)")
	triggerAddCmd.Flags().StringSliceVar(&triggerSkills, "skill", nil, "skill to inline, repeatable")
	triggerAddCmd.Flags().StringVar(&triggerCapability, "capability", "", "capability policy id")
	triggerAddCmd.Flags().BoolVar(&triggerDisabled, "disabled", false, "create the trigger disabled")
	_ = triggerAddCmd.MarkFlagRequired("worker")
	_ = triggerAddCmd.MarkFlagRequired("title")
	_ = triggerAddCmd.MarkFlagRequired("prompt")
	_ = triggerAddCmd.MarkFlagRequired("cron")
}

func runTriggerList(_ *cobra.Command, _ []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	triggers, err := db.TriggerRepository().List()
	if err != nil {
		return err
	}
	if len(triggers) == 0 {
		fmt.Println("no triggers")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tWORKER\tCRON\tENABLED\tNEXT RUN")
	for _, t := range triggers {
		next := "-"
		if t.NextRun != nil {
			next = t.NextRun.UTC().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			t.ID, t.Title, t.WorkerName, t.CronExpr, t.Enabled, next)
	}
	return w.Flush()
}

func runTriggerAdd(_ *cobra.Command, _ []string) error {
	if _, err := schedule.Parse(triggerCron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", triggerCron, err)
	}
	tier := domain.ModelTier(triggerTier)
	if triggerTier != "" && !tier.IsValid() {
		return fmt.Errorf("invalid model tier %q", triggerTier)
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	trig := &domain.Trigger{
		WorkerName:   triggerWorker,
		Title:        triggerTitle,
		Prompt:       triggerPrompt,
		CronExpr:     triggerCron,
		ModelTier:    tier,
		Skills:       triggerSkills,
		CapabilityID: triggerCapability,
		Enabled:      !triggerDisabled,
	}
	if err := db.TriggerRepository().Save(trig); err != nil {
		return err
	}
	fmt.Printf("trigger %s created\n", trig.ID)
	return nil
}

func runTriggerRm(_ *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.TriggerRepository().Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("trigger %s removed\n", args[0])
	return nil
}
