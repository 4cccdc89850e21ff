package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/j2pr/internal/agent"
	"github.com/hochfrequenz/j2pr/internal/config"
	"github.com/hochfrequenz/j2pr/internal/domain"
	"github.com/hochfrequenz/j2pr/internal/github"
	"github.com/hochfrequenz/j2pr/internal/jira"
	"github.com/hochfrequenz/j2pr/internal/notify"
	"github.com/hochfrequenz/j2pr/internal/orchestrator"
	"github.com/hochfrequenz/j2pr/internal/schedule"
	"github.com/hochfrequenz/j2pr/internal/statestore"
)

var (
	runForce     bool
	runRerun     bool
	runNoComment bool
	scanLimit    int
)

func init() {
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "List approved tickets eligible for a run",
		RunE:  runScan,
	}
	scanCmd.Flags().IntVar(&scanLimit, "limit", 25, "maximum tickets to list")
	rootCmd.AddCommand(scanCmd)

	runCmd := &cobra.Command{
		Use:   "run TICKET",
		Short: "Run the pipeline for one ticket",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&runForce, "force", false, "skip the clean-worktree and ticket-completeness gates")
	runCmd.Flags().BoolVar(&runRerun, "rerun", false, "run again even if a PR already exists")
	runCmd.Flags().BoolVar(&runNoComment, "no-comment", false, "do not comment the PR URL on the ticket")
	rootCmd.AddCommand(runCmd)

	runNextCmd := &cobra.Command{
		Use:   "run-next",
		Short: "Run the pipeline for the next eligible ticket",
		RunE:  runRunNext,
	}
	rootCmd.AddCommand(runNextCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show known tickets and active repo locks",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	runsCmd := &cobra.Command{
		Use:   "runs [TICKET]",
		Short: "List recorded runs, optionally for one ticket",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRuns,
	}
	rootCmd.AddCommand(runsCmd)

	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Dump the state database (tickets, runs, locks)",
		RunE:  runDB,
	}
	rootCmd.AddCommand(dbCmd)

	cleanLocksCmd := &cobra.Command{
		Use:   "clean-locks",
		Short: "Clear all repo locks",
		RunE:  runCleanLocks,
	}
	rootCmd.AddCommand(cleanLocksCmd)

	validateCmd := &cobra.Command{
		Use:   "config-validate",
		Short: "Load and validate the configuration",
		RunE:  runConfigValidate,
	}
	rootCmd.AddCommand(validateCmd)

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Poll for tickets on the configured cron schedule",
		RunE:  runDaemon,
	}
	rootCmd.AddCommand(daemonCmd)
}

func openStore(cfg *config.Config) (*statestore.Store, error) {
	dbPath, err := cfg.ExpandedDBPath()
	if err != nil {
		return nil, err
	}
	return statestore.New(dbPath)
}

func buildOrchestrator(cfg *config.Config, store *statestore.Store, log *zap.Logger) (*orchestrator.Orchestrator, error) {
	prs, err := github.NewClient(cfg.GitHub)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(cfg, orchestrator.Deps{
		Store:    store,
		Tickets:  jira.NewClient(cfg.Jira),
		PRs:      prs,
		Agent:    agent.NewRunner(cfg.Agent),
		Repos:    orchestrator.LocalRepoOpener{},
		Notifier: notify.FromConfig(cfg.Notifications),
		Logger:   log,
	}), nil
}

func reportOutcome(out orchestrator.Outcome) {
	switch out.Kind {
	case orchestrator.OutcomePROpened:
		fmt.Printf("PR opened for %s: %s\n", out.TicketKey, out.PRURL)
	case orchestrator.OutcomeIdempotent:
		fmt.Printf("%s already has a PR: %s\n", out.TicketKey, out.PRURL)
	case orchestrator.OutcomeBusy:
		fmt.Printf("Busy: %s\n", out.Reason)
	case orchestrator.OutcomeNeedsHuman:
		fmt.Printf("Needs human: %s\n", out.Reason)
		if out.Suggestion != "" {
			fmt.Printf("  -> %s\n", out.Suggestion)
		}
	case orchestrator.OutcomeFailed:
		fmt.Printf("Failed: %s\n", out.Reason)
		if out.Suggestion != "" {
			fmt.Printf("  -> %s\n", out.Suggestion)
		}
	case orchestrator.OutcomeNothingToDo:
		fmt.Println("Nothing to do")
	}
	if out.ArtifactsDir != "" {
		fmt.Printf("Artifacts: %s\n", out.ArtifactsDir)
	}
	exitCode = out.ExitCode()
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	client := jira.NewClient(cfg.Jira)
	issues, err := client.Search(cmd.Context(), cfg.Jira.JQL, scanLimit)
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		fmt.Println("No eligible tickets")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSUMMARY\tSTATE")
	for _, issue := range issues {
		existing, err := store.GetTicket(issue.Key)
		if err != nil {
			return err
		}
		state := "new"
		if existing != nil {
			state = string(existing.Status)
		} else {
			if err := store.UpsertTicket(&domain.Ticket{
				Key:    issue.Key,
				Status: domain.TicketDiscovered,
			}, false); err != nil {
				return err
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", issue.Key, truncate(issue.Summary(), 70), state)
	}
	return w.Flush()
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	orch, err := buildOrchestrator(cfg, store, log)
	if err != nil {
		return err
	}

	out, err := orch.Run(cmd.Context(), args[0], orchestrator.Options{
		Force:     runForce,
		Rerun:     runRerun,
		NoComment: runNoComment,
	})
	if err != nil {
		return err
	}
	reportOutcome(out)
	return nil
}

func runRunNext(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	orch, err := buildOrchestrator(cfg, store, log)
	if err != nil {
		return err
	}

	out, err := orch.RunNext(cmd.Context())
	if err != nil {
		return err
	}
	reportOutcome(out)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tickets, err := store.ListTickets()
	if err != nil {
		return err
	}
	if len(tickets) == 0 {
		fmt.Println("No tickets recorded")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSTATUS\tREPO\tPR\tUPDATED")
		for _, t := range tickets {
			pr := t.PRURL
			if pr == "" {
				pr = "-"
			}
			repo := t.Repo
			if repo == "" {
				repo = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				t.Key, t.Status, repo, pr, humanize.Time(t.UpdatedAt))
		}
		w.Flush()
	}

	locks, err := store.ListLocks()
	if err != nil {
		return err
	}
	if len(locks) > 0 {
		fmt.Println("\nActive locks:")
		for _, l := range locks {
			fmt.Printf("  %s held by run %s since %s\n", l.Repo, l.RunID, humanize.Time(l.LockedAt))
		}
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	key := ""
	if len(args) == 1 {
		key = args[0]
	}
	runs, err := store.ListRuns(key)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tTICKET\tSTATUS\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.TicketKey, r.Status, humanize.Time(r.StartedAt), duration)
	}
	return w.Flush()
}

func runDB(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dbPath, err := cfg.ExpandedDBPath()
	if err != nil {
		return err
	}
	store, err := statestore.New(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("Database: %s\n\n", dbPath)

	tickets, err := store.ListTickets()
	if err != nil {
		return err
	}
	fmt.Printf("tickets (%d):\n", len(tickets))
	for _, t := range tickets {
		fmt.Printf("  %s %s repo=%s branch=%s pr=%s run=%s error=%q\n",
			t.Key, t.Status, t.Repo, t.Branch, t.PRURL, t.LastRunID, t.LastError)
	}

	runs, err := store.ListRuns("")
	if err != nil {
		return err
	}
	fmt.Printf("\nruns (%d):\n", len(runs))
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Format(time.RFC3339)
		}
		fmt.Printf("  %s %s %s started=%s finished=%s pr=%s\n",
			r.ID, r.TicketKey, r.Status, r.StartedAt.Format(time.RFC3339), finished, r.PRURL)
	}

	locks, err := store.ListLocks()
	if err != nil {
		return err
	}
	fmt.Printf("\nrepo_locks (%d):\n", len(locks))
	for _, l := range locks {
		fmt.Printf("  %s run=%s locked_at=%s\n", l.Repo, l.RunID, l.LockedAt.Format(time.RFC3339))
	}
	return nil
}

func runCleanLocks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.ClearAllLocks()
	if err != nil {
		return err
	}
	fmt.Printf("Cleared %d lock(s)\n", n)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path, err := config.ResolvePath(configFlag)
	if err != nil {
		return err
	}
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Printf("Config OK: %s\n", path)
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	orch, err := buildOrchestrator(cfg, store, log)
	if err != nil {
		return err
	}

	job := func(ctx context.Context) (bool, error) {
		out, err := orch.RunNext(ctx)
		if err != nil {
			return false, err
		}
		// Only a freshly opened PR hints at more queued work.
		return out.Kind == orchestrator.OutcomePROpened, nil
	}

	daemon, err := schedule.New(cfg.Schedule.Cron, job, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Daemon polling on %q, Ctrl-C to stop\n", cfg.Schedule.Cron)
	if err := daemon.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
