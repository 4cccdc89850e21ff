package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/j2pr/internal/session"
)

var tailCount int

func init() {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded run sessions",
		RunE:  runSessions,
	}
	rootCmd.AddCommand(sessionsCmd)

	sessionCmd := &cobra.Command{
		Use:   "session NAME",
		Short: "Print the event stream of one session",
		Args:  cobra.ExactArgs(1),
		RunE:  runSession,
	}
	rootCmd.AddCommand(sessionCmd)

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the latest session's most recent events",
		RunE:  runTail,
	}
	tailCmd.Flags().IntVarP(&tailCount, "lines", "n", 20, "number of events to print")
	rootCmd.AddCommand(tailCmd)

	openCmd := &cobra.Command{
		Use:   "open TICKET",
		Short: "Open the ticket's PR in the browser",
		Args:  cobra.ExactArgs(1),
		RunE:  runOpen,
	}
	rootCmd.AddCommand(openCmd)

	pruneCmd := &cobra.Command{
		Use:   "prune-sessions",
		Short: "Delete sessions older than the configured retention",
		RunE:  runPruneSessions,
	}
	rootCmd.AddCommand(pruneCmd)
}

func sessionRoot() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.ExpandedSessionDir()
}

func runSessions(cmd *cobra.Command, args []string) error {
	root, err := sessionRoot()
	if err != nil {
		return err
	}
	infos, err := session.List(root)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No sessions recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tTICKET\tOUTCOME\tEVENTS\tFINISHED")
	for _, info := range infos {
		name := filepath.Base(info.Dir)
		if info.Manifest == nil {
			fmt.Fprintf(w, "%s\t?\t(no manifest)\t?\t?\n", name)
			continue
		}
		m := info.Manifest
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			name, m.TicketKey, m.Outcome, m.EventCount, humanize.Time(m.FinishedAt))
	}
	return w.Flush()
}

func runSession(cmd *cobra.Command, args []string) error {
	root, err := sessionRoot()
	if err != nil {
		return err
	}
	dir := args[0]
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	events, err := session.ReadEvents(dir)
	if err != nil {
		return err
	}
	printEvents(events)
	return nil
}

func runTail(cmd *cobra.Command, args []string) error {
	root, err := sessionRoot()
	if err != nil {
		return err
	}
	infos, err := session.List(root)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No sessions recorded")
		return nil
	}
	events, err := session.ReadEvents(infos[0].Dir)
	if err != nil {
		return err
	}
	if len(events) > tailCount {
		events = events[len(events)-tailCount:]
	}
	fmt.Printf("%s:\n", filepath.Base(infos[0].Dir))
	printEvents(events)
	return nil
}

func printEvents(events []session.Event) {
	for _, e := range events {
		line := fmt.Sprintf("%8.1fs  %s", e.ElapsedS, e.Event)
		if len(e.Data) > 0 {
			line += fmt.Sprintf("  %v", e.Data)
		}
		fmt.Println(line)
	}
}

func runOpen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ticket, err := store.GetTicket(args[0])
	if err != nil {
		return err
	}
	if ticket == nil || ticket.PRURL == "" {
		return fmt.Errorf("no PR recorded for %s", args[0])
	}

	fmt.Println(ticket.PRURL)
	return openBrowser(ticket.PRURL)
}

func openBrowser(url string) error {
	var argv []string
	switch runtime.GOOS {
	case "darwin":
		argv = []string{"open", url}
	default:
		argv = []string{"xdg-open", url}
	}
	command := exec.Command(argv[0], argv[1:]...)
	if err := command.Start(); err != nil {
		// Headless environments have no opener; printing the URL is enough.
		return nil
	}
	return command.Wait()
}

func runPruneSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	root, err := cfg.ExpandedSessionDir()
	if err != nil {
		return err
	}
	retention := time.Duration(cfg.SessionCapture.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		fmt.Println("Retention disabled, nothing pruned")
		return nil
	}
	n, err := session.Prune(root, retention, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d session(s)\n", n)
	return nil
}
