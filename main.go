package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ByteMirror/lockstep/audit"
	"github.com/ByteMirror/lockstep/config"
	"github.com/ByteMirror/lockstep/conflict"
	"github.com/ByteMirror/lockstep/daemon"
	"github.com/ByteMirror/lockstep/locking"
	"github.com/ByteMirror/lockstep/log"
	"github.com/ByteMirror/lockstep/mergequeue"
	"github.com/ByteMirror/lockstep/planner"
)

var (
	version = "1.0.0"

	ttlFlag        time.Duration
	waitFlag       bool
	sessionFlag    string
	pidFlag        int
	reasonFlag     string
	phaseFlag      string
	rulesFlag      string
	execFlag       string
	failFastFlag   bool
	ownerFlag      string
	repoFlag       string
	targetFlag     string
	foregroundFlag bool

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	busyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	rootCmd = &cobra.Command{
		Use:           "lockstep",
		Short:         "Lockstep - coordination layer for concurrent build agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// CLI exit codes.
const (
	exitOK       = 0
	exitBusy     = 1
	exitConflict = 2
	exitTimeout  = 3
	exitInternal = 4
)

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case locking.IsBusy(err):
		return exitBusy
	case errors.Is(err, planner.ErrForbidConflict):
		return exitConflict
	case errors.Is(err, mergequeue.ErrExpired), errors.Is(err, context.DeadlineExceeded):
		return exitTimeout
	default:
		return exitInternal
	}
}

func openManager(cfg *config.Config) (*locking.Manager, *audit.Logger, error) {
	storeDir, err := cfg.StorePath()
	if err != nil {
		return nil, nil, err
	}
	store, err := locking.NewStore(storeDir)
	if err != nil {
		return nil, nil, err
	}
	auditor := audit.NewLogger(filepath.Join(storeDir, "audit.jsonl"))
	return locking.NewManager(store, auditor, nil), auditor, nil
}

func cliHolder() locking.Holder {
	holder := locking.NewHolder()
	if pidFlag > 0 {
		holder.PID = pidFlag
	}
	if sessionFlag != "" {
		holder.Session = sessionFlag
	}
	return holder
}

func newLockCmd() *cobra.Command {
	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire, release, and inspect named locks",
	}

	acquireCmd := &cobra.Command{
		Use:   "acquire <name>",
		Short: "Acquire a named lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			manager, _, err := openManager(cfg)
			if err != nil {
				return err
			}
			holder := cliHolder()

			if waitFlag {
				ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				defer cancel()
				err = manager.AcquireWithRetry(ctx, args[0], holder, ttlFlag)
			} else {
				err = manager.Acquire(args[0], holder, ttlFlag)
			}
			if err != nil {
				if locking.IsBusy(err) {
					fmt.Println(busyStyle.Render(err.Error()))
				}
				return err
			}
			fmt.Printf("acquired %q as %s\n", args[0], holder.ID())
			return nil
		},
	}
	acquireCmd.Flags().DurationVar(&ttlFlag, "ttl", locking.DefaultTTL, "lock time-to-live")
	acquireCmd.Flags().BoolVar(&waitFlag, "wait", false, "poll with backoff until acquired")

	releaseCmd := &cobra.Command{
		Use:   "release <name>",
		Short: "Release a named lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			manager, _, err := openManager(cfg)
			if err != nil {
				return err
			}
			if err := manager.Release(args[0], cliHolder()); err != nil {
				return err
			}
			fmt.Printf("released %q\n", args[0])
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Show one lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			manager, _, err := openManager(cfg)
			if err != nil {
				return err
			}
			lock, err := manager.Status(args[0])
			if err != nil {
				return err
			}
			if lock == nil {
				fmt.Printf("%q is not held\n", args[0])
				return nil
			}
			printLocks([]locking.Lock{*lock})
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			manager, _, err := openManager(cfg)
			if err != nil {
				return err
			}
			locks, err := manager.List()
			if err != nil {
				return err
			}
			printLocks(locks)
			return nil
		},
	}

	forceCmd := &cobra.Command{
		Use:   "force-release <name>",
		Short: "Administratively remove a lock, logging the prior holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			manager, _, err := openManager(cfg)
			if err != nil {
				return err
			}
			prior, err := manager.ForceRelease(args[0], reasonFlag)
			if err != nil {
				return err
			}
			if prior == nil {
				fmt.Printf("%q was not held\n", args[0])
				return nil
			}
			fmt.Printf("force-released %q (prior holder %s)\n", args[0], prior.HolderID)
			return nil
		},
	}
	forceCmd.Flags().StringVar(&reasonFlag, "reason", "administrative override", "reason recorded in the audit log")

	for _, c := range []*cobra.Command{acquireCmd, releaseCmd} {
		c.Flags().StringVar(&sessionFlag, "session", "", "holder session id (defaults to a new id)")
		c.Flags().IntVar(&pidFlag, "pid", 0, "holder pid (defaults to this process)")
	}

	lockCmd.AddCommand(acquireCmd, releaseCmd, statusCmd, listCmd, forceCmd)
	return lockCmd
}

func newPlanCmd() *cobra.Command {
	planCmd := &cobra.Command{
		Use:   "plan <group-id>...",
		Short: "Plan and run a batch of groups",
		Long: "Evaluates the batch against the conflict rules, picks parallel or serial\n" +
			"execution, and dispatches each group. Without --exec this is a dry run that\n" +
			"prints the recommendation.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			rulesPath := rulesFlag
			if rulesPath == "" {
				rulesPath = cfg.RulesFile
			}
			if rulesPath == "" {
				return fmt.Errorf("no rules file: pass --rules or set rules_file in config")
			}
			decls, err := conflict.LoadDeclarations(rulesPath)
			if err != nil {
				return err
			}

			var groups []conflict.Group
			for _, id := range args {
				group, ok := decls.GroupByID(id)
				if !ok {
					return fmt.Errorf("group %q is not declared in %s", id, rulesPath)
				}
				groups = append(groups, group)
			}

			detector := conflict.NewDetector(decls.Rules)
			if execFlag == "" {
				rec := detector.Recommend(groups)
				report := detector.Detect(groups)
				if report.HasForbid() {
					first := report.Conflicts[0]
					fmt.Println(errStyle.Render(fmt.Sprintf(
						"refused: groups %s and %s overlap under rule %q", first.GroupA, first.GroupB, first.Rule.Name)))
					return planner.ErrForbidConflict
				}
				fmt.Printf("recommendation: %s (%d conflicts)\n", rec, len(report.Conflicts))
				return nil
			}

			manager, auditor, err := openManager(cfg)
			if err != nil {
				return err
			}
			p := planner.NewPlanner(detector, manager, auditor, locking.NewHolder(),
				time.Duration(cfg.LockTTLSeconds)*time.Second)
			p.LoadCeiling = cfg.LoadCeiling
			p.FailFast = failFastFlag

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			result, err := p.PlanAndRun(ctx, groups, phaseFlag, func(ctx context.Context, group conflict.Group) error {
				run := exec.CommandContext(ctx, "sh", "-c", execFlag)
				run.Env = append(os.Environ(), "LOCKSTEP_GROUP="+group.ID)
				run.Stdout = os.Stdout
				run.Stderr = os.Stderr
				return run.Run()
			})
			if err != nil {
				return err
			}

			fmt.Printf("phase %s: %s -> %s\n", result.Phase, result.Mode, result.State)
			for _, g := range result.Groups {
				switch {
				case g.Err != nil:
					fmt.Println(errStyle.Render(fmt.Sprintf("  %s: %v", g.GroupID, g.Err)))
				case !g.Started:
					fmt.Println(busyStyle.Render(fmt.Sprintf("  %s: not started", g.GroupID)))
				default:
					fmt.Printf("  %s: ok\n", g.GroupID)
				}
			}
			if result.State == planner.StateFailed {
				return fmt.Errorf("phase %s finished %s", result.Phase, result.State)
			}
			return nil
		},
	}
	planCmd.Flags().StringVar(&phaseFlag, "phase", "default", "phase identifier for this execution request")
	planCmd.Flags().StringVar(&rulesFlag, "rules", "", "groups/rules declaration file")
	planCmd.Flags().StringVar(&execFlag, "exec", "", "command run per group (LOCKSTEP_GROUP is set)")
	planCmd.Flags().BoolVar(&failFastFlag, "fail-fast", false, "abort a serial run at the first failure")
	return planCmd
}

func newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Serialize integrations through the merge queue",
	}

	queuePath := func(cfg *config.Config) (string, error) {
		storeDir, err := cfg.StorePath()
		if err != nil {
			return "", err
		}
		return filepath.Join(storeDir, "queue.json"), nil
	}

	openQueue := func(cfg *config.Config) (*mergequeue.Queue, error) {
		manager, auditor, err := openManager(cfg)
		if err != nil {
			return nil, err
		}
		path, err := queuePath(cfg)
		if err != nil {
			return nil, err
		}
		q := mergequeue.NewQueue(path, manager, auditor,
			mergequeue.NewGitIntegrator(repoFlag, targetFlag))
		if cfg.QueueTimeoutSeconds > 0 {
			q.Timeout = time.Duration(cfg.QueueTimeoutSeconds) * time.Second
		}
		return q, nil
	}

	addCmd := &cobra.Command{
		Use:   "add <integration-id>",
		Short: "Enqueue an integration branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(config.LoadConfig())
			if err != nil {
				return err
			}
			owner := ownerFlag
			if owner == "" {
				owner = locking.NewHolder().ID()
			}
			position, err := q.Enqueue(args[0], owner)
			if err != nil {
				return err
			}
			fmt.Printf("%s queued at position %d\n", args[0], position)
			return nil
		},
	}
	addCmd.Flags().StringVar(&ownerFlag, "owner", "", "owner identifier (defaults to this process)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show the active queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(config.LoadConfig())
			if err != nil {
				return err
			}
			entries, err := q.Entries()
			if err != nil {
				return err
			}
			printEntries(entries)
			return nil
		},
	}

	advanceCmd := &cobra.Command{
		Use:   "advance",
		Short: "Service the queue once",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(config.LoadConfig())
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return q.Advance(ctx)
		},
	}

	for _, c := range []*cobra.Command{addCmd, listCmd, advanceCmd} {
		c.Flags().StringVar(&repoFlag, "repo", ".", "repository path")
		c.Flags().StringVar(&targetFlag, "target", "main", "target branch")
	}

	queueCmd.AddCommand(addCmd, listCmd, advanceCmd)
	return queueCmd
}

func newMonitorCmd() *cobra.Command {
	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the deadlock monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !foregroundFlag {
				return daemon.LaunchDaemon()
			}
			// Reopen with the monitor prefix for the long-running loop.
			log.Initialize(true)

			cfg := config.LoadConfig()
			manager, _, err := openManager(cfg)
			if err != nil {
				return err
			}
			interval := time.Duration(cfg.MonitorIntervalSeconds) * time.Second
			monitor := locking.NewMonitor(manager, nil, interval)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			monitor.Run(ctx)
			return nil
		},
	}
	monitorCmd.Flags().BoolVar(&foregroundFlag, "foreground", false, "run in the foreground instead of daemonizing")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running monitor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.StopDaemon()
		},
	}
	monitorCmd.AddCommand(stopCmd)
	return monitorCmd
}

func printLocks(locks []locking.Lock) {
	if len(locks) == 0 {
		fmt.Println("no locks held")
		return
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-20s %-28s %-8s %s", "NAME", "HOLDER", "PID", "ACQUIRED")))
	expired := 0
	now := time.Now()
	for _, lock := range locks {
		fmt.Printf("%-20s %-28s %-8d %s\n",
			lock.Name, lock.HolderID, lock.PID, lock.AcquiredAt.Format(time.RFC3339))
		if lock.Expired(now) {
			expired++
		}
	}
	fmt.Printf("%d locks held (%d past ttl)\n", len(locks), expired)
}

func printEntries(entries []mergequeue.Entry) {
	if len(entries) == 0 {
		fmt.Println("queue is empty")
		return
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-4s %-24s %-12s %s", "POS", "INTEGRATION", "STATUS", "ENQUEUED")))
	counts := make(map[mergequeue.Status]int)
	for i, entry := range entries {
		fmt.Printf("%-4d %-24s %-12s %s\n",
			i+1, entry.IntegrationID, entry.Status, entry.EnqueuedAt.Format(time.RFC3339))
		counts[entry.Status]++
	}
	fmt.Printf("%d entries (%d queued, %d active)\n",
		len(entries), counts[mergequeue.StatusQueued],
		counts[mergequeue.StatusPrechecking]+counts[mergequeue.StatusMerging])
}

func main() {
	log.Initialize(false)
	defer log.Close()

	rootCmd.AddCommand(newLockCmd(), newPlanCmd(), newQueueCmd(), newMonitorCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
		os.Exit(exitCodeFor(err))
	}
}
