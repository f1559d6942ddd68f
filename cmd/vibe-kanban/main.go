package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/minhduc9699/vibe-kanban/internal/approvals"
	"github.com/minhduc9699/vibe-kanban/internal/config"
	"github.com/minhduc9699/vibe-kanban/internal/executor"
	"github.com/minhduc9699/vibe-kanban/internal/models"
	"github.com/minhduc9699/vibe-kanban/internal/plans"
	"github.com/minhduc9699/vibe-kanban/internal/scheduler"
	"github.com/minhduc9699/vibe-kanban/internal/storage"
	"github.com/minhduc9699/vibe-kanban/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vibe-kanban",
		Short: "AI coding-agent task dispatch",
		Long:  "vibe-kanban schedules tasks for AI coding agents, supervises their processes, and tracks the results.",
		RunE:  runDashboard,
	}

	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newScheduleCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newTasksCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newNotificationsCommand())
	rootCmd.AddCommand(newImportPlansCommand())
	rootCmd.AddCommand(newDoctorCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore() (*config.Config, *storage.Storage, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return cfg, store, nil
}

func buildScheduler(cfg *config.Config, store *storage.Storage) (*scheduler.Scheduler, error) {
	var svc approvals.Service
	if cfg.ApprovalPolicy != "" {
		policy, err := approvals.LoadLuaPolicy(cfg.ApprovalPolicy)
		if err != nil {
			return nil, fmt.Errorf("failed to load approval policy: %w", err)
		}
		svc = policy
	}

	return scheduler.New(scheduler.Options{
		Store:        store,
		Profile:      cfg.Executor,
		Approvals:    svc,
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		Lease:        cfg.Lease,
	}), nil
}

func runDashboard(cmd *cobra.Command, args []string) error {
	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sched, err := buildScheduler(cfg, store)
	if err != nil {
		return err
	}

	// Workers run alongside the dashboard so live logs are in-process.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go sched.Run(ctx)

	app := tui.NewApp(store, sched)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the claim engine headless",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			sched, err := buildScheduler(cfg, store)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			slog.Info("worker started", "workers", cfg.Workers, "db", cfg.DBPath)
			if err := sched.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
}

func newScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule <title>",
		Short: "Create a task and schedule it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description, _ := cmd.Flags().GetString("description")
			workdir, _ := cmd.Flags().GetString("workdir")
			in, _ := cmd.Flags().GetDuration("in")
			session, _ := cmd.Flags().GetString("session")

			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			task, err := store.CreateTask(&models.CreateTask{
				Title:       args[0],
				Description: description,
				Workdir:     workdir,
			})
			if err != nil {
				return fmt.Errorf("failed to create task: %w", err)
			}

			create := &models.CreateScheduledTask{
				TaskID:    task.ID,
				ExecuteAt: time.Now().UTC().Add(in),
			}
			if session != "" {
				sid, err := uuid.Parse(session)
				if err != nil {
					return fmt.Errorf("invalid session id: %w", err)
				}
				create.SessionID = &sid
			}

			st, err := store.CreateScheduledTask(create)
			if err != nil {
				return fmt.Errorf("failed to schedule task: %w", err)
			}

			fmt.Printf("Created task %s\n", task.ID)
			fmt.Printf("Scheduled %s for %s\n", st.ID, st.ExecuteAt.Local().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringP("description", "m", "", "Task description sent to the agent with the title")
	cmd.Flags().StringP("workdir", "w", ".", "Directory the agent works in")
	cmd.Flags().Duration("in", 0, "Delay before the task is due (e.g. 30m)")
	cmd.Flags().String("session", "", "Resume this prior agent session instead of starting fresh")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.ListScheduledTasks(50)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("Nothing scheduled.")
				return nil
			}

			for _, row := range rows {
				title := "(unknown task)"
				if task, terr := store.GetTask(row.TaskID); terr == nil {
					title = truncate(task.Title, 50)
				}
				line := fmt.Sprintf("%s [%s] %s", row.ID, row.Status, title)
				if row.ErrorMessage != nil {
					line += " — " + truncate(*row.ErrorMessage, 60)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newTasksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			tasks, err := store.ListTasks(50)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks.")
				return nil
			}
			for _, task := range tasks {
				fmt.Printf("%s [%s] %s\n", task.ID, task.State, truncate(task.Title, 60))
			}
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <scheduled-task-id>",
		Short: "Show one scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id: %w", err)
			}

			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			row, err := store.GetScheduledTask(id)
			if err != nil {
				return err
			}

			fmt.Printf("Scheduled task %s\n", row.ID)
			fmt.Printf("Status: %s\n", row.Status)
			fmt.Printf("Due: %s\n", row.ExecuteAt.Local().Format(time.RFC3339))
			if task, terr := store.GetTask(row.TaskID); terr == nil {
				fmt.Printf("Task: %s [%s]\n", task.Title, task.State)
				if task.Workdir != "" {
					fmt.Printf("Workdir: %s\n", task.Workdir)
				}
			}
			if row.SessionID != nil {
				fmt.Printf("Session: %s\n", row.SessionID)
			}
			if row.LockedUntil != nil {
				fmt.Printf("Lease until: %s\n", row.LockedUntil.Local().Format(time.RFC3339))
			}
			if row.ErrorMessage != nil {
				fmt.Printf("Error: %s\n", *row.ErrorMessage)
			}
			return nil
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <scheduled-task-id>",
		Short: "Cancel a pending or running scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id: %w", err)
			}

			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			// A worker in another process notices via the cancelled status
			// when its session ends; the lease is not forcibly revoked here.
			if err := store.CancelScheduledTask(id); err != nil {
				return fmt.Errorf("failed to cancel: %w", err)
			}
			fmt.Printf("Cancelled %s\n", id)
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <scheduled-task-id>",
		Short: "Delete a scheduled task regardless of status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id: %w", err)
			}

			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.DeleteScheduledTask(id)
			if err != nil {
				return fmt.Errorf("failed to delete: %w", err)
			}
			if n == 0 {
				fmt.Printf("No scheduled task %s\n", id)
				return nil
			}
			fmt.Printf("Deleted %s\n", id)
			return nil
		},
	}
}

func newNotificationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Show the notification mailbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			markAll, _ := cmd.Flags().GetBool("mark-read")

			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			notifs, err := store.ListNotifications(50)
			if err != nil {
				return err
			}
			if len(notifs) == 0 {
				fmt.Println("Mailbox is empty.")
				return nil
			}

			for _, n := range notifs {
				marker := " "
				if n.ReadAt == nil {
					marker = "*"
				}
				fmt.Printf("%s [%s] %s — %s\n", marker, n.Type, n.Title, truncate(n.Message, 60))
			}

			if markAll {
				count, err := store.MarkAllNotificationsRead()
				if err != nil {
					return err
				}
				fmt.Printf("Marked %d notifications read\n", count)
			}
			return nil
		},
	}
	cmd.Flags().Bool("mark-read", false, "Mark everything read after printing")
	return cmd
}

func newImportPlansCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-plans <project-path>",
		Short: "Scan a project's planning documents into tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scanner, _ := cmd.Flags().GetString("scanner")

			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if scanner == "" {
				scanner = cfg.PlanScanner
			}

			res, err := plans.NewImporter(store, scanner).Import(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}

			fmt.Printf("Imported %d plans (%d scheduled, %d skipped)\n", res.Imported, res.Scheduled, res.Skipped)
			return nil
		},
	}
	cmd.Flags().String("scanner", "", "Plan scanner script (overrides config)")
	return cmd
}

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the configured executor is installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			exec, err := executor.Resolve(cfg.Executor)
			if err != nil {
				return err
			}

			variant := cfg.Executor.Variant
			if variant == "" {
				variant = "claude"
			}
			switch exec.Availability() {
			case executor.InstallationFound:
				fmt.Printf("%s: found\n", variant)
			default:
				fmt.Printf("%s: not found on PATH\n", variant)
			}
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
