// Command stagecraft drives content pipeline jobs from the terminal: start
// a job, inspect its state, signal approval gates, and issue chat-style
// commands.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"stagecraft"
)

var (
	stageStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
)

func statusStyle(status stagecraft.JobStatus) lipgloss.Style {
	switch status {
	case stagecraft.StatusCompleted, stagecraft.StatusRunning:
		return okStyle
	case stagecraft.StatusWaitingApproval, stagecraft.StatusPaused:
		return warnStyle
	case stagecraft.StatusFailed, stagecraft.StatusCancelled:
		return errStyle
	}
	return dimStyle
}

func main() {
	root := &cobra.Command{
		Use:           "stagecraft",
		Short:         "Durable, approval-gated content generation pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("db", "stagecraft.db", "sqlite database path")
	root.PersistentFlags().String("blob-dir", "", "mirror artifacts to files under this directory")
	root.PersistentFlags().Bool("verbose", false, "log stage-level progress")
	_ = viper.BindPFlag("db", root.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("blob_dir", root.PersistentFlags().Lookup("blob-dir"))
	_ = viper.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose"))
	viper.SetEnvPrefix("STAGECRAFT")
	viper.AutomaticEnv()
	viper.SetConfigName("stagecraft")
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "stagecraft"))
	}
	// A missing config file is fine; flags and env cover everything.
	_ = viper.ReadInConfig()

	root.AddCommand(
		runCmd(),
		statusCmd(),
		jobsCmd(),
		approveCmd(),
		rejectCmd(),
		retryCmd(),
		eventsCmd(),
		chatCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

// openPipeline wires a SQLite-backed pipeline from the viper config.
func openPipeline() (*stagecraft.Pipeline, func(), error) {
	db, err := sql.Open("sqlite", viper.GetString("db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	b := stagecraft.NewBuilder().
		WithSQLite(db).
		WithLocalProvider("").
		WithDefaultSteps()

	if dir := viper.GetString("blob_dir"); dir != "" {
		b = b.WithBlobDir(dir)
	}
	if viper.GetBool("verbose") {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		b = b.WithLogger(logger).WithObserver(stagecraft.NewLoggingObserver(logger))
	}

	p, err := b.Build()
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	cleanup := func() {
		p.Close()
		db.Close()
	}
	return p, cleanup, nil
}

func runCmd() *cobra.Command {
	var auto bool
	var file string
	cmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Start or resume a job from a markdown source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := openPipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			var config map[string]any
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read source: %w", err)
				}
				config = map[string]any{"markdown": string(data)}
			}

			if err := p.Start(cmd.Context(), args[0], config, auto); err != nil {
				return err
			}
			return waitAndReport(cmd.Context(), p, args[0])
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "markdown source file (required on first run)")
	cmd.Flags().BoolVar(&auto, "auto", false, "skip all approval gates")
	return cmd
}

// waitAndReport blocks until the job suspends, finishes, or fails, printing
// status transitions as they land.
func waitAndReport(ctx context.Context, p *stagecraft.Pipeline, jobID string) error {
	done := make(chan *stagecraft.Job, 16)
	cancel := p.OnStatusChange(jobID, func(job *stagecraft.Job) {
		select {
		case done <- job:
		default:
		}
	})
	defer cancel()

	for {
		select {
		case job := <-done:
			printJob(job)
			switch job.Status {
			case stagecraft.StatusWaitingApproval:
				fmt.Printf("approve with: stagecraft approve %s %s\n", jobID, job.CurrentStage)
				return nil
			case stagecraft.StatusCompleted:
				return nil
			case stagecraft.StatusFailed:
				return fmt.Errorf("job failed at %s: %s", job.CurrentStage, job.Error)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printJob(job *stagecraft.Job) {
	fmt.Printf("%s %s %s\n",
		dimStyle.Render(job.ID),
		statusStyle(job.Status).Render(string(job.Status)),
		stageStyle.Render(string(job.CurrentStage)),
	)
	if job.Error != "" {
		fmt.Println("  " + errStyle.Render(job.Error))
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status and current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := openPipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			job, err := p.Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(job)
			if job.RetryCount > 0 {
				fmt.Printf("  retries: %d\n", job.RetryCount)
			}
			return nil
		},
	}
}

func jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List recent command activity for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := openPipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			recs, err := p.Commands(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, rec := range recs {
				line := fmt.Sprintf("%s  %-14s %s", rec.CreatedAt.Format("15:04:05"), rec.Command, rec.Status)
				if rec.Error != "" {
					line += "  " + errStyle.Render(rec.Error)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <job-id> <stage>",
		Short: "Approve a stage's pending artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := openPipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			stage, err := stagecraft.ParseStage(args[1])
			if err != nil {
				return err
			}
			job, err := p.Approve(cmd.Context(), args[0], stage)
			if err != nil {
				return err
			}
			printJob(job)
			return nil
		},
	}
}

func rejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <job-id> <stage>",
		Short: "Reject a stage's pending artifact (job stays suspended)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := openPipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			stage, err := stagecraft.ParseStage(args[1])
			if err != nil {
				return err
			}
			job, err := p.Reject(cmd.Context(), args[0], stage, reason)
			if err != nil {
				return err
			}
			printJob(job)
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the artifact was rejected")
	return cmd
}

func retryCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "retry <job-id> <stage>",
		Short: "Force a stage to regenerate, bypassing the cached artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := openPipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			stage, err := stagecraft.ParseStage(args[1])
			if err != nil {
				return err
			}
			res, err := p.Retry(cmd.Context(), args[0], stage, reason)
			if err != nil {
				return err
			}
			fmt.Printf("%s retry #%d, %d artifact versions\n",
				okStyle.Render("regenerated"), res.RetryCount, len(res.ArtifactIDs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the stage is being retried")
	return cmd
}

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <job-id>",
		Short: "Show a job's pipeline event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := openPipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			events, err := p.Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, ev := range events {
				line := fmt.Sprintf("%s  %-20s %s",
					ev.At.Format("15:04:05"), ev.Type, stageStyle.Render(string(ev.Stage)))
				if ev.Detail != "" {
					line += "  " + dimStyle.Render(ev.Detail)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <job-id>",
		Short: "Interactive command session (/run, /pause, /jump-to SCRIPT, ...)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := openPipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			jobID := args[0]
			if err := p.Recover(cmd.Context()); err != nil {
				return err
			}

			scanner := bufio.NewScanner(os.Stdin)
			fmt.Println(dimStyle.Render("type a command, or 'quit' to exit"))
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				text := strings.TrimSpace(scanner.Text())
				if text == "quit" || text == "exit" {
					return nil
				}

				result, handled, err := p.ProcessText(cmd.Context(), jobID, text)
				switch {
				case err != nil:
					fmt.Println(errStyle.Render(err.Error()))
				case !handled:
					fmt.Println(dimStyle.Render("not a pipeline command"))
				default:
					fmt.Println(okStyle.Render(result))
				}
			}
		},
	}
}
