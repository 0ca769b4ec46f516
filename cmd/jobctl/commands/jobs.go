package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/battle-orchestrator/internal/api/dto"
	"github.com/cuongbtq/battle-orchestrator/internal/api/handler"
	"github.com/cuongbtq/battle-orchestrator/internal/app"
	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/queue"
)

func newEnqueueCommand(run appRunner) *cobra.Command {
	var (
		priority    string
		delay       time.Duration
		maxAttempts int
		key         string
	)

	cmd := &cobra.Command{
		Use:     "enqueue <type> <payload-json>",
		Short:   "Enqueue a job",
		Example: `  jobctl enqueue update_battle_state '{"battleId":"b-1"}' --priority high`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType := job.Type(args[0])
			if !jobType.Valid() {
				return fmt.Errorf("%w: %s (known: %v)", job.ErrUnknownType, args[0], job.Types)
			}
			p, ok := job.ParsePriority(priority)
			if !ok {
				return fmt.Errorf("invalid priority %q: use low, normal or high", priority)
			}

			opts := []job.Option{job.WithPriority(p)}
			if delay > 0 {
				opts = append(opts, job.WithDelay(delay))
			}
			if maxAttempts > 0 {
				opts = append(opts, job.WithMaxAttempts(maxAttempts))
			}
			if key != "" {
				opts = append(opts, job.WithIdempotencyKey(key))
			}

			return run(cmd, func(a *app.App) error {
				id, err := a.Queue.EnqueueRaw(cmd.Context(), jobType, json.RawMessage(args[1]), opts...)
				if err != nil {
					return err
				}
				j, err := a.Queue.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), dto.FromJob(j))
			})
		},
	}

	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "Priority: low, normal or high")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Delay before the job becomes eligible")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempt budget (0 uses the queue default)")
	cmd.Flags().StringVar(&key, "key", "", "Idempotency key")
	return cmd
}

func newGetCommand(run appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(a *app.App) error {
				j, err := a.Queue.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), dto.FromJob(j))
			})
		},
	}
}

func newListCommand(run appRunner) *cobra.Command {
	var (
		jobType  string
		status   string
		pageSize int
		cursor   string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if jobType != "" && !job.Type(jobType).Valid() {
				return fmt.Errorf("%w: %s", job.ErrUnknownType, jobType)
			}
			c, err := handler.DecodeJobCursor(cursor)
			if err != nil {
				return fmt.Errorf("invalid cursor: %w", err)
			}

			return run(cmd, func(a *app.App) error {
				jobs, next, err := a.Queue.List(cmd.Context(), queue.Filter{
					Type:     job.Type(jobType),
					Status:   job.Status(status),
					PageSize: pageSize,
					Cursor:   c,
				})
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPRIORITY\tATTEMPTS\tSCHEDULED")
				for _, j := range jobs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
						j.ID, j.Type, j.Status, j.Priority, j.Attempts, j.MaxAttempts,
						j.ScheduledAt.Format(time.RFC3339))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if next != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "\nnext page: --cursor %s\n", handler.EncodeJobCursor(next))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&jobType, "type", "t", "", "Filter by job type")
	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status")
	cmd.Flags().IntVarP(&pageSize, "page-size", "n", 20, "Jobs per page (max 100)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Cursor from a previous page")
	return cmd
}

func newRequeueCommand(run appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Give a dead-lettered job a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(a *app.App) error {
				if err := a.Queue.Requeue(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
				return nil
			})
		},
	}
}

func newCancelCommand(run appRunner) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Fail a pending job so no worker runs it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(a *app.App) error {
				if err := a.Queue.Cancel(cmd.Context(), args[0], reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "canceled %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded as the job's last error")
	return cmd
}

func newStatsCommand(run appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(a *app.App) error {
				stats, err := a.Queue.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newMigrateCommand(run appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the job and domain tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(a *app.App) error {
				if err := a.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			})
		},
	}
}
