package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/portal"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the offline mutation queue",
	}
	cmd.AddCommand(newQueueListCmd(), newQueueRetryCmd())
	return cmd
}

func newQueueListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued mutations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := models.QueueStatus(strings.ToUpper(status))
			switch st {
			case models.QueueStatusPending, models.QueueStatusCompleted, models.QueueStatusFailed:
			default:
				return fmt.Errorf("unknown status %q", status)
			}
			return withPortal(cmd, func(ctx context.Context, p *portal.Portal) error {
				items, err := p.Engine().Queue().List(ctx, st)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintf(out, "No %s items\n", strings.ToLower(string(st)))
					return nil
				}

				fmt.Fprintf(out, "%-36s %-8s %-12s %-20s %-8s %-7s %s\n", "ID", "TYPE", "KIND", "ENTITY", "PRIORITY", "RETRIES", "QUEUED")
				fmt.Fprintln(out, strings.Repeat("-", 110))
				for _, item := range items {
					entity := item.EntityID
					if entity == "" {
						entity = "-"
					}
					fmt.Fprintf(out, "%-36s %-8s %-12s %-20s %-8s %-7d %s\n",
						item.ID, item.MutationType, item.EntityKind, entity, item.Priority, item.RetryCount,
						humanize.Time(time.UnixMilli(item.EnqueuedAt)))
					if item.LastError != "" {
						fmt.Fprintf(out, "    last error: %s\n", item.LastError)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(models.QueueStatusPending), "PENDING, FAILED or COMPLETED")
	return cmd
}

func newQueueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Reset failed mutations so the next sync retries them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPortal(cmd, func(ctx context.Context, p *portal.Portal) error {
				n, err := p.Engine().RetryFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d failed items reset to pending\n", n)
				return nil
			})
		},
	}
}
