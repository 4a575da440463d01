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

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve sync conflicts",
	}
	cmd.AddCommand(newConflictsListCmd(), newConflictsResolveCmd())
	return cmd
}

func newConflictsListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unresolved conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPortal(cmd, func(ctx context.Context, p *portal.Portal) error {
				conflicts, err := p.Engine().Conflicts(ctx, !all)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(conflicts) == 0 {
					fmt.Fprintln(out, "No conflicts")
					return nil
				}

				fmt.Fprintf(out, "%-36s %-12s %-20s %-16s %s\n", "ID", "KIND", "ENTITY", "DETECTED", "RESOLUTION")
				fmt.Fprintln(out, strings.Repeat("-", 100))
				for _, c := range conflicts {
					resolution := "-"
					if c.Resolved {
						resolution = string(c.Resolution)
					}
					fmt.Fprintf(out, "%-36s %-12s %-20s %-16s %s\n",
						c.ID, c.EntityKind, c.EntityID, humanize.Time(time.Unix(c.DetectedAt, 0)), resolution)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	return cmd
}

func newConflictsResolveCmd() *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict with an explicit policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pol := models.ConflictPolicy(strings.ToUpper(policy))
			if !pol.Valid() {
				return fmt.Errorf("unknown policy %q: want SERVER_WINS, CLIENT_WINS or MERGE", policy)
			}
			return withPortal(cmd, func(ctx context.Context, p *portal.Portal) error {
				if err := p.Engine().ResolveConflict(ctx, args[0], pol); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Conflict %s resolved with %s\n", args[0], pol)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&policy, "policy", string(models.PolicyServerWins), "SERVER_WINS, CLIENT_WINS or MERGE")
	return cmd
}
