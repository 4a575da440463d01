package commands

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/medportal/core/internal/portal"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a manual sync now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPortal(cmd, func(ctx context.Context, p *portal.Portal) error {
				res, err := p.TriggerManualSync(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				status := "ok"
				if !res.Success {
					status = "failed"
				}
				fmt.Fprintf(out, "Sync %s: %d items, %d conflicts, %s in %s\n",
					status, res.ItemsSynced, res.Conflicts, humanize.IBytes(uint64(res.BytesTransferred)), res.Elapsed)
				for _, e := range res.Errors {
					fmt.Fprintf(out, "  error: %s\n", e)
				}
				if !res.Success {
					return fmt.Errorf("sync finished with %d errors", len(res.Errors))
				}
				return nil
			})
		},
	}
}
