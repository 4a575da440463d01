package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/medportal/core/internal/offline"
	"github.com/kimhsiao/medportal/core/internal/portal"
)

func newClearCacheCmd() *cobra.Command {
	var (
		keepRecent bool
		days       int
	)
	cmd := &cobra.Command{
		Use:   "clear-cache",
		Short: "Remove cached studies, reports and images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPortal(cmd, func(ctx context.Context, p *portal.Portal) error {
				opts := offline.ClearOptions{KeepRecent: keepRecent, DaysToKeep: days}
				if keepRecent && days == 0 {
					opts.DaysToKeep = p.Settings().Get().MaxCacheAgeDays
				}
				if err := p.ClearCache(ctx, opts); err != nil {
					return err
				}
				caps, err := p.GetCapabilities(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cache cleared, %d studies remain\n", caps.StudyCount)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&keepRecent, "keep-recent", false, "keep studies cached within --days")
	cmd.Flags().IntVar(&days, "days", 0, "days to keep with --keep-recent (default: max cache age setting)")
	return cmd
}
