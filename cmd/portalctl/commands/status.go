package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/medportal/core/internal/portal"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show offline capabilities, queue and last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPortal(cmd, func(ctx context.Context, p *portal.Portal) error {
				st, err := p.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				caps := st.Capabilities

				fmt.Fprintf(out, "%-20s %s of %s (%.0f%%)\n", "Storage:",
					humanize.IBytes(uint64(caps.StorageUsed)), humanize.IBytes(uint64(caps.StorageLimit)), caps.UsageRatio()*100)
				fmt.Fprintf(out, "%-20s %d studies, %d reports, %d images\n", "Cached:",
					caps.StudyCount, caps.ReportCount, caps.ImageCount)
				fmt.Fprintf(out, "%-20s %d entries, %s\n", "Image cache:",
					st.Images.DiskEntries, humanize.IBytes(uint64(st.Images.DiskBytes)))

				states := make([]string, 0, len(st.Queue))
				for s := range st.Queue {
					states = append(states, s)
				}
				sort.Strings(states)
				fmt.Fprintf(out, "%-20s", "Queue:")
				for _, s := range states {
					fmt.Fprintf(out, " %s=%d", s, st.Queue[s])
				}
				fmt.Fprintln(out)
				fmt.Fprintf(out, "%-20s %d\n", "Pending requests:", st.PendingRequests)

				fmt.Fprintf(out, "%-20s %s\n", "Last sync:", lastSync(caps.LastSync))
				fmt.Fprintf(out, "%-20s every %s, wifi only %t, %s\n", "Sync settings:",
					st.Settings.SyncInterval(), st.Settings.WifiOnly, st.Settings.ConflictPolicy)
				return nil
			})
		},
	}
}

func lastSync(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return humanize.Time(*t)
}
