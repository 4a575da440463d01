package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/medportal/core/internal/config"
	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/portal"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change user settings",
	}
	cmd.AddCommand(newSettingsShowCmd(), newSettingsSetCmd())
	return cmd
}

func printSettings(cmd *cobra.Command, s config.Settings) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-16s %d minutes\n", "sync-interval", s.SyncIntervalMinutes)
	fmt.Fprintf(out, "%-16s %t\n", "wifi-only", s.WifiOnly)
	fmt.Fprintf(out, "%-16s %s\n", "max-cache", humanize.IBytes(uint64(s.MaxCacheBytes)))
	fmt.Fprintf(out, "%-16s %d days\n", "max-cache-age", s.MaxCacheAgeDays)
	fmt.Fprintf(out, "%-16s %s\n", "conflict-policy", s.ConflictPolicy)
	fmt.Fprintf(out, "%-16s %t\n", "low-data", s.LowDataMode)
}

func newSettingsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPortal(cmd, func(_ context.Context, p *portal.Portal) error {
				printSettings(cmd, p.Settings().Get())
				return nil
			})
		},
	}
}

func newSettingsSetCmd() *cobra.Command {
	var (
		interval int
		wifiOnly bool
		maxCache string
		maxAge   int
		policy   string
		lowData  bool
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change settings; only flags given are updated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cacheBytes uint64
			if cmd.Flags().Changed("max-cache") {
				n, err := humanize.ParseBytes(maxCache)
				if err != nil {
					return fmt.Errorf("invalid --max-cache: %w", err)
				}
				cacheBytes = n
			}
			flags := cmd.Flags()
			return withPortal(cmd, func(_ context.Context, p *portal.Portal) error {
				next, err := p.Settings().Update(func(s *config.Settings) {
					if flags.Changed("sync-interval") {
						s.SyncIntervalMinutes = interval
					}
					if flags.Changed("wifi-only") {
						s.WifiOnly = wifiOnly
					}
					if flags.Changed("max-cache") {
						s.MaxCacheBytes = int64(cacheBytes)
					}
					if flags.Changed("max-cache-age") {
						s.MaxCacheAgeDays = maxAge
					}
					if flags.Changed("conflict-policy") {
						s.ConflictPolicy = models.ConflictPolicy(strings.ToUpper(policy))
					}
					if flags.Changed("low-data") {
						s.LowDataMode = lowData
					}
				})
				if err != nil {
					return err
				}
				printSettings(cmd, next)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&interval, "sync-interval", 0, "minutes between automatic syncs")
	cmd.Flags().BoolVar(&wifiOnly, "wifi-only", false, "sync only on wifi or ethernet")
	cmd.Flags().StringVar(&maxCache, "max-cache", "", "cache size limit, e.g. 500MiB")
	cmd.Flags().IntVar(&maxAge, "max-cache-age", 0, "days before cached studies expire")
	cmd.Flags().StringVar(&policy, "conflict-policy", "", "SERVER_WINS, CLIENT_WINS or MERGE")
	cmd.Flags().BoolVar(&lowData, "low-data", false, "reduce network usage")
	return cmd
}
