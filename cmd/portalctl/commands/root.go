// Package commands implements portalctl, the maintenance CLI for the local
// offline store.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/medportal/core/internal/config"
	"github.com/kimhsiao/medportal/core/internal/crypto"
	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/portal"
)

// tokenEnv names the variable holding the bearer token for backend calls.
// Without it the token saved by portald is used.
const tokenEnv = "MEDPORTAL_ACCESS_TOKEN"

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "portalctl",
		Short: "Inspect and maintain the patient portal offline store",
		Long: `Operates directly on the local data directory: cached studies, the
mutation queue, sync conflicts and settings. Stop portald first; the request
queue can only be opened by one process.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file (default $HOME/.medportal/config.yaml)")

	root.AddCommand(
		newStatusCmd(),
		newSyncCmd(),
		newClearCacheCmd(),
		newQueueCmd(),
		newConflictsCmd(),
		newSettingsCmd(),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openPortal builds a Portal from the config at path without starting its
// background work.
func openPortal(path string) (*portal.Portal, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	vault := crypto.NewVault(cfg.VaultDir(), nil)
	return portal.New(portal.Options{
		Config: cfg,
		Token: func(context.Context) (string, error) {
			if t := os.Getenv(tokenEnv); t != "" {
				return t, nil
			}
			if t, err := vault.Load(crypto.SessionAccount); err == nil {
				return t, nil
			}
			return "", apperrors.New(apperrors.ErrAuth, "not signed in; set "+tokenEnv)
		},
	})
}

// withPortal opens a Portal for the duration of fn.
func withPortal(cmd *cobra.Command, fn func(ctx context.Context, p *portal.Portal) error) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	p, err := openPortal(path)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(cmd.Context(), p)
}
