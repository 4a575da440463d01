// Command portald runs the offline-sync core as a local service. The portal
// UI talks to it over REST on the loopback interface and receives sync
// events over a WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/medportal/core/cmd/portald/handlers"
	"github.com/kimhsiao/medportal/core/internal/config"
	"github.com/kimhsiao/medportal/core/internal/crypto"
	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/portal"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	listenAddr string
)

var rootCmd = &cobra.Command{
	Use:   "portald",
	Short: "Patient portal offline-sync service",
	Long: `Runs the local store, network and resource monitors, background sync and
image pipeline behind a loopback REST API.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (default $HOME/.medportal/config.yaml)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address, overrides listen-addr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var gatherer prometheus.Gatherer
	if cfg.MetricsEnabled {
		gatherer = reg
	}

	tokens := handlers.NewTokenStore(os.Getenv("MEDPORTAL_ACCESS_TOKEN"), crypto.NewVault(cfg.VaultDir(), nil))
	p, err := portal.New(portal.Options{
		Config:     cfg,
		Token:      tokens.Token,
		Registerer: reg,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p.Start(ctx)
	hub := NewWSHub()
	defer hub.Close()
	detach := hub.Attach(p)
	defer detach()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(p, tokens, hub, gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logging.Info("Portal service listening", map[string]interface{}{"addr": cfg.ListenAddr})
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Shutting down portal service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
