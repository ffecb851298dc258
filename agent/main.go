package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"collabtext/config"
	"collabtext/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		verbose    bool
	)

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		logging.Configure(cfg.Logging)
		if verbose {
			logging.SetVerbose()
		}
		return cfg, nil
	}

	cmd := &cobra.Command{
		Use:          "agent",
		Short:        "CollabText agent: serves the editor UI and syncs presence with the server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to collabtext.yml")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	cmd.AddCommand(newPeersCmd(load))
	return cmd
}

func newPeersCmd(load func() (*config.Config, error)) *cobra.Command {
	var prune time.Duration

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List agents discovered on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			cache, err := OpenPeerCache(cfg.Agent.PeerDB)
			if err != nil {
				return err
			}
			defer cache.Close()

			if prune > 0 {
				n, err := cache.Prune(time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Pruned %d peers\n", n)
			}

			peers, err := cache.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tADDRESS\tDOC\tLAST SEEN")
			for _, p := range peers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Instance, p.Address(), p.DocID, p.LastSeen.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&prune, "prune", 0, "Forget peers not seen for this long")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logging.NewLogger("agent")

	agent, err := newAgent(cfg, log)
	if err != nil {
		return err
	}
	// the upstream outlives ctx so Shutdown can still send the departure
	agent.Start(context.Background())
	defer agent.Shutdown()

	peers, err := OpenPeerCache(cfg.Agent.PeerDB)
	if err != nil {
		log.WithError(err).Warn("Peer cache unavailable, discovered peers will not be remembered")
	} else {
		defer peers.Close()
	}

	port, err := listenPort(cfg.Agent.Addr)
	if err != nil {
		return err
	}
	disc := newDiscovery(cfg.Agent.Service, agent.store.ClientID(), port, cfg.Agent.DocID, peers, logging.NewLogger("discovery"))
	go func() {
		if err := disc.Run(ctx); err != nil {
			log.WithError(err).Warn("mDNS discovery disabled")
		}
	}()

	httpServer := &http.Server{Addr: cfg.Agent.Addr, Handler: agent.Router()}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Agent.Addr).Info("CollabText agent is running")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Failed to start server")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down agent...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid agent address %q: %w", addr, err)
	}
	return strconv.Atoi(p)
}
