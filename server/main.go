package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"collabtext/awareness"
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
		addr       string
	)

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "CollabText sync server: relays document and presence updates",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logging.Configure(cfg.Logging)
			if verbose {
				logging.SetVerbose()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to collabtext.yml")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logging.NewLogger("server")

	var relay Relay
	if cfg.Server.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddr})
		defer rdb.Close()
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			log.WithError(err).WithField("addr", cfg.Server.RedisAddr).Error("Could not connect to Redis")
			return err
		}
		log.Info("Connected to Redis successfully.")
		relay = NewRedisRelay(rdb, cfg.Server.ChannelPrefix, uuid.NewString(), logging.NewLogger("relay"))
	} else {
		log.Warn("No Redis configured, running as a single instance")
	}

	var sessions SessionLog
	if cfg.Server.DatabaseURL != "" {
		pg, err := NewPostgresSessionLog(ctx, cfg.Server.DatabaseURL)
		if err != nil {
			log.WithError(err).Error("Unable to connect to database")
			return err
		}
		defer pg.Close()
		log.Info("Connected to PostgreSQL successfully.")
		sessions = pg
	} else {
		log.Warn("No database configured, keeping the session log in memory")
	}

	srv := NewServer(relay, sessions, awareness.Options{Timeout: cfg.Awareness.Timeout}, log)
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Router()}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("CollabText sync server starting")
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

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	srv.Shutdown()
	return err
}
