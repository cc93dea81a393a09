package restbuddy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/restbuddy/pkg/metrics"
	"github.com/edgeflare/restbuddy/pkg/model"
	"github.com/edgeflare/restbuddy/pkg/notify"
	"github.com/edgeflare/restbuddy/pkg/pglogrepl"
	pg "github.com/edgeflare/restbuddy/pkg/pgx"
	"github.com/edgeflare/restbuddy/pkg/rest"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Connects to PostgreSQL, derives resources from the exposed schemas and serves
them until interrupted. Mutations are published when notify is configured.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("conn-string", "c", "", "PostgreSQL connection string (rest.pg.connString)")
	f.StringP("listen", "l", "", "listen address (rest.listenAddr)")
	f.String("base-url", "", "prefix for resource routes (rest.baseURL)")
	f.StringSlice("schemas", nil, "PostgreSQL schemas to expose (rest.schemas)")
	f.Bool("metrics", false, "serve Prometheus metrics (metrics.enabled)")
}

// applyFlags overrides the loaded config with flags given on the command line.
func applyFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("conn-string") {
		cfg.REST.PG.ConnString, _ = f.GetString("conn-string")
	}
	if f.Changed("listen") {
		cfg.REST.ListenAddr, _ = f.GetString("listen")
	}
	if f.Changed("base-url") {
		cfg.REST.BaseURL, _ = f.GetString("base-url")
	}
	if f.Changed("schemas") {
		cfg.REST.Schemas, _ = f.GetStringSlice("schemas")
	}
	if f.Changed("metrics") {
		cfg.Metrics.Enabled, _ = f.GetBool("metrics")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	applyFlags(cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pg.Connect(ctx, cfg.REST.PG, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	publisher, err := notify.New(cfg.Notify, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("closing publisher", zap.Error(err))
		}
	}()

	// with replication enabled, changes are published from the WAL only
	var dispatchPublisher notify.Publisher = publisher
	if cfg.Replication.Enabled {
		dispatchPublisher = notify.Nop{}
	}

	opts, err := cfg.ServerOptions(logger, dispatchPublisher)
	if err != nil {
		return err
	}
	server, err := rest.NewPostgresServer(ctx, pool, opts)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &cfg.Metrics.PromServerOpts, logger)
	}
	if cfg.Replication.Enabled {
		if err := startReplication(ctx, &wg, server.Registry(), publisher); err != nil {
			server.Shutdown(ctx)
			return err
		}
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("serving", zap.String("addr", cfg.REST.ListenAddr), zap.Int("routes", len(server.Routes())))
		errc <- server.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received termination signal")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	stop()
	wg.Wait()

	if serveErr == nil {
		logger.Info("server gracefully stopped")
	}
	return serveErr
}

// startReplication relays WAL changes of the exposed tables to p until ctx is done.
func startReplication(ctx context.Context, wg *sync.WaitGroup, registry model.Registry, p notify.Publisher) error {
	rc := cfg.Replication
	if len(rc.Tables) == 0 {
		rc.Tables = pglogrepl.TablesForSchemas(cfg.REST.Schemas)
	}

	conn, err := pglogrepl.Connect(ctx, cfg.REST.PG.ConnString)
	if err != nil {
		return err
	}
	log := logger.Named("replication")
	changes, err := pglogrepl.Stream(ctx, conn, rc, log)
	if err != nil {
		conn.Close(context.Background())
		return err
	}
	log.Info("streaming changes", zap.String("slot", rc.Slot), zap.Strings("tables", rc.Tables))

	wg.Add(1)
	go func() {
		defer wg.Done()
		pglogrepl.Relay(ctx, changes, registry, p, log)
		conn.Close(context.Background())
	}()
	return nil
}
