package restbuddy

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	pg "github.com/edgeflare/restbuddy/pkg/pgx"
	"github.com/edgeflare/restbuddy/pkg/rest"
	"github.com/spf13/cobra"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the routes that would be mounted",
	Long: `Prints the configured routes or, when none are configured, the routes derived from
the database schema.`,
	RunE: runRoutes,
}

func init() {
	f := routesCmd.Flags()
	f.StringP("conn-string", "c", "", "PostgreSQL connection string (rest.pg.connString)")
	f.String("base-url", "", "prefix for resource routes (rest.baseURL)")
	f.StringSlice("schemas", nil, "PostgreSQL schemas to expose (rest.schemas)")
}

func runRoutes(cmd *cobra.Command, args []string) error {
	applyFlags(cmd)

	routes := cfg.Routes
	if len(routes) == 0 {
		var err error
		if routes, err = derivedRoutes(cmd.Context()); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, rc := range routes {
		fmt.Fprintf(w, "%s\t%s%s\n", strings.Join(rc.Methods, ","), cfg.REST.BaseURL, rc.Path)
	}
	return w.Flush()
}

func derivedRoutes(ctx context.Context) ([]rest.RouteConfig, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := pg.Connect(ctx, cfg.REST.PG, logger)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	opts, err := cfg.ServerOptions(logger, nil)
	if err != nil {
		return nil, err
	}
	server, err := rest.NewPostgresServer(ctx, pool, opts)
	if err != nil {
		return nil, err
	}
	defer server.Shutdown(ctx)
	return server.Routes(), nil
}
