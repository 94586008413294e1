package main

import (
	"github.com/spf13/cobra"

	"github.com/meigma/imgpull/internal/hub"
	"github.com/meigma/imgpull/internal/metrics"
	"github.com/meigma/imgpull/internal/server"
)

func newServeCommand(a *app) *cobra.Command {
	var (
		addr    string
		origins []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.ListenAddress = addr
			}
			if len(origins) > 0 {
				a.cfg.AllowedOrigins = origins
			}
			collector := metrics.New()
			client, err := a.newClient(collector)
			if err != nil {
				return err
			}

			if limit := a.cfg.CacheMaxBytes; limit > 0 {
				freed, remaining, err := client.Store().Prune(limit)
				if err != nil {
					a.logger.Warn("cache prune failed", "error", err)
				} else {
					a.logger.Info("cache pruned", "freed", freed, "remaining", remaining)
				}
			}

			h := hub.New(
				hub.WithBaseURL(a.cfg.HubURL),
				hub.WithHTTPClient(a.cfg.HTTPClient()),
				hub.WithLogger(a.logger),
			)
			srv := server.New(client,
				server.WithHub(h),
				server.WithMetrics(collector.Handler()),
				server.WithCheckOrigin(server.AllowOrigins(a.cfg.AllowedOrigins...)),
				server.WithLogger(a.logger),
			)
			return srv.ListenAndServe(cmd.Context(), a.cfg.ListenAddress)
		},
	}
	cmd.Flags().StringVarP(&addr, "listen", "l", "", "listen address (overrides listen_address)")
	cmd.Flags().StringSliceVar(&origins, "allowed-origin", nil, "extra origin accepted for WebSocket upgrades, repeatable (overrides allowed_origins)")
	return cmd
}
