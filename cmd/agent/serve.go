package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/polzovatel/browser-task-agent/internal/server"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept tasks over HTTP and stream their steps over WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			reg := prometheus.NewRegistry()
			s, err := buildStack(cmd.Context(), cfg, reg, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			srv, err := server.New(s.runner, server.Options{
				MaxConcurrentRuns: cfg.Server.MaxConcurrentRuns,
				RunCacheSize:      cfg.Server.RunCacheSize,
				Gatherer:          reg,
			}, s.logger)
			if err != nil {
				return err
			}
			return srv.Serve(cmd.Context(), cfg.Server.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, :8080)")
	return cmd
}
