package main

import (
	"github.com/spf13/cobra"

	"github.com/seantiz/stagehand/internal/api"
	"github.com/seantiz/stagehand/internal/engine"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.ListenAddr = addr
			}

			a.logger.Info("stagehand: starting",
				"listen_addr", a.cfg.ListenAddr,
				"db_path", a.cfg.DBPath,
				"version", version,
			)

			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			rt, err := a.runtime(s)
			if err != nil {
				return err
			}
			reg, err := newRegistry()
			if err != nil {
				return err
			}

			eng := engine.NewEngine(rt, reg, a.logger, engine.Options{
				Timeout:   a.cfg.RunTimeout,
				Lifecycle: a.lifecycleOptions(),
			})

			srv := api.NewServer(a.cfg.ListenAddr, s, eng, a.logger, a.cfg.AllowedOrigins)
			return srv.Run()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}
