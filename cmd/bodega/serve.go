package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zulandar/bodega/internal/api"
	"github.com/zulandar/bodega/internal/broker"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Bodega API server",
		Long:  "Serves the REST API. Registered item types validate new orders, so the server needs the same item-type config as the workers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	codec, err := loadCodec()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := broker.New(ctx, cfg, codec, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	if port == 0 {
		port = cfg.API.Port
	}
	return api.Start(ctx, api.StartOpts{
		DB:     gormDB,
		Orders: b.Orders,
		Codec:  codec,
		Port:   port,
		Out:    cmd.OutOrStdout(),
	})
}
