package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prismcli/prism/pkg/mcp"
	"github.com/prismcli/prism/pkg/server"
)

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start prism as an MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			return mcp.New(e, version, a.logger().Named("mcp")).Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an OpenAI-compatible image generation endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Serve.Listen = listen
			}
			e, err := a.engine()
			if err != nil {
				return err
			}

			log := a.logger().Named("server")
			log.Info("starting prism server", zap.String("config", a.path()))
			return server.New(e, log).ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (default from config)")
	return cmd
}
