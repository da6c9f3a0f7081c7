package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func (c *cli) mcpCommand() *cobra.Command {
	var workflowsDir string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the weavr MCP tools over stdio",
		Long: "Runs the scheduler and executor without the HTTP API and serves the " +
			"weavr MCP tools on stdin/stdout. Logs go to stderr.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := c.startRuntime(ctx, workflowsDir)
			if err != nil {
				return err
			}
			defer rt.stop()

			if err := rt.mcp.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowsDir, "workflows", "", "deploy every *.yaml/*.yml file in this directory at start")
	return cmd
}
