// Command weavr runs workflow automation: a long-running server that binds
// deployed workflows to their triggers, plus one-shot run and validate tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type cli struct {
	configFile string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "weavr",
		Short:         "Workflow automation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "path to config file (default ./weavr.yaml or ~/.weavr/weavr.yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		c.serveCommand(),
		c.runCommand(),
		c.validateCommand(),
		c.actionsCommand(),
		c.mcpCommand(),
		c.graphCommand(),
		versionCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
