package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openweavr/weavr/internal/engine"
	"github.com/openweavr/weavr/internal/parser"
	"github.com/openweavr/weavr/pkg/schema"
)

func (c *cli) runCommand() *cobra.Command {
	var payloadJSON string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow once and print the run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := parseFile(args[0])
			if err != nil {
				return err
			}
			payload := map[string]any{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("--payload must be a JSON object: %w", err)
				}
			}

			a, err := c.newApp(cmd.Context(), appOptions{toolServers: true})
			if err != nil {
				return err
			}
			defer a.close()

			var obs engine.Observer
			if !quiet {
				errOut := cmd.ErrOrStderr()
				obs = engine.ObserverFuncs{
					Log: func(_, stepID, msg string) {
						fmt.Fprintf(errOut, "[%s] %s\n", stepID, msg)
					},
					StepComplete: func(_, stepID string, r schema.StepResult) {
						fmt.Fprintf(errOut, "[%s] %s\n", stepID, r.Status)
					},
				}
			}
			executor, err := a.newExecutor(obs)
			if err != nil {
				return err
			}
			defer executor.Shutdown()

			run := executor.Execute(cmd.Context(), wf, payload)
			a.logger.Debug("run finished", zap.String("run_id", run.ID), zap.String("status", string(run.Status)))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(run); err != nil {
				return err
			}
			if run.Status != schema.RunStatusCompleted {
				return fmt.Errorf("run %s %s: %s", run.ID, run.Status, run.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "trigger payload as a JSON object")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print step progress")
	return cmd
}

func parseFile(path string) (*schema.Workflow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parser.ParseReader(f)
}
