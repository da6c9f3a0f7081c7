package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func (c *cli) actionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List registered actions and triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACTION\tDESCRIPTION")
			for id, act := range a.registry.Actions() {
				fmt.Fprintf(w, "%s\t%s\n", id, act.Description())
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "TRIGGER\tKIND\tDESCRIPTION")
			for id, t := range a.registry.Triggers() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", id, t.Kind(), t.Description())
			}
			return w.Flush()
		},
	}
}
