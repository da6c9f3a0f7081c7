package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/pkg/schema"
)

func (c *cli) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>...",
		Short: "Check workflow files for parse errors and unknown actions or triggers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			failed := 0
			out := cmd.OutOrStdout()
			for _, path := range args {
				if err := validateFile(a.registry, path); err != nil {
					failed++
					fmt.Fprintf(out, "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "%s: ok\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d workflows invalid", failed, len(args))
			}
			return nil
		},
	}
}

// validateFile parses path and resolves every action and the trigger against
// reg. All resolution failures are reported together.
func validateFile(reg *registry.Registry, path string) error {
	wf, err := parseFile(path)
	if err != nil {
		return err
	}
	var errs []error
	if wf.Trigger != nil {
		if _, err := reg.LookupTrigger(wf.Trigger.Type); err != nil {
			errs = append(errs, err)
		}
	}
	for _, step := range wf.Steps {
		if _, err := reg.LookupAction(step.Action); err != nil {
			var se *schema.Error
			if errors.As(err, &se) {
				err = se.WithStep(step.ID)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
