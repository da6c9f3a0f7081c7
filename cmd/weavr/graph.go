package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openweavr/weavr/internal/diagram"
)

func (c *cli) graphCommand() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "graph <workflow.yaml>",
		Short: "Draw a workflow's step graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := parseFile(args[0])
			if err != nil {
				return err
			}
			model, err := diagram.Build(wf, nil)
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "ascii":
				data = []byte(diagram.RenderASCII(model))
			case "mermaid":
				data = []byte(diagram.RenderMermaid(model))
			case "png", "svg":
				if out == "" {
					return fmt.Errorf("--out is required for %s output", format)
				}
				data, err = diagram.RenderImage(cmd.Context(), model, diagram.ImageFormat(format))
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q (ascii, mermaid, png, svg)", format)
			}

			if out != "" {
				return os.WriteFile(out, data, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "ascii", "ascii, mermaid, png or svg")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	return cmd
}
