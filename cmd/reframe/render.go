package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/maauso/reframe-api/internal/crop"
)

func newRenderCmd(a *app) *cobra.Command {
	var (
		flags   analysisFlags
		plan    string
		planOut string
	)

	cmd := &cobra.Command{
		Use:   "render <video> <output>",
		Short: "Render the reframed video",
		Long: "render analyzes the video and encodes the cropped result. With --plan it skips " +
			"the analysis and renders a plan written earlier by analyze.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dst := args[0], args[1]

			var (
				instructions []crop.Instruction
				r            renderer
			)
			if plan != "" {
				doc, err := readPlan(plan)
				if err != nil {
					return err
				}
				if r, err = a.newRenderer(); err != nil {
					return err
				}
				instructions = doc.Instructions
			} else {
				p, err := a.newPipeline(a.detectorURL, a.logger)
				if err != nil {
					return err
				}
				res, err := a.runAnalysis(cmd.Context(), p, src, &flags)
				if err != nil {
					return err
				}
				if planOut != "" {
					doc := newPlanDocument(src, res, 0)
					if err := writePlanFile(cmd.OutOrStdout(), planOut, doc, formatFromPath(planOut)); err != nil {
						return err
					}
				}
				r = p.renderer
				instructions = res.Instructions
			}

			if len(instructions) == 0 {
				return errNoInstructions
			}

			a.logger.Info("rendering video",
				slog.String("source", src),
				slog.String("output", dst),
				slog.Int("instructions", len(instructions)),
			)
			if err := r.RenderCrop(cmd.Context(), src, dst, instructions); err != nil {
				return fmt.Errorf("render %s: %w", dst, err)
			}

			_, err := fmt.Fprintf(cmd.OutOrStdout(), "rendered %s (%d crop instructions)\n", dst, len(instructions))
			return err
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&plan, "plan", "", "render an existing plan file instead of analyzing")
	cmd.Flags().StringVar(&planOut, "plan-out", "", "also write the computed plan to this file (.json or .yaml)")
	cmd.MarkFlagsMutuallyExclusive("plan", "plan-out")
	return cmd
}
