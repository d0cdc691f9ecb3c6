package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAnalyzeCmd(a *app) *cobra.Command {
	var (
		flags  analysisFlags
		format string
		output string
		fps    float64
	)

	cmd := &cobra.Command{
		Use:   "analyze <video>",
		Short: "Plan the crop window for a video",
		Long: "analyze samples the video, runs detection and prints the crop plan: the crop " +
			"dimensions, the time-ranged crop rectangles and run statistics.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != formatJSON && format != formatYAML {
				return fmt.Errorf("%w: %q", errUnknownFormat, format)
			}

			p, err := a.newPipeline(a.detectorURL, a.logger)
			if err != nil {
				return err
			}
			res, err := a.runAnalysis(cmd.Context(), p, args[0], &flags)
			if err != nil {
				return err
			}
			return writePlanFile(cmd.OutOrStdout(), output, newPlanDocument(args[0], res, fps), format)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", formatJSON, "output format: json or yaml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the plan to a file instead of stdout")
	cmd.Flags().Float64Var(&fps, "fps", 0, "also list one crop rectangle per frame at this frame rate")
	return cmd
}
