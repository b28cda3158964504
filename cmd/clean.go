package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/fastdl/internal/output"
	"github.com/tanq16/fastdl/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [path]",
		Short: "Remove temporary files left by interrupted downloads",
		Long:  "Remove temporary files left by interrupted downloads. path is an output file or a directory (default current directory).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) > 0 {
				target = args[0]
			}
			removed, err := utils.Clean(target)
			if err != nil {
				return fmt.Errorf("error cleaning up temporary files: %w", err)
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d temporary file(s)", removed))
			return nil
		},
	}
}
