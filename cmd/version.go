package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oddnetworks/oddworks/internal/build"
)

// NewVersionCommand returns the command to get the oddworks version.
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the oddworks version",
		Long:  "Return the oddworks version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(cmd *cobra.Command, _ []string) error {
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "oddworks version %s date %s commit id %s\n", build.Version, build.Date, build.Commit)
	return err
}
