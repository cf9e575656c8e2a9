package root

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docker/agentlab/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Print the version",
		GroupID: "advanced",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", APP_NAME, version.String())
		},
	}
}
