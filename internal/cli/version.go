package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vanderheijden86/annosync/pkg/version"
)

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "annosync %s\n", version.String())
			return nil
		},
	}
}
