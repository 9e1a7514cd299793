package peercmd

import "github.com/spf13/cobra"

// Cmd returns the parent "vpsmesh peer" command.
func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Manage clients of the mesh server",
	}

	cmd.AddCommand(addCmd())
	cmd.AddCommand(listCmd())
	return cmd
}
