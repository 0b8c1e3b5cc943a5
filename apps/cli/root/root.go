package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the Narthex admin CLI. Subcommands
// (auth, tenant) are attached here.
var rootCmd = &cobra.Command{
	Use:           "narthex",
	Short:         "Narthex admin CLI",
	Long:          "Administrative utilities for Narthex (super-admin tokens, tenant lifecycle, audit).",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
