package main

import (
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// NewRootCmd returns a new root command
func NewRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "peinspect",
		Short:         "Inspect PE images and their CLI metadata",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// BuildRoot creates the root command with every subcommand attached.
func BuildRoot() *cobra.Command {
	rootCmd := NewRootCmd()
	globalFlags := SetGlobalFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return globalFlags.Load(cmd)
	}

	rootCmd.AddCommand(NewHeadersCmd(globalFlags))
	rootCmd.AddCommand(NewSectionsCmd(globalFlags))
	rootCmd.AddCommand(NewSectionCmd(globalFlags))
	rootCmd.AddCommand(NewMethodCmd(globalFlags))
	rootCmd.AddCommand(NewReportCmd(globalFlags))
	rootCmd.AddCommand(NewIndexCmd(globalFlags))
	rootCmd.AddCommand(NewVersionCmd())
	return rootCmd
}
