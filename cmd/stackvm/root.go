package main

import (
	"github.com/spf13/cobra"
)

// rootFlags are persistent overrides layered on top of the environment
// configuration.
type rootFlags struct {
	storeRoot string
	dbURI     string
	verbose   bool
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "stackvm",
		Short: "Plan execution engine with git-like state history",
		Long: `stackvm interprets LLM-generated plans step by step, committing the
machine state after every instruction so a run can be inspected, forked
and resumed like a git history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.storeRoot, "store", "", "filesystem store root (overrides STORE_ROOT)")
	rootCmd.PersistentFlags().StringVar(&flags.dbURI, "db-uri", "", "Postgres DSN (overrides DATABASE_URI)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newExecuteCommand(flags))
	rootCmd.AddCommand(newServeCommand(flags))
	rootCmd.AddCommand(newNamespaceCommand(flags))
	return rootCmd
}
