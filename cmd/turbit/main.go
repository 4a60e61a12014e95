// Command turbit runs registered functions across worker processes, either
// once from the command line or behind an HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/turbit"
)

func main() {
	// Workers are this binary re-executed; they never get past Init.
	turbit.Init()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "turbit:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "turbit",
		Short:         "Run a function across every CPU core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newServeCmd(), newFuncsCmd())
	return root
}

func newFuncsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "funcs",
		Short: "List the registered functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range turbit.Functions() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
