// Package cmd provides the command-line interface of kernelsim.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kernelsim",
	Short: "kernelsim runs programs on a simulated xv6-style kernel.",
	Long: `kernelsim boots a simulated kernel with a weighted fair scheduler, ` +
		`demand paging to a swap device and memory-mapped areas, and runs ` +
		`one of its built-in scenarios to completion.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Exit handlers, such as recorder flushes, run before the
// process exits.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
