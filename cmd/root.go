package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "arbiter",
	Short: "Wake-word arbitration and service-health degradation",
	Long: `Coordinates which of several always-listening devices answers a wake
phrase, and broadcasts backend health so every device degrades predictably.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
