// Command taskprocessor runs a task processor node and talks to a running cluster.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is the CLI version.
const Version = "0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "taskprocessor",
	Short:         "Distributed task processor node",
	Long:          `taskprocessor runs a cluster node that heartbeats, elects a master and executes assigned tasks, and sends administrative requests to a running cluster.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (env TASKCLUSTER_* overrides)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
