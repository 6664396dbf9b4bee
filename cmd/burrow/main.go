package main

import (
	"fmt"
	"os"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - distributed pipe metadata management",
	Long: `Burrow manages the lifecycle of data pipes across a cluster.

Every change to a pipe runs as a multi-phase procedure (validate,
prepare, commit, propagate) that is persisted after each phase, resumed
after a crash and rolled back in reverse order when a phase fails.
Managers agree on committed metadata through raft and push it to the
agents running on every data node.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{
			Level:      log.Level(level),
			JSONOutput: jsonOut,
			Output:     os.Stderr,
		})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().String("manager", "127.0.0.1:8080", "Manager API address used by client commands")

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(pipeCmd)
	rootCmd.AddCommand(procedureCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(applyCmd)
}
