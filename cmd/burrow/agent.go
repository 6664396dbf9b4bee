package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent --token TOKEN",
	Short: "Run the worker agent on a data node",
	Long: `Run the burrow agent on a data node.

The agent registers with the cluster, heartbeats and receives the pipe
metadata that managers push after each committed change. Pushed pipes are
kept in agent.db under the data directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		managerAddr, _ := cmd.Flags().GetString("manager")
		listen, _ := cmd.Flags().GetString("listen")
		advertise, _ := cmd.Flags().GetString("advertise")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		token, _ := cmd.Flags().GetString("token")
		heartbeat, _ := cmd.Flags().GetDuration("heartbeat")
		labels, _ := cmd.Flags().GetStringToString("label")

		if token == "" {
			return fmt.Errorf("--token is required")
		}
		if nodeID == "" {
			nodeID = "worker-" + uuid.NewString()[:8]
		}

		w, err := worker.NewWorker(worker.Config{
			NodeID:            nodeID,
			ManagerAddr:       managerAddr,
			ListenAddr:        listen,
			AdvertiseAddr:     advertise,
			DataDir:           dataDir,
			JoinToken:         token,
			Labels:            labels,
			HeartbeatInterval: heartbeat,
		})
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := w.Start(ctx); err != nil {
			return err
		}
		logger := log.WithComponent("main")
		logger.Info().Str("node_id", nodeID).Str("addr", w.Addr()).Msg("Agent is running")

		<-ctx.Done()
		logger.Info().Msg("Shutting down")
		w.Stop()
		return nil
	},
}

func init() {
	agentCmd.Flags().String("node-id", "", "Unique node ID (default: generated)")
	agentCmd.Flags().String("listen", "0.0.0.0:7070", "Address for the agent gRPC service")
	agentCmd.Flags().String("advertise", "", "Address managers push to (default: listen address)")
	agentCmd.Flags().String("data-dir", "./burrow-agent", "Data directory for pushed pipes")
	agentCmd.Flags().String("token", "", "Worker join token")
	agentCmd.Flags().Duration("heartbeat", 5*time.Second, "Heartbeat interval")
	agentCmd.Flags().StringToString("label", nil, "Node labels (key=value)")
}
